// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/hashicorp/tether/internal/errors"
)

// controlSchemas maps a control frame type to a factory for its payload
// struct and a post-decode validation check.
var controlSchemas = map[string]struct {
	newPayload func() any
	check      func(any) error
}{
	TypeHandshake: {
		newPayload: func() any { return &Handshake{} },
		check: func(p any) error {
			h := p.(*Handshake)
			if h.Token == "" && h.MtlsCommonName == "" {
				return fmt.Errorf("handshake requires a token or an mtls identity")
			}
			return nil
		},
	},
	TypeRegister: {
		newPayload: func() any { return &Register{} },
		check:      func(any) error { return nil },
	},
	TypeSessionAccept: {
		newPayload: func() any { return &SessionAccept{} },
		check: func(p any) error {
			a := p.(*SessionAccept)
			if a.SessionId == "" {
				return fmt.Errorf("session.accept requires session_id")
			}
			if a.SessionToken == "" {
				return fmt.Errorf("session.accept requires session_token")
			}
			return nil
		},
	},
	TypeResume: {
		newPayload: func() any { return &Resume{} },
		check: func(p any) error {
			r := p.(*Resume)
			if r.SessionId == "" {
				return fmt.Errorf("resume requires session_id")
			}
			if r.SessionToken == "" {
				return fmt.Errorf("resume requires session_token")
			}
			return nil
		},
	},
	TypeReset: {
		newPayload: func() any { return &Reset{} },
		check:      func(any) error { return nil },
	},
	TypeDrain: {
		newPayload: func() any { return &Drain{} },
		check:      func(any) error { return nil },
	},
	TypeAck: {
		newPayload: func() any { return &Ack{} },
		check: func(p any) error {
			a := p.(*Ack)
			if a.For == "" {
				return fmt.Errorf("ack requires for")
			}
			return nil
		},
	},
	TypeHeartbeat: {
		newPayload: func() any { return &Heartbeat{} },
		check:      func(any) error { return nil },
	},
	TypeError: {
		newPayload: func() any { return &Error{} },
		check: func(p any) error {
			e := p.(*Error)
			if e.Code == "" {
				return fmt.Errorf("error requires code")
			}
			return nil
		},
	},
}

// Validate parses a raw frame and validates it against the envelope shape
// before any type-specific payload validation.  It returns a typed error
// (errors.UnknownCommand for an unrecognized type, errors.Internal for a
// malformed frame or payload) and never panics; callers must branch on the
// result.  Validation is pure: no session or registry state is touched.
func Validate(ctx context.Context, raw []byte) (*Envelope, error) {
	const op = "protocol.Validate"
	if len(raw) == 0 {
		return nil, errors.New(ctx, errors.Internal, op, "empty frame", errors.WithoutEvent())
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.New(ctx, errors.Internal, op, fmt.Sprintf("malformed frame: %v", err), errors.WithoutEvent())
	}
	if err := validateShape(ctx, &env); err != nil {
		return nil, err
	}
	switch {
	case env.IsControl():
		if _, err := DecodeControl(ctx, &env); err != nil {
			return nil, err
		}
	case env.IsBusiness():
		// opaque payloads still have to be a JSON object
		if len(env.Payload) > 0 && !json.Valid(env.Payload) {
			return nil, errors.New(ctx, errors.InvalidPackage, op, fmt.Sprintf("business payload for %s is not valid json", env.Type), errors.WithoutEvent())
		}
	}
	return &env, nil
}

func validateShape(ctx context.Context, env *Envelope) error {
	const op = "protocol.validateShape"
	switch {
	case env.Type == "":
		return errors.New(ctx, errors.Internal, op, "missing type", errors.WithoutEvent())
	case env.Id == "":
		return errors.New(ctx, errors.Internal, op, "missing id", errors.WithoutEvent())
	case env.Ts.IsZero():
		return errors.New(ctx, errors.Internal, op, "missing ts", errors.WithoutEvent())
	case env.Tenant == "":
		return errors.New(ctx, errors.Internal, op, "missing tenant", errors.WithoutEvent())
	case env.Sender.Id == "":
		return errors.New(ctx, errors.Internal, op, "missing sender id", errors.WithoutEvent())
	}
	if !strings.HasPrefix(env.Type, ControlNamespace) && !env.IsBusiness() {
		return errors.New(ctx, errors.UnknownCommand, op, fmt.Sprintf("%q is not in a known namespace", env.Type), errors.WithoutEvent())
	}
	return nil
}

// DecodeControl decodes and checks the payload of a control frame using the
// schema keyed by the envelope's type.  An unregistered control type returns
// errors.UnknownCommand; a payload that fails to decode or fails its check
// returns errors.Internal.
func DecodeControl(ctx context.Context, env *Envelope) (any, error) {
	const op = "protocol.DecodeControl"
	schema, ok := controlSchemas[env.Type]
	if !ok {
		return nil, errors.New(ctx, errors.UnknownCommand, op, fmt.Sprintf("unknown control type %q", env.Type), errors.WithoutEvent())
	}
	var fields map[string]any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &fields); err != nil {
			return nil, errors.New(ctx, errors.Internal, op, fmt.Sprintf("malformed %s payload: %v", env.Type, err), errors.WithoutEvent())
		}
	}
	payload := schema.newPayload()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           payload,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	if err := dec.Decode(fields); err != nil {
		return nil, errors.New(ctx, errors.Internal, op, fmt.Sprintf("unable to decode %s payload: %v", env.Type, err), errors.WithoutEvent())
	}
	if err := schema.check(payload); err != nil {
		return nil, errors.New(ctx, errors.Internal, op, err.Error(), errors.WithoutEvent())
	}
	return payload, nil
}

// DecodeDispatch decodes the payload of a biz.cmd.dispatch frame. Payload
// problems surface as errors.InvalidPackage since the frame shape itself
// already validated.
func DecodeDispatch(ctx context.Context, env *Envelope) (*Dispatch, error) {
	const op = "protocol.DecodeDispatch"
	if env.Type != TypeDispatch {
		return nil, errors.New(ctx, errors.InvalidParameter, op, fmt.Sprintf("envelope type %q is not a dispatch", env.Type), errors.WithoutEvent())
	}
	var d Dispatch
	if err := decodeBiz(ctx, env, &d); err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	if d.TaskId == "" {
		return nil, errors.New(ctx, errors.InvalidPackage, op, "dispatch requires task_id", errors.WithoutEvent())
	}
	if d.Command == "" {
		return nil, errors.New(ctx, errors.InvalidPackage, op, "dispatch requires command", errors.WithoutEvent())
	}
	return &d, nil
}

// DecodeResult decodes the payload of a biz.result frame.
func DecodeResult(ctx context.Context, env *Envelope) (*Result, error) {
	const op = "protocol.DecodeResult"
	if env.Type != TypeResult {
		return nil, errors.New(ctx, errors.InvalidParameter, op, fmt.Sprintf("envelope type %q is not a result", env.Type), errors.WithoutEvent())
	}
	var r Result
	if err := decodeBiz(ctx, env, &r); err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	switch r.Status {
	case ResultStatusSucceeded, ResultStatusFailed:
	default:
		return nil, errors.New(ctx, errors.InvalidPackage, op, fmt.Sprintf("result status %q is not valid", r.Status), errors.WithoutEvent())
	}
	return &r, nil
}

func decodeBiz(ctx context.Context, env *Envelope, out any) error {
	const op = "protocol.decodeBiz"
	var fields map[string]any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &fields); err != nil {
			return errors.New(ctx, errors.InvalidPackage, op, fmt.Sprintf("malformed %s payload: %v", env.Type, err), errors.WithoutEvent())
		}
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	if err := dec.Decode(fields); err != nil {
		return errors.New(ctx, errors.InvalidPackage, op, fmt.Sprintf("unable to decode %s payload: %v", env.Type, err), errors.WithoutEvent())
	}
	return nil
}
