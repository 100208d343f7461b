// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package protocol implements the shared envelope codec and validator for
// frames exchanged between the scheduler and its workers.  Every frame on the
// wire is an Envelope; the payload schema is keyed by the envelope's type.
package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/ids"
)

// Type namespaces.  control.* frames are interpreted by the session layer;
// biz.* and ext.vendor.* payloads are opaque to control logic but still pass
// envelope validation and ride the reliability engine.
const (
	ControlNamespace   = "control."
	BizNamespace       = "biz."
	ExtVendorNamespace = "ext.vendor."
)

// Envelope flags.
const (
	// FlagAckRequest asks the receiver to ack this frame's seq promptly
	// rather than waiting for the next ack tick.
	FlagAckRequest = "ack.request"

	// FlagIdempotent marks a frame safe to requeue onto a successor session
	// after teardown.
	FlagIdempotent = "idempotent"
)

// Sender identifies the frame's origin.  Id is the worker's persisted
// instance id (or the scheduler's server id) and survives reconnects; it is
// never a display name.
type Sender struct {
	Id string `json:"id"`
}

// Envelope is the shared outer frame format.  Seq and Corr are transport
// metadata owned by the reliability engine: Seq is only non-zero on
// sequenced frames, and Corr correlates a command with its result frames so
// duplicate results can be detected without interpreting the payload.
type Envelope struct {
	Type    string          `json:"type"`
	Id      string          `json:"id"`
	Ts      time.Time       `json:"ts"`
	Tenant  string          `json:"tenant"`
	Sender  Sender          `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Flags   []string        `json:"flags,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Corr    string          `json:"corr,omitempty"`
}

// NewEnvelope creates an envelope with a fresh frame id and the current
// timestamp.  The payload must marshal to JSON.
func NewEnvelope(ctx context.Context, typ, tenant, senderId string, payload any) (*Envelope, error) {
	const op = "protocol.NewEnvelope"
	id, err := ids.NewPublicId(ctx, globals.FramePrefix)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	var raw json.RawMessage
	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
		}
	}
	return &Envelope{
		Type:    typ,
		Id:      id,
		Ts:      time.Now(),
		Tenant:  tenant,
		Sender:  Sender{Id: senderId},
		Payload: raw,
	}, nil
}

// HasFlag reports whether the envelope carries the given flag.
func (e *Envelope) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// SetFlag adds the flag if it isn't already present.
func (e *Envelope) SetFlag(flag string) {
	if !e.HasFlag(flag) {
		e.Flags = append(e.Flags, flag)
	}
}

// IsControl reports whether the envelope belongs to the control namespace.
func (e *Envelope) IsControl() bool {
	return strings.HasPrefix(e.Type, ControlNamespace)
}

// IsBusiness reports whether the envelope carries an opaque business or
// vendor extension payload.
func (e *Envelope) IsBusiness() bool {
	return strings.HasPrefix(e.Type, BizNamespace) || strings.HasPrefix(e.Type, ExtVendorNamespace)
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal(ctx context.Context) ([]byte, error) {
	const op = "protocol.(Envelope).Marshal"
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Internal))
	}
	return b, nil
}
