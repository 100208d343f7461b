// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package errors

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/tether/internal/event"
)

// Op represents an operation (package.function or package.(type).function).
type Op string

// Err provides the ability to specify a Msg, Op, Code and Wrapped error.
// We've chosen Err over Error for the identifier to support the easy use of
// the stdlib errors package alongside this one.
type Err struct {
	// Code is the error's code, which can be used to get the error's
	// errorCodeInfo, which contains the error's Kind and Message
	Code Code

	// Msg for the error
	Msg string

	// Op represents the operation raising/propagating an error and is optional
	Op Op

	// Wrapped is the error which this Err wraps and will be nil if there's no
	// error to wrap.
	Wrapped error
}

// E creates a new Err with provided code and supports the options of:
//
// * WithOp() - allows you to specify an optional Op (operation)
//
// * WithMsg() - allows you to specify an optional error msg, if the default
// msg for the error Code is not sufficient
//
// * WithWrap() - allows you to specify an error to wrap
//
// * WithCode() - allows you to specify an error Code
//
// * WithoutEvent - allows you to specify that no error event should be
// emitted
//
// Unless WithoutEvent is given, an error event is written via the eventing
// system as a side effect of creation.
func E(ctx context.Context, opt ...Option) error {
	opts := getOpts(opt...)
	err := &Err{
		Code:    opts.withErrCode,
		Op:      opts.withOp,
		Msg:     opts.withErrMsg,
		Wrapped: opts.withErrWrapped,
	}
	if !opts.withoutEvent {
		event.WriteError(ctx, event.Op(opts.withOp), err)
	}
	return err
}

// New creates a new Err with provided code, op and msg.  It supports the
// options of WithWrap() and WithoutEvent.
func New(ctx context.Context, c Code, op Op, msg string, opt ...Option) error {
	opt = append(opt, WithCode(c), WithOp(op), WithMsg(msg))
	return E(ctx, opt...)
}

// Wrap creates a new Err from the provided err and op. It supports the
// options of WithMsg(), WithCode() and WithoutEvent.  If no code is given and
// the wrapped error is an Err, the new error inherits its code.
func Wrap(ctx context.Context, e error, op Op, opt ...Option) error {
	opt = append(opt, WithWrap(e), WithOp(op))
	opts := getOpts(opt...)
	if opts.withErrCode == Unknown {
		var errToWrap *Err
		if As(e, &errToWrap) {
			opt = append(opt, WithCode(errToWrap.Code))
		}
	}
	return E(ctx, opt...)
}

// Info about the Err
func (e *Err) Info() Info {
	if e == nil {
		return errorCodeInfo[Unknown]
	}
	return e.Code.Info()
}

// Error satisfies the error interface and returns a string representation of
// the Err
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	var msgs []string

	if e.Op != "" {
		msgs = append(msgs, string(e.Op))
	}
	if e.Msg != "" {
		msgs = append(msgs, e.Msg)
	}

	if info, ok := errorCodeInfo[e.Code]; ok {
		if e.Msg == "" {
			// provide a default.
			msgs = append(msgs, info.Message, info.Kind.String())
		} else {
			msgs = append(msgs, info.Kind.String())
		}
	}
	if e.Code != Unknown {
		msgs = append(msgs, fmt.Sprintf("error #%d", e.Code))
	}

	if e.Wrapped != nil {
		msgs = append(msgs, e.Wrapped.Error())
	}
	return strings.Join(msgs, ": ")
}

// Unwrap implements the errors.Unwrap interface and allows callers to use the
// stdlib errors.Is() and errors.As() functions effectively for any wrapped
// errors.
func (e *Err) Unwrap() error {
	return e.Wrapped
}

// Proto returns the wire code surfaced at the protocol boundary for the
// error.  Non-Err errors report as E.INTERNAL; context deadline errors
// report as E.TIMEOUT.
func Proto(err error) string {
	if err == nil {
		return ""
	}
	var e *Err
	if As(err, &e) {
		return e.Code.Proto()
	}
	if Is(err, context.DeadlineExceeded) {
		return ProtoTimeout
	}
	return ProtoInternal
}
