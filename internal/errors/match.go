// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package errors

// Template describes the shape of an Err for Match: any combination of Code,
// Msg, Op, wrapped error and Kind.  Zero-valued fields are wildcards.
type Template struct {
	Err       // embedded so a Template can carry Code, Msg, Op and Wrapped
	Kind Kind // Kind matches without pinning a specific Code
}

// T builds a Template from its arguments, dispatching each by type: Code,
// Kind, Op, string (the Msg) or an error to match the wrapped chain against.
// Arguments of any other type are dropped; when a type repeats, the last
// value wins.
func T(args ...any) *Template {
	t := &Template{}
	for _, a := range args {
		switch arg := a.(type) {
		case Code:
			t.Code = arg
		case string:
			t.Msg = arg
		case Op:
			t.Op = arg
		case *Err: // must precede "case error": *Err satisfies error too
			c := *arg
			t.Wrapped = &c
		case error:
			t.Wrapped = arg
		case Kind:
			t.Kind = arg
		default:
			// dropped
		}
	}
	return t
}

// Info resolves the Template to the Info used for Kind comparison: the
// Code's Info when a Code is set, otherwise a synthetic Info for the bare
// Kind, otherwise Unknown's.
func (t *Template) Info() Info {
	if t == nil {
		return errorCodeInfo[Unknown]
	}
	switch {
	case t.Code != Unknown:
		return t.Code.Info()
	case t.Kind != Other:
		return Info{
			Message: "Unknown",
			Kind:    t.Kind,
		}
	default:
		return errorCodeInfo[Unknown]
	}
}

// Error returns a fixed placeholder string.  A Template satisfies error only
// so T can accept one; it must never stand in for a real Err.
func (t *Template) Error() string {
	return "Template error"
}

// Match reports whether err, or some *Err in its chain, satisfies every
// non-zero field of the template.  A nil template, a nil error, or a chain
// holding no *Err never matches.
func Match(t *Template, err error) bool {
	if t == nil || err == nil {
		return false
	}
	var e *Err
	if !As(err, &e) {
		return false
	}

	if t.Code != Unknown && t.Code != e.Code {
		return false
	}
	if t.Msg != "" && t.Msg != e.Msg {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	if t.Kind != Other && t.Info().Kind != e.Info().Kind {
		return false
	}
	if t.Wrapped != nil {
		if wrappedT, ok := t.Wrapped.(*Template); ok {
			return Match(wrappedT, e.Wrapped)
		}
		if e.Wrapped != nil && t.Wrapped.Error() != e.Wrapped.Error() {
			return false
		}
	}

	return true
}
