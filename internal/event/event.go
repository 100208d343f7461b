// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package event provides the eventing for the tether daemons.  Events are
// written through an Eventer which routes them to eventlogger pipelines; the
// reference sink formats them as hclog entries.
package event

import (
	"fmt"

	"github.com/hashicorp/eventlogger"
	"github.com/hashicorp/go-secure-stdlib/base62"
)

// Op represents an operation (package.function or package.(type).function).
type Op string

// Id represents an event's unique id.
type Id string

// Type represents the event's type.
type Type string

const (
	EveryType       Type = "*"           // EveryType represents every (all) types of events
	ObservationType Type = "observation" // ObservationType represents observation events
	ErrorType       Type = "error"       // ErrorType represents error events
	SystemType      Type = "system"      // SystemType represents system events
)

func (t Type) validate() error {
	const op = "event.(Type).validate"
	switch t {
	case EveryType, ObservationType, ErrorType, SystemType:
		return nil
	default:
		return fmt.Errorf("%s: '%s' is not a valid event type: %w", op, t, ErrInvalidParameter)
	}
}

// NewId generates an id with the provided prefix.  It's a local
// implementation (vs using the ids helpers) to avoid circular dependencies.
func NewId(prefix string) (string, error) {
	const op = "event.NewId"
	if prefix == "" {
		return "", fmt.Errorf("%s: missing prefix: %w", op, ErrInvalidParameter)
	}
	id, err := base62.Random(10)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, ErrIo)
	}
	return fmt.Sprintf("%s_%s", prefix, id), nil
}

// RequestInfo defines the fields captured about a protocol frame or planner
// request that an event relates to.  These mirror the envelope's identity
// fields so events can always be correlated back to the wire.
type RequestInfo struct {
	EventId  string `json:"event_id,omitempty"`
	Tenant   string `json:"tenant,omitempty"`
	SenderId string `json:"sender_id,omitempty"`
	Type     string `json:"type,omitempty"`
	Id       string `json:"id,omitempty"`
	Corr     string `json:"corr,omitempty"`
	Code     string `json:"code,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
}

func newEvent(t Type, payload any) (*eventlogger.Event, error) {
	const op = "event.newEvent"
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%s: missing payload: %w", op, ErrInvalidParameter)
	}
	return &eventlogger.Event{
		Type:    eventlogger.EventType(t),
		Payload: payload,
	}, nil
}
