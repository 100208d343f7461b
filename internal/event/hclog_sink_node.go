// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"context"
	"fmt"

	"github.com/hashicorp/eventlogger"
	"github.com/hashicorp/go-hclog"
)

const hclogNodeName = "hclog-sink"

// hclogSinkNode writes formatted entries to the node's logger. It consumes
// the hclogEntry produced by the formatter; pipelines must not route events
// here without one.
type hclogSinkNode struct {
	logger hclog.Logger
}

func newHclogSinkNode(logger hclog.Logger) (*hclogSinkNode, error) {
	const op = "event.newHclogSinkNode"
	if logger == nil {
		return nil, fmt.Errorf("%s: missing logger: %w", op, ErrInvalidParameter)
	}
	return &hclogSinkNode{logger: logger}, nil
}

// Reopen is a no op for the hclog sink
func (s *hclogSinkNode) Reopen() error { return nil }

// Type describes the type of the node as a Sink.
func (s *hclogSinkNode) Type() eventlogger.NodeType {
	return eventlogger.NodeTypeSink
}

// Name returns a representation of the sink's name
func (s *hclogSinkNode) Name() string {
	return hclogNodeName
}

// Process writes the formatted entry to the logger. Error events log at the
// Error level; everything else at Info.
func (s *hclogSinkNode) Process(_ context.Context, e *eventlogger.Event) (*eventlogger.Event, error) {
	const op = "event.(hclogSinkNode).Process"
	if e == nil {
		return nil, fmt.Errorf("%s: missing event: %w", op, ErrInvalidParameter)
	}
	entry, ok := e.Payload.(*hclogEntry)
	if !ok {
		return nil, fmt.Errorf("%s: event was not formatted for an hclog sink: %w", op, ErrInvalidParameter)
	}

	switch Type(entry.Type) {
	case ErrorType:
		s.logger.Error(entry.Msg, entry.Args...)
	default:
		s.logger.Info(entry.Msg, entry.Args...)
	}
	return nil, nil
}
