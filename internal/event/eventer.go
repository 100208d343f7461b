// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/eventlogger"
	"github.com/hashicorp/go-hclog"
)

// Eventer provides a method to send events to pipelines of sinks
type Eventer struct {
	broker *eventlogger.Broker
	conf   EventerConfig
	logger hclog.Logger
}

// EventerConfig supplies all the configuration needed to create/config an
// Eventer.
type EventerConfig struct {
	// AuditEnabled is reserved; audit sinks are not part of the reference
	// pipelines.
	AuditEnabled bool

	// ObservationsEnabled specifies if observation events should be emitted
	ObservationsEnabled bool

	// SysEventsEnabled specifies if sys events should be emitted
	SysEventsEnabled bool
}

// DefaultEventerConfig returns a config for the reference pipelines: error,
// system and observation events to an hclog sink.
func DefaultEventerConfig() *EventerConfig {
	return &EventerConfig{
		ObservationsEnabled: true,
		SysEventsEnabled:    true,
	}
}

var (
	sysEventer     *Eventer
	sysEventerLock sync.RWMutex
)

// InitSysEventer provides a mechanism to initialize a "system wide" eventer
// singleton for Tether.  Support the WithEventer option for passing in an
// existing Eventer to use.
func InitSysEventer(log hclog.Logger, serializationLock *sync.Mutex, serverName string, config *EventerConfig) error {
	const op = "event.InitSysEventer"
	if serverName == "" {
		return fmt.Errorf("%s: missing server name: %w", op, ErrInvalidParameter)
	}
	if config == nil {
		config = DefaultEventerConfig()
	}
	e, err := NewEventer(log, serializationLock, serverName, *config)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	sysEventerLock.Lock()
	defer sysEventerLock.Unlock()
	sysEventer = e
	return nil
}

// SysEventer returns the "system wide" eventer if one's been initialized.
func SysEventer() *Eventer {
	sysEventerLock.RLock()
	defer sysEventerLock.RUnlock()
	return sysEventer
}

// TestResetSysEventer clears the "system wide" eventer; intended only for
// tests which need isolation from a previously initialized singleton.
func TestResetSysEventer() {
	sysEventerLock.Lock()
	defer sysEventerLock.Unlock()
	sysEventer = nil
}

// NewEventer creates a new Eventer with pipelines for error, system and
// observation events, all terminating in an hclog sink built on the provided
// logger.
func NewEventer(log hclog.Logger, serializationLock *sync.Mutex, serverName string, c EventerConfig) (*Eventer, error) {
	const op = "event.NewEventer"
	if log == nil {
		return nil, fmt.Errorf("%s: missing logger: %w", op, ErrInvalidParameter)
	}
	if serverName == "" {
		return nil, fmt.Errorf("%s: missing server name: %w", op, ErrInvalidParameter)
	}
	_ = serializationLock // the hclog sink serializes internally

	broker, err := eventlogger.NewBroker()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create broker: %w", op, err)
	}
	const fmtId = eventlogger.NodeID(hclogFormatterName)
	if err := broker.RegisterNode(fmtId, newHclogFormatterFilter()); err != nil {
		return nil, fmt.Errorf("%s: unable to register hclog formatter: %w", op, err)
	}
	sink, err := newHclogSinkNode(log.Named(serverName))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	const sinkId = eventlogger.NodeID(hclogNodeName)
	if err := broker.RegisterNode(sinkId, sink); err != nil {
		return nil, fmt.Errorf("%s: unable to register hclog sink: %w", op, err)
	}
	for _, t := range []Type{ErrorType, SystemType, ObservationType} {
		pipeline := eventlogger.Pipeline{
			EventType:  eventlogger.EventType(t),
			PipelineID: eventlogger.PipelineID(fmt.Sprintf("%s-%s", t, hclogNodeName)),
			NodeIDs:    []eventlogger.NodeID{fmtId, sinkId},
		}
		if err := broker.RegisterPipeline(pipeline); err != nil {
			return nil, fmt.Errorf("%s: unable to register %s pipeline: %w", op, t, err)
		}
		if err := broker.SetSuccessThreshold(eventlogger.EventType(t), 1); err != nil {
			return nil, fmt.Errorf("%s: unable to set %s success threshold: %w", op, t, err)
		}
	}

	return &Eventer{
		broker: broker,
		conf:   c,
		logger: log,
	}, nil
}

// writeError writes an error event
func (e *Eventer) writeError(ctx context.Context, errEvent *err) error {
	const op = "event.(Eventer).writeError"
	ev, err := newEvent(ErrorType, errEvent)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return e.retrySend(ctx, stdRetryCount, expBackoff{}, func() (eventlogger.Status, error) {
		return e.broker.Send(ctx, ev.Type, ev.Payload)
	})
}

// writeSysEvent writes a sys event
func (e *Eventer) writeSysEvent(ctx context.Context, sysEvent *sysEvent) error {
	const op = "event.(Eventer).writeSysEvent"
	if !e.conf.SysEventsEnabled {
		return nil
	}
	ev, err := newEvent(SystemType, sysEvent)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return e.retrySend(ctx, stdRetryCount, expBackoff{}, func() (eventlogger.Status, error) {
		return e.broker.Send(ctx, ev.Type, ev.Payload)
	})
}

// writeObservation writes an observation event
func (e *Eventer) writeObservation(ctx context.Context, o *observation) error {
	const op = "event.(Eventer).writeObservation"
	if !e.conf.ObservationsEnabled {
		return nil
	}
	ev, err := newEvent(ObservationType, o)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return e.retrySend(ctx, stdRetryCount, expBackoff{}, func() (eventlogger.Status, error) {
		return e.broker.Send(ctx, ev.Type, ev.Payload)
	})
}

// FlushNodes will flush any of the eventer's flushable nodes.  This
// needs to be called whenever the eventer is shutting down.
func (e *Eventer) FlushNodes(ctx context.Context) error {
	const op = "event.(Eventer).FlushNodes"
	if err := e.broker.Reopen(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
