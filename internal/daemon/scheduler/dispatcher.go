// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/affinity"
	"github.com/hashicorp/tether/internal/daemon/metric"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/ids"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/hashicorp/tether/internal/reliability"
	"github.com/hashicorp/tether/internal/session"
)

// Command is what the external planner asks the control plane to run.
type Command struct {
	Tenant   string
	TaskId   string
	NodeType string
	Command  string
	Args     map[string]any

	// AffinityKey pins related commands to the worker holding the warmed
	// resource; ConcurrencyKey serializes execution on the worker.
	AffinityKey    string
	ConcurrencyKey string

	// Idempotent commands may be requeued to a successor session after a
	// worker loss.
	Idempotent bool

	Resources []protocol.ResourceDescriptor
}

// Completion is the asynchronous terminal outcome of a dispatch.
type Completion struct {
	DispatchId string
	TaskId     string
	Corr       string
	Status     string
	Code       string
	Detail     string
	// Attempt is the delivery attempt that produced the outcome.
	Attempt   uint32
	Output    map[string]any
	Artifacts []protocol.ResourceDescriptor
}

// CompletionFunc receives terminal outcomes. It must not block.
type CompletionFunc func(Completion)

type inflight struct {
	dispatchId string
	cmd        Command
	corr       string
	worker     *workerConn
	sentAt     time.Time
	attempt    uint32
	pending    *reliability.PendingFrame
}

// Dispatcher is the planner-facing surface: dispatch a command, get an
// Accepted dispatch id or a rejection, then a completion once the outcome
// is terminal.
type Dispatcher struct {
	s *Scheduler

	mu       sync.Mutex
	inflight map[string]*inflight // by correlation id

	completionMu sync.RWMutex
	completionFn CompletionFunc
}

func newDispatcher(s *Scheduler) *Dispatcher {
	return &Dispatcher{
		s:        s,
		inflight: make(map[string]*inflight),
	}
}

// OnCompletion sets the completion callback. Outcomes arriving with no
// callback registered are logged and dropped.
func (d *Dispatcher) OnCompletion(fn CompletionFunc) {
	d.completionMu.Lock()
	defer d.completionMu.Unlock()
	d.completionFn = fn
}

// Dispatch hands cmd to a worker. Acceptance means the command entered a
// ready session's send window; delivery confirmation and the result arrive
// asynchronously via the completion callback.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (string, error) {
	const op = "scheduler.(Dispatcher).Dispatch"
	switch {
	case cmd.Tenant == "":
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing tenant", errors.WithoutEvent())
	case cmd.TaskId == "":
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing task id", errors.WithoutEvent())
	case cmd.Command == "":
		return "", errors.New(ctx, errors.InvalidParameter, op, "missing command", errors.WithoutEvent())
	}
	wc, err := d.resolveWorker(ctx, cmd, "")
	if err != nil {
		return "", errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	dispatchId, err := ids.NewPublicId(ctx, globals.DispatchPrefix)
	if err != nil {
		return "", errors.Wrap(ctx, err, op)
	}
	corr, err := ids.NewCorrelationId(ctx)
	if err != nil {
		return "", errors.Wrap(ctx, err, op)
	}
	inf := &inflight{
		dispatchId: dispatchId,
		cmd:        cmd,
		corr:       corr,
		worker:     wc,
		sentAt:     time.Now(),
		attempt:    1,
	}
	d.mu.Lock()
	d.inflight[corr] = inf
	d.mu.Unlock()

	if err := d.sendAttempt(ctx, inf); err != nil {
		d.take(corr)
		return "", errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	metric.IncDispatch(cmd.Tenant, cmd.NodeType)
	go d.awaitAck(inf)
	return dispatchId, nil
}

// resolveWorker applies the affinity flow: an active binding pins dispatch
// to its worker when that worker is reachable and ready; otherwise a worker
// is selected round-robin and a fresh binding acquired.
func (d *Dispatcher) resolveWorker(ctx context.Context, cmd Command, excludeId string) (*workerConn, error) {
	const op = "scheduler.(Dispatcher).resolveWorker"
	reg := d.s.registry
	if cmd.AffinityKey != "" {
		if rec, ok := reg.Lookup(cmd.Tenant, cmd.AffinityKey); ok && rec.WorkerId != excludeId {
			switch {
			case rec.State == affinity.StateActive:
				if wc, live := d.s.Worker(rec.WorkerId); live && wc.sess.State() == session.StateReady {
					return wc, nil
				}
				// binding points at an unreachable worker; treat as lost
				reg.MarkWorkerLost(ctx, rec.WorkerId)
			case reg.RetryableWithinGrace(rec, time.Now()):
				// the bound worker may still resume; pin to it once it is
				// back, otherwise hold the binding rather than rebinding
				if wc, live := d.s.Worker(rec.WorkerId); live && wc.sess.State() == session.StateReady {
					if _, err := reg.Acquire(ctx, cmd.Tenant, cmd.AffinityKey, rec.WorkerId, 0); err != nil {
						return nil, errors.Wrap(ctx, err, op)
					}
					return wc, nil
				}
				return nil, errors.New(ctx, errors.WorkerUnavailable, op, "affinity binding awaiting worker resume", errors.WithoutEvent())
			}
		}
	}
	wc, ok := d.s.readyWorker(cmd.Tenant, excludeId)
	if !ok {
		return nil, errors.New(ctx, errors.WorkerUnavailable, op, "no ready worker for tenant", errors.WithoutEvent())
	}
	if cmd.AffinityKey != "" {
		acquired, err := reg.Acquire(ctx, cmd.Tenant, cmd.AffinityKey, wc.sess.WorkerInstanceId, 0)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		if !acquired {
			// lost the race; honor whoever won
			if rec, ok := reg.Lookup(cmd.Tenant, cmd.AffinityKey); ok {
				if winner, live := d.s.Worker(rec.WorkerId); live && winner.sess.State() == session.StateReady {
					return winner, nil
				}
			}
			return nil, errors.New(ctx, errors.WorkerUnavailable, op, "affinity binding contention", errors.WithoutEvent())
		}
	}
	return wc, nil
}

func (d *Dispatcher) sendAttempt(ctx context.Context, inf *inflight) error {
	const op = "scheduler.(Dispatcher).sendAttempt"
	env, err := protocol.NewEnvelope(ctx, protocol.TypeDispatch, inf.cmd.Tenant, schedulerSenderId, &protocol.Dispatch{
		TaskId:         inf.cmd.TaskId,
		NodeType:       inf.cmd.NodeType,
		Command:        inf.cmd.Command,
		Args:           inf.cmd.Args,
		ConcurrencyKey: inf.cmd.ConcurrencyKey,
		AffinityKey:    inf.cmd.AffinityKey,
		Resources:      inf.cmd.Resources,
	})
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	env.Corr = inf.corr
	env.SetFlag(protocol.FlagAckRequest)
	if inf.cmd.Idempotent {
		env.SetFlag(protocol.FlagIdempotent)
	}
	pending, err := inf.worker.engine.Send(ctx, env)
	if err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	inf.pending = pending
	return nil
}

// awaitAck waits for delivery confirmation with a bounded deadline. An
// unacknowledged command is requeued exactly once; a second miss escalates
// to the caller as a terminal timeout failure.
func (d *Dispatcher) awaitAck(inf *inflight) {
	const op = "scheduler.(Dispatcher).awaitAck"
	ctx := d.s.baseContext
	waitCtx, cancel := context.WithTimeout(ctx, d.s.conf.AckDeadline)
	err := inf.worker.engine.WaitAck(waitCtx, inf.pending)
	cancel()
	if err == nil {
		return
	}
	d.mu.Lock()
	_, still := d.inflight[inf.corr]
	d.mu.Unlock()
	if !still {
		// result beat the ack accounting; nothing to do
		return
	}
	if inf.attempt >= 2 {
		event.WriteSysEvent(ctx, op, "dispatch unacknowledged after requeue", "dispatch_id", inf.dispatchId, "attempt", inf.attempt)
		d.complete(ctx, inf, Completion{
			Status: protocol.ResultStatusFailed,
			Code:   errors.Timeout.Proto(),
			Detail: "no acknowledgement from worker",
		})
		return
	}

	inf.attempt++
	metric.IncRetry(metric.ReasonRequeue)
	event.WriteSysEvent(ctx, op, "dispatch requeued", "dispatch_id", inf.dispatchId, "attempt", inf.attempt)
	wc, rerr := d.resolveWorker(ctx, inf.cmd, "")
	if rerr != nil {
		d.complete(ctx, inf, Completion{
			Status: protocol.ResultStatusFailed,
			Code:   errors.Proto(rerr),
			Detail: "no worker available for requeue",
		})
		return
	}
	inf.worker = wc
	if serr := d.sendAttempt(ctx, inf); serr != nil {
		d.complete(ctx, inf, Completion{
			Status: protocol.ResultStatusFailed,
			Code:   errors.Proto(serr),
			Detail: "requeue transmit failed",
		})
		return
	}
	d.awaitAck(inf)
}

// handleResult consumes a biz.result frame delivered in order by the
// reliability engine, matching it to the inflight dispatch by correlation
// id.
func (d *Dispatcher) handleResult(ctx context.Context, wc *workerConn, env *protocol.Envelope) error {
	const op = "scheduler.(Dispatcher).handleResult"
	res, err := protocol.DecodeResult(ctx, env)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if cerr := wc.engine.CacheResult(ctx, env.Id, env.Corr, env.Payload); cerr != nil {
		event.WriteError(ctx, op, cerr)
	}
	inf := d.lookup(env.Corr)
	if inf == nil {
		// a second handler run after a requeue lands here; tell the worker
		// the result was already consumed
		event.WriteSysEvent(ctx, op, "result for unknown dispatch discarded", "corr", env.Corr, "worker_id", env.Sender.Id)
		sendError(ctx, wc.conn, env.Tenant, errors.DuplicateResult.Proto(), "no inflight dispatch for correlation id")
		return nil
	}
	metric.ObserveResultLatencyMs(float64(time.Since(inf.sentAt).Milliseconds()))
	if inf.cmd.AffinityKey != "" && res.Status == protocol.ResultStatusSucceeded {
		if terr := d.s.registry.Touch(ctx, inf.cmd.Tenant, inf.cmd.AffinityKey, 0); terr != nil {
			event.WriteError(ctx, op, terr)
		}
	}
	d.complete(ctx, inf, Completion{
		Status:    res.Status,
		Code:      res.Code,
		Detail:    res.Detail,
		Output:    res.Output,
		Artifacts: res.Artifacts,
	})
	return nil
}

// failInflightFor handles a lost session: idempotent commands are requeued
// to another worker, the rest fail with a stale-binding error.
func (d *Dispatcher) failInflightFor(ctx context.Context, wc *workerConn, reason string) {
	const op = "scheduler.(Dispatcher).failInflightFor"
	d.mu.Lock()
	var affected []*inflight
	for _, inf := range d.inflight {
		if inf.worker == wc {
			affected = append(affected, inf)
		}
	}
	d.mu.Unlock()
	for _, inf := range affected {
		if inf.cmd.Idempotent {
			metric.IncRetry(reason)
			next, err := d.resolveWorker(ctx, inf.cmd, wc.sess.WorkerInstanceId)
			if err == nil {
				inf.worker = next
				inf.attempt++
				if serr := d.sendAttempt(ctx, inf); serr == nil {
					event.WriteSysEvent(ctx, op, "dispatch rebound after worker loss", "dispatch_id", inf.dispatchId, "worker_id", next.sess.WorkerInstanceId)
					go d.awaitAck(inf)
					continue
				}
			}
		}
		d.complete(ctx, inf, Completion{
			Status: protocol.ResultStatusFailed,
			Code:   errors.StaleBinding.Proto(),
			Detail: "worker session lost",
		})
	}
}

func (d *Dispatcher) lookup(corr string) *inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[corr]
}

func (d *Dispatcher) take(corr string) *inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	inf := d.inflight[corr]
	delete(d.inflight, corr)
	return inf
}

func (d *Dispatcher) complete(ctx context.Context, inf *inflight, c Completion) {
	const op = "scheduler.(Dispatcher).complete"
	if d.take(inf.corr) == nil {
		return
	}
	c.DispatchId = inf.dispatchId
	c.TaskId = inf.cmd.TaskId
	c.Corr = inf.corr
	c.Attempt = inf.attempt
	d.completionMu.RLock()
	fn := d.completionFn
	d.completionMu.RUnlock()
	if fn == nil {
		event.WriteSysEvent(ctx, op, "completion dropped, no callback registered", "dispatch_id", c.DispatchId, "status", c.Status)
		return
	}
	fn(c)
}

// Inflight reports the number of dispatches awaiting a terminal outcome.
func (d *Dispatcher) Inflight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
