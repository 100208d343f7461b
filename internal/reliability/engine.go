// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package reliability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/protocol"
)

// SendFunc transmits a marshaled envelope to the peer.
type SendFunc func(ctx context.Context, env *protocol.Envelope) error

// DeliverFunc receives frames released by the window in sequence order.
type DeliverFunc func(ctx context.Context, env *protocol.Envelope) error

// Config collects the collaborators an Engine needs.
type Config struct {
	// Tenant and LocalId stamp outbound acknowledgement envelopes.
	Tenant  string
	LocalId string

	// PeerName labels which direction an outbound ack covers.
	PeerName string

	// Sender transmits envelopes; Deliver consumes in-order frames.
	Sender  SendFunc
	Deliver DeliverFunc

	// OnRetry observes retransmissions, e.g. for counters.
	OnRetry func(env *protocol.Envelope, attempt uint32)
}

// Engine is the per-session reliability state for one peer pair: a send
// window with timer-driven retries, a receive window with in-order release,
// and an idempotency cache consulted before any frame reaches Deliver.
type Engine struct {
	conf Config
	send *SendWindow
	recv *RecvWindow
	idem *IdempotencyCache

	retryTick time.Duration

	// mu guards the transport bindings and loop state; Rebind swaps the
	// bindings when a resumed session lands on a fresh connection.
	mu        sync.RWMutex
	sendFn    SendFunc
	deliverFn DeliverFunc
	running   bool

	shutdown sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates an engine for one session. Supported options:
// WithWindowSize, WithRetryBase, WithRetryCap, WithMaxAttempts,
// WithIdempotencyTtl, WithRetryTick.
func NewEngine(ctx context.Context, conf *Config, opt ...Option) (*Engine, error) {
	const op = "reliability.NewEngine"
	switch {
	case conf == nil:
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing config")
	case conf.Sender == nil:
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing sender")
	case conf.Deliver == nil:
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing deliver func")
	}
	opts := getOpts(opt...)
	return &Engine{
		conf:      *conf,
		send:      NewSendWindow(opt...),
		recv:      NewRecvWindow(opt...),
		idem:      NewIdempotencyCache(opt...),
		retryTick: opts.withRetryTick,
		sendFn:    conf.Sender,
		deliverFn: conf.Deliver,
		done:      make(chan struct{}),
	}, nil
}

// Rebind swaps the transport bindings so a resumed session keeps its
// sequence counters and pending frames while transmitting on a new
// connection.
func (e *Engine) Rebind(sender SendFunc, deliver DeliverFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sender != nil {
		e.sendFn = sender
	}
	if deliver != nil {
		e.deliverFn = deliver
	}
}

func (e *Engine) sender() SendFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sendFn
}

func (e *Engine) deliver() DeliverFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deliverFn
}

// Send assigns the next sequence number to a business frame, registers it as
// pending, and transmits it. Control frames pass through unsequenced.
func (e *Engine) Send(ctx context.Context, env *protocol.Envelope) (*PendingFrame, error) {
	const op = "reliability.(Engine).Send"
	if env == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing envelope", errors.WithoutEvent())
	}
	if env.IsControl() {
		if err := e.sender()(ctx, env); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		return nil, nil
	}
	p, err := e.send.Reserve(ctx, env)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	if err := e.sender()(ctx, env); err != nil {
		// leave the frame pending; the retry loop will retransmit
		event.WriteError(ctx, event.Op(op), err, event.WithInfoMsg("initial transmit failed, leaving frame to retry", "seq", p.Seq))
	}
	return p, nil
}

// WaitAck blocks until the frame is acknowledged, fails fatally, or ctx is
// done.
func (e *Engine) WaitAck(ctx context.Context, p *PendingFrame) error {
	const op = "reliability.(Engine).WaitAck"
	if p == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "missing pending frame", errors.WithoutEvent())
	}
	select {
	case err, ok := <-p.ackCh:
		if ok && err != nil {
			return errors.Wrap(ctx, err, op, errors.WithoutEvent())
		}
		return nil
	case <-ctx.Done():
		return errors.New(ctx, errors.Timeout, op, "timed out waiting for acknowledgement", errors.WithoutEvent())
	}
}

// HandleAck applies a peer acknowledgement to the send window and adopts the
// peer's advertised receive capacity for backpressure.
func (e *Engine) HandleAck(ctx context.Context, ack *protocol.Ack) error {
	const op = "reliability.(Engine).HandleAck"
	if ack == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "missing ack", errors.WithoutEvent())
	}
	e.send.Ack(ack.AckSeq, ack.AckBitmap)
	if ack.RecvWindow > 0 {
		e.send.Resize(ack.RecvWindow)
	}
	return nil
}

// HandleFrame runs the inbound path for a sequenced frame: window
// acceptance, idempotency screening, in-order delivery, then an
// acknowledgement reflecting the updated window. Duplicates are
// re-acknowledged without reaching Deliver.
func (e *Engine) HandleFrame(ctx context.Context, env *protocol.Envelope) error {
	const op = "reliability.(Engine).HandleFrame"
	if env == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "missing envelope", errors.WithoutEvent())
	}
	deliver, dup, err := e.recv.Accept(ctx, env)
	if err != nil {
		// still ack so the peer learns the current floor
		if ackErr := e.SendAck(ctx); ackErr != nil {
			event.WriteError(ctx, event.Op(op), ackErr)
		}
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	if dup {
		return e.SendAck(ctx)
	}
	for _, next := range deliver {
		_, seen, err := e.idem.Register(ctx, next.Id, next.Corr)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		if seen {
			if next.Type == protocol.TypeDispatch {
				if snapshot, ok := e.CachedResult(next.Id, next.Corr); ok {
					if rerr := e.replayResult(ctx, next, snapshot); rerr != nil {
						event.WriteError(ctx, event.Op(op), rerr)
					} else {
						event.WriteSysEvent(ctx, op, "duplicate dispatch answered from result cache", "id", next.Id, "corr", next.Corr)
						continue
					}
				}
			}
			event.WriteSysEvent(ctx, op, "duplicate frame suppressed", "id", next.Id, "corr", next.Corr, "seq", next.Seq)
			continue
		}
		if err := e.deliver()(ctx, next); err != nil {
			return errors.Wrap(ctx, err, op)
		}
	}
	return e.SendAck(ctx)
}

// replayResult resends the cached result snapshot for a duplicate dispatch
// so a peer that lost the original answer converges without the handler
// running a second time.
func (e *Engine) replayResult(ctx context.Context, dup *protocol.Envelope, snapshot json.RawMessage) error {
	const op = "reliability.(Engine).replayResult"
	var res protocol.Result
	if err := json.Unmarshal(snapshot, &res); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithCode(errors.InvalidPackage), errors.WithoutEvent())
	}
	env, err := protocol.NewEnvelope(ctx, protocol.TypeResult, e.conf.Tenant, e.conf.LocalId, &res)
	if err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	env.Corr = dup.Corr
	env.SetFlag(protocol.FlagAckRequest)
	if _, err := e.Send(ctx, env); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return nil
}

// SendAck transmits the current receive-window state as a control.ack frame.
func (e *Engine) SendAck(ctx context.Context) error {
	const op = "reliability.(Engine).SendAck"
	env, err := protocol.NewEnvelope(ctx, protocol.TypeAck, e.conf.Tenant, e.conf.LocalId, e.recv.AckState(e.conf.PeerName))
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := e.sender()(ctx, env); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return nil
}

// CacheResult snapshots the result produced for (id, corr) so duplicates can
// be answered without re-invoking the handler.
func (e *Engine) CacheResult(ctx context.Context, id, corr string, result json.RawMessage) error {
	const op = "reliability.(Engine).CacheResult"
	if err := e.idem.SetResult(ctx, id, corr, result); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return nil
}

// CachedResult returns the stored result snapshot for (id, corr), if any.
func (e *Engine) CachedResult(id, corr string) (json.RawMessage, bool) {
	entry, ok := e.idem.Lookup(id, corr)
	if !ok || entry.Result == nil {
		return nil, false
	}
	return entry.Result, true
}

// Seqs reports the send and receive cursors for resume negotiation.
func (e *Engine) Seqs() (sendSeq, recvSeq uint64) {
	return e.send.NextSeq(), e.recv.RecvSeq()
}

// Start launches the retry loop for the given connection context. The loop
// exits when ctx is done or Teardown runs; a resumed session may Start again
// with its new context.
func (e *Engine) Start(ctx context.Context) {
	const op = "reliability.(Engine).Start"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	select {
	case <-e.done:
		return
	default:
	}
	e.running = true
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
		}()
		timer := time.NewTimer(e.retryTick)
		defer timer.Stop()
		sweepEvery := 64
		ticks := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.done:
				return
			case now := <-timer.C:
				retry, fatal := e.send.Due(ctx, now)
				for _, p := range retry {
					if e.conf.OnRetry != nil {
						e.conf.OnRetry(p.Env, p.Attempt)
					}
					event.WriteSysEvent(ctx, op, "retransmitting frame", "seq", p.Seq, "attempt", p.Attempt)
					if err := e.sender()(ctx, p.Env); err != nil {
						event.WriteError(ctx, event.Op(op), err, event.WithInfoMsg("retransmit failed", "seq", p.Seq))
					}
				}
				for _, p := range fatal {
					event.WriteSysEvent(ctx, op, "delivery attempts exhausted", "seq", p.Seq, "id", p.Env.Id)
				}
				ticks++
				if ticks%sweepEvery == 0 {
					e.idem.Sweep(now)
				}
				timer.Reset(e.retryTick)
			}
		}
	}()
}

// Teardown stops the retry loop, settles every pending frame with err, and
// returns the idempotent ones, oldest first, for requeueing on a successor
// session. Non-idempotent frames surface err to their waiters instead.
func (e *Engine) Teardown(err error) []*PendingFrame {
	var requeue []*PendingFrame
	e.shutdown.Do(func() {
		close(e.done)
		requeue = e.send.Drain(err)
	})
	e.wg.Wait()
	return requeue
}
