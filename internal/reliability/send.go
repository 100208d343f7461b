// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package reliability

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/protocol"
)

// PendingFrame tracks an unacknowledged outbound frame. The retry loop owns
// Attempt and NextAttemptAt; SentAt is the first transmission time.
type PendingFrame struct {
	Seq           uint64
	Env           *protocol.Envelope
	SentAt        time.Time
	Attempt       uint32
	NextAttemptAt time.Time

	// ackCh is closed when the frame is acknowledged; a fatal delivery
	// error is sent before close when retries are exhausted.
	ackCh chan error
	once  sync.Once
}

func (p *PendingFrame) settle(err error) {
	p.once.Do(func() {
		if err != nil {
			p.ackCh <- err
		}
		close(p.ackCh)
	})
}

// SendWindow is the outbound half of a session direction: it assigns
// sequence numbers, bounds the in-flight span, and tracks frames until the
// peer acknowledges them or retries are exhausted.
type SendWindow struct {
	mu       sync.Mutex
	nextSeq  uint64
	ackedSeq uint64
	window   uint32
	pending  map[uint64]*PendingFrame

	retryBase   time.Duration
	retryCap    time.Duration
	maxAttempts uint32
}

// NewSendWindow creates a send window. Supported options: WithWindowSize,
// WithRetryBase, WithRetryCap, WithMaxAttempts.
func NewSendWindow(opt ...Option) *SendWindow {
	opts := getOpts(opt...)
	return &SendWindow{
		window:      opts.withWindowSize,
		pending:     make(map[uint64]*PendingFrame),
		retryBase:   opts.withRetryBase,
		retryCap:    opts.withRetryCap,
		maxAttempts: opts.withMaxAttempts,
	}
}

// Reserve assigns the next sequence number to env and registers it as
// pending. It returns an error when the in-flight span is full; callers are
// expected to back off and retry or reject the dispatch.
func (w *SendWindow) Reserve(ctx context.Context, env *protocol.Envelope) (*PendingFrame, error) {
	const op = "reliability.(SendWindow).Reserve"
	if env == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing envelope", errors.WithoutEvent())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if uint32(w.nextSeq-w.ackedSeq) >= w.window {
		return nil, errors.New(ctx, errors.Timeout, op, "send window full", errors.WithoutEvent())
	}
	w.nextSeq++
	env.Seq = w.nextSeq
	now := time.Now()
	p := &PendingFrame{
		Seq:           w.nextSeq,
		Env:           env,
		SentAt:        now,
		Attempt:       1,
		NextAttemptAt: now.Add(w.backoffFor(1)),
		ackCh:         make(chan error, 1),
	}
	w.pending[p.Seq] = p
	return p, nil
}

// Ack applies a cumulative acknowledgement plus selective bitmap and returns
// the frames it settled. Acks referencing sequence numbers outside the
// current window are a no-op; acks are idempotent.
func (w *SendWindow) Ack(ackSeq uint64, bitmap uint64) []*PendingFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ackSeq > w.nextSeq {
		return nil
	}
	var settled []*PendingFrame
	for seq, p := range w.pending {
		switch {
		case seq <= ackSeq:
			delete(w.pending, seq)
			settled = append(settled, p)
		case seq-ackSeq <= 64 && bitmap&(1<<(seq-ackSeq-1)) != 0:
			delete(w.pending, seq)
			settled = append(settled, p)
		}
	}
	if ackSeq > w.ackedSeq {
		w.ackedSeq = ackSeq
	}
	// slide the base past selectively-acked frames with no older pending
	for w.ackedSeq < w.nextSeq {
		if _, ok := w.pending[w.ackedSeq+1]; ok {
			break
		}
		w.ackedSeq++
	}
	for _, p := range settled {
		p.settle(nil)
	}
	return settled
}

// Due returns frames whose retry deadline has passed, advancing their
// attempt counters and arming the next deadline. Frames that exhausted their
// attempt limit are settled with a fatal error and returned separately.
func (w *SendWindow) Due(ctx context.Context, now time.Time) (retry []*PendingFrame, fatal []*PendingFrame) {
	const op = "reliability.(SendWindow).Due"
	w.mu.Lock()
	defer w.mu.Unlock()
	for seq, p := range w.pending {
		if now.Before(p.NextAttemptAt) {
			continue
		}
		if p.Attempt >= w.maxAttempts {
			delete(w.pending, seq)
			fatal = append(fatal, p)
			continue
		}
		p.Attempt++
		p.NextAttemptAt = now.Add(w.backoffFor(p.Attempt))
		retry = append(retry, p)
	}
	for _, p := range fatal {
		p.settle(errors.New(ctx, errors.RetriesExhausted, op, "delivery attempts exhausted", errors.WithoutEvent()))
	}
	return retry, fatal
}

// Outstanding returns the count of unacknowledged frames.
func (w *SendWindow) Outstanding() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// NextSeq returns the highest sequence number assigned so far.
func (w *SendWindow) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// Resize updates the in-flight span, typically from the peer's advertised
// recv_window. Shrinking never cancels frames already in flight.
func (w *SendWindow) Resize(size uint32) {
	if size == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.window = size
}

// Drain settles every pending frame with err and returns the idempotent
// ones, oldest first, so the caller can requeue them on a fresh session.
func (w *SendWindow) Drain(err error) []*PendingFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	var requeue []*PendingFrame
	for seq, p := range w.pending {
		delete(w.pending, seq)
		if p.Env.HasFlag(protocol.FlagIdempotent) {
			requeue = append(requeue, p)
		}
		p.settle(err)
	}
	sort.Slice(requeue, func(i, j int) bool { return requeue[i].Seq < requeue[j].Seq })
	return requeue
}

func (w *SendWindow) backoffFor(attempt uint32) time.Duration {
	d := w.retryBase
	for i := uint32(1); i < attempt; i++ {
		d *= 2
		if d >= w.retryCap {
			d = w.retryCap
			break
		}
	}
	// jitter to avoid synchronized retransmit bursts
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
