// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package reliability

import (
	"context"
	"sync"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/protocol"
)

// RecvWindow is the inbound half of a session direction: it reorders frames
// arriving within the window span and releases them strictly in sequence
// order.
type RecvWindow struct {
	mu      sync.Mutex
	recvSeq uint64
	window  uint32
	// capacity bounds the reorder buffer independently of the window
	// span; shrinking it is the backpressure lever.
	capacity uint32
	buffer   map[uint64]*protocol.Envelope
}

// NewRecvWindow creates a receive window. Supported options: WithWindowSize.
func NewRecvWindow(opt ...Option) *RecvWindow {
	opts := getOpts(opt...)
	return &RecvWindow{
		window:   opts.withWindowSize,
		capacity: opts.withWindowSize,
		buffer:   make(map[uint64]*protocol.Envelope),
	}
}

// Accept offers an inbound frame to the window. It returns the contiguous
// run of frames now ready for in-order delivery. dup reports a frame at or
// below the delivered floor, which the caller must re-acknowledge without
// re-processing. Frames beyond the window ceiling are rejected with a
// sequence-gap error; frames inside the span that find the reorder buffer
// full are dropped (newest loses) and left to the peer's retry.
func (w *RecvWindow) Accept(ctx context.Context, env *protocol.Envelope) (deliver []*protocol.Envelope, dup bool, err error) {
	const op = "reliability.(RecvWindow).Accept"
	if env == nil {
		return nil, false, errors.New(ctx, errors.InvalidParameter, op, "missing envelope", errors.WithoutEvent())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := env.Seq
	switch {
	case seq <= w.recvSeq:
		return nil, true, nil
	case seq > w.recvSeq+uint64(w.window):
		return nil, false, errors.New(ctx, errors.SequenceGap, op, "sequence beyond receive window", errors.WithoutEvent())
	}
	if _, ok := w.buffer[seq]; ok {
		return nil, true, nil
	}
	// the next in-sequence frame drains immediately and never occupies a
	// buffer slot, so only out-of-order arrivals compete for capacity
	if seq != w.recvSeq+1 && uint32(len(w.buffer)) >= w.capacity {
		return nil, false, errors.New(ctx, errors.SequenceGap, op, "receive buffer full, dropping frame", errors.WithoutEvent())
	}
	w.buffer[seq] = env
	for {
		next, ok := w.buffer[w.recvSeq+1]
		if !ok {
			break
		}
		delete(w.buffer, w.recvSeq+1)
		w.recvSeq++
		deliver = append(deliver, next)
	}
	return deliver, false, nil
}

// AckState snapshots the window as an acknowledgement payload: the
// cumulative floor, a selective bitmap of buffered out-of-order frames, and
// the remaining buffer capacity for peer backpressure.
func (w *RecvWindow) AckState(forPeer string) *protocol.Ack {
	w.mu.Lock()
	defer w.mu.Unlock()
	var bitmap uint64
	for seq := range w.buffer {
		if off := seq - w.recvSeq; off >= 1 && off <= 64 {
			bitmap |= 1 << (off - 1)
		}
	}
	return &protocol.Ack{
		For:        forPeer,
		AckSeq:     w.recvSeq,
		AckBitmap:  bitmap,
		RecvWindow: w.capacity - uint32(len(w.buffer)),
	}
}

// SetCapacity shrinks or grows the reorder buffer, clamped to at least one
// slot. Frames already buffered are never discarded by a shrink.
func (w *RecvWindow) SetCapacity(n uint32) {
	if n == 0 {
		n = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.capacity = n
}

// RecvSeq returns the highest contiguously delivered sequence number.
func (w *RecvWindow) RecvSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recvSeq
}

// Buffered returns the count of out-of-order frames held for reordering.
func (w *RecvWindow) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}
