// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"sync"

	"github.com/hashicorp/tether/internal/errors"
)

// pipeConn is one end of an in-memory frame pipe used by tests and the
// loopback dev mode, where scheduler and worker share one process.
type pipeConn struct {
	send chan []byte
	recv chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	peer      *pipeConn
}

// Pipe returns two connected Conns; frames sent on one arrive on the other.
// buffer sets the per-direction channel depth.
func Pipe(buffer int) (Conn, Conn) {
	if buffer <= 0 {
		buffer = 16
	}
	aToB := make(chan []byte, buffer)
	bToA := make(chan []byte, buffer)
	a := &pipeConn{send: aToB, recv: bToA, closed: make(chan struct{})}
	b := &pipeConn{send: bToA, recv: aToB, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeConn) Send(ctx context.Context, frame []byte) error {
	const op = "transport.(pipeConn).Send"
	cp := append([]byte(nil), frame...)
	// an already-closed end must fail even when the buffer has room; a
	// combined select would pick a ready case at random
	select {
	case <-c.closed:
		return errors.New(ctx, errors.Io, op, "connection closed", errors.WithoutEvent())
	case <-c.peer.closed:
		return errors.New(ctx, errors.Io, op, "peer closed", errors.WithoutEvent())
	default:
	}
	select {
	case <-c.closed:
		return errors.New(ctx, errors.Io, op, "connection closed", errors.WithoutEvent())
	case <-c.peer.closed:
		return errors.New(ctx, errors.Io, op, "peer closed", errors.WithoutEvent())
	case <-ctx.Done():
		return errors.New(ctx, errors.Timeout, op, "send cancelled", errors.WithoutEvent())
	case c.send <- cp:
		return nil
	}
}

func (c *pipeConn) Recv(ctx context.Context) ([]byte, error) {
	const op = "transport.(pipeConn).Recv"
	select {
	case frame := <-c.recv:
		return frame, nil
	default:
	}
	select {
	case frame := <-c.recv:
		return frame, nil
	case <-c.closed:
		return nil, errors.New(ctx, errors.Io, op, "connection closed", errors.WithoutEvent())
	case <-c.peer.closed:
		return nil, errors.New(ctx, errors.Io, op, "peer closed", errors.WithoutEvent())
	case <-ctx.Done():
		return nil, errors.New(ctx, errors.Timeout, op, "recv cancelled", errors.WithoutEvent())
	}
}

func (c *pipeConn) Close(_ context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
