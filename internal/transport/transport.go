// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package transport provides the byte-stream primitive a session rides on.
// The control plane is transport-agnostic above Conn; TLS WebSocket is the
// reference implementation and an in-memory pipe backs tests.
package transport

import "context"

// Conn is one session's framed byte stream. Implementations must be safe
// for one concurrent sender and one concurrent receiver.
type Conn interface {
	// Send transmits one frame.
	Send(ctx context.Context, frame []byte) error
	// Recv blocks for the next frame.
	Recv(ctx context.Context) ([]byte, error)
	// Close tears the stream down; subsequent Sends and Recvs fail.
	Close(ctx context.Context) error
}
