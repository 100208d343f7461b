// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/transport"
)

// DialFunc opens a connection to the scheduler. Injectable so tests can run
// a worker over an in-memory pipe.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// Config holds the worker daemon's tunables.
type Config struct {
	// SchedulerAddr is the websocket URL of the scheduler. Ignored when
	// Dial is set.
	SchedulerAddr string
	Dial          DialFunc

	Tenant string

	// WorkerInstanceId survives reconnects and process restarts; it is
	// the identity sessions and affinity bindings attach to.
	WorkerInstanceId string

	// AuthToken and MtlsCommonName are the handshake identity; at least
	// one is required.
	AuthToken      string
	MtlsCommonName string

	Capabilities []string
	Runtimes     []string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	// MaxResourceBytes is the resource registry watermark; zero disables
	// pressure eviction.
	MaxResourceBytes int64
}

func (c *Config) validate(ctx context.Context) error {
	const op = "worker.(Config).validate"
	switch {
	case c.Tenant == "":
		return errors.New(ctx, errors.InvalidParameter, op, "missing tenant")
	case c.WorkerInstanceId == "":
		return errors.New(ctx, errors.InvalidParameter, op, "missing worker instance id")
	case c.AuthToken == "" && c.MtlsCommonName == "":
		return errors.New(ctx, errors.InvalidParameter, op, "missing auth token and mtls identity")
	case c.SchedulerAddr == "" && c.Dial == nil:
		return errors.New(ctx, errors.InvalidParameter, op, "missing scheduler address")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = globals.DefaultHeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = globals.DefaultHandshakeTimeout
	}
	return nil
}
