// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the scheduler daemon's tunables. TokenKey signs session
// tokens and must be shared by nothing else.
type Config struct {
	TokenKey []byte

	// AuthToken is the bearer secret workers present in their handshake.
	// TokenVerifier replaces the shared-secret check when a deployment
	// brings its own credential store; exactly one of the two must be set.
	AuthToken     string
	TokenVerifier TokenVerifierFunc

	// RequireMtls refuses handshakes that carry only a bearer token.
	RequireMtls bool

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	AckDeadline       time.Duration
	SessionStaleness  time.Duration

	// SendWindow and RecvWindow are advertised to workers on session
	// acceptance.
	SendWindow uint32
	RecvWindow uint32

	// PrometheusRegisterer may be nil to skip metrics registration.
	PrometheusRegisterer prometheus.Registerer
}

// TokenVerifierFunc checks the bearer token a worker presented during its
// handshake. A non-nil error refuses the session.
type TokenVerifierFunc func(ctx context.Context, tenant, workerId, token string) error

func (c *Config) validate(ctx context.Context) error {
	const op = "scheduler.(Config).validate"
	if len(c.TokenKey) < 32 {
		return errors.New(ctx, errors.InvalidParameter, op, "token key must be at least 32 bytes")
	}
	if c.AuthToken == "" && c.TokenVerifier == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "either an auth token or a token verifier is required")
	}
	if c.AuthToken != "" && c.TokenVerifier != nil {
		return errors.New(ctx, errors.InvalidParameter, op, "auth token and token verifier are mutually exclusive")
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = globals.DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = globals.DefaultHeartbeatInterval
	}
	if c.AckDeadline <= 0 {
		c.AckDeadline = globals.DefaultAckDeadline
	}
	if c.SessionStaleness <= 0 {
		c.SessionStaleness = globals.DefaultSessionStaleness
	}
	if c.SendWindow == 0 {
		c.SendWindow = globals.DefaultWindowSize
	}
	if c.RecvWindow == 0 {
		c.RecvWindow = globals.DefaultWindowSize
	}
	return nil
}
