// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package globals

import "time"

const (
	// MetricNamespace is the namespace shared by all tether metric
	// collectors.
	MetricNamespace = "tether"

	// TenantHeaderKey defines the header used to carry a tenant id on
	// connection upgrade requests.
	TenantHeaderKey = "x-tether-tenant"

	// WorkerInstanceHeaderKey defines the header used to carry the worker's
	// persisted instance id on connection upgrade requests.
	WorkerInstanceHeaderKey = "x-tether-worker-instance"
)

var (
	// DefaultHandshakeTimeout is the amount of time a session may remain in
	// the handshaking states before it is torn down.
	DefaultHandshakeTimeout = 15 * time.Second

	// DefaultHeartbeatInterval is the interval at which heartbeats are
	// exchanged on a ready session.
	DefaultHeartbeatInterval = 3 * time.Second

	// DefaultAckDeadline bounds how long a dispatch waits for an ack before
	// the command is requeued.
	DefaultAckDeadline = 5 * time.Second

	// DefaultSessionStaleness bounds how long after a session is lost a
	// reconnecting worker may resume its sequence state.
	DefaultSessionStaleness = 2 * time.Minute

	// DefaultAffinityTtl is the lease duration for a fresh affinity record.
	DefaultAffinityTtl = 5 * time.Minute

	// DefaultAffinityGrace is how long a stale affinity record may be
	// retried before the bound work is failed.
	DefaultAffinityGrace = 30 * time.Second

	// DefaultIdempotencyTtl must exceed the maximum retry horizon so a
	// retried frame always finds its cache entry.
	DefaultIdempotencyTtl = 10 * time.Minute

	// DefaultWindowSize is the per-direction sliding window span.
	DefaultWindowSize = uint32(64)

	// DefaultMaxFrameBytes is the maximum size of a single envelope frame we
	// allow on the wire.
	DefaultMaxFrameBytes = int64(1024 * 1024)
)
