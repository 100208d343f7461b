// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package protocol

// Control frame types.
const (
	TypeHandshake     = "control.handshake"
	TypeRegister      = "control.register"
	TypeSessionAccept = "control.session.accept"
	TypeResume        = "control.resume"
	TypeReset         = "control.reset"
	TypeDrain         = "control.drain"
	TypeAck           = "control.ack"
	TypeHeartbeat     = "control.heartbeat"
	TypeError         = "control.error"
)

// Business frame types the control plane itself interprets. Dispatches are
// sequenced scheduler-to-worker; results are sequenced worker-to-scheduler.
// All other biz.* and ext.vendor.* payloads stay opaque.
const (
	TypeDispatch = "biz.cmd.dispatch"
	TypeResult   = "biz.result"
)

// Handshake opens a session.  It carries the worker's bearer token or mTLS
// identity; the tenant rides on the envelope.
type Handshake struct {
	Token          string `json:"token,omitempty" mapstructure:"token"`
	MtlsCommonName string `json:"mtls_cn,omitempty" mapstructure:"mtls_cn"`
	ProtocolRev    uint32 `json:"protocol_rev" mapstructure:"protocol_rev"`
}

// Register advertises the worker's capabilities, runtime names and feature
// flags.  It never carries business inventory.
type Register struct {
	Capabilities []string        `json:"capabilities,omitempty" mapstructure:"capabilities"`
	Runtimes     []string        `json:"runtimes,omitempty" mapstructure:"runtimes"`
	FeatureFlags map[string]bool `json:"feature_flags,omitempty" mapstructure:"feature_flags"`
}

// SessionAccept completes session establishment.  SessionToken is a signed
// token whose claims are {sid, wid, tenant, exp}.
type SessionAccept struct {
	SessionId    string `json:"session_id" mapstructure:"session_id"`
	SessionToken string `json:"session_token" mapstructure:"session_token"`
	SendWindow   uint32 `json:"send_window,omitempty" mapstructure:"send_window"`
	RecvWindow   uint32 `json:"recv_window,omitempty" mapstructure:"recv_window"`
}

// Resume asks to reattach to an existing session's sequence state after a
// reconnect.  The counters are the worker's view; the scheduler replies with
// session.accept (resume granted) or reset (full handshake required).
type Resume struct {
	SessionId    string `json:"session_id" mapstructure:"session_id"`
	SessionToken string `json:"session_token" mapstructure:"session_token"`
	SendSeq      uint64 `json:"send_seq" mapstructure:"send_seq"`
	RecvSeq      uint64 `json:"recv_seq" mapstructure:"recv_seq"`
}

// Reset forces the peer back to a fresh handshake.
type Reset struct {
	Reason string `json:"reason,omitempty" mapstructure:"reason"`
}

// Drain tells the worker to stop accepting new dispatches while in-flight
// work resolves.
type Drain struct {
	Reason string `json:"reason,omitempty" mapstructure:"reason"`
}

// Ack summarizes receiver progress for one direction.  AckSeq is the highest
// contiguous sequence received; AckBitmap is a bitset of received but
// non-contiguous frames in the window span above AckSeq; RecvWindow is the
// receiver's current buffer capacity.
type Ack struct {
	For        string `json:"for" mapstructure:"for"`
	AckSeq     uint64 `json:"ack_seq" mapstructure:"ack_seq"`
	AckBitmap  uint64 `json:"ack_bitmap" mapstructure:"ack_bitmap"`
	RecvWindow uint32 `json:"recv_window" mapstructure:"recv_window"`
}

// Heartbeat is exchanged periodically on a ready session.
type Heartbeat struct {
	OperationalState string `json:"operational_state,omitempty" mapstructure:"operational_state"`
	InflightCount    uint32 `json:"inflight_count" mapstructure:"inflight_count"`
}

// Error reflects a protocol-level failure back to the peer with a stable
// wire code.
type Error struct {
	Code   string `json:"code" mapstructure:"code"`
	Detail string `json:"detail,omitempty" mapstructure:"detail"`
}

// Dispatch hands one command to a worker.  The envelope's correlation id
// ties the eventual result back to this dispatch; Resources reference
// worker-held artifacts the command depends on.
type Dispatch struct {
	TaskId         string               `json:"task_id" mapstructure:"task_id"`
	NodeType       string               `json:"node_type" mapstructure:"node_type"`
	Command        string               `json:"command" mapstructure:"command"`
	Args           map[string]any       `json:"args,omitempty" mapstructure:"args"`
	ConcurrencyKey string               `json:"concurrency_key,omitempty" mapstructure:"concurrency_key"`
	AffinityKey    string               `json:"affinity_key,omitempty" mapstructure:"affinity_key"`
	Resources      []ResourceDescriptor `json:"resources,omitempty" mapstructure:"resources"`
}

// Result carries a terminal command outcome back to the scheduler.  The
// command's correlation id rides on the envelope; Artifacts are resource
// descriptors, never artifact bodies (unless a descriptor is marked inline).
type Result struct {
	Status    string               `json:"status" mapstructure:"status"`
	Code      string               `json:"code,omitempty" mapstructure:"code"`
	Detail    string               `json:"detail,omitempty" mapstructure:"detail"`
	Output    map[string]any       `json:"output,omitempty" mapstructure:"output"`
	Artifacts []ResourceDescriptor `json:"artifacts,omitempty" mapstructure:"artifacts"`
}

// Result statuses.
const (
	ResultStatusSucceeded = "succeeded"
	ResultStatusFailed    = "failed"
)

// ResourceDescriptor references a worker-owned artifact on the wire.  Inline
// is the only case where the payload body is actually embedded.
type ResourceDescriptor struct {
	ResourceId string            `json:"resource_id" mapstructure:"resource_id"`
	WorkerId   string            `json:"worker_id" mapstructure:"worker_id"`
	Type       string            `json:"type" mapstructure:"type"`
	SizeBytes  int64             `json:"size_bytes,omitempty" mapstructure:"size_bytes"`
	ExpiresAt  int64             `json:"expires_at,omitempty" mapstructure:"expires_at"`
	Inline     bool              `json:"inline" mapstructure:"inline"`
	Body       []byte            `json:"body,omitempty" mapstructure:"body"`
	Metadata   map[string]string `json:"metadata,omitempty" mapstructure:"metadata"`
}
