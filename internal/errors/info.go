// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package errors

// Info contains details of the specific error code
type Info struct {
	// Kind specifies the kind of error (unknown, parameter, integrity, etc).
	Kind Kind

	// Message provides a default message for the error code
	Message string

	// Proto is the stable wire code surfaced at the protocol boundary, when
	// the Code has one.
	Proto string
}

// errorCodeInfo provides a map of unique Codes (IDs) to their
// corresponding Kind and a default Message.
var errorCodeInfo = map[Code]Info{
	Unknown: {
		Message: "unknown",
		Kind:    Other,
	},
	InvalidParameter: {
		Message: "invalid parameter",
		Kind:    Parameter,
	},
	Io: {
		Message: "error during io operation",
		Kind:    Integrity,
	},
	RecordNotFound: {
		Message: "record not found",
		Kind:    Search,
	},
	InvalidToken: {
		Message: "bearer token was missing or invalid",
		Kind:    Auth,
		Proto:   ProtoInvalidToken,
	},
	MtlsRequired: {
		Message: "a client certificate identity is required",
		Kind:    Auth,
		Proto:   ProtoMtlsRequired,
	},
	StaleBinding: {
		Message: "session binding is outside the staleness window",
		Kind:    Session,
		Proto:   ProtoStaleBinding,
	},
	SessionDenied: {
		Message: "session was denied by the scheduler",
		Kind:    Session,
		Proto:   ProtoSessionDenied,
	},
	InvalidSessionState: {
		Message: "session state was not valid for the requested operation",
		Kind:    Session,
		Proto:   ProtoInternal,
	},
	UnknownCommand: {
		Message: "unknown command type",
		Kind:    Protocol,
		Proto:   ProtoUnknownCommand,
	},
	ConcurrencyViolation: {
		Message: "concurrency key is already held",
		Kind:    Protocol,
		Proto:   ProtoConcurrencyViolation,
	},
	DuplicateResult: {
		Message: "result was already processed",
		Kind:    Protocol,
		Proto:   ProtoDuplicateResult,
	},
	SequenceGap: {
		Message: "frame sequence is outside the receive window",
		Kind:    Protocol,
		Proto:   ProtoSequenceGap,
	},
	InvalidPackage: {
		Message: "business payload failed envelope validation",
		Kind:    Protocol,
		Proto:   ProtoInvalidPackage,
	},
	WorkerUnavailable: {
		Message: "worker is not reachable",
		Kind:    Resource,
		Proto:   ProtoTimeout,
	},
	ResourceEvicted: {
		Message: "resource handle has been evicted",
		Kind:    Resource,
		Proto:   ProtoInternal,
	},
	RetriesExhausted: {
		Message: "max delivery attempts exceeded",
		Kind:    State,
		Proto:   ProtoTimeout,
	},
	Internal: {
		Message: "internal error",
		Kind:    Other,
		Proto:   ProtoInternal,
	},
	Timeout: {
		Message: "timeout",
		Kind:    State,
		Proto:   ProtoTimeout,
	},
}
