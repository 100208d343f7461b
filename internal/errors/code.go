// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package errors

// Code specifies a code for the error.
type Code uint32

// String will return the Code's Info.Message
func (c Code) String() string {
	return c.Info().Message
}

// Info will look up the Code's Info.  If the Info is not found, it will return
// Info for an Unknown Code.
func (c Code) Info() Info {
	if info, ok := errorCodeInfo[c]; ok {
		return info
	}
	return errorCodeInfo[Unknown]
}

// Proto returns the stable wire code surfaced at the protocol boundary for
// this Code.  Codes without a boundary mapping report as E.INTERNAL.
func (c Code) Proto() string {
	if info, ok := errorCodeInfo[c]; ok && info.Proto != "" {
		return info.Proto
	}
	return ProtoInternal
}

// Wire codes surfaced at the protocol boundary.
const (
	ProtoInvalidToken         = "E.AUTH.INVALID_TOKEN"
	ProtoMtlsRequired         = "E.AUTH.MTLS_REQUIRED"
	ProtoStaleBinding         = "E.SESSION.STALE_BINDING"
	ProtoSessionDenied        = "E.SESSION.DENIED"
	ProtoUnknownCommand       = "E.CMD.UNKNOWN"
	ProtoConcurrencyViolation = "E.CMD.CONCURRENCY_VIOLATION"
	ProtoDuplicateResult      = "E.RESULT.DUPLICATE"
	ProtoSequenceGap          = "E.RESULT.SEQ_GAP"
	ProtoInvalidPackage       = "E.PKG.INVALID"
	ProtoInternal             = "E.INTERNAL"
	ProtoTimeout              = "E.TIMEOUT"
)

const (
	Unknown Code = 0 // Unknown will be equal to a zero value for Codes

	// General function errors are reserved Codes 100-999
	InvalidParameter Code = 100 // InvalidParameter represents an invalid parameter for an operation.
	Io               Code = 102 // Io represents an error during an io operation.

	// Registry errors are reserved Codes 1000-1999
	RecordNotFound Code = 1100 // RecordNotFound represents that a record was not found matching the criteria

	// Auth errors are reserved Codes 2000-2099
	InvalidToken Code = 2000 // InvalidToken represents a handshake with a bad bearer token
	MtlsRequired Code = 2001 // MtlsRequired represents a handshake missing a required mTLS identity

	// Session errors are reserved Codes 2100-2199
	StaleBinding        Code = 2100 // StaleBinding represents a resume attempt outside the staleness window
	SessionDenied       Code = 2101 // SessionDenied represents a session the scheduler refused to accept
	InvalidSessionState Code = 2102 // InvalidSessionState represents an operation invalid for the session's current state

	// Command/protocol errors are reserved Codes 2200-2299
	UnknownCommand       Code = 2200 // UnknownCommand represents an envelope type with no registered schema
	ConcurrencyViolation Code = 2201 // ConcurrencyViolation represents a second acquire of a held concurrency key
	DuplicateResult      Code = 2202 // DuplicateResult represents a result frame already processed
	SequenceGap          Code = 2203 // SequenceGap represents a frame outside the receive window
	InvalidPackage       Code = 2204 // InvalidPackage represents a malformed business payload envelope

	// Dispatch/resource errors are reserved Codes 2300-2399
	WorkerUnavailable Code = 2300 // WorkerUnavailable represents a pinned or selected worker that is not reachable
	ResourceEvicted   Code = 2301 // ResourceEvicted represents a dispatch referencing an evicted resource handle
	RetriesExhausted  Code = 2302 // RetriesExhausted represents a frame that exceeded its max delivery attempts

	// Codes 2900-2999 are reserved for terminal catch-alls
	Internal Code = 2900 // Internal represents an unclassified internal failure
	Timeout  Code = 2901 // Timeout represents an explicit wait point that elapsed
)
