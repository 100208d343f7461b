// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package event

import "errors"

// The event package uses its own set of sentinel errors (vs internal/errors)
// to avoid a circular dependency: internal/errors emits error events.
var (
	// ErrInvalidParameter defines a value for invalid parameter errors
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrMaxRetries defines a value for exceeding max retries for sending an
	// event
	ErrMaxRetries = errors.New("too many retries")

	// ErrIo defines a value for io errors (generating ids, writing sinks)
	ErrIo = errors.New("error during io operation")
)
