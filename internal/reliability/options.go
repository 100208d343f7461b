// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package reliability

import (
	"time"

	"github.com/hashicorp/tether/globals"
)

// getOpts - iterate the inbound Options and return a struct
func getOpts(opt ...Option) options {
	opts := getDefaultOptions()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// Option - how Options are passed as arguments
type Option func(*options)

// options = how options are represented
type options struct {
	withWindowSize     uint32
	withRetryBase      time.Duration
	withRetryCap       time.Duration
	withMaxAttempts    uint32
	withIdempotencyTtl time.Duration
	withRetryTick      time.Duration
}

func getDefaultOptions() options {
	return options{
		withWindowSize:     globals.DefaultWindowSize,
		withRetryBase:      500 * time.Millisecond,
		withRetryCap:       15 * time.Second,
		withMaxAttempts:    5,
		withIdempotencyTtl: globals.DefaultIdempotencyTtl,
		withRetryTick:      100 * time.Millisecond,
	}
}

// WithWindowSize provides an option to set the per-direction sliding window
// span.
func WithWindowSize(size uint32) Option {
	return func(o *options) {
		if size > 0 {
			o.withWindowSize = size
		}
	}
}

// WithRetryBase provides an option to set the base delay for send retries.
func WithRetryBase(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withRetryBase = d
		}
	}
}

// WithRetryCap provides an option to cap the delay for send retries.
func WithRetryCap(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withRetryCap = d
		}
	}
}

// WithMaxAttempts provides an option to bound delivery attempts per frame.
// Exceeding the bound surfaces a fatal dispatch error to the sender.
func WithMaxAttempts(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.withMaxAttempts = n
		}
	}
}

// WithIdempotencyTtl provides an option to set the idempotency entry
// lifetime; it must exceed the maximum retry horizon.
func WithIdempotencyTtl(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withIdempotencyTtl = d
		}
	}
}

// WithRetryTick provides an option to set how often the retry loop scans for
// due frames; mostly useful to speed up tests.
func WithRetryTick(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.withRetryTick = d
		}
	}
}
