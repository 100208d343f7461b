// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package globals

// This set of consts is intended to be a place to collect commonly-used
// public id prefixes. This can avoid some cross-package dependency issues.

const (
	// SessionPrefix is the prefix for session public ids
	SessionPrefix = "sn"

	// WorkerPrefix is the prefix for worker instance ids
	WorkerPrefix = "w"

	// DispatchPrefix is the prefix for dispatch ids handed back to the
	// planner
	DispatchPrefix = "dp"

	// FramePrefix is the prefix for envelope frame ids
	FramePrefix = "f"

	// ResourcePrefix is the prefix for worker-side resource handles
	ResourcePrefix = "rs"
)
