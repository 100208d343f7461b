// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package guard provides the worker-side concurrency guard: a non-blocking
// mutual-exclusion table keyed by caller-supplied serialization keys. At
// most one task holds a key at a time; a losing acquirer is rejected
// immediately rather than queued.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
)

// Holder describes the current owner of a serialization key.
type Holder struct {
	TaskId     string
	AcquiredAt time.Time
}

// Guard is a process-local exclusion table. The zero value is not usable;
// call New.
type Guard struct {
	mu    sync.Mutex
	held  map[string]*Holder
	stats struct {
		granted  uint64
		rejected uint64
	}
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{held: make(map[string]*Holder)}
}

// Acquire attempts to take key for taskId without blocking. A second acquire
// by the same task is granted idempotently; a different holder yields a
// concurrency-violation error carrying the current owner in the message.
func (g *Guard) Acquire(ctx context.Context, key, taskId string) error {
	const op = "guard.(Guard).Acquire"
	switch {
	case key == "":
		return errors.New(ctx, errors.InvalidParameter, op, "missing serialization key", errors.WithoutEvent())
	case taskId == "":
		return errors.New(ctx, errors.InvalidParameter, op, "missing task id", errors.WithoutEvent())
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.held[key]; ok {
		if h.TaskId == taskId {
			return nil
		}
		g.stats.rejected++
		return errors.New(ctx, errors.ConcurrencyViolation, op,
			"serialization key held by task "+h.TaskId, errors.WithoutEvent())
	}
	g.held[key] = &Holder{TaskId: taskId, AcquiredAt: time.Now()}
	g.stats.granted++
	return nil
}

// Release frees key if taskId holds it. Releasing an unheld key or one held
// by another task is a no-op, so completion and teardown paths can both
// release without coordination.
func (g *Guard) Release(ctx context.Context, key, taskId string) {
	const op = "guard.(Guard).Release"
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.held[key]
	if !ok || h.TaskId != taskId {
		return
	}
	delete(g.held, key)
	_ = event.WriteObservation(ctx, op, event.WithHeader(
		"msg", "serialization key released",
		"key", key,
		"task_id", taskId,
		"held_ms", time.Since(h.AcquiredAt).Milliseconds(),
	))
}

// ReleaseAll frees every key held by taskId and returns the count,
// supporting task-failure cleanup.
func (g *Guard) ReleaseAll(_ context.Context, taskId string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int
	for key, h := range g.held {
		if h.TaskId == taskId {
			delete(g.held, key)
			n++
		}
	}
	return n
}

// Holder returns the current owner of key, if any.
func (g *Guard) Holder(key string) (*Holder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.held[key]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// HeldCount returns the number of keys currently held.
func (g *Guard) HeldCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// Stats reports cumulative grant and rejection counts.
func (g *Guard) Stats() (granted, rejected uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats.granted, g.stats.rejected
}
