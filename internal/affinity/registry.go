// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package affinity implements the scheduler-side affinity registry: a
// sharded map from (tenant, key) to worker bindings with TTL and lease
// semantics. Dispatch consults it to keep related commands on the worker
// that holds the warmed resource; worker loss marks bindings stale rather
// than dropping them, giving in-flight work a grace period to recover.
package affinity

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	ua "go.uber.org/atomic"
)

const registryShards = 16

// RecordState describes the trust level of a binding.
type RecordState int

const (
	StateActive RecordState = iota
	StateStale
	StateDraining
)

func (s RecordState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// Record binds an affinity key to a worker. Inflight is safe for concurrent
// use; the remaining fields are guarded by the owning shard and must be read
// through the registry's accessors.
type Record struct {
	Tenant     string
	Key        string
	WorkerId   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Inflight   *ua.Int64
	State      RecordState

	// staleAt starts the failover grace period
	staleAt time.Time
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}

type regShard struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// Registry is the sharded binding table. Shards are keyed by (tenant, key)
// so unrelated tenants never contend on one lock.
type Registry struct {
	shards [registryShards]*regShard
	ttl    time.Duration
	grace  time.Duration
}

// NewRegistry creates a registry with the default TTL and failover grace
// period from globals.
func NewRegistry() *Registry {
	r := &Registry{
		ttl:   globals.DefaultAffinityTtl,
		grace: globals.DefaultAffinityGrace,
	}
	for i := range r.shards {
		r.shards[i] = &regShard{records: make(map[string]*Record)}
	}
	return r
}

func recordKey(tenant, key string) string {
	return tenant + "\x00" + key
}

func (r *Registry) shardFor(k string) *regShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return r.shards[h.Sum32()%registryShards]
}

// Acquire binds key to workerId for ttl (zero means the registry default).
// It returns true when the binding is created or already held by workerId
// (refreshing it), and false when another worker holds a live binding.
// A stale or expired record is replaced rather than honored.
func (r *Registry) Acquire(ctx context.Context, tenant, key, workerId string, ttl time.Duration) (bool, error) {
	const op = "affinity.(Registry).Acquire"
	switch {
	case tenant == "":
		return false, errors.New(ctx, errors.InvalidParameter, op, "missing tenant", errors.WithoutEvent())
	case key == "":
		return false, errors.New(ctx, errors.InvalidParameter, op, "missing affinity key", errors.WithoutEvent())
	case workerId == "":
		return false, errors.New(ctx, errors.InvalidParameter, op, "missing worker id", errors.WithoutEvent())
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	k := recordKey(tenant, key)
	s := r.shardFor(k)
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[k]; ok {
		live := rec.State == StateActive && now.Before(rec.ExpiresAt)
		switch {
		case live && rec.WorkerId != workerId:
			return false, nil
		case live:
			rec.ExpiresAt = now.Add(ttl)
			return true, nil
		}
		// stale, draining, or expired: fall through and rebind
	}
	s.records[k] = &Record{
		Tenant:     tenant,
		Key:        key,
		WorkerId:   workerId,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Inflight:   ua.NewInt64(0),
		State:      StateActive,
	}
	event.WriteSysEvent(ctx, op, "affinity binding acquired", "tenant", tenant, "key", key, "worker_id", workerId)
	return true, nil
}

// Lookup returns a snapshot of the binding for (tenant, key), if present and
// unexpired. Expired records are treated as absent but left for Sweep.
func (r *Registry) Lookup(tenant, key string) (*Record, bool) {
	k := recordKey(tenant, key)
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[k]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, false
	}
	return rec.clone(), true
}

// Touch extends the binding's TTL; it is called on every successful dispatch
// that used the binding. ttl of zero means the registry default.
func (r *Registry) Touch(ctx context.Context, tenant, key string, ttl time.Duration) error {
	const op = "affinity.(Registry).Touch"
	if ttl <= 0 {
		ttl = r.ttl
	}
	k := recordKey(tenant, key)
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[k]
	if !ok {
		return errors.New(ctx, errors.RecordNotFound, op, "no binding for key", errors.WithoutEvent())
	}
	rec.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// Release drops the binding. Releasing an absent key is a no-op.
func (r *Registry) Release(ctx context.Context, tenant, key, reason string) {
	const op = "affinity.(Registry).Release"
	k := recordKey(tenant, key)
	s := r.shardFor(k)
	s.mu.Lock()
	rec, ok := s.records[k]
	if ok {
		delete(s.records, k)
	}
	s.mu.Unlock()
	if ok {
		event.WriteSysEvent(ctx, op, "affinity binding released",
			"tenant", rec.Tenant, "key", rec.Key, "worker_id", rec.WorkerId, "reason", reason)
	}
}

// MarkWorkerLost flips every active binding for workerId to stale, starting
// the failover grace period, and returns the number of bindings affected.
// Called when the worker's session leaves READY without a graceful drain.
func (r *Registry) MarkWorkerLost(ctx context.Context, workerId string) int {
	const op = "affinity.(Registry).MarkWorkerLost"
	now := time.Now()
	var n int
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			if rec.WorkerId == workerId && rec.State == StateActive {
				rec.State = StateStale
				rec.staleAt = now
				n++
			}
		}
		s.mu.Unlock()
	}
	if n > 0 {
		event.WriteSysEvent(ctx, op, "worker lost, bindings marked stale", "worker_id", workerId, "count", n)
	}
	return n
}

// MarkWorkerDraining flips active bindings for workerId to draining so new
// dispatches select another worker while in-flight work completes.
func (r *Registry) MarkWorkerDraining(_ context.Context, workerId string) int {
	var n int
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			if rec.WorkerId == workerId && rec.State == StateActive {
				rec.State = StateDraining
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// RetryableWithinGrace reports whether a stale binding may still be retried
// against its worker; past the grace period the bound work must fail over.
func (r *Registry) RetryableWithinGrace(rec *Record, now time.Time) bool {
	if rec == nil || rec.State != StateStale {
		return false
	}
	return now.Sub(rec.staleAt) <= r.grace
}

// Sweep evicts expired records and stale records past the grace period,
// returning the eviction count. Run it periodically from the daemon.
func (r *Registry) Sweep(now time.Time) int {
	var evicted int
	for _, s := range r.shards {
		s.mu.Lock()
		for k, rec := range s.records {
			expired := now.After(rec.ExpiresAt)
			graceOver := rec.State == StateStale && now.Sub(rec.staleAt) > r.grace
			if expired || graceOver {
				delete(s.records, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Len returns the total record count across shards.
func (r *Registry) Len() int {
	var n int
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}
