// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package reliability

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/tether/internal/errors"
)

const idempotencyShards = 16

// IdempotencyEntry records the first observation of a (frame id, correlation
// id) pair and, once available, a snapshot of the result produced for it so
// duplicates can be answered without re-invoking the handler.
type IdempotencyEntry struct {
	Id          string
	Corr        string
	FirstSeenAt time.Time
	Result      json.RawMessage
}

type idemShard struct {
	mu      sync.RWMutex
	entries map[string]*IdempotencyEntry
}

// IdempotencyCache is a sharded TTL cache keyed by (frame id, correlation
// id). Entries outlive the retry horizon so late retransmits still hit.
type IdempotencyCache struct {
	shards [idempotencyShards]*idemShard
	ttl    time.Duration
}

// NewIdempotencyCache creates a cache. Supported options: WithIdempotencyTtl.
func NewIdempotencyCache(opt ...Option) *IdempotencyCache {
	opts := getOpts(opt...)
	c := &IdempotencyCache{ttl: opts.withIdempotencyTtl}
	for i := range c.shards {
		c.shards[i] = &idemShard{entries: make(map[string]*IdempotencyEntry)}
	}
	return c
}

func idemKey(id, corr string) string {
	return id + "\x00" + corr
}

func (c *IdempotencyCache) shardFor(key string) *idemShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%idempotencyShards]
}

// Register records the pair on first sight and returns (entry, false); a
// repeat observation returns the original entry and true. The entry is
// written exactly once per pair within the TTL.
func (c *IdempotencyCache) Register(ctx context.Context, id, corr string) (*IdempotencyEntry, bool, error) {
	const op = "reliability.(IdempotencyCache).Register"
	if id == "" {
		return nil, false, errors.New(ctx, errors.InvalidParameter, op, "missing frame id", errors.WithoutEvent())
	}
	key := idemKey(id, corr)
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e, true, nil
	}
	e := &IdempotencyEntry{Id: id, Corr: corr, FirstSeenAt: time.Now()}
	s.entries[key] = e
	return e, false, nil
}

// SetResult attaches the result snapshot for the pair so later duplicates
// can be answered from cache.
func (c *IdempotencyCache) SetResult(ctx context.Context, id, corr string, result json.RawMessage) error {
	const op = "reliability.(IdempotencyCache).SetResult"
	key := idemKey(id, corr)
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return errors.New(ctx, errors.RecordNotFound, op, "no idempotency entry for pair", errors.WithoutEvent())
	}
	e.Result = result
	return nil
}

// Lookup returns the entry for the pair if present.
func (c *IdempotencyCache) Lookup(id, corr string) (*IdempotencyEntry, bool) {
	key := idemKey(id, corr)
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Sweep evicts entries older than the TTL and returns the eviction count.
func (c *IdempotencyCache) Sweep(now time.Time) int {
	var evicted int
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if now.Sub(e.FirstSeenAt) > c.ttl {
				delete(s.entries, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Len returns the total entry count across shards.
func (c *IdempotencyCache) Len() int {
	var n int
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
