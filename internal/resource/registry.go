// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package resource implements the worker-side resource registry: reference
// counted handles to reusable artifacts (files, warmed sessions, loaded
// models) with TTL and watermark-driven reclamation. Handlers register
// artifacts and lease them across dispatches; the control plane ships only
// descriptors, never artifact bodies, unless a handle is explicitly inline.
package resource

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/ids"
	"github.com/hashicorp/tether/internal/protocol"
)

// HandleState tracks a handle through its lifecycle.
type HandleState int

const (
	StateActive HandleState = iota
	StateLeased
	StateEvicting
	StateEvicted
)

func (s HandleState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateLeased:
		return "leased"
	case StateEvicting:
		return "evicting"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Handle is one registered artifact. All fields are guarded by the owning
// registry; callers receive snapshots.
type Handle struct {
	ResourceId string
	WorkerId   string
	Type       string
	Scope      string
	SizeBytes  int64
	ExpiresAt  time.Time
	Inline     bool
	Body       []byte
	Metadata   map[string]string

	Path string

	state  HandleState
	leases int
}

// State returns the handle's lifecycle state.
func (h *Handle) State() HandleState { return h.state }

// Leases returns the live lease count.
func (h *Handle) Leases() int { return h.leases }

func (h *Handle) snapshot() *Handle {
	cp := *h
	return &cp
}

// Registry owns a worker's handles. maxBytes is the watermark above which
// unleased handles are reclaimed early, oldest expiry first; zero disables
// pressure eviction.
type Registry struct {
	mu       sync.Mutex
	workerId string
	handles  map[string]*Handle
	ttl      time.Duration
	maxBytes int64
	curBytes int64
}

// NewRegistry creates a registry for workerId.
func NewRegistry(ctx context.Context, workerId string, maxBytes int64) (*Registry, error) {
	const op = "resource.NewRegistry"
	if workerId == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing worker id")
	}
	return &Registry{
		workerId: workerId,
		handles:  make(map[string]*Handle),
		ttl:      globals.DefaultAffinityTtl,
		maxBytes: maxBytes,
	}, nil
}

// Register creates a handle for an in-memory or externally stored artifact.
// ttl of zero means the registry default.
func (r *Registry) Register(ctx context.Context, typ, scope string, sizeBytes int64, ttl time.Duration, metadata map[string]string) (*Handle, error) {
	const op = "resource.(Registry).Register"
	if typ == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing resource type", errors.WithoutEvent())
	}
	if ttl <= 0 {
		ttl = r.ttl
	}
	id, err := ids.NewPublicId(ctx, globals.ResourcePrefix)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	h := &Handle{
		ResourceId: id,
		WorkerId:   r.workerId,
		Type:       typ,
		Scope:      scope,
		SizeBytes:  sizeBytes,
		ExpiresAt:  time.Now().Add(ttl),
		Metadata:   metadata,
		state:      StateActive,
	}
	r.mu.Lock()
	r.handles[id] = h
	r.curBytes += sizeBytes
	over := r.maxBytes > 0 && r.curBytes > r.maxBytes
	r.mu.Unlock()
	if over {
		r.evictUnderPressure(ctx)
	}
	return h.snapshot(), nil
}

// RegisterFile registers an artifact stored on the worker's filesystem,
// sizing the handle from the file itself.
func (r *Registry) RegisterFile(ctx context.Context, path, scope string, ttl time.Duration, metadata map[string]string) (*Handle, error) {
	const op = "resource.(Registry).RegisterFile"
	if path == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing path", errors.WithoutEvent())
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Io), errors.WithMsg("unable to stat artifact file"))
	}
	h, err := r.Register(ctx, "file", scope, fi.Size(), ttl, metadata)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	r.mu.Lock()
	if stored, ok := r.handles[h.ResourceId]; ok {
		stored.Path = path
	}
	r.mu.Unlock()
	h.Path = path
	return h, nil
}

// Lease takes a reference on the handle so reclamation cannot touch it.
// Leasing an evicting or evicted handle fails; dispatches must never ride a
// handle the registry has started reclaiming.
func (r *Registry) Lease(ctx context.Context, resourceId string) (*Handle, error) {
	const op = "resource.(Registry).Lease"
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceId]
	if !ok {
		return nil, errors.New(ctx, errors.RecordNotFound, op, "unknown resource id", errors.WithoutEvent())
	}
	if h.state == StateEvicting || h.state == StateEvicted {
		return nil, errors.New(ctx, errors.ResourceEvicted, op, "resource is being reclaimed", errors.WithoutEvent())
	}
	h.leases++
	h.state = StateLeased
	return h.snapshot(), nil
}

// Release drops one reference. Releasing an unknown or unleased handle is a
// no-op so completion and teardown paths can both release freely.
func (r *Registry) Release(_ context.Context, resourceId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceId]
	if !ok || h.leases == 0 {
		return
	}
	h.leases--
	if h.leases == 0 && h.state == StateLeased {
		h.state = StateActive
	}
}

// ReleaseScope drops every reference held under scope and returns the count
// of handles affected; used when a task or session ends.
func (r *Registry) ReleaseScope(_ context.Context, scope string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, h := range r.handles {
		if h.Scope == scope && h.leases > 0 {
			h.leases = 0
			if h.state == StateLeased {
				h.state = StateActive
			}
			n++
		}
	}
	return n
}

// Touch extends the handle's expiry. ttl of zero means the registry default.
func (r *Registry) Touch(ctx context.Context, resourceId string, ttl time.Duration) error {
	const op = "resource.(Registry).Touch"
	if ttl <= 0 {
		ttl = r.ttl
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceId]
	if !ok || h.state == StateEvicted {
		return errors.New(ctx, errors.RecordNotFound, op, "unknown resource id", errors.WithoutEvent())
	}
	h.ExpiresAt = time.Now().Add(ttl)
	return nil
}

// Lookup returns a snapshot of the handle, if known.
func (r *Registry) Lookup(resourceId string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceId]
	if !ok {
		return nil, false
	}
	return h.snapshot(), true
}

// Descriptor renders the wire form of the handle: metadata only, never the
// artifact body, unless the handle is inline.
func (r *Registry) Descriptor(resourceId string) (*protocol.ResourceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[resourceId]
	if !ok || h.state == StateEvicted {
		return nil, false
	}
	d := &protocol.ResourceDescriptor{
		ResourceId: h.ResourceId,
		WorkerId:   h.WorkerId,
		Type:       h.Type,
		SizeBytes:  h.SizeBytes,
		ExpiresAt:  h.ExpiresAt.Unix(),
		Inline:     h.Inline,
		Metadata:   h.Metadata,
	}
	if h.Inline {
		d.Body = append([]byte(nil), h.Body...)
	}
	return d, true
}

// Gc reclaims unleased handles past their expiry and returns the count.
func (r *Registry) Gc(ctx context.Context, now time.Time) int {
	const op = "resource.(Registry).Gc"
	r.mu.Lock()
	var victims []*Handle
	for _, h := range r.handles {
		if h.leases == 0 && h.state != StateEvicted && now.After(h.ExpiresAt) {
			h.state = StateEvicting
			victims = append(victims, h)
		}
	}
	r.mu.Unlock()
	for _, h := range victims {
		r.evict(ctx, h)
	}
	if len(victims) > 0 {
		event.WriteSysEvent(ctx, op, "expired resources reclaimed", "worker_id", r.workerId, "count", len(victims))
	}
	return len(victims)
}

// evictUnderPressure reclaims unleased handles, earliest expiry first, until
// total bytes drop below the watermark.
func (r *Registry) evictUnderPressure(ctx context.Context) {
	const op = "resource.(Registry).evictUnderPressure"
	r.mu.Lock()
	var candidates []*Handle
	for _, h := range r.handles {
		if h.leases == 0 && h.state == StateActive {
			candidates = append(candidates, h)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	var victims []*Handle
	projected := r.curBytes
	for _, h := range candidates {
		if projected <= r.maxBytes {
			break
		}
		h.state = StateEvicting
		projected -= h.SizeBytes
		victims = append(victims, h)
	}
	r.mu.Unlock()
	for _, h := range victims {
		r.evict(ctx, h)
	}
	if len(victims) > 0 {
		event.WriteSysEvent(ctx, op, "resources reclaimed under pressure", "worker_id", r.workerId, "count", len(victims))
	}
}

func (r *Registry) evict(ctx context.Context, h *Handle) {
	const op = "resource.(Registry).evict"
	if h.Path != "" {
		if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
			event.WriteError(ctx, event.Op(op), err, event.WithInfoMsg("unable to remove artifact file", "path", h.Path))
		}
	}
	r.mu.Lock()
	h.state = StateEvicted
	h.Body = nil
	r.curBytes -= h.SizeBytes
	delete(r.handles, h.ResourceId)
	r.mu.Unlock()
}

// TotalBytes reports the registered artifact footprint.
func (r *Registry) TotalBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curBytes
}

// Len returns the live handle count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// StartSweeper launches the background reclamation loop and returns a func
// that blocks until the loop exits. The loop stops when ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-timer.C:
				r.Gc(ctx, now)
				timer.Reset(interval)
			}
		}
	}()
	return wg.Wait
}
