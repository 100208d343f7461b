// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, maxBytes int64) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), "w_test", maxBytes)
	require.NoError(t, err)
	return r
}

func TestRegistry_RegisterLeaseRelease(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	h, err := r.Register(ctx, "browser-session", "task-1", 1024, time.Minute, map[string]string{"profile": "default"})
	require.NoError(t, err)
	assert.Contains(t, h.ResourceId, "rs_")
	assert.Equal(t, "w_test", h.WorkerId)
	assert.Equal(t, StateActive, h.State())

	leased, err := r.Lease(ctx, h.ResourceId)
	require.NoError(t, err)
	assert.Equal(t, StateLeased, leased.State())
	assert.Equal(t, 1, leased.Leases())

	_, err = r.Lease(ctx, h.ResourceId)
	require.NoError(t, err)

	r.Release(ctx, h.ResourceId)
	got, ok := r.Lookup(h.ResourceId)
	require.True(t, ok)
	assert.Equal(t, 1, got.Leases())
	assert.Equal(t, StateLeased, got.State())

	r.Release(ctx, h.ResourceId)
	got, ok = r.Lookup(h.ResourceId)
	require.True(t, ok)
	assert.Equal(t, StateActive, got.State())

	// release past zero is a no-op
	r.Release(ctx, h.ResourceId)

	_, err = r.Lease(ctx, "rs_unknown")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.RecordNotFound), err))
}

func TestRegistry_RegisterFile(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	path := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload-bytes"), 0o600))

	h, err := r.RegisterFile(ctx, path, "task-1", time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "file", h.Type)
	assert.Equal(t, int64(13), h.SizeBytes)
	assert.Equal(t, path, h.Path)

	// expiry with no leases reclaims the handle and the file
	assert.Equal(t, 1, r.Gc(ctx, time.Now().Add(2*time.Minute)))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, ok := r.Lookup(h.ResourceId)
	assert.False(t, ok)
}

func TestRegistry_LeaseBlocksGc(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	h, err := r.Register(ctx, "model", "task-1", 10, time.Millisecond, nil)
	require.NoError(t, err)
	_, err = r.Lease(ctx, h.ResourceId)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Gc(ctx, time.Now().Add(time.Hour)))
	_, ok := r.Lookup(h.ResourceId)
	assert.True(t, ok)

	r.Release(ctx, h.ResourceId)
	assert.Equal(t, 1, r.Gc(ctx, time.Now().Add(time.Hour)))
}

func TestRegistry_ReleaseScope(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	h1, err := r.Register(ctx, "file", "task-1", 1, time.Minute, nil)
	require.NoError(t, err)
	h2, err := r.Register(ctx, "file", "task-1", 1, time.Minute, nil)
	require.NoError(t, err)
	h3, err := r.Register(ctx, "file", "task-2", 1, time.Minute, nil)
	require.NoError(t, err)
	for _, id := range []string{h1.ResourceId, h2.ResourceId, h3.ResourceId} {
		_, err = r.Lease(ctx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, r.ReleaseScope(ctx, "task-1"))
	got, _ := r.Lookup(h1.ResourceId)
	assert.Equal(t, 0, got.Leases())
	got, _ = r.Lookup(h3.ResourceId)
	assert.Equal(t, 1, got.Leases())
}

func TestRegistry_Touch(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	h, err := r.Register(ctx, "model", "task-1", 1, time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, h.ResourceId, time.Hour))
	assert.Equal(t, 0, r.Gc(ctx, time.Now().Add(time.Minute)))

	err = r.Touch(ctx, "rs_unknown", 0)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.RecordNotFound), err))
}

func TestRegistry_WatermarkEviction(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 100)

	h1, err := r.Register(ctx, "blob", "task-1", 60, time.Minute, nil)
	require.NoError(t, err)
	// pushing past the watermark reclaims the earliest-expiring unleased
	// handle
	h2, err := r.Register(ctx, "blob", "task-1", 60, 2*time.Minute, nil)
	require.NoError(t, err)

	_, ok := r.Lookup(h1.ResourceId)
	assert.False(t, ok, "oldest unleased handle should have been evicted")
	_, ok = r.Lookup(h2.ResourceId)
	assert.True(t, ok)
	assert.LessOrEqual(t, r.TotalBytes(), int64(100))
}

func TestRegistry_LeasedSurvivesPressure(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 100)

	h1, err := r.Register(ctx, "blob", "task-1", 60, time.Minute, nil)
	require.NoError(t, err)
	_, err = r.Lease(ctx, h1.ResourceId)
	require.NoError(t, err)

	_, err = r.Register(ctx, "blob", "task-1", 60, 2*time.Minute, nil)
	require.NoError(t, err)

	// a leased handle is never reclaimed under pressure
	_, ok := r.Lookup(h1.ResourceId)
	assert.True(t, ok)
}

func TestRegistry_EvictedRefusesLease(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	h, err := r.Register(ctx, "model", "task-1", 1, time.Millisecond, nil)
	require.NoError(t, err)
	require.Equal(t, 1, r.Gc(ctx, time.Now().Add(time.Minute)))

	_, err = r.Lease(ctx, h.ResourceId)
	require.Error(t, err)
	// reclaimed handles are forgotten entirely
	assert.True(t, errors.Match(errors.T(errors.RecordNotFound), err))
}

func TestRegistry_Descriptor(t *testing.T) {
	ctx := context.Background()
	r := testRegistry(t, 0)

	h, err := r.Register(ctx, "model", "task-1", 2048, time.Minute, map[string]string{"name": "llm-7b"})
	require.NoError(t, err)

	d, ok := r.Descriptor(h.ResourceId)
	require.True(t, ok)
	assert.Equal(t, h.ResourceId, d.ResourceId)
	assert.Equal(t, "w_test", d.WorkerId)
	assert.Equal(t, int64(2048), d.SizeBytes)
	assert.False(t, d.Inline)
	assert.Nil(t, d.Body, "bodies never ride the wire unless inline")
}
