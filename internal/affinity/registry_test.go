// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package affinity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AcquireStickiness(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	ok, err := r.Acquire(ctx, "t_1", "browser:sess-9", "w_alpha", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// the holder refreshes, a rival is refused
	ok, err = r.Acquire(ctx, "t_1", "browser:sess-9", "w_alpha", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Acquire(ctx, "t_1", "browser:sess-9", "w_beta", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// same key under another tenant is independent
	ok, err = r.Acquire(ctx, "t_2", "browser:sess-9", "w_beta", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, found := r.Lookup("t_1", "browser:sess-9")
	require.True(t, found)
	assert.Equal(t, "w_alpha", rec.WorkerId)
	assert.Equal(t, StateActive, rec.State)
}

func TestRegistry_ValidatesInput(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, err := r.Acquire(ctx, "", "k", "w_1", 0)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))
	_, err = r.Acquire(ctx, "t_1", "", "w_1", 0)
	require.Error(t, err)
	_, err = r.Acquire(ctx, "t_1", "k", "", 0)
	require.Error(t, err)
}

func TestRegistry_TouchAndExpiry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	ok, err := r.Acquire(ctx, "t_1", "model:llm-7b", "w_alpha", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Touch(ctx, "t_1", "model:llm-7b", time.Minute))
	time.Sleep(20 * time.Millisecond)
	_, found := r.Lookup("t_1", "model:llm-7b")
	assert.True(t, found, "touch should have outlived the original ttl")

	err = r.Touch(ctx, "t_1", "model:absent", 0)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.RecordNotFound), err))
}

func TestRegistry_ExpiredRecordRebinds(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	ok, err := r.Acquire(ctx, "t_1", "k", "w_alpha", time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(5 * time.Millisecond)

	_, found := r.Lookup("t_1", "k")
	assert.False(t, found)

	// an expired binding does not block a new worker
	ok, err = r.Acquire(ctx, "t_1", "k", "w_beta", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	rec, found := r.Lookup("t_1", "k")
	require.True(t, found)
	assert.Equal(t, "w_beta", rec.WorkerId)
}

func TestRegistry_WorkerLossFailover(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	for _, key := range []string{"k1", "k2"} {
		ok, err := r.Acquire(ctx, "t_1", key, "w_alpha", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.Acquire(ctx, "t_1", "k3", "w_beta", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 2, r.MarkWorkerLost(ctx, "w_alpha"))

	rec, found := r.Lookup("t_1", "k1")
	require.True(t, found)
	assert.Equal(t, StateStale, rec.State)
	assert.True(t, r.RetryableWithinGrace(rec, time.Now()))
	assert.False(t, r.RetryableWithinGrace(rec, time.Now().Add(time.Hour)))

	// a new dispatch for the stale key selects a different worker
	ok, err = r.Acquire(ctx, "t_1", "k1", "w_beta", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	rec, found = r.Lookup("t_1", "k1")
	require.True(t, found)
	assert.Equal(t, "w_beta", rec.WorkerId)
	assert.Equal(t, StateActive, rec.State)

	// the untouched worker's binding is unaffected
	rec, found = r.Lookup("t_1", "k3")
	require.True(t, found)
	assert.Equal(t, StateActive, rec.State)
}

func TestRegistry_DrainingRefusesNewBinds(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	ok, err := r.Acquire(ctx, "t_1", "k1", "w_alpha", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, r.MarkWorkerDraining(ctx, "w_alpha"))

	// a draining binding is rebindable by a fresh worker
	ok, err = r.Acquire(ctx, "t_1", "k1", "w_beta", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistry_Sweep(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	ok, err := r.Acquire(ctx, "t_1", "k1", "w_alpha", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = r.Acquire(ctx, "t_1", "k2", "w_beta", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	r.MarkWorkerLost(ctx, "w_alpha")

	// stale past grace and expired records are both reclaimed
	assert.Equal(t, 2, r.Sweep(time.Now().Add(2*time.Hour)))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerId := "w_" + string(rune('a'+id))
			ok, err := r.Acquire(ctx, "t_1", "contested", workerId, time.Minute)
			if err == nil && ok {
				wins <- workerId
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	rec, found := r.Lookup("t_1", "contested")
	require.True(t, found)
	assert.Equal(t, winners[0], rec.WorkerId)
}
