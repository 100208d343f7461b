// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package guard

import (
	"context"
	"sync"
	"testing"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	g := New()

	require.NoError(t, g.Acquire(ctx, "repo:main", "task-1"))
	// re-acquire by the holder is idempotent
	require.NoError(t, g.Acquire(ctx, "repo:main", "task-1"))

	err := g.Acquire(ctx, "repo:main", "task-2")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.ConcurrencyViolation), err))

	// release by a non-holder is a no-op
	g.Release(ctx, "repo:main", "task-2")
	_, held := g.Holder("repo:main")
	assert.True(t, held)

	g.Release(ctx, "repo:main", "task-1")
	require.NoError(t, g.Acquire(ctx, "repo:main", "task-2"))

	// double release is a no-op
	g.Release(ctx, "repo:main", "task-2")
	g.Release(ctx, "repo:main", "task-2")

	granted, rejected := g.Stats()
	assert.Equal(t, uint64(2), granted)
	assert.Equal(t, uint64(1), rejected)
}

func TestGuard_ValidatesInput(t *testing.T) {
	ctx := context.Background()
	g := New()

	err := g.Acquire(ctx, "", "task-1")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))

	err = g.Acquire(ctx, "repo:main", "")
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))
}

func TestGuard_ReleaseAll(t *testing.T) {
	ctx := context.Background()
	g := New()

	require.NoError(t, g.Acquire(ctx, "k1", "task-1"))
	require.NoError(t, g.Acquire(ctx, "k2", "task-1"))
	require.NoError(t, g.Acquire(ctx, "k3", "task-2"))

	assert.Equal(t, 2, g.ReleaseAll(ctx, "task-1"))
	assert.Equal(t, 1, g.HeldCount())
	_, held := g.Holder("k3")
	assert.True(t, held)
}

func TestGuard_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	g := New()

	const racers = 32
	var wg sync.WaitGroup
	winners := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			taskId := string(rune('a' + id))
			if err := g.Acquire(ctx, "contested", taskId); err == nil {
				winners <- taskId
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var won []string
	for w := range winners {
		won = append(won, w)
	}
	require.Len(t, won, 1)
	h, held := g.Holder("contested")
	require.True(t, held)
	assert.Equal(t, won[0], h.TaskId)
}
