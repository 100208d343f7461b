// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package event

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEventer(t *testing.T) (*Eventer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "test",
		Output:     &buf,
		Level:      hclog.Trace,
		JSONFormat: true,
	})
	e, err := NewEventer(logger, new(sync.Mutex), "test-server", *DefaultEventerConfig())
	require.NoError(t, err)
	return e, &buf
}

func TestNewEventer(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		e, _ := testEventer(t)
		assert.NotNil(t, e)
	})
	t.Run("missing logger", func(t *testing.T) {
		_, err := NewEventer(nil, new(sync.Mutex), "test-server", *DefaultEventerConfig())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
	t.Run("missing server name", func(t *testing.T) {
		_, err := NewEventer(hclog.NewNullLogger(), new(sync.Mutex), "", *DefaultEventerConfig())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestWriteSysEvent(t *testing.T) {
	e, buf := testEventer(t)
	ctx, err := NewEventerContext(context.Background(), e)
	require.NoError(t, err)

	WriteSysEvent(ctx, "test.op", "worker registered", "worker_id", "w_anvil", "tenant", "acme")
	out := buf.String()
	assert.Contains(t, out, "worker registered")
	assert.Contains(t, out, "w_anvil")
	assert.Contains(t, out, "test.op")
}

func TestWriteError(t *testing.T) {
	e, buf := testEventer(t)
	ctx, err := NewEventerContext(context.Background(), e)
	require.NoError(t, err)

	WriteError(ctx, "test.op", errors.New("window closed"), WithInfoMsg("frame rejected", "seq", 42))
	out := buf.String()
	assert.Contains(t, out, "window closed")
	assert.Contains(t, out, "frame rejected")
}

func TestWriteObservation(t *testing.T) {
	e, buf := testEventer(t)
	ctx, err := NewEventerContext(context.Background(), e)
	require.NoError(t, err)

	require.NoError(t, WriteObservation(ctx, "test.op", WithHeader(
		"msg", "frame delivered",
		"tenant", "acme",
		"corr", "corr_1",
		"seq", uint64(7),
	)))
	out := buf.String()
	assert.Contains(t, out, "frame delivered")
	assert.Contains(t, out, "corr_1")
}

func TestWriteObservation_Disabled(t *testing.T) {
	var buf bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &buf, JSONFormat: true})
	e, err := NewEventer(logger, new(sync.Mutex), "test-server", EventerConfig{SysEventsEnabled: true})
	require.NoError(t, err)
	ctx, err := NewEventerContext(context.Background(), e)
	require.NoError(t, err)

	require.NoError(t, WriteObservation(ctx, "test.op", WithHeader("msg", "dropped on the floor")))
	assert.NotContains(t, buf.String(), "dropped on the floor")
}

func TestInitSysEventer(t *testing.T) {
	defer TestResetSysEventer()

	require.Error(t, InitSysEventer(hclog.NewNullLogger(), new(sync.Mutex), "", nil))
	assert.Nil(t, SysEventer())

	require.NoError(t, InitSysEventer(hclog.NewNullLogger(), new(sync.Mutex), "test-server", nil))
	assert.NotNil(t, SysEventer())
}
