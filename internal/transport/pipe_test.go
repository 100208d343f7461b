// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTrip(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(4)

	require.NoError(t, a.Send(ctx, []byte(`{"type":"control.heartbeat"}`)))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control.heartbeat"}`, string(got))

	require.NoError(t, b.Send(ctx, []byte("reply")))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(got))
}

func TestPipe_SendCopiesFrame(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(1)

	buf := []byte("original")
	require.NoError(t, a.Send(ctx, buf))
	buf[0] = 'X'
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestPipe_CloseUnblocksPeer(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Recv(ctx)
		errCh <- err
	}()
	require.NoError(t, a.Close(ctx))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.Match(errors.T(errors.Io), err))
	case <-time.After(time.Second):
		t.Fatal("recv did not unblock on peer close")
	}

	// sends to a closed peer fail
	err := b.Send(ctx, []byte("late"))
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.Io), err))
	// double close is fine
	require.NoError(t, a.Close(ctx))
}

func TestPipe_SendFailsAfterCloseEvenWithRoom(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(16)
	require.NoError(t, b.Close(ctx))

	// buffer space never masks a closed end
	for i := 0; i < 100; i++ {
		err := a.Send(ctx, []byte("late"))
		require.Error(t, err)
		assert.True(t, errors.Match(errors.T(errors.Io), err))
	}
	err := b.Send(ctx, []byte("from closed end"))
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.Io), err))
}

func TestPipe_RecvHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	a, _ := Pipe(1)

	_, err := a.Recv(ctx)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.Timeout), err))
}

func TestPipe_DrainsBufferedAfterClose(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe(4)

	require.NoError(t, a.Send(ctx, []byte("one")))
	require.NoError(t, a.Send(ctx, []byte("two")))
	require.NoError(t, a.Close(ctx))

	// frames already in flight still drain
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	got, err = b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	_, err = b.Recv(ctx)
	require.Error(t, err)
}
