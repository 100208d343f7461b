// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/tether/internal/daemon/scheduler"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/hashicorp/tether/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawWorker speaks the wire protocol by hand so tests can exercise paths a
// well-behaved worker never takes: withholding acks, replaying frames.
type rawWorker struct {
	t      *testing.T
	conn   transport.Conn
	tenant string
	id     string
	accept *protocol.SessionAccept
}

func newRawWorker(t *testing.T, s *scheduler.Scheduler, id string) *rawWorker {
	t.Helper()
	ctx := context.Background()
	wSide, sSide := transport.Pipe(64)
	go func() { _ = s.HandleConnection(context.Background(), sSide) }()
	r := &rawWorker{t: t, conn: wSide, tenant: testTenant, id: id}
	t.Cleanup(func() { _ = wSide.Close(context.Background()) })

	r.send(protocol.TypeHandshake, &protocol.Handshake{Token: "at_testtoken", ProtocolRev: 1}, 0, "")
	ack := r.recv(5 * time.Second)
	require.Equal(t, protocol.TypeAck, ack.Type)
	r.send(protocol.TypeRegister, &protocol.Register{Runtimes: []string{"go"}}, 0, "")
	acceptEnv := r.recv(5 * time.Second)
	require.Equal(t, protocol.TypeSessionAccept, acceptEnv.Type)
	decoded, err := protocol.DecodeControl(ctx, acceptEnv)
	require.NoError(t, err)
	r.accept = decoded.(*protocol.SessionAccept)
	return r
}

func (r *rawWorker) send(typ string, payload any, seq uint64, corr string) *protocol.Envelope {
	r.t.Helper()
	ctx := context.Background()
	env, err := protocol.NewEnvelope(ctx, typ, r.tenant, r.id, payload)
	require.NoError(r.t, err)
	env.Seq = seq
	env.Corr = corr
	r.sendEnvelope(env)
	return env
}

func (r *rawWorker) sendEnvelope(env *protocol.Envelope) {
	r.t.Helper()
	ctx := context.Background()
	raw, err := env.Marshal(ctx)
	require.NoError(r.t, err)
	require.NoError(r.t, r.conn.Send(ctx, raw))
}

func (r *rawWorker) recv(timeout time.Duration) *protocol.Envelope {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	raw, err := r.conn.Recv(ctx)
	require.NoError(r.t, err)
	env, err := protocol.Validate(ctx, raw)
	require.NoError(r.t, err)
	return env
}

// recvType discards frames until one of the wanted type arrives.
func (r *rawWorker) recvType(typ string, timeout time.Duration) *protocol.Envelope {
	r.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		require.Positive(r.t, remain, "timed out waiting for %s", typ)
		env := r.recv(remain)
		if env.Type == typ {
			return env
		}
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	s := testScheduler(t, nil)
	ctx := context.Background()
	wSide, sSide := transport.Pipe(64)
	done := make(chan error, 1)
	go func() { done <- s.HandleConnection(context.Background(), sSide) }()
	t.Cleanup(func() { _ = wSide.Close(context.Background()) })

	env, err := protocol.NewEnvelope(ctx, protocol.TypeHandshake, testTenant, "w_intruder",
		&protocol.Handshake{Token: "totally-bogus-token", ProtocolRev: 1})
	require.NoError(t, err)
	raw, err := env.Marshal(ctx)
	require.NoError(t, err)
	require.NoError(t, wSide.Send(ctx, raw))

	recvCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	raw, err = wSide.Recv(recvCtx)
	require.NoError(t, err)
	reply, err := protocol.Validate(recvCtx, raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type)
	decoded, err := protocol.DecodeControl(ctx, reply)
	require.NoError(t, err)
	assert.Equal(t, errors.InvalidToken.Proto(), decoded.(*protocol.Error).Code)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Match(errors.T(errors.InvalidToken), err))
	case <-time.After(5 * time.Second):
		t.Fatal("connection still open after rejected handshake")
	}
	_, ok := s.Worker("w_intruder")
	assert.False(t, ok)
}

func TestDispatchAckTimeoutRequeuesOnce(t *testing.T) {
	s := testScheduler(t, &scheduler.Config{AckDeadline: 150 * time.Millisecond})
	w := newRawWorker(t, s, "w_mute")

	completions := make(chan scheduler.Completion, 1)
	s.Dispatcher().OnCompletion(func(c scheduler.Completion) { completions <- c })

	dispatchId, err := s.Dispatcher().Dispatch(context.Background(), scheduler.Command{
		Tenant:  testTenant,
		TaskId:  "t_1",
		Command: "node.run",
	})
	require.NoError(t, err)

	first := w.recvType(protocol.TypeDispatch, 5*time.Second)
	assert.True(t, first.HasFlag(protocol.FlagAckRequest))
	assert.NotZero(t, first.Seq)

	// withhold the ack; the command is requeued exactly once
	second := w.recvType(protocol.TypeDispatch, 5*time.Second)
	assert.Equal(t, first.Corr, second.Corr)
	assert.NotEqual(t, first.Seq, second.Seq)

	select {
	case c := <-completions:
		assert.Equal(t, dispatchId, c.DispatchId)
		assert.Equal(t, protocol.ResultStatusFailed, c.Status)
		assert.Equal(t, "E.TIMEOUT", c.Code)
		assert.Equal(t, uint32(2), c.Attempt)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal completion after second miss")
	}
	assert.Equal(t, 0, s.Dispatcher().Inflight())
}

func TestDuplicateResultSuppressed(t *testing.T) {
	s := testScheduler(t, nil)
	w := newRawWorker(t, s, "w_replay")

	completions := make(chan scheduler.Completion, 2)
	s.Dispatcher().OnCompletion(func(c scheduler.Completion) { completions <- c })

	_, err := s.Dispatcher().Dispatch(context.Background(), scheduler.Command{
		Tenant:  testTenant,
		TaskId:  "t_1",
		Command: "node.run",
	})
	require.NoError(t, err)

	dispatch := w.recvType(protocol.TypeDispatch, 5*time.Second)
	w.send(protocol.TypeAck, &protocol.Ack{For: "scheduler", AckSeq: dispatch.Seq, RecvWindow: 64}, 0, "")

	result := w.send(protocol.TypeResult, &protocol.Result{Status: protocol.ResultStatusSucceeded}, 1, dispatch.Corr)

	select {
	case c := <-completions:
		assert.Equal(t, protocol.ResultStatusSucceeded, c.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion for first result copy")
	}
	ack := w.recvType(protocol.TypeAck, 5*time.Second)
	assert.Equal(t, uint64(1), decodeAck(t, ack).AckSeq)

	// replay the identical frame; it is dropped and re-acked without a
	// second completion
	w.sendEnvelope(result)
	ack = w.recvType(protocol.TypeAck, 5*time.Second)
	assert.Equal(t, uint64(1), decodeAck(t, ack).AckSeq)

	select {
	case c := <-completions:
		t.Fatalf("duplicate result produced a second completion: %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestResultWithoutDispatchReportsDuplicate(t *testing.T) {
	s := testScheduler(t, nil)
	w := newRawWorker(t, s, "w_late")

	// a result whose dispatch is no longer inflight is answered with the
	// duplicate-result wire code
	w.send(protocol.TypeResult, &protocol.Result{Status: protocol.ResultStatusSucceeded}, 1, "corr-gone")
	errEnv := w.recvType(protocol.TypeError, 5*time.Second)
	decoded, err := protocol.DecodeControl(context.Background(), errEnv)
	require.NoError(t, err)
	assert.Equal(t, errors.DuplicateResult.Proto(), decoded.(*protocol.Error).Code)
}

func decodeAck(t *testing.T, env *protocol.Envelope) *protocol.Ack {
	t.Helper()
	decoded, err := protocol.DecodeControl(context.Background(), env)
	require.NoError(t, err)
	return decoded.(*protocol.Ack)
}
