// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"testing"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/hashicorp/tether/internal/reliability"
	"github.com/hashicorp/tether/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Dial: func(ctx context.Context) (transport.Conn, error) {
			c, _ := transport.Pipe(16)
			return c, nil
		},
		Tenant:           "acme",
		WorkerInstanceId: "w_anvil",
		AuthToken:        "at_testtoken",
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing tenant", mutate: func(c *Config) { c.Tenant = "" }, wantErr: true},
		{name: "missing worker id", mutate: func(c *Config) { c.WorkerInstanceId = "" }, wantErr: true},
		{name: "missing identity", mutate: func(c *Config) { c.AuthToken = "" }, wantErr: true},
		{name: "missing dial and addr", mutate: func(c *Config) { c.Dial = nil }, wantErr: true},
		{name: "mtls only is enough", mutate: func(c *Config) {
			c.AuthToken = ""
			c.MtlsCommonName = "worker.anvil.example.com"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := testConfig()
			tt.mutate(conf)
			w, err := New(ctx, conf)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, w)
			assert.NotNil(t, w.Guard())
			assert.NotNil(t, w.Resources())
			assert.Empty(t, w.SessionId())
		})
	}
}

func TestRegisterHandler(t *testing.T) {
	ctx := context.Background()
	w, err := New(ctx, testConfig())
	require.NoError(t, err)

	called := false
	w.RegisterHandler("node.run", func(context.Context, *protocol.Dispatch) (*protocol.Result, error) {
		called = true
		return nil, nil
	})

	h, ok := w.handler("node.run")
	require.True(t, ok)
	_, err = h(ctx, &protocol.Dispatch{})
	require.NoError(t, err)
	assert.True(t, called)

	_, ok = w.handler("node.other")
	assert.False(t, ok)
}

func TestResumeStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	w, err := New(ctx, testConfig())
	require.NoError(t, err)

	assert.Nil(t, w.takeResumeState())

	ws := &workerSession{sessionId: "sn_1", token: "tok"}
	w.saveResumeState(ws)
	prior := w.takeResumeState()
	require.NotNil(t, prior)
	assert.Equal(t, "sn_1", prior.sessionId)
	// taking consumes the state
	assert.Nil(t, w.takeResumeState())

	w.saveResumeState(ws)
	w.clearResumeState()
	assert.Nil(t, w.takeResumeState())
}

func TestNegotiateKeepsResumeStateOnError(t *testing.T) {
	ctx := context.Background()
	w, err := New(ctx, testConfig())
	require.NoError(t, err)

	engine, err := reliability.NewEngine(ctx, &reliability.Config{
		Tenant:   "acme",
		LocalId:  "w_anvil",
		PeerName: "scheduler",
		Sender:   func(context.Context, *protocol.Envelope) error { return nil },
		Deliver:  func(context.Context, *protocol.Envelope) error { return nil },
	})
	require.NoError(t, err)
	w.restoreResumeState(&resumeState{sessionId: "sn_1", token: "tok", engine: engine})

	// a dead connection fails the resume attempt; the counters must stay
	// around for the next dial instead of forcing a full handshake
	conn, peer := transport.Pipe(1)
	require.NoError(t, peer.Close(ctx))
	_, err = w.negotiate(ctx, conn)
	require.Error(t, err)

	prior := w.takeResumeState()
	require.NotNil(t, prior)
	assert.Equal(t, "sn_1", prior.sessionId)
	assert.Same(t, engine, prior.engine)
}

func TestStartDraining(t *testing.T) {
	ctx := context.Background()
	w, err := New(ctx, testConfig())
	require.NoError(t, err)
	assert.False(t, w.draining.Load())
	w.StartDraining()
	assert.True(t, w.draining.Load())
	// idempotent
	w.StartDraining()
	assert.True(t, w.draining.Load())
}
