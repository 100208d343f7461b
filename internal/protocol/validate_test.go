// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package protocol

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/tether/internal/errors"
)

func testRaw(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	env := &Envelope{
		Type:    typ,
		Id:      "f_test1",
		Ts:      time.Now(),
		Tenant:  "t_global",
		Sender:  Sender{Id: "w_1234567890"},
		Payload: raw,
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name     string
		raw      []byte
		wantCode errors.Code
		wantType string
	}{
		{
			name:     "valid handshake",
			raw:      testRaw(t, TypeHandshake, Handshake{Token: "at_abc", ProtocolRev: 1}),
			wantType: TypeHandshake,
		},
		{
			name:     "valid ack",
			raw:      testRaw(t, TypeAck, Ack{For: "worker", AckSeq: 3, AckBitmap: 0b101, RecvWindow: 64}),
			wantType: TypeAck,
		},
		{
			name:     "valid opaque business frame",
			raw:      testRaw(t, "biz.task.execute", map[string]any{"node": "n1"}),
			wantType: "biz.task.execute",
		},
		{
			name:     "valid vendor extension frame",
			raw:      testRaw(t, "ext.vendor.acme.sync", map[string]any{"cursor": 9}),
			wantType: "ext.vendor.acme.sync",
		},
		{
			name:     "empty frame",
			raw:      nil,
			wantCode: errors.Internal,
		},
		{
			name:     "not json",
			raw:      []byte("{nope"),
			wantCode: errors.Internal,
		},
		{
			name:     "unknown namespace",
			raw:      testRaw(t, "gossip.hello", nil),
			wantCode: errors.UnknownCommand,
		},
		{
			name:     "unknown control type",
			raw:      testRaw(t, "control.selfdestruct", nil),
			wantCode: errors.UnknownCommand,
		},
		{
			name:     "handshake missing identity",
			raw:      testRaw(t, TypeHandshake, Handshake{}),
			wantCode: errors.Internal,
		},
		{
			name:     "ack missing for",
			raw:      testRaw(t, TypeAck, map[string]any{"ack_seq": 2}),
			wantCode: errors.Internal,
		},
		{
			name:     "session accept missing token",
			raw:      testRaw(t, TypeSessionAccept, SessionAccept{SessionId: "sn_1"}),
			wantCode: errors.Internal,
		},
		{
			name:     "result frames validate as business frames",
			raw:      testRaw(t, TypeResult, map[string]any{"status": "succeeded"}),
			wantType: TypeResult,
		},
		{
			name:     "business frame with truncated payload",
			raw:      []byte(`{"type":"biz.task.execute","id":"f_1","ts":"2026-01-02T03:04:05Z","tenant":"t_1","sender":{"id":"w_1"},"payload":{"node":`),
			wantCode: errors.Internal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			env, err := Validate(ctx, tt.raw)
			if tt.wantCode != errors.Unknown {
				require.Error(err)
				assert.True(errors.Match(errors.T(tt.wantCode), err), "got %v", err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.wantType, env.Type)
		})
	}
}

func TestValidate_MissingShapeFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := func() *Envelope {
		return &Envelope{
			Type:   TypeHeartbeat,
			Id:     "f_1",
			Ts:     time.Now(),
			Tenant: "t_global",
			Sender: Sender{Id: "w_1"},
		}
	}
	tests := []struct {
		name string
		mod  func(*Envelope)
	}{
		{"missing type", func(e *Envelope) { e.Type = "" }},
		{"missing id", func(e *Envelope) { e.Id = "" }},
		{"missing ts", func(e *Envelope) { e.Ts = time.Time{} }},
		{"missing tenant", func(e *Envelope) { e.Tenant = "" }},
		{"missing sender id", func(e *Envelope) { e.Sender.Id = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := base()
			tt.mod(env)
			b, err := json.Marshal(env)
			require.NoError(t, err)
			_, err = Validate(ctx, b)
			require.Error(t, err)
			assert.True(t, errors.Match(errors.T(errors.Internal), err), "got %v", err)
		})
	}
}

func TestDecodeControl_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env, err := NewEnvelope(ctx, TypeSessionAccept, "t_global", "sched_1", SessionAccept{
		SessionId:    "sn_abc",
		SessionToken: "token",
		SendWindow:   64,
		RecvWindow:   64,
	})
	require.NoError(t, err)

	got, err := DecodeControl(ctx, env)
	require.NoError(t, err)
	accept, ok := got.(*SessionAccept)
	require.True(t, ok)
	assert.Equal(t, "sn_abc", accept.SessionId)
	assert.Equal(t, uint32(64), accept.SendWindow)
}

func TestDecodeDispatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env, err := NewEnvelope(ctx, TypeDispatch, "t_global", "sched_1", Dispatch{
		TaskId:         "task-1",
		NodeType:       "browser",
		Command:        "navigate",
		Args:           map[string]any{"url": "https://example.com"},
		ConcurrencyKey: "browser:profile-1",
	})
	require.NoError(t, err)

	d, err := DecodeDispatch(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "task-1", d.TaskId)
	assert.Equal(t, "navigate", d.Command)
	assert.Equal(t, "browser:profile-1", d.ConcurrencyKey)

	env, err = NewEnvelope(ctx, TypeDispatch, "t_global", "sched_1", Dispatch{NodeType: "browser", Command: "navigate"})
	require.NoError(t, err)
	_, err = DecodeDispatch(ctx, env)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidPackage), err))
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env, err := NewEnvelope(ctx, TypeResult, "t_global", "w_1", Result{
		Status: ResultStatusSucceeded,
		Output: map[string]any{"rows": float64(3)},
	})
	require.NoError(t, err)

	r, err := DecodeResult(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, ResultStatusSucceeded, r.Status)
	assert.Equal(t, float64(3), r.Output["rows"])

	env, err = NewEnvelope(ctx, TypeResult, "t_global", "w_1", map[string]any{"status": "sorta"})
	require.NoError(t, err)
	_, err = DecodeResult(ctx, env)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidPackage), err))

	hb, err := NewEnvelope(ctx, TypeHeartbeat, "t_global", "w_1", Heartbeat{})
	require.NoError(t, err)
	_, err = DecodeResult(ctx, hb)
	require.Error(t, err)
	assert.True(t, errors.Match(errors.T(errors.InvalidParameter), err))
}

func TestEnvelope_Flags(t *testing.T) {
	t.Parallel()
	e := &Envelope{}
	assert.False(t, e.HasFlag(FlagAckRequest))
	e.SetFlag(FlagAckRequest)
	e.SetFlag(FlagAckRequest)
	assert.Equal(t, []string{FlagAckRequest}, e.Flags)
	assert.True(t, e.HasFlag(FlagAckRequest))
}
