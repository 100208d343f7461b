// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package errors

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestT(t *testing.T) {
	t.Parallel()
	stdErr := stderrors.New("test error")
	tests := []struct {
		name string
		args []any
		want *Template
	}{
		{
			name: "all fields",
			args: []any{
				"resume outside staleness window",
				Op("session.(Registry).Resume"),
				StaleBinding,
				stdErr,
				Session,
			},
			want: &Template{
				Err: Err{
					Code:    StaleBinding,
					Msg:     "resume outside staleness window",
					Op:      "session.(Registry).Resume",
					Wrapped: stdErr,
				},
				Kind: Session,
			},
		},
		{
			name: "Kind only",
			args: []any{
				Protocol,
			},
			want: &Template{
				Kind: Protocol,
			},
		},
		{
			name: "last Kind wins",
			args: []any{
				Search,
				Protocol,
			},
			want: &Template{
				Kind: Protocol,
			},
		},
		{
			name: "unsupported arg ignored",
			args: []any{
				32,
			},
			want: &Template{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			got := T(tt.args...)
			assert.Equal(tt.want, got)
		})
	}
}

func TestTemplate_Info(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		template *Template
		want     Info
	}{
		{
			name:     "nil",
			template: nil,
			want:     errorCodeInfo[Unknown],
		},
		{
			name:     "Code",
			template: T(SequenceGap),
			want:     errorCodeInfo[SequenceGap],
		},
		{
			name:     "Code and Kind",
			template: T(SequenceGap, Session),
			want:     errorCodeInfo[SequenceGap],
		},
		{
			name:     "Kind without Code",
			template: T(Protocol),
			want:     Info{Kind: Protocol, Message: "Unknown"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			assert.Equal(tt.want, tt.template.Info())
		})
	}
}

func TestTemplate_Error(t *testing.T) {
	t.Parallel()
	// a Template never substitutes for a real Err
	assert.Equal(t, "Template error", T(Protocol).Error())
	assert.Equal(t, "Template error", T(
		"worker not reachable",
		Op("scheduler.(Dispatcher).Dispatch"),
		WorkerUnavailable,
		stderrors.New("test error"),
		Resource,
	).Error())
}

func TestMatch(t *testing.T) {
	t.Parallel()
	stdErr := stderrors.New("test error")
	errGap := E(context.TODO(), WithCode(SequenceGap), WithMsg("frame outside the receive window"))
	errStale := E(context.TODO(), WithCode(StaleBinding), WithMsg("binding past the staleness window"))

	tests := []struct {
		name     string
		template *Template
		err      error
		want     bool
	}{
		{
			name:     "nil template",
			template: nil,
			err:      E(context.TODO(), WithCode(StaleBinding), WithMsg("binding went stale")),
			want:     false,
		},
		{
			name:     "nil err",
			template: T(Session),
			err:      nil,
			want:     false,
		},
		{
			name:     "match on Kind only",
			template: T(Session),
			err: E(context.TODO(),
				WithCode(StaleBinding),
				WithMsg("binding went stale"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: true,
		},
		{
			name:     "no match on Kind only",
			template: T(Session),
			err: E(context.TODO(),
				WithCode(RecordNotFound),
				WithMsg("no session for worker"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: false,
		},
		{
			name:     "match on Code only",
			template: T(StaleBinding),
			err: E(context.TODO(),
				WithCode(StaleBinding),
				WithMsg("binding went stale"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: true,
		},
		{
			name:     "no match on Code only",
			template: T(StaleBinding),
			err: E(context.TODO(),
				WithCode(RecordNotFound),
				WithMsg("no session for worker"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: false,
		},
		{
			name:     "match on Op only",
			template: T(Op("session.(Registry).Resume")),
			err: E(context.TODO(),
				WithCode(StaleBinding),
				WithMsg("binding went stale"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: true,
		},
		{
			name:     "no match on Op only",
			template: T(Op("session.(Registry).New")),
			err: E(context.TODO(),
				WithCode(RecordNotFound),
				WithMsg("no session for worker"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: false,
		},
		{
			name: "match on everything",
			template: T(
				"binding went stale",
				Session,
				StaleBinding,
				errGap,
				Op("session.(Registry).Resume"),
			),
			err: E(context.TODO(),
				WithCode(StaleBinding),
				WithMsg("binding went stale"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: true,
		},
		{
			name:     "match on Wrapped only",
			template: T(errGap),
			err: E(context.TODO(),
				WithCode(StaleBinding),
				WithMsg("binding went stale"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: true,
		},
		{
			name:     "no match on Wrapped only",
			template: T(errStale),
			err: E(context.TODO(),
				WithCode(RecordNotFound),
				WithMsg("no session for worker"),
				WithOp("session.(Registry).Resume"),
				WithWrap(errGap),
			),
			want: false,
		},
		{
			name:     "match on Wrapped only stderror",
			template: T(stdErr),
			err: E(context.TODO(),
				WithCode(StaleBinding),
				WithMsg("binding went stale"),
				WithOp("session.(Registry).Resume"),
				WithWrap(stdErr),
			),
			want: true,
		},
		{
			name:     "match on joined error",
			template: T(errGap),
			err:      stderrors.Join(stdErr, errGap),
			want:     true,
		},
		{
			name:     "match on joined error for specific code",
			template: T(SequenceGap),
			err:      stderrors.Join(stdErr, errGap),
			want:     true,
		},
		{
			name:     "match on joined error both domain errors",
			template: T(errGap),
			err:      stderrors.Join(errStale, errGap),
			want:     true,
		},
		{
			name:     "no match on Wrapped only stderror",
			template: T(stderrors.New("no match")),
			err: E(context.TODO(),
				WithCode(RecordNotFound),
				WithMsg("no session for worker"),
				WithOp("session.(Registry).Resume"),
				WithWrap(stdErr),
			),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			got := Match(tt.template, tt.err)
			assert.Equal(tt.want, got)
		})
	}
}
