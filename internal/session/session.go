// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package session holds the shared session model: the per-connection state
// machine, heartbeat liveness tracking and the signed session token.  The
// scheduler and worker daemons each drive one Session per live connection.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/tether/globals"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/ids"
)

// Session is the live, stateful binding between one worker connection and
// the scheduler.  It is owned exclusively by whichever daemon created it;
// a session is destroyed on StateClosed or superseded when a new session
// arrives for the same worker instance id.
type Session struct {
	// SessionId, TenantId and WorkerInstanceId are immutable after creation.
	SessionId        string
	TenantId         string
	WorkerInstanceId string

	mu              sync.RWMutex
	state           State
	sendWindow      uint32
	recvWindow      uint32
	lastHeartbeatAt time.Time
	heartbeatMisses uint32
	sessionToken    string
	createdAt       time.Time
	lostAt          time.Time
}

// New creates a session in StateNew for the given tenant and worker
// instance.
func New(ctx context.Context, tenantId, workerInstanceId string) (*Session, error) {
	const op = "session.New"
	if tenantId == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing tenant id")
	}
	if workerInstanceId == "" {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing worker instance id")
	}
	id, err := ids.NewPublicId(ctx, globals.SessionPrefix)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return &Session{
		SessionId:        id,
		TenantId:         tenantId,
		WorkerInstanceId: workerInstanceId,
		state:            StateNew,
		sendWindow:       globals.DefaultWindowSize,
		recvWindow:       globals.DefaultWindowSize,
		createdAt:        time.Now(),
	}, nil
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TransitionTo moves the session to next, validating the edge.  An illegal
// transition returns errors.InvalidSessionState and leaves the session
// unchanged.
func (s *Session) TransitionTo(ctx context.Context, next State) error {
	const op = "session.(Session).TransitionTo"
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransitionTo(next) {
		return errors.New(ctx, errors.InvalidSessionState, op,
			fmt.Sprintf("session %s cannot transition from %s to %s", s.SessionId, s.state, next))
	}
	prior := s.state
	s.state = next
	if next == StateBackoff || next == StateClosed {
		s.lostAt = time.Now()
	}
	event.WriteSysEvent(ctx, op, "session transition",
		"session_id", s.SessionId, "tenant", s.TenantId, "from", prior.String(), "to", next.String())
	return nil
}

// SetToken stores the signed session token delivered via
// control.session.accept.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionToken = token
}

// Token returns the session's signed token, if one has been issued.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionToken
}

// Windows returns the session's negotiated send and receive window sizes.
func (s *Session) Windows() (send, recv uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sendWindow, s.recvWindow
}

// SetWindows records the negotiated window sizes from session.accept.
func (s *Session) SetWindows(send, recv uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if send > 0 {
		s.sendWindow = send
	}
	if recv > 0 {
		s.recvWindow = recv
	}
}

// RecordHeartbeat resets the miss counter and stamps the liveness time.
func (s *Session) RecordHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = time.Now()
	s.heartbeatMisses = 0
}

// MissHeartbeat increments the consecutive miss counter and returns the
// resulting health.  At Unhealthy the caller must treat the session as lost
// and release its affinity/resource bindings.
func (s *Session) MissHeartbeat() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatMisses++
	return HealthForMisses(s.heartbeatMisses)
}

// Health returns the session's current heartbeat health.
func (s *Session) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return HealthForMisses(s.heartbeatMisses)
}

// LastHeartbeatAt returns the time of the last recorded heartbeat.
func (s *Session) LastHeartbeatAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeatAt
}

// ResumableAt reports whether the session's sequence state may still be
// resumed at t, given the staleness bound.  A session that was never lost is
// resumable; one lost longer than staleness ago is not.
func (s *Session) ResumableAt(t time.Time, staleness time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateClosed {
		return false
	}
	if s.lostAt.IsZero() {
		return true
	}
	return t.Sub(s.lostAt) <= staleness
}
