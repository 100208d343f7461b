// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package scheduler implements the scheduler side of the control plane: it
// accepts worker connections, drives session establishment and resume,
// monitors heartbeats, and exposes the dispatcher the external planner
// calls to run commands on workers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/tether/internal/affinity"
	"github.com/hashicorp/tether/internal/daemon/metric"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/session"
	"github.com/hashicorp/tether/internal/transport"
	ua "go.uber.org/atomic"
)

// lostSession preserves a torn-down session's identity and reliability
// state so a worker reconnecting within the staleness window can resume
// its sequence counters instead of a full handshake.
type lostSession struct {
	sess *session.Session
	conn *workerConn
}

type Scheduler struct {
	conf        *Config
	baseContext context.Context
	baseCancel  context.CancelFunc

	registry   *affinity.Registry
	dispatcher *Dispatcher

	mu           sync.RWMutex
	conns        map[string]*workerConn // by worker instance id
	lostSessions map[string]*lostSession

	// rrCursor implements round-robin worker selection per tenant.
	rrCursor map[string]int

	started  ua.Bool
	sweepWg  sync.WaitGroup
	sweepEnd chan struct{}
}

// New creates a Scheduler. Call Start before accepting connections.
func New(ctx context.Context, conf *Config) (*Scheduler, error) {
	const op = "scheduler.New"
	if conf == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing config")
	}
	if err := conf.validate(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		conf:         conf,
		baseContext:  baseCtx,
		baseCancel:   cancel,
		registry:     affinity.NewRegistry(),
		conns:        make(map[string]*workerConn),
		lostSessions: make(map[string]*lostSession),
		rrCursor:     make(map[string]int),
		sweepEnd:     make(chan struct{}),
	}
	s.dispatcher = newDispatcher(s)
	metric.InitializeSchedulerCollectors(conf.PrometheusRegisterer)
	return s, nil
}

// Dispatcher returns the planner-facing dispatch surface.
func (s *Scheduler) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// AffinityRegistry exposes the binding table, mainly for tests and the
// health surface.
func (s *Scheduler) AffinityRegistry() *affinity.Registry {
	return s.registry
}

// Start launches the background sweep that reclaims expired affinity
// bindings and stale lost-session state.
func (s *Scheduler) Start(ctx context.Context) error {
	const op = "scheduler.(Scheduler).Start"
	if !s.started.CompareAndSwap(false, true) {
		return errors.New(ctx, errors.InvalidSessionState, op, "already started")
	}
	s.sweepWg.Add(1)
	go func() {
		defer s.sweepWg.Done()
		timer := time.NewTimer(s.conf.SessionStaleness / 4)
		defer timer.Stop()
		for {
			select {
			case <-s.baseContext.Done():
				return
			case <-s.sweepEnd:
				return
			case now := <-timer.C:
				s.registry.Sweep(now)
				s.expireLostSessions(now)
				timer.Reset(s.conf.SessionStaleness / 4)
			}
		}
	}()
	event.WriteSysEvent(ctx, op, "scheduler started")
	return nil
}

// HandleConnection runs one worker connection to completion: session
// establishment (or resume), then the read loop. It blocks until the
// connection ends and is intended to be called from the accept loop, one
// goroutine per connection.
func (s *Scheduler) HandleConnection(ctx context.Context, conn transport.Conn) error {
	const op = "scheduler.(Scheduler).HandleConnection"
	wc, err := s.establish(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return errors.Wrap(ctx, err, op)
	}
	wc.run(ctx)
	return nil
}

// Worker returns the live connection for a worker instance id.
func (s *Scheduler) Worker(workerId string) (*workerConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wc, ok := s.conns[workerId]
	return wc, ok
}

// readyWorker selects a ready worker for tenant round-robin, excluding a
// specific worker id when retrying away from a failed binding.
func (s *Scheduler) readyWorker(tenant, excludeId string) (*workerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*workerConn
	for _, wc := range s.conns {
		if wc.sess.TenantId != tenant || wc.sess.WorkerInstanceId == excludeId {
			continue
		}
		if wc.sess.State() == session.StateReady {
			candidates = append(candidates, wc)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	cursor := s.rrCursor[tenant]
	s.rrCursor[tenant] = cursor + 1
	return candidates[cursor%len(candidates)], true
}

func (s *Scheduler) addConn(wc *workerConn) (superseded *workerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	superseded = s.conns[wc.sess.WorkerInstanceId]
	s.conns[wc.sess.WorkerInstanceId] = wc
	return superseded
}

func (s *Scheduler) removeConn(wc *workerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conns[wc.sess.WorkerInstanceId]; ok && cur == wc {
		delete(s.conns, wc.sess.WorkerInstanceId)
	}
}

func (s *Scheduler) saveLostSession(wc *workerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostSessions[wc.sess.SessionId] = &lostSession{sess: wc.sess, conn: wc}
}

func (s *Scheduler) takeLostSession(sessionId string) (*lostSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.lostSessions[sessionId]
	if ok {
		delete(s.lostSessions, sessionId)
	}
	return ls, ok
}

func (s *Scheduler) expireLostSessions(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ls := range s.lostSessions {
		if !ls.sess.ResumableAt(now, s.conf.SessionStaleness) {
			delete(s.lostSessions, id)
			ls.conn.engine.Teardown(errors.New(s.baseContext, errors.StaleBinding, "scheduler.(Scheduler).expireLostSessions", "session staleness window elapsed", errors.WithoutEvent()))
		}
	}
}

// Drain asks a worker to stop accepting new dispatches while in-flight
// work resolves, marking its affinity bindings draining.
func (s *Scheduler) Drain(ctx context.Context, workerId, reason string) error {
	const op = "scheduler.(Scheduler).Drain"
	wc, ok := s.Worker(workerId)
	if !ok {
		return errors.New(ctx, errors.WorkerUnavailable, op, "no live session for worker")
	}
	if err := wc.sendDrain(ctx, reason); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	s.registry.MarkWorkerDraining(ctx, workerId)
	return nil
}

// Shutdown closes every live connection and stops background work.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	const op = "scheduler.(Scheduler).Shutdown"
	var closeErr *multierror.Error
	s.mu.Lock()
	conns := make([]*workerConn, 0, len(s.conns))
	for _, wc := range s.conns {
		conns = append(conns, wc)
	}
	s.mu.Unlock()
	for _, wc := range conns {
		if err := wc.close(ctx, "scheduler shutting down"); err != nil {
			closeErr = multierror.Append(closeErr, err)
		}
	}
	close(s.sweepEnd)
	s.baseCancel()
	s.sweepWg.Wait()
	event.WriteSysEvent(ctx, op, "scheduler shut down", "sessions_closed", len(conns))
	return closeErr.ErrorOrNil()
}
