// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package scheduler

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/hashicorp/tether/internal/daemon/metric"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/hashicorp/tether/internal/reliability"
	"github.com/hashicorp/tether/internal/session"
	"github.com/hashicorp/tether/internal/transport"
	ua "go.uber.org/atomic"
)

// tokenLifetime bounds how long a session token verifies at all; the much
// shorter staleness window governs whether a resume preserves counters.
const tokenLifetime = 24 * time.Hour

const schedulerSenderId = "scheduler"

// workerConn is the scheduler's half of one live worker session.
type workerConn struct {
	scheduler *Scheduler
	conn      transport.Conn
	sess      *session.Session
	engine    *reliability.Engine

	connCtx    context.Context
	connCancel context.CancelFunc

	sendMu   sync.Mutex
	graceful ua.Bool
	wg       sync.WaitGroup
}

// establish runs session setup on a fresh connection: either the
// handshake → ack → register → session.accept flow, or a resume that
// reattaches a recently lost session's counters. A failed resume answers
// with control.reset and falls through to a full handshake.
func (s *Scheduler) establish(ctx context.Context, conn transport.Conn) (*workerConn, error) {
	const op = "scheduler.(Scheduler).establish"
	hsCtx, cancel := context.WithTimeout(ctx, s.conf.HandshakeTimeout)
	defer cancel()

	for {
		env, err := recvValidated(hsCtx, conn)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		switch env.Type {
		case protocol.TypeHandshake:
			return s.acceptHandshake(hsCtx, conn, env)
		case protocol.TypeResume:
			wc, retry, err := s.acceptResume(hsCtx, conn, env)
			if err != nil {
				return nil, errors.Wrap(ctx, err, op)
			}
			if retry {
				// reset sent; the worker re-handshakes on this
				// connection
				continue
			}
			return wc, nil
		default:
			sendError(hsCtx, conn, env.Tenant, errors.InvalidSessionState.Proto(), "expected handshake or resume")
			return nil, errors.New(ctx, errors.InvalidSessionState, op, "connection opened with "+env.Type)
		}
	}
}

func (s *Scheduler) acceptHandshake(ctx context.Context, conn transport.Conn, env *protocol.Envelope) (*workerConn, error) {
	const op = "scheduler.(Scheduler).acceptHandshake"
	decoded, err := protocol.DecodeControl(ctx, env)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	hs := decoded.(*protocol.Handshake)
	if s.conf.RequireMtls && hs.MtlsCommonName == "" {
		sendError(ctx, conn, env.Tenant, errors.MtlsRequired.Proto(), "mtls client identity required")
		return nil, errors.New(ctx, errors.MtlsRequired, op, "handshake without mtls identity")
	}
	if err := s.verifyWorkerToken(ctx, env.Tenant, env.Sender.Id, hs.Token); err != nil {
		sendError(ctx, conn, env.Tenant, errors.InvalidToken.Proto(), "bearer token rejected")
		return nil, errors.Wrap(ctx, err, op)
	}

	sess, err := session.New(ctx, env.Tenant, env.Sender.Id)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := sess.TransitionTo(ctx, session.StateHandshaking); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	ack, err := protocol.NewEnvelope(ctx, protocol.TypeAck, env.Tenant, schedulerSenderId, &protocol.Ack{For: "worker", RecvWindow: s.conf.RecvWindow})
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := sendEnvelope(ctx, conn, ack); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	reg, err := recvValidated(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if reg.Type != protocol.TypeRegister {
		sendError(ctx, conn, env.Tenant, errors.InvalidSessionState.Proto(), "expected register")
		return nil, errors.New(ctx, errors.InvalidSessionState, op, "expected register, got "+reg.Type)
	}
	if reg.Sender.Id != env.Sender.Id {
		sendError(ctx, conn, env.Tenant, errors.SessionDenied.Proto(), "register sender does not match handshake")
		return nil, errors.New(ctx, errors.SessionDenied, op, "register sender mismatch")
	}
	if err := sess.TransitionTo(ctx, session.StateRegistered); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}

	wc, err := s.newWorkerConn(ctx, conn, sess)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := wc.sendAccept(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := sess.TransitionTo(ctx, session.StateReady); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	wc.adopt(ctx)
	return wc, nil
}

// verifyWorkerToken authenticates the bearer token from a handshake, either
// against the configured shared secret or through the deployment's verifier.
func (s *Scheduler) verifyWorkerToken(ctx context.Context, tenant, workerId, token string) error {
	const op = "scheduler.(Scheduler).verifyWorkerToken"
	if s.conf.TokenVerifier != nil {
		if err := s.conf.TokenVerifier(ctx, tenant, workerId, token); err != nil {
			return errors.Wrap(ctx, err, op, errors.WithCode(errors.InvalidToken))
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.conf.AuthToken)) != 1 {
		return errors.New(ctx, errors.InvalidToken, op, "bearer token does not match")
	}
	return nil
}

// acceptResume reattaches a lost session when the token verifies and the
// staleness window has not elapsed. retry=true means a control.reset was
// sent and the caller should wait for a fresh handshake.
func (s *Scheduler) acceptResume(ctx context.Context, conn transport.Conn, env *protocol.Envelope) (*workerConn, bool, error) {
	const op = "scheduler.(Scheduler).acceptResume"
	decoded, err := protocol.DecodeControl(ctx, env)
	if err != nil {
		return nil, false, errors.Wrap(ctx, err, op)
	}
	resume := decoded.(*protocol.Resume)

	reset := func(reason string) (*workerConn, bool, error) {
		out, err := protocol.NewEnvelope(ctx, protocol.TypeReset, env.Tenant, schedulerSenderId, &protocol.Reset{Reason: reason})
		if err != nil {
			return nil, false, errors.Wrap(ctx, err, op)
		}
		if err := sendEnvelope(ctx, conn, out); err != nil {
			return nil, false, errors.Wrap(ctx, err, op)
		}
		return nil, true, nil
	}

	claims, err := session.VerifyToken(ctx, s.conf.TokenKey, resume.SessionToken)
	if err != nil {
		event.WriteError(ctx, op, err, event.WithInfoMsg("resume token rejected", "session_id", resume.SessionId))
		return reset(errors.Proto(err))
	}
	if claims.Sid != resume.SessionId || claims.Wid != env.Sender.Id || claims.Tenant != env.Tenant {
		return reset(errors.SessionDenied.Proto())
	}
	ls, ok := s.takeLostSession(resume.SessionId)
	for !ok {
		// a fast reconnect can outrun the old connection's read loop
		// noticing the drop; wait briefly for the session to land in
		// the lost set
		select {
		case <-ctx.Done():
			return reset(errors.StaleBinding.Proto())
		case <-time.After(50 * time.Millisecond):
		}
		ls, ok = s.takeLostSession(resume.SessionId)
		if !ok {
			if _, live := s.Worker(claims.Wid); !live {
				return reset(errors.StaleBinding.Proto())
			}
		}
	}
	if !ls.sess.ResumableAt(time.Now(), s.conf.SessionStaleness) {
		return reset(errors.StaleBinding.Proto())
	}

	wc := ls.conn
	wc.conn = conn
	wc.connCtx, wc.connCancel = context.WithCancel(s.baseContext)
	// walk the lifecycle back to ready; resume re-runs establishment
	// implicitly
	for _, next := range []session.State{session.StateNew, session.StateHandshaking, session.StateRegistered, session.StateReady} {
		if err := wc.sess.TransitionTo(ctx, next); err != nil {
			return nil, false, errors.Wrap(ctx, err, op)
		}
	}
	if err := wc.sendAccept(ctx); err != nil {
		return nil, false, errors.Wrap(ctx, err, op)
	}
	wc.adopt(ctx)
	sendSeq, recvSeq := wc.engine.Seqs()
	event.WriteSysEvent(ctx, op, "session resumed", "session_id", wc.sess.SessionId, "worker_id", wc.sess.WorkerInstanceId, "send_seq", sendSeq, "recv_seq", recvSeq)
	return wc, false, nil
}

func (s *Scheduler) newWorkerConn(ctx context.Context, conn transport.Conn, sess *session.Session) (*workerConn, error) {
	const op = "scheduler.(Scheduler).newWorkerConn"
	wc := &workerConn{
		scheduler: s,
		conn:      conn,
		sess:      sess,
	}
	wc.connCtx, wc.connCancel = context.WithCancel(s.baseContext)
	engine, err := reliability.NewEngine(ctx, &reliability.Config{
		Tenant:   sess.TenantId,
		LocalId:  schedulerSenderId,
		PeerName: "worker",
		Sender:   wc.writeEnvelope,
		Deliver:  wc.deliver,
		OnRetry: func(_ *protocol.Envelope, _ uint32) {
			metric.IncRetry(metric.ReasonRetransmit)
		},
	},
		reliability.WithWindowSize(s.conf.SendWindow),
	)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	wc.engine = engine
	return wc, nil
}

// adopt registers the connection with the scheduler, superseding any prior
// session for the same worker instance.
func (wc *workerConn) adopt(ctx context.Context) {
	const op = "scheduler.(workerConn).adopt"
	if old := wc.scheduler.addConn(wc); old != nil && old != wc {
		event.WriteSysEvent(ctx, op, "session superseded", "worker_id", wc.sess.WorkerInstanceId, "old_session_id", old.sess.SessionId)
		old.markLost(ctx)
	}
	metric.IncConn(wc.sess.TenantId)
}

func (wc *workerConn) sendAccept(ctx context.Context) error {
	const op = "scheduler.(workerConn).sendAccept"
	token, err := session.SignToken(ctx, wc.scheduler.conf.TokenKey, session.TokenClaims{
		Sid:    wc.sess.SessionId,
		Wid:    wc.sess.WorkerInstanceId,
		Tenant: wc.sess.TenantId,
		Exp:    time.Now().Add(tokenLifetime).Unix(),
	})
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	wc.sess.SetToken(token)
	accept, err := protocol.NewEnvelope(ctx, protocol.TypeSessionAccept, wc.sess.TenantId, schedulerSenderId, &protocol.SessionAccept{
		SessionId:    wc.sess.SessionId,
		SessionToken: token,
		SendWindow:   wc.scheduler.conf.SendWindow,
		RecvWindow:   wc.scheduler.conf.RecvWindow,
	})
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	return wc.writeEnvelope(ctx, accept)
}

// run drives the connection until it ends: the reliability engine's retry
// loop, the heartbeat monitor, and the read loop.
func (wc *workerConn) run(ctx context.Context) {
	const op = "scheduler.(workerConn).run"
	wc.engine.Start(wc.connCtx)
	wc.wg.Add(1)
	go wc.monitorHeartbeats()

	for {
		env, err := recvValidated(wc.connCtx, wc.conn)
		if err != nil {
			if wc.connCtx.Err() == nil && !wc.graceful.Load() {
				event.WriteError(wc.connCtx, op, err, event.WithInfoMsg("worker connection read failed", "worker_id", wc.sess.WorkerInstanceId))
			}
			break
		}
		if err := wc.handleFrame(wc.connCtx, env); err != nil {
			event.WriteError(wc.connCtx, op, err, event.WithInfoMsg("frame handling failed", "type", env.Type, "seq", env.Seq))
		}
	}

	wc.connCancel()
	wc.wg.Wait()
	wc.scheduler.removeConn(wc)
	metric.DecConn(wc.sess.TenantId)
	if !wc.graceful.Load() && wc.sess.State() != session.StateClosed {
		wc.markLost(ctx)
	}
}

func (wc *workerConn) handleFrame(ctx context.Context, env *protocol.Envelope) error {
	const op = "scheduler.(workerConn).handleFrame"
	if !env.IsControl() {
		if wc.sess.State() != session.StateReady && wc.sess.State() != session.StateDraining {
			sendError(ctx, wc.conn, env.Tenant, errors.InvalidSessionState.Proto(), "session is not ready")
			return errors.New(ctx, errors.InvalidSessionState, op, "business frame outside ready session", errors.WithoutEvent())
		}
		return wc.engine.HandleFrame(ctx, env)
	}
	switch env.Type {
	case protocol.TypeAck:
		decoded, err := protocol.DecodeControl(ctx, env)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return wc.engine.HandleAck(ctx, decoded.(*protocol.Ack))
	case protocol.TypeHeartbeat:
		wc.sess.RecordHeartbeat()
		return nil
	case protocol.TypeError:
		decoded, err := protocol.DecodeControl(ctx, env)
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		perr := decoded.(*protocol.Error)
		event.WriteSysEvent(ctx, op, "worker reported protocol error", "worker_id", wc.sess.WorkerInstanceId, "code", perr.Code, "detail", perr.Detail)
		return nil
	default:
		sendError(ctx, wc.conn, env.Tenant, errors.UnknownCommand.Proto(), "unexpected control frame "+env.Type)
		return errors.New(ctx, errors.UnknownCommand, op, "unexpected control frame "+env.Type, errors.WithoutEvent())
	}
}

// deliver receives in-order business frames from the reliability engine.
// Results feed dispatch completions; anything else is handed to the
// planner's delivery surface.
func (wc *workerConn) deliver(ctx context.Context, env *protocol.Envelope) error {
	const op = "scheduler.(workerConn).deliver"
	if env.Type == protocol.TypeResult {
		return wc.scheduler.dispatcher.handleResult(ctx, wc, env)
	}
	_ = event.WriteObservation(ctx, op, event.WithHeader(
		"msg", "business frame delivered",
		"tenant", env.Tenant,
		"sender_id", env.Sender.Id,
		"type", env.Type,
		"id", env.Id,
		"corr", env.Corr,
		"seq", env.Seq,
	))
	return nil
}

func (wc *workerConn) monitorHeartbeats() {
	const op = "scheduler.(workerConn).monitorHeartbeats"
	defer wc.wg.Done()
	interval := wc.scheduler.conf.HeartbeatInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-wc.connCtx.Done():
			return
		case now := <-timer.C:
			if wc.sess.State() != session.StateReady {
				timer.Reset(interval)
				continue
			}
			last := wc.sess.LastHeartbeatAt()
			if last.IsZero() || now.Sub(last) > interval {
				health := wc.sess.MissHeartbeat()
				metric.IncHeartbeatMiss(wc.sess.TenantId, wc.sess.WorkerInstanceId)
				switch health {
				case session.Warn, session.Degraded:
					event.WriteSysEvent(wc.connCtx, op, "worker heartbeat missed", "worker_id", wc.sess.WorkerInstanceId, "health", health.String())
				case session.Unhealthy:
					event.WriteSysEvent(wc.connCtx, op, "worker unhealthy, tearing session down", "worker_id", wc.sess.WorkerInstanceId)
					_ = wc.conn.Close(wc.connCtx)
					wc.connCancel()
					return
				}
			}
			timer.Reset(interval)
		}
	}
}

// markLost transitions the session to backoff, releases the worker's
// affinity bindings to stale, and preserves the reliability state for a
// resume within the staleness window.
func (wc *workerConn) markLost(ctx context.Context) {
	const op = "scheduler.(workerConn).markLost"
	if err := wc.sess.TransitionTo(ctx, session.StateBackoff); err != nil {
		event.WriteError(ctx, op, err)
	}
	wc.scheduler.registry.MarkWorkerLost(ctx, wc.sess.WorkerInstanceId)
	wc.scheduler.saveLostSession(wc)
	wc.scheduler.dispatcher.failInflightFor(ctx, wc, metric.ReasonSessionLost)
}

func (wc *workerConn) sendDrain(ctx context.Context, reason string) error {
	const op = "scheduler.(workerConn).sendDrain"
	env, err := protocol.NewEnvelope(ctx, protocol.TypeDrain, wc.sess.TenantId, schedulerSenderId, &protocol.Drain{Reason: reason})
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := wc.writeEnvelope(ctx, env); err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if wc.sess.State() == session.StateReady {
		if err := wc.sess.TransitionTo(ctx, session.StateDraining); err != nil {
			return errors.Wrap(ctx, err, op)
		}
	}
	return nil
}

// close ends the session gracefully: drain, transition to closed, settle
// the engine, and close the transport.
func (wc *workerConn) close(ctx context.Context, reason string) error {
	const op = "scheduler.(workerConn).close"
	wc.graceful.Store(true)
	if err := wc.sendDrain(ctx, reason); err != nil {
		event.WriteError(ctx, op, err)
	}
	if wc.sess.State() == session.StateDraining {
		if err := wc.sess.TransitionTo(ctx, session.StateClosed); err != nil {
			event.WriteError(ctx, op, err)
		}
	}
	wc.engine.Teardown(errors.New(ctx, errors.InvalidSessionState, op, "session closed", errors.WithoutEvent()))
	err := wc.conn.Close(ctx)
	wc.connCancel()
	return err
}

func (wc *workerConn) writeEnvelope(ctx context.Context, env *protocol.Envelope) error {
	const op = "scheduler.(workerConn).writeEnvelope"
	raw, err := env.Marshal(ctx)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	wc.sendMu.Lock()
	defer wc.sendMu.Unlock()
	if err := wc.conn.Send(ctx, raw); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return nil
}

// sendEnvelope marshals and transmits env on a connection that has no
// workerConn yet (handshake and resume negotiation).
func sendEnvelope(ctx context.Context, conn transport.Conn, env *protocol.Envelope) error {
	const op = "scheduler.sendEnvelope"
	raw, err := env.Marshal(ctx)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	if err := conn.Send(ctx, raw); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return nil
}

func recvValidated(ctx context.Context, conn transport.Conn) (*protocol.Envelope, error) {
	const op = "scheduler.recvValidated"
	raw, err := conn.Recv(ctx)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	env, err := protocol.Validate(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return env, nil
}

// sendError reflects a protocol failure to the peer; best effort.
func sendError(ctx context.Context, conn transport.Conn, tenant, code, detail string) {
	const op = "scheduler.sendError"
	if tenant == "" {
		tenant = "unknown"
	}
	env, err := protocol.NewEnvelope(ctx, protocol.TypeError, tenant, schedulerSenderId, &protocol.Error{Code: code, Detail: detail})
	if err != nil {
		return
	}
	raw, err := env.Marshal(ctx)
	if err != nil {
		return
	}
	_ = conn.Send(ctx, raw)
}
