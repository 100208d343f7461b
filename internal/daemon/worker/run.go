// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/hashicorp/tether/internal/reliability"
	"github.com/hashicorp/tether/internal/session"
	"github.com/hashicorp/tether/internal/transport"
	ua "go.uber.org/atomic"
)

// resumeState survives one session and seeds the next connection's resume
// attempt. The engine carries the sequence counters and pending frames.
type resumeState struct {
	sessionId string
	token     string
	engine    *reliability.Engine
}

// workerSession is one live connection to the scheduler.
type workerSession struct {
	w      *Worker
	conn   transport.Conn
	engine *reliability.Engine
	sess   *session.Session

	sessionId string
	token     string

	connCtx    context.Context
	connCancel context.CancelFunc

	sendMu   sync.Mutex
	inflight ua.Int32
	wg       sync.WaitGroup
}

// establishSession dials and negotiates a session: a resume attempt when
// prior state exists, otherwise the handshake → ack → register →
// session.accept flow.
func (w *Worker) establishSession(ctx context.Context) (*workerSession, error) {
	const op = "worker.(Worker).establishSession"
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	hsCtx, cancel := context.WithTimeout(ctx, w.conf.HandshakeTimeout)
	defer cancel()

	ws, err := w.negotiate(hsCtx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	w.setSession(ws)
	return ws, nil
}

func (w *Worker) negotiate(ctx context.Context, conn transport.Conn) (*workerSession, error) {
	const op = "worker.(Worker).negotiate"

	if prior := w.takeResumeState(); prior != nil {
		ws, resumed, err := w.tryResume(ctx, conn, prior)
		if err != nil {
			// transient failure, keep the state for the next dial
			w.restoreResumeState(prior)
			return nil, errors.Wrap(ctx, err, op)
		}
		if resumed {
			return ws, nil
		}
		// scheduler reset us; prior counters are gone, fall through to
		// a full handshake on this connection
		prior.engine.Teardown(errors.New(ctx, errors.StaleBinding, op, "session reset by scheduler", errors.WithoutEvent()))
	}
	return w.fullHandshake(ctx, conn)
}

func (w *Worker) tryResume(ctx context.Context, conn transport.Conn, prior *resumeState) (*workerSession, bool, error) {
	const op = "worker.(Worker).tryResume"
	sendSeq, recvSeq := prior.engine.Seqs()
	env, err := protocol.NewEnvelope(ctx, protocol.TypeResume, w.conf.Tenant, w.conf.WorkerInstanceId, &protocol.Resume{
		SessionId:    prior.sessionId,
		SessionToken: prior.token,
		SendSeq:      sendSeq,
		RecvSeq:      recvSeq,
	})
	if err != nil {
		return nil, false, errors.Wrap(ctx, err, op)
	}
	if err := sendRaw(ctx, conn, env); err != nil {
		return nil, false, errors.Wrap(ctx, err, op)
	}
	reply, err := recvValidated(ctx, conn)
	if err != nil {
		return nil, false, errors.Wrap(ctx, err, op)
	}
	switch reply.Type {
	case protocol.TypeSessionAccept:
		decoded, err := protocol.DecodeControl(ctx, reply)
		if err != nil {
			return nil, false, errors.Wrap(ctx, err, op)
		}
		accept := decoded.(*protocol.SessionAccept)
		ws, err := w.newSession(ctx, conn, prior.engine, accept)
		if err != nil {
			return nil, false, errors.Wrap(ctx, err, op)
		}
		event.WriteSysEvent(ctx, op, "session resumed", "session_id", ws.sessionId, "send_seq", sendSeq, "recv_seq", recvSeq)
		return ws, true, nil
	case protocol.TypeReset:
		event.WriteSysEvent(ctx, op, "resume refused, full handshake required", "session_id", prior.sessionId)
		return nil, false, nil
	default:
		return nil, false, errors.New(ctx, errors.InvalidSessionState, op, "unexpected reply to resume: "+reply.Type)
	}
}

func (w *Worker) fullHandshake(ctx context.Context, conn transport.Conn) (*workerSession, error) {
	const op = "worker.(Worker).fullHandshake"
	hs, err := protocol.NewEnvelope(ctx, protocol.TypeHandshake, w.conf.Tenant, w.conf.WorkerInstanceId, &protocol.Handshake{
		Token:          w.conf.AuthToken,
		MtlsCommonName: w.conf.MtlsCommonName,
		ProtocolRev:    1,
	})
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := sendRaw(ctx, conn, hs); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	ack, err := recvValidated(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if ack.Type != protocol.TypeAck {
		return nil, handshakeRefused(ctx, op, ack)
	}

	reg, err := protocol.NewEnvelope(ctx, protocol.TypeRegister, w.conf.Tenant, w.conf.WorkerInstanceId, &protocol.Register{
		Capabilities: w.conf.Capabilities,
		Runtimes:     w.conf.Runtimes,
	})
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if err := sendRaw(ctx, conn, reg); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	reply, err := recvValidated(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	if reply.Type != protocol.TypeSessionAccept {
		return nil, handshakeRefused(ctx, op, reply)
	}
	decoded, err := protocol.DecodeControl(ctx, reply)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return w.newSession(ctx, conn, nil, decoded.(*protocol.SessionAccept))
}

// handshakeRefused maps a control.error reply to a typed error so the
// backoff loop can log the scheduler's wire code.
func handshakeRefused(ctx context.Context, op errors.Op, env *protocol.Envelope) error {
	if env.Type == protocol.TypeError {
		if decoded, err := protocol.DecodeControl(ctx, env); err == nil {
			perr := decoded.(*protocol.Error)
			return errors.New(ctx, errors.SessionDenied, op, "scheduler refused session: "+perr.Code+": "+perr.Detail)
		}
	}
	return errors.New(ctx, errors.InvalidSessionState, op, "unexpected handshake reply: "+env.Type)
}

// newSession assembles the per-connection state. A nil engine means a fresh
// session; a non-nil one carries resumed counters.
func (w *Worker) newSession(ctx context.Context, conn transport.Conn, engine *reliability.Engine, accept *protocol.SessionAccept) (*workerSession, error) {
	const op = "worker.(Worker).newSession"
	ws := &workerSession{
		w:         w,
		conn:      conn,
		sessionId: accept.SessionId,
		token:     accept.SessionToken,
	}
	ws.connCtx, ws.connCancel = context.WithCancel(w.baseContext)

	sess, err := session.New(ctx, w.conf.Tenant, w.conf.WorkerInstanceId)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	for _, next := range []session.State{session.StateHandshaking, session.StateRegistered, session.StateReady} {
		if err := sess.TransitionTo(ctx, next); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
	}
	sess.SetToken(accept.SessionToken)
	sess.SetWindows(accept.RecvWindow, accept.SendWindow)
	ws.sess = sess

	if engine == nil {
		engine, err = reliability.NewEngine(ctx, &reliability.Config{
			Tenant:   w.conf.Tenant,
			LocalId:  w.conf.WorkerInstanceId,
			PeerName: "scheduler",
			Sender:   ws.writeEnvelope,
			Deliver:  ws.deliver,
		},
			reliability.WithWindowSize(accept.RecvWindow),
		)
		if err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
	} else {
		engine.Rebind(ws.writeEnvelope, ws.deliver)
	}
	ws.engine = engine
	return ws, nil
}

func (w *Worker) takeResumeState() *resumeState {
	w.resumeMu.Lock()
	defer w.resumeMu.Unlock()
	rs := w.resume
	w.resume = nil
	return rs
}

func (w *Worker) restoreResumeState(rs *resumeState) {
	w.resumeMu.Lock()
	defer w.resumeMu.Unlock()
	w.resume = rs
}

func (w *Worker) saveResumeState(ws *workerSession) {
	w.resumeMu.Lock()
	defer w.resumeMu.Unlock()
	w.resume = &resumeState{sessionId: ws.sessionId, token: ws.token, engine: ws.engine}
}

func (w *Worker) clearResumeState() {
	w.resumeMu.Lock()
	defer w.resumeMu.Unlock()
	w.resume = nil
}

// run drives the session until the connection drops or the worker shuts
// down, then preserves resume state unless the scheduler reset us.
func (ws *workerSession) run() {
	const op = "worker.(workerSession).run"
	w := ws.w
	ws.engine.Start(ws.connCtx)
	ws.wg.Add(1)
	go ws.heartbeatLoop()

	resetByScheduler := false
	for {
		env, err := recvValidated(ws.connCtx, ws.conn)
		if err != nil {
			if ws.connCtx.Err() == nil {
				event.WriteError(ws.connCtx, op, err, event.WithInfoMsg("scheduler connection read failed"))
			}
			break
		}
		stop, err := ws.handleFrame(ws.connCtx, env)
		if err != nil {
			event.WriteError(ws.connCtx, op, err, event.WithInfoMsg("frame handling failed", "type", env.Type, "seq", env.Seq))
		}
		if stop {
			resetByScheduler = true
			break
		}
	}

	ws.connCancel()
	ws.wg.Wait()
	_ = ws.conn.Close(context.Background())
	if w.baseContext.Err() == nil && !resetByScheduler {
		if err := ws.sess.TransitionTo(context.Background(), session.StateBackoff); err == nil {
			w.saveResumeState(ws)
		}
	}
}

// handleFrame routes one inbound frame. stop=true means the scheduler reset
// the session and the connection must be abandoned.
func (ws *workerSession) handleFrame(ctx context.Context, env *protocol.Envelope) (bool, error) {
	const op = "worker.(workerSession).handleFrame"
	if !env.IsControl() {
		return false, ws.engine.HandleFrame(ctx, env)
	}
	switch env.Type {
	case protocol.TypeAck:
		decoded, err := protocol.DecodeControl(ctx, env)
		if err != nil {
			return false, errors.Wrap(ctx, err, op)
		}
		return false, ws.engine.HandleAck(ctx, decoded.(*protocol.Ack))
	case protocol.TypeDrain:
		ws.w.StartDraining()
		if ws.sess.State() == session.StateReady {
			if err := ws.sess.TransitionTo(ctx, session.StateDraining); err != nil {
				return false, errors.Wrap(ctx, err, op)
			}
		}
		event.WriteSysEvent(ctx, op, "draining on scheduler request")
		return false, nil
	case protocol.TypeReset:
		ws.w.clearResumeState()
		event.WriteSysEvent(ctx, op, "session reset by scheduler")
		return true, nil
	case protocol.TypeError:
		decoded, err := protocol.DecodeControl(ctx, env)
		if err != nil {
			return false, errors.Wrap(ctx, err, op)
		}
		perr := decoded.(*protocol.Error)
		event.WriteSysEvent(ctx, op, "scheduler reported protocol error", "code", perr.Code, "detail", perr.Detail)
		return false, nil
	default:
		return false, errors.New(ctx, errors.UnknownCommand, op, "unexpected control frame "+env.Type, errors.WithoutEvent())
	}
}

// deliver receives in-order business frames; dispatches execute on their
// own goroutines so one slow command never stalls the window.
func (ws *workerSession) deliver(ctx context.Context, env *protocol.Envelope) error {
	const op = "worker.(workerSession).deliver"
	if env.Type != protocol.TypeDispatch {
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
	d, err := protocol.DecodeDispatch(ctx, env)
	if err != nil {
		return ws.sendResult(ctx, env.Corr, &protocol.Result{
			Status: protocol.ResultStatusFailed,
			Code:   errors.Proto(err),
			Detail: "dispatch payload rejected",
		})
	}
	ws.w.taskWg.Add(1)
	ws.inflight.Inc()
	go func() {
		defer ws.w.taskWg.Done()
		defer ws.inflight.Dec()
		ws.execute(ws.connCtx, env, d)
	}()
	return nil
}

// execute runs one dispatch under the concurrency guard and publishes the
// terminal result.
func (ws *workerSession) execute(ctx context.Context, env *protocol.Envelope, d *protocol.Dispatch) {
	const op = "worker.(workerSession).execute"
	w := ws.w

	fail := func(code errors.Code, detail string) {
		if err := ws.sendResult(ctx, env.Corr, &protocol.Result{
			Status: protocol.ResultStatusFailed,
			Code:   code.Proto(),
			Detail: detail,
		}); err != nil {
			event.WriteError(ctx, op, err)
		}
	}

	if w.draining.Load() {
		fail(errors.SessionDenied, "worker is draining")
		return
	}
	h, ok := w.handler(d.Command)
	if !ok {
		fail(errors.UnknownCommand, "no handler for command "+d.Command)
		return
	}
	if d.ConcurrencyKey != "" {
		if err := w.guard.Acquire(ctx, d.ConcurrencyKey, d.TaskId); err != nil {
			fail(errors.ConcurrencyViolation, "concurrency key held: "+d.ConcurrencyKey)
			return
		}
		defer w.guard.Release(ctx, d.ConcurrencyKey, d.TaskId)
	}

	res, err := h(ctx, d)
	if err != nil {
		event.WriteError(ctx, op, err, event.WithInfoMsg("handler failed", "command", d.Command, "task_id", d.TaskId))
		fail(errors.Internal, err.Error())
		return
	}
	if res == nil {
		res = &protocol.Result{Status: protocol.ResultStatusSucceeded}
	}
	if snapshot, merr := json.Marshal(res); merr == nil {
		if cerr := ws.engine.CacheResult(ctx, env.Id, env.Corr, snapshot); cerr != nil {
			event.WriteError(ctx, op, cerr)
		}
	}
	if err := ws.sendResult(ctx, env.Corr, res); err != nil {
		event.WriteError(ctx, op, err, event.WithInfoMsg("unable to publish result", "task_id", d.TaskId))
	}
}

func (ws *workerSession) sendResult(ctx context.Context, corr string, res *protocol.Result) error {
	const op = "worker.(workerSession).sendResult"
	env, err := protocol.NewEnvelope(ctx, protocol.TypeResult, ws.w.conf.Tenant, ws.w.conf.WorkerInstanceId, res)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	env.Corr = corr
	env.SetFlag(protocol.FlagAckRequest)
	if _, err := ws.engine.Send(ctx, env); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return nil
}

// heartbeatLoop reports liveness on a jittered interval so a fleet of
// workers never synchronizes its reporting.
func (ws *workerSession) heartbeatLoop() {
	const op = "worker.(workerSession).heartbeatLoop"
	defer ws.wg.Done()
	w := ws.w
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	jittered := func() time.Duration {
		f := r.Float64() / 2
		if r.Float32() > 0.5 {
			f = -1 * f
		}
		return w.conf.HeartbeatInterval + time.Duration(f*float64(w.conf.HeartbeatInterval)/2)
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ws.connCtx.Done():
			return
		case <-timer.C:
			state := "active"
			if w.draining.Load() {
				state = "draining"
			}
			env, err := protocol.NewEnvelope(ws.connCtx, protocol.TypeHeartbeat, w.conf.Tenant, w.conf.WorkerInstanceId, &protocol.Heartbeat{
				OperationalState: state,
				InflightCount:    uint32(ws.inflight.Load()),
			})
			if err == nil {
				err = ws.writeEnvelope(ws.connCtx, env)
			}
			if err != nil {
				if ws.connCtx.Err() == nil {
					event.WriteError(ws.connCtx, op, err, event.WithInfoMsg("heartbeat send failed"))
				}
			} else {
				w.lastHeartbeat.Store(time.Now())
			}
			timer.Reset(jittered())
		}
	}
}

func (ws *workerSession) writeEnvelope(ctx context.Context, env *protocol.Envelope) error {
	const op = "worker.(workerSession).writeEnvelope"
	raw, err := env.Marshal(ctx)
	if err != nil {
		return errors.Wrap(ctx, err, op)
	}
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()
	if err := ws.conn.Send(ctx, raw); err != nil {
		return errors.Wrap(ctx, err, op, errors.WithoutEvent())
	}
	return nil
}

// close tears the session down for good; no resume state survives.
func (ws *workerSession) close(ctx context.Context) error {
	const op = "worker.(workerSession).close"
	ws.w.clearResumeState()
	ws.engine.Teardown(errors.New(ctx, errors.InvalidSessionState, op, "worker shutting down", errors.WithoutEvent()))
	ws.connCancel()
	return ws.conn.Close(ctx)
}

func sendRaw(ctx context.Context, conn transport.Conn, env *protocol.Envelope) error {
	const op = "worker.sendRaw"
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
	const op = "worker.recvValidated"
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
