// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package worker implements the worker side of the control plane: it dials
// the scheduler, establishes or resumes a session, heartbeats, and executes
// dispatched commands under the concurrency guard, publishing results back
// through the reliability engine.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/tether/internal/errors"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/guard"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/hashicorp/tether/internal/resource"
	"github.com/hashicorp/tether/internal/transport"
	ua "go.uber.org/atomic"
)

// Handler executes one dispatched command and returns its terminal result.
// Handlers run concurrently unless serialized by a concurrency key.
type Handler func(ctx context.Context, d *protocol.Dispatch) (*protocol.Result, error)

type Worker struct {
	conf        *Config
	baseContext context.Context
	baseCancel  context.CancelFunc

	guard     *guard.Guard
	resources *resource.Registry

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// sessionState is the live connection state; replaced wholesale on
	// each (re)connect.
	sessMu sync.Mutex
	cur    *workerSession

	// resume seeds the next connection's resume attempt after a drop.
	resumeMu sync.Mutex
	resume   *resumeState

	lastHeartbeat ua.Time
	draining      ua.Bool
	started       ua.Bool

	shutdownOnce sync.Once
	wg           sync.WaitGroup
	taskWg       sync.WaitGroup
}

// New creates a Worker. Register handlers before Start.
func New(ctx context.Context, conf *Config) (*Worker, error) {
	const op = "worker.New"
	if conf == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing config")
	}
	if err := conf.validate(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	resources, err := resource.NewRegistry(ctx, conf.WorkerInstanceId, conf.MaxResourceBytes)
	if err != nil {
		cancel()
		return nil, errors.Wrap(ctx, err, op)
	}
	w := &Worker{
		conf:        conf,
		baseContext: baseCtx,
		baseCancel:  cancel,
		guard:       guard.New(),
		resources:   resources,
		handlers:    make(map[string]Handler),
	}
	return w, nil
}

// RegisterHandler binds a command name to its handler. Later registrations
// replace earlier ones.
func (w *Worker) RegisterHandler(command string, h Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[command] = h
}

func (w *Worker) handler(command string) (Handler, bool) {
	w.handlersMu.RLock()
	defer w.handlersMu.RUnlock()
	h, ok := w.handlers[command]
	return h, ok
}

// Guard exposes the concurrency guard, mainly for handlers and tests.
func (w *Worker) Guard() *guard.Guard { return w.guard }

// Resources exposes the worker's resource registry to handler code.
func (w *Worker) Resources() *resource.Registry { return w.resources }

// Start launches the connect loop: dial, establish or resume a session,
// run it until it drops, back off with jitter, repeat. It returns after
// the first session is established or the context ends.
func (w *Worker) Start(ctx context.Context) error {
	const op = "worker.(Worker).Start"
	if !w.started.CompareAndSwap(false, true) {
		return errors.New(ctx, errors.InvalidSessionState, op, "already started")
	}
	w.resources.StartSweeper(w.baseContext, time.Minute)

	firstSession := make(chan error, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.connectLoop(firstSession)
	}()
	select {
	case err := <-firstSession:
		if err != nil {
			return errors.Wrap(ctx, err, op)
		}
		return nil
	case <-ctx.Done():
		return errors.New(ctx, errors.Timeout, op, "timed out waiting for first session")
	}
}

// connectLoop is the reconnect engine: exponential backoff with jitter, a
// resume attempt when earlier session state exists, falling back to a full
// handshake when the scheduler resets us.
func (w *Worker) connectLoop(firstSession chan<- error) {
	const op = "worker.(Worker).connectLoop"
	var once sync.Once
	for {
		if w.baseContext.Err() != nil {
			return
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		bo.MaxElapsedTime = 0

		var ws *workerSession
		err := backoff.Retry(func() error {
			var dialErr error
			ws, dialErr = w.establishSession(w.baseContext)
			if dialErr != nil {
				event.WriteError(w.baseContext, op, dialErr, event.WithInfoMsg("session establishment failed, backing off"))
			}
			return dialErr
		}, backoff.WithContext(bo, w.baseContext))
		if err != nil {
			once.Do(func() { firstSession <- err })
			return
		}
		once.Do(func() { firstSession <- nil })

		ws.run()
		if w.baseContext.Err() != nil {
			return
		}
		event.WriteSysEvent(w.baseContext, op, "session ended, reconnecting", "session_id", ws.sessionId)
	}
}

func (w *Worker) dial(ctx context.Context) (transport.Conn, error) {
	if w.conf.Dial != nil {
		return w.conf.Dial(ctx)
	}
	return transport.Dial(ctx, w.conf.SchedulerAddr, nil)
}

func (w *Worker) setSession(ws *workerSession) {
	w.sessMu.Lock()
	defer w.sessMu.Unlock()
	w.cur = ws
}

func (w *Worker) session() *workerSession {
	w.sessMu.Lock()
	defer w.sessMu.Unlock()
	return w.cur
}

// SessionId returns the current session's id, empty before the first
// session is established.
func (w *Worker) SessionId() string {
	if ws := w.session(); ws != nil {
		return ws.sessionId
	}
	return ""
}

// LastHeartbeatSuccess reports when the worker last sent a heartbeat
// successfully.
func (w *Worker) LastHeartbeatSuccess() time.Time {
	return w.lastHeartbeat.Load()
}

// WaitForNextSuccessfulHeartbeat blocks until a heartbeat newer than the
// call time goes out, or the timeout elapses. Used by tests and shutdown in
// place of opaque sleeps.
func (w *Worker) WaitForNextSuccessfulHeartbeat(timeout time.Duration) error {
	const op = "worker.(Worker).WaitForNextSuccessfulHeartbeat"
	start := time.Now()
	ctx, cancel := context.WithTimeout(w.baseContext, timeout)
	defer cancel()
	for {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return errors.New(ctx, errors.Timeout, op, "timed out waiting for heartbeat", errors.WithoutEvent())
		}
		if w.lastHeartbeat.Load().After(start) {
			return nil
		}
	}
}

// StartDraining stops admitting new dispatches; in-flight work resolves
// naturally.
func (w *Worker) StartDraining() {
	w.draining.Store(true)
}

// GracefulShutdown drains, waits for in-flight tasks, then shuts down.
func (w *Worker) GracefulShutdown(ctx context.Context) error {
	const op = "worker.(Worker).GracefulShutdown"
	w.StartDraining()
	done := make(chan struct{})
	go func() {
		w.taskWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		event.WriteSysEvent(ctx, op, "graceful shutdown timed out waiting for in-flight tasks")
	}
	return w.Shutdown(ctx)
}

// Shutdown tears the worker down immediately, aggregating close errors.
func (w *Worker) Shutdown(ctx context.Context) error {
	const op = "worker.(Worker).Shutdown"
	var shutdownErr *multierror.Error
	w.shutdownOnce.Do(func() {
		ws := w.session()
		w.baseCancel()
		if ws != nil {
			if err := ws.close(context.Background()); err != nil {
				shutdownErr = multierror.Append(shutdownErr, err)
			}
		}
		w.wg.Wait()
		event.WriteSysEvent(ctx, op, "worker shut down", "worker_id", w.conf.WorkerInstanceId)
	})
	return shutdownErr.ErrorOrNil()
}
