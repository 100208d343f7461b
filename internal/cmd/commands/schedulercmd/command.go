// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package schedulercmd runs the scheduler daemon: the worker session
// listener plus an optional metrics/health listener.
package schedulercmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/tether/internal/cmd/config"
	"github.com/hashicorp/tether/internal/daemon/scheduler"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/transport"
	"github.com/mitchellh/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Command struct {
	UI cli.Ui

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "Start the tether scheduler"
}

func (c *Command) Help() string {
	return `Usage: tether scheduler -config=<path>

  Starts the scheduler daemon: accepts worker sessions on the configured
  listener and exposes the dispatch control plane.

  -config=<path>
      Path to the HCL configuration file with a scheduler stanza.
`
}

func (c *Command) Run(args []string) int {
	const op = "schedulercmd.(Command).Run"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := flag.NewFlagSet("scheduler", flag.ContinueOnError)
	f.StringVar(&c.flagConfig, "config", "", "path to the HCL configuration file")
	if err := f.Parse(args); err != nil {
		return 1
	}
	if c.flagConfig == "" {
		c.UI.Error("missing required -config flag")
		return 1
	}

	conf, err := config.LoadFile(ctx, c.flagConfig)
	if err != nil {
		c.UI.Error(fmt.Sprintf("error parsing config: %s", err))
		return 1
	}
	if conf.Scheduler == nil {
		c.UI.Error("config has no scheduler stanza")
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "tether-scheduler",
		Level:      hclog.LevelFromString(conf.LogLevel),
		JSONFormat: conf.LogFormat == "json",
	})
	if err := event.InitSysEventer(logger, new(sync.Mutex), "tether-scheduler", nil); err != nil {
		c.UI.Error(fmt.Sprintf("error initializing eventer: %s", err))
		return 1
	}

	reg := prometheus.NewRegistry()
	s, err := scheduler.New(ctx, &scheduler.Config{
		TokenKey:             []byte(conf.Scheduler.TokenKey),
		AuthToken:            conf.Scheduler.AuthToken,
		RequireMtls:          conf.Scheduler.RequireMtls,
		HandshakeTimeout:     conf.Scheduler.HandshakeTimeout,
		HeartbeatInterval:    conf.Scheduler.HeartbeatInterval,
		AckDeadline:          conf.Scheduler.AckDeadline,
		SessionStaleness:     conf.Scheduler.SessionStaleness,
		SendWindow:           uint32(conf.Scheduler.SendWindow),
		RecvWindow:           uint32(conf.Scheduler.RecvWindow),
		PrometheusRegisterer: reg,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating scheduler: %s", err))
		return 1
	}
	if err := s.Start(ctx); err != nil {
		c.UI.Error(fmt.Sprintf("error starting scheduler: %s", err))
		return 1
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Accept(w, r)
		if err != nil {
			event.WriteError(ctx, op, err, event.WithInfoMsg("websocket upgrade failed", "remote_addr", r.RemoteAddr))
			return
		}
		// blocks for the life of the session; the handler goroutine owns
		// the hijacked connection
		_ = s.HandleConnection(ctx, conn)
	})
	srv := &http.Server{Addr: conf.Scheduler.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			event.WriteError(ctx, op, err, event.WithInfoMsg("session listener failed"))
			cancel()
		}
	}()
	event.WriteSysEvent(ctx, op, "scheduler started", "listen_addr", conf.Scheduler.ListenAddr)

	var metricsSrv *http.Server
	if conf.Scheduler.MetricsAddr != "" {
		mmux := http.NewServeMux()
		mmux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mmux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "ok",
				"inflight": s.Dispatcher().Inflight(),
			})
		})
		metricsSrv = &http.Server{Addr: conf.Scheduler.MetricsAddr, Handler: mmux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				event.WriteError(ctx, op, err, event.WithInfoMsg("metrics listener failed"))
			}
		}()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		event.WriteSysEvent(ctx, op, "shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		c.UI.Error(fmt.Sprintf("error during shutdown: %s", err))
		return 1
	}
	return 0
}
