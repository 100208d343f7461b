// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package workercmd runs the worker daemon: connect to the scheduler,
// maintain the session, execute dispatched commands.
package workercmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/tether/internal/cmd/config"
	"github.com/hashicorp/tether/internal/daemon/worker"
	"github.com/hashicorp/tether/internal/event"
	"github.com/hashicorp/tether/internal/protocol"
	"github.com/mitchellh/cli"
)

type Command struct {
	UI cli.Ui

	flagConfig string
}

func (c *Command) Synopsis() string {
	return "Start a tether worker"
}

func (c *Command) Help() string {
	return `Usage: tether worker -config=<path>

  Starts a worker daemon that connects to the configured scheduler,
  maintains a session with heartbeats, and executes dispatched commands.

  -config=<path>
      Path to the HCL configuration file with a worker stanza.
`
}

func (c *Command) Run(args []string) int {
	const op = "workercmd.(Command).Run"
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := flag.NewFlagSet("worker", flag.ContinueOnError)
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
	if conf.Worker == nil {
		c.UI.Error("config has no worker stanza")
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "tether-worker",
		Level:      hclog.LevelFromString(conf.LogLevel),
		JSONFormat: conf.LogFormat == "json",
	})
	if err := event.InitSysEventer(logger, new(sync.Mutex), "tether-worker", nil); err != nil {
		c.UI.Error(fmt.Sprintf("error initializing eventer: %s", err))
		return 1
	}

	w, err := worker.New(ctx, &worker.Config{
		SchedulerAddr:     conf.Worker.SchedulerAddr,
		Tenant:            conf.Worker.Tenant,
		WorkerInstanceId:  conf.Worker.Name,
		AuthToken:         conf.Worker.AuthToken,
		MtlsCommonName:    conf.Worker.MtlsCommonName,
		Capabilities:      conf.Worker.Capabilities,
		Runtimes:          conf.Worker.Runtimes,
		HeartbeatInterval: conf.Worker.HeartbeatInterval,
		MaxResourceBytes:  conf.Worker.MaxResourceBytes,
	})
	if err != nil {
		c.UI.Error(fmt.Sprintf("error creating worker: %s", err))
		return 1
	}
	// connectivity check target for operators; business handlers are
	// registered by embedding the worker package
	w.RegisterHandler("sys.echo", func(_ context.Context, d *protocol.Dispatch) (*protocol.Result, error) {
		return &protocol.Result{Status: protocol.ResultStatusSucceeded, Output: d.Args}, nil
	})

	startCtx, startCancel := context.WithTimeout(ctx, time.Minute)
	err = w.Start(startCtx)
	startCancel()
	if err != nil {
		c.UI.Error(fmt.Sprintf("error starting worker: %s", err))
		return 1
	}
	event.WriteSysEvent(ctx, op, "worker started", "worker_id", conf.Worker.Name, "session_id", w.SessionId())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	event.WriteSysEvent(ctx, op, "shutdown signal received", "signal", sig.String())

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer gracefulCancel()
	done := make(chan error, 1)
	go func() { done <- w.GracefulShutdown(gracefulCtx) }()
	select {
	case err := <-done:
		if err != nil {
			c.UI.Error(fmt.Sprintf("error during shutdown: %s", err))
			return 1
		}
	case <-sigCh:
		// second signal forces immediate shutdown
		_ = w.Shutdown(context.Background())
	}
	return 0
}
