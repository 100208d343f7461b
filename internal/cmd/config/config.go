// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package config parses the daemon's HCL configuration file. A single file
// may carry a scheduler stanza, a worker stanza, or both (loopback dev
// mode).
package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl"
	"github.com/hashicorp/tether/internal/errors"
)

// Config is the parsed top-level configuration.
type Config struct {
	LogLevel  string     `hcl:"log_level"`
	LogFormat string     `hcl:"log_format"`
	Scheduler *Scheduler `hcl:"scheduler"`
	Worker    *Worker    `hcl:"worker"`
}

// Scheduler configures the scheduler daemon.
type Scheduler struct {
	// ListenAddr is where worker websocket sessions arrive; MetricsAddr
	// serves prometheus and health, empty disables that listener.
	ListenAddr  string `hcl:"listen_addr"`
	MetricsAddr string `hcl:"metrics_addr"`

	// TokenKey signs session tokens; at least 32 bytes. AuthToken is the
	// bearer secret workers must present in their handshakes.
	TokenKey    string `hcl:"token_key"`
	AuthToken   string `hcl:"auth_token"`
	RequireMtls bool   `hcl:"require_mtls"`

	HandshakeTimeoutRaw  any           `hcl:"handshake_timeout"`
	HandshakeTimeout     time.Duration `hcl:"-"`
	HeartbeatIntervalRaw any           `hcl:"heartbeat_interval"`
	HeartbeatInterval    time.Duration `hcl:"-"`
	AckDeadlineRaw       any           `hcl:"ack_deadline"`
	AckDeadline          time.Duration `hcl:"-"`
	SessionStalenessRaw  any           `hcl:"session_staleness"`
	SessionStaleness     time.Duration `hcl:"-"`

	// Window sizes decode as int because hcl cannot decode into uint32;
	// validate bounds them before the daemon converts.
	SendWindow int `hcl:"send_window"`
	RecvWindow int `hcl:"recv_window"`
}

// Worker configures the worker daemon.
type Worker struct {
	// Name is the persisted worker instance id; it survives restarts and
	// is what sessions and affinity bindings attach to.
	Name   string `hcl:"name"`
	Tenant string `hcl:"tenant"`

	// SchedulerAddr is the websocket URL of the scheduler's session
	// listener.
	SchedulerAddr string `hcl:"scheduler_addr"`

	AuthToken      string `hcl:"auth_token"`
	MtlsCommonName string `hcl:"mtls_common_name"`

	Capabilities []string `hcl:"capabilities"`
	Runtimes     []string `hcl:"runtimes"`

	HeartbeatIntervalRaw any           `hcl:"heartbeat_interval"`
	HeartbeatInterval    time.Duration `hcl:"-"`

	MaxResourceBytes int64 `hcl:"max_resource_bytes"`
}

// LoadFile loads and parses the configuration at path.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	const op = "config.LoadFile"
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.Io))
	}
	return Parse(ctx, string(d))
}

// Parse parses the configuration from an HCL string and resolves raw
// duration fields.
func Parse(ctx context.Context, d string) (*Config, error) {
	const op = "config.Parse"
	obj, err := hcl.Parse(d)
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.InvalidParameter))
	}
	result := new(Config)
	if err := hcl.DecodeObject(result, obj); err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithCode(errors.InvalidParameter))
	}

	if s := result.Scheduler; s != nil {
		if s.HandshakeTimeout, err = parseDuration(ctx, "handshake_timeout", s.HandshakeTimeoutRaw); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		if s.HeartbeatInterval, err = parseDuration(ctx, "heartbeat_interval", s.HeartbeatIntervalRaw); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		if s.AckDeadline, err = parseDuration(ctx, "ack_deadline", s.AckDeadlineRaw); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
		if s.SessionStaleness, err = parseDuration(ctx, "session_staleness", s.SessionStalenessRaw); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
	}
	if w := result.Worker; w != nil {
		if w.HeartbeatInterval, err = parseDuration(ctx, "heartbeat_interval", w.HeartbeatIntervalRaw); err != nil {
			return nil, errors.Wrap(ctx, err, op)
		}
	}
	if err := result.validate(ctx); err != nil {
		return nil, errors.Wrap(ctx, err, op)
	}
	return result, nil
}

func (c *Config) validate(ctx context.Context) error {
	const op = "config.(Config).validate"
	if c.Scheduler == nil && c.Worker == nil {
		return errors.New(ctx, errors.InvalidParameter, op, "config requires a scheduler or worker stanza")
	}
	if s := c.Scheduler; s != nil {
		if s.ListenAddr == "" {
			return errors.New(ctx, errors.InvalidParameter, op, "scheduler stanza requires listen_addr")
		}
		if len(s.TokenKey) < 32 {
			return errors.New(ctx, errors.InvalidParameter, op, "scheduler token_key must be at least 32 bytes")
		}
		if s.AuthToken == "" {
			return errors.New(ctx, errors.InvalidParameter, op, "scheduler stanza requires auth_token")
		}
		if s.SendWindow < 0 || int64(s.SendWindow) > math.MaxUint32 {
			return errors.New(ctx, errors.InvalidParameter, op, "scheduler send_window is out of range")
		}
		if s.RecvWindow < 0 || int64(s.RecvWindow) > math.MaxUint32 {
			return errors.New(ctx, errors.InvalidParameter, op, "scheduler recv_window is out of range")
		}
	}
	if w := c.Worker; w != nil {
		switch {
		case w.Name == "":
			return errors.New(ctx, errors.InvalidParameter, op, "worker stanza requires name")
		case w.Tenant == "":
			return errors.New(ctx, errors.InvalidParameter, op, "worker stanza requires tenant")
		case w.SchedulerAddr == "":
			return errors.New(ctx, errors.InvalidParameter, op, "worker stanza requires scheduler_addr")
		case w.AuthToken == "" && w.MtlsCommonName == "":
			return errors.New(ctx, errors.InvalidParameter, op, "worker stanza requires auth_token or mtls_common_name")
		}
	}
	return nil
}

func parseDuration(ctx context.Context, name string, raw any) (time.Duration, error) {
	const op = "config.parseDuration"
	if raw == nil {
		return 0, nil
	}
	d, err := parseutil.ParseDurationSecond(raw)
	if err != nil {
		return 0, errors.New(ctx, errors.InvalidParameter, op, fmt.Sprintf("invalid %s: %v", name, err))
	}
	return d, nil
}
