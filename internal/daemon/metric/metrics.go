// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

// Package metric provides the prometheus collectors for the control plane
// and hooks to update them from the scheduler and worker daemons.
package metric

import (
	"github.com/hashicorp/tether/globals"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelTenant   = "tenant"
	labelWorker   = "worker"
	labelNodeType = "node_type"
	labelReason   = "reason"
)

// wsConnActive tracks live worker sessions per tenant.
var wsConnActive = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: globals.MetricNamespace,
		Subsystem: "ws",
		Name:      "conn_active",
		Help:      "Gauge of currently established worker sessions.",
	},
	[]string{labelTenant},
)

// wsHeartbeatMiss counts missed heartbeats before escalation.
var wsHeartbeatMiss = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: globals.MetricNamespace,
		Subsystem: "ws",
		Name:      "heartbeat_miss_total",
		Help:      "Count of heartbeat intervals a worker failed to report in.",
	},
	[]string{labelTenant, labelWorker},
)

// cmdDispatch counts commands handed to the reliability engine.
var cmdDispatch = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: globals.MetricNamespace,
		Subsystem: "cmd",
		Name:      "dispatch_total",
		Help:      "Count of commands dispatched, by tenant and node type.",
	},
	[]string{labelTenant, labelNodeType},
)

// cmdRetry counts command retransmissions and requeues.
var cmdRetry = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: globals.MetricNamespace,
		Subsystem: "cmd",
		Name:      "retry_total",
		Help:      "Count of command retries, by reason.",
	},
	[]string{labelReason},
)

// resultLatency observes dispatch-to-terminal-result latency.
var resultLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: globals.MetricNamespace,
		Subsystem: "result",
		Name:      "latency_ms",
		Help:      "Histogram of milliseconds between dispatch and terminal result.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
)

// Retry reasons used with IncRetry.
const (
	ReasonAckTimeout  = "ack_timeout"
	ReasonRetransmit  = "retransmit"
	ReasonRequeue     = "requeue"
	ReasonSessionLost = "session_lost"
)

// IncConn adjusts the live session gauge for a tenant.
func IncConn(tenant string) {
	wsConnActive.With(prometheus.Labels{labelTenant: tenant}).Inc()
}

// DecConn adjusts the live session gauge for a tenant.
func DecConn(tenant string) {
	wsConnActive.With(prometheus.Labels{labelTenant: tenant}).Dec()
}

// IncHeartbeatMiss records one missed heartbeat interval.
func IncHeartbeatMiss(tenant, worker string) {
	wsHeartbeatMiss.With(prometheus.Labels{labelTenant: tenant, labelWorker: worker}).Inc()
}

// IncDispatch records a command handed to the reliability engine.
func IncDispatch(tenant, nodeType string) {
	cmdDispatch.With(prometheus.Labels{labelTenant: tenant, labelNodeType: nodeType}).Inc()
}

// IncRetry records a retry with one of the Reason* values.
func IncRetry(reason string) {
	cmdRetry.With(prometheus.Labels{labelReason: reason}).Inc()
}

// ObserveResultLatencyMs records one dispatch round trip.
func ObserveResultLatencyMs(ms float64) {
	resultLatency.Observe(ms)
}

// InitializeSchedulerCollectors registers the control-plane collectors on r.
// A nil registerer is a no-op, matching test setups that skip metrics.
func InitializeSchedulerCollectors(r prometheus.Registerer) {
	if r == nil {
		return
	}
	r.MustRegister(wsConnActive, wsHeartbeatMiss, cmdDispatch, cmdRetry, resultLatency)
}
