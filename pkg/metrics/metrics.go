// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for lbproxy.
//
// All methods are safe to call on a nil *Metrics, so instrumentation can be
// left out without guarding every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection statuses for connections_total.
const (
	StatusEstablished    = "established"
	StatusConnectFailed  = "connect_failed"
	StatusConnectTimeout = "connect_timeout"
)

// Relay directions for bytes_relayed_total.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds all Prometheus metrics for lbproxy.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec
	BytesRelayed       *prometheus.CounterVec
	Teardowns          *prometheus.CounterVec
	Rejected           *prometheus.CounterVec

	// Policy metrics
	Selections *prometheus.CounterVec

	// Event loop metrics
	WatchSetSize   prometheus.Gauge
	LoopIterations prometheus.Counter
}

// New creates a new Metrics instance and registers its collectors with reg.
// A nil reg uses the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "lbproxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently registered client/upstream pairs",
			},
			[]string{"endpoint"},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of upstream connections by outcome",
			},
			[]string{"endpoint", "status"},
		),
		ConnectionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Pair lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"endpoint"},
		),
		BytesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_relayed_total",
				Help:      "Total number of bytes forwarded",
			},
			[]string{"endpoint", "direction"},
		),
		Teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardowns_total",
				Help:      "Total number of pair teardowns by reason",
			},
			[]string{"reason"},
		),
		Rejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_connections_total",
				Help:      "Total number of clients closed before a pair was created",
			},
			[]string{"reason"},
		),
		Selections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Total number of times each endpoint was selected",
			},
			[]string{"endpoint"},
		),
		WatchSetSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watch_set_size",
				Help:      "Number of descriptors in the last poll set",
			},
		),
		LoopIterations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_iterations_total",
				Help:      "Total number of event loop iterations",
			},
		),
	}
}

// Selected records a policy decision.
func (m *Metrics) Selected(endpoint string) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(endpoint).Inc()
}

// PairOpened records a newly registered pair. Its connect may still be in
// progress.
func (m *Metrics) PairOpened(endpoint string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(endpoint).Inc()
}

// Connected records an upstream connect that completed. Each pair ends up
// under exactly one connections_total status.
func (m *Metrics) Connected(endpoint string) {
	if m == nil {
		return
	}
	m.TotalConnections.WithLabelValues(endpoint, StatusEstablished).Inc()
}

// PairClosed records a teardown and the pair's lifetime. Connect failures
// and timeouts are also counted as connection outcomes.
func (m *Metrics) PairClosed(endpoint, reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(endpoint).Dec()
	m.ConnectionDuration.WithLabelValues(endpoint).Observe(lifetime.Seconds())
	m.Teardowns.WithLabelValues(reason).Inc()
	if reason == StatusConnectFailed || reason == StatusConnectTimeout {
		m.TotalConnections.WithLabelValues(endpoint, reason).Inc()
	}
}

// DialFailed records an upstream connect that failed before a pair existed.
func (m *Metrics) DialFailed(endpoint string) {
	if m == nil {
		return
	}
	m.TotalConnections.WithLabelValues(endpoint, StatusConnectFailed).Inc()
}

// Reject records a client closed before a pair was created.
func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(reason).Inc()
}

// Relayed records n bytes forwarded in direction.
func (m *Metrics) Relayed(endpoint, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesRelayed.WithLabelValues(endpoint, direction).Add(float64(n))
}

// Iteration records one pass of the event loop over watched descriptors.
func (m *Metrics) Iteration(watched int) {
	if m == nil {
		return
	}
	m.LoopIterations.Inc()
	m.WatchSetSize.Set(float64(watched))
}
