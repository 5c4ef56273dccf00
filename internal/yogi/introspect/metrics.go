// Package introspect exposes a branch's runtime state over HTTP: liveness,
// Prometheus metrics, and a JSON snapshot of currently connected branches.
package introspect

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors tracking a branch's connection
// state and broadcast traffic, registered against a private registry so
// multiple branches in one process never collide on metric names.
type Metrics struct {
	registry *prometheus.Registry

	connectedBranches prometheus.Gauge
	goroutines        prometheus.Gauge
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	broadcastOutcomes *prometheus.CounterVec
	eventErrors       prometheus.Counter
}

// NewMetrics builds and registers a fresh set of collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connectedBranches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yogi_connected_branches",
			Help: "Number of branches with an active running session.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "yogi_goroutines",
			Help: "Number of goroutines running in the branch process.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yogi_bytes_sent_total",
			Help: "Total bytes written to branch connections.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yogi_bytes_received_total",
			Help: "Total bytes read from branch connections.",
		}),
		broadcastOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yogi_broadcast_outcomes_total",
			Help: "Broadcast fan-out completions, labeled by outcome.",
		}, []string{"outcome"}),
		eventErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yogi_branch_event_errors_total",
			Help: "Total number of branch lifecycle events reporting an error.",
		}),
	}

	reg.MustRegister(
		m.connectedBranches,
		m.goroutines,
		m.bytesSent,
		m.bytesReceived,
		m.broadcastOutcomes,
		m.eventErrors,
	)
	return m
}

// Registry returns the Prometheus registry these collectors live on, for
// wiring into promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// SetConnectedBranches records the current number of connected branches.
func (m *Metrics) SetConnectedBranches(n int) { m.connectedBranches.Set(float64(n)) }

// AddBytesSent increments the sent-bytes counter by n. Metrics satisfies
// transport.ByteCounter, so installing it via Manager.SetCounters feeds
// these two counters from every connection's raw socket traffic.
func (m *Metrics) AddBytesSent(n int) {
	if n > 0 {
		m.bytesSent.Add(float64(n))
	}
}

// AddBytesReceived increments the received-bytes counter by n.
func (m *Metrics) AddBytesReceived(n int) {
	if n > 0 {
		m.bytesReceived.Add(float64(n))
	}
}

// Broadcast outcome labels recorded against yogi_broadcast_outcomes_total.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
)

// ObserveBroadcastOutcome records the completion of one broadcast send,
// either the fan-out as a whole or a single connection's share of it.
func (m *Metrics) ObserveBroadcastOutcome(outcome string) {
	m.broadcastOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveEventError records a branch lifecycle event that completed with a
// non-nil result, such as a failed handshake or a blacklisted peer.
func (m *Metrics) ObserveEventError() { m.eventErrors.Inc() }

// sampleRuntime updates the collectors that reflect process-wide state
// rather than branch-specific counters.
func (m *Metrics) sampleRuntime() { m.goroutines.Set(float64(runtime.NumGoroutine())) }

// runSampler periodically refreshes connectedBranches and goroutines until
// stop is closed, mirroring a typical polling health collector.
func runSampler(m *Metrics, connectedCount func() int, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SetConnectedBranches(connectedCount())
			m.sampleRuntime()
		case <-stop:
			return
		}
	}
}
