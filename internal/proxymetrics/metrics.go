// Package proxymetrics provides Prometheus metrics for the proxyhost
// demo binary, covering both the SOCKS5 and HTTP proxy drivers.
package proxymetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/version"
)

const namespace = "proxyhost"

// Metrics contains all Prometheus metrics exported by the demo binary.
type Metrics struct {
	// Connection metrics, labeled by protocol ("socks5" or "http").
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectErrors     *prometheus.CounterVec

	// Authentication metrics.
	AuthSuccesses prometheus.Counter
	AuthFailures  prometheus.Counter

	// Data transfer metrics.
	BytesFromClient prometheus.Counter
	BytesToClient   prometheus.Counter

	// Handshake latency from the start of Accept until it returns, i.e.
	// until the destination request has been read (before any reply).
	HandshakeLatency *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, also registering a build_info gauge via
// prometheus/common/version so scrapers can correlate metrics with the
// running binary's version.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	reg.MustRegister(version.NewCollector(namespace))

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active proxied sessions by protocol",
		}, []string{"protocol"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total proxied sessions accepted by protocol",
		}, []string{"protocol"}),
		ConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total handshake/connect failures by protocol and error kind",
		}, []string{"protocol", "kind"}),
		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total successful SOCKS5 username/password authentications",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed SOCKS5 username/password authentications",
		}),
		BytesFromClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_from_client_total",
			Help:      "Total bytes relayed from clients to upstream",
		}),
		BytesToClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_to_client_total",
			Help:      "Total bytes relayed from upstream to clients",
		}),
		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Latency from accepting a connection to reading its destination request",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
	}
}

// RecordSession records one accepted session for protocol ("socks5" or
// "http"), incrementing the total counter and the active gauge. The
// caller must call RecordSessionEnd when the session closes.
func (m *Metrics) RecordSession(protocol string) {
	m.ConnectionsTotal.WithLabelValues(protocol).Inc()
	m.ConnectionsActive.WithLabelValues(protocol).Inc()
}

// RecordSessionEnd decrements the active-session gauge for protocol.
func (m *Metrics) RecordSessionEnd(protocol string) {
	m.ConnectionsActive.WithLabelValues(protocol).Dec()
}

// RecordConnectError records a failed handshake for protocol, labeled by
// the failure's error kind name.
func (m *Metrics) RecordConnectError(protocol, kind string) {
	m.ConnectErrors.WithLabelValues(protocol, kind).Inc()
}

// RecordBytes records bytes relayed in both directions of a spliced
// session.
func (m *Metrics) RecordBytes(fromClient, toClient int64) {
	if fromClient > 0 {
		m.BytesFromClient.Add(float64(fromClient))
	}
	if toClient > 0 {
		m.BytesToClient.Add(float64(toClient))
	}
}
