// Package metrics provides Prometheus metrics for the Auth core.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "authd"

// Metrics contains all Prometheus metrics for the Auth core. It implements
// handler.Metrics so a Handler can report directly into it without that
// package importing prometheus itself.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed    *prometheus.CounterVec
	ConnectionDuration   prometheus.Histogram

	SessionKeysMintedTotal prometheus.Counter
	SessionKeysPerRequest  prometheus.Histogram

	FederationRequestsTotal *prometheus.CounterVec
	FederationLatency       prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests that want an isolated registration namespace.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total entity connections accepted.",
		}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed, by outcome (responded, invalid_dist_key, timeout, signature_invalid, ...).",
		}, []string{"outcome"}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Histogram of accept-to-close duration for a single request/response connection.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		SessionKeysMintedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_keys_minted_total",
			Help:      "Total session keys minted across all requests.",
		}),
		SessionKeysPerRequest: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_keys_per_request",
			Help:      "Histogram of session keys returned per request.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),

		FederationRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_requests_total",
			Help:      "Total federated session-key fetches, by peer Auth id and result.",
		}, []string{"peer_auth_id", "result"}),
		FederationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "federation_latency_seconds",
			Help:      "Histogram of federated session-key fetch latency.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}
}

// ConnectionAccepted records a newly accepted connection.
func (m *Metrics) ConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
}

// ConnectionClosed records the outcome and duration of a finished connection.
func (m *Metrics) ConnectionClosed(outcome string, d time.Duration) {
	m.ConnectionsClosed.WithLabelValues(outcome).Inc()
	m.ConnectionDuration.Observe(d.Seconds())
}

// SessionKeysMinted records n keys returned by a single request.
func (m *Metrics) SessionKeysMinted(n int) {
	m.SessionKeysMintedTotal.Add(float64(n))
	m.SessionKeysPerRequest.Observe(float64(n))
}

// FederationFetch records the result of a federated session-key fetch.
// Latency is not separately timed here since the federation client does not
// report it back to the handler; this records outcome only.
func (m *Metrics) FederationFetch(peerID int32, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FederationRequestsTotal.WithLabelValues(strconv.Itoa(int(peerID)), result).Inc()
}
