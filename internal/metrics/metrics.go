// Package metrics exposes Prometheus instrumentation for the tunnel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelambda_invocations_total",
			Help: "Total number of tunneled invocations",
		},
		[]string{"function", "status"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livelambda_invocation_duration_seconds",
			Help:    "Handler execution time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"function"},
	)

	relayConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livelambda_relay_connected",
			Help: "Whether the relay WebSocket session is open (1) or not (0)",
		},
	)

	relayOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livelambda_relay_operations_total",
			Help: "Total relay operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// Handler returns the Prometheus scrape handler for embedders.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordInvocation records one tunneled invocation outcome.
func RecordInvocation(function, status string, duration time.Duration) {
	invocationsTotal.WithLabelValues(function, status).Inc()
	invocationDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// SetRelayConnected updates the connection gauge.
func SetRelayConnected(connected bool) {
	if connected {
		relayConnected.Set(1)
	} else {
		relayConnected.Set(0)
	}
}

// RecordRelayOperation records one subscribe/publish/unsubscribe
// exchange outcome.
func RecordRelayOperation(kind, outcome string) {
	relayOperationsTotal.WithLabelValues(kind, outcome).Inc()
}
