// Package metrics exposes Prometheus collectors for the RPC/pub-sub core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks live sessions on this instance, by transport.
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "helene_connections",
		Help: "Live sessions on this instance",
	}, []string{"transport"})

	// AuthenticatedUsers tracks sessions that completed rpc:init with a
	// truthy auth result.
	AuthenticatedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "helene_authenticated_sessions",
		Help: "Sessions currently authenticated on this instance",
	})

	// MethodCalls counts dispatched method invocations by outcome.
	MethodCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_method_calls_total",
		Help: "Method invocations by method name and outcome",
	}, []string{"method", "outcome"})

	// MethodDuration observes handler latency.
	MethodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helene_method_duration_seconds",
		Help:    "Method handler latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// EventsEmitted counts local event emissions by event name.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helene_events_emitted_total",
		Help: "Events emitted through channels on this instance",
	}, []string{"event"})

	// EventsDelivered counts EVENT frames written to subscriber sessions.
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_events_delivered_total",
		Help: "EVENT frames delivered to local subscribers",
	})

	// RelayErrors counts bus publish/receive failures. A raised rate means
	// events are not federating.
	RelayErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_relay_errors_total",
		Help: "Cluster relay publish and receive failures",
	})

	// RateLimited counts requests rejected by the session bucket.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helene_rate_limited_total",
		Help: "Requests rejected by rate limiting",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
