// File: internal/observability/metrics.go
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "sparkle"

var (
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "webdriver_commands_total",
		Help:      "WebDriver commands issued, by command and outcome.",
	}, []string{"command", "outcome"})

	metricCommandLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "webdriver_command_duration_seconds",
		Help:      "Round trip latency of WebDriver commands.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"command"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "retry_attempts_total",
		Help:      "Failed attempts that were retried by a bounded retry loop.",
	}, []string{"op"})

	metricLoadStateWaits = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "load_state_wait_seconds",
		Help:      "Time spent waiting for a page load state.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"state", "source", "outcome"})

	metricDebugEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "devtools_events_total",
		Help:      "DevTools push events consumed by the load state tracker.",
	}, []string{"method"})
)

// ObserveCommand records one WebDriver round trip.
func ObserveCommand(command string, d time.Duration, outcome string) {
	metricCommands.WithLabelValues(command, outcome).Inc()
	metricCommandLatency.WithLabelValues(command).Observe(d.Seconds())
}

// RecordRetry counts a retried attempt of op. op must be low cardinality (never a selector).
func RecordRetry(op string) {
	metricRetries.WithLabelValues(op).Inc()
}

// ObserveLoadStateWait records a finished wait. source is "events" or "polling".
func ObserveLoadStateWait(state, source, outcome string, d time.Duration) {
	metricLoadStateWaits.WithLabelValues(state, source, outcome).Observe(d.Seconds())
}

// RecordDebugEvent counts a DevTools event by method name.
func RecordDebugEvent(method string) {
	metricDebugEvents.WithLabelValues(method).Inc()
}

// Registry exposes the registry the collectors live in, for handlers and tests.
func Registry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
