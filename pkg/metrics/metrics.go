// Package metrics provides Prometheus-based recording of router activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records router activity against its own registry so multiple
// instances (e.g. in tests) never collide.
type Recorder struct {
	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	watchdogFires  prometheus.Counter
	flushesTotal   *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	contextPercent *prometheus.GaugeVec
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_turns_total",
			Help: "Total session turns by role and status",
		}, []string{"role", "status"}),
		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_turn_duration_seconds",
			Help:    "Duration of session turns in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"role"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_session_retries_total",
			Help: "Total crash-retry attempts by role",
		}, []string{"role"}),
		watchdogFires: factory.NewCounter(prometheus.CounterOpts{
			Name: "arbiter_watchdog_fires_total",
			Help: "Total watchdog reclaims of idle workers",
		}),
		flushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_queue_flushes_total",
			Help: "Total queue flushes by trigger type",
		}, []string{"trigger"}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_tool_calls_total",
			Help: "Total tool calls observed in session streams",
		}, []string{"tool"}),
		contextPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbiter_context_percent",
			Help: "Last polled context usage percentage by role",
		}, []string{"role"}),
	}
}

// ObserveTurn records one completed turn.
func (r *Recorder) ObserveTurn(role, status string, duration time.Duration) {
	r.turnsTotal.WithLabelValues(role, status).Inc()
	r.turnDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// RecordRetry counts one crash-retry attempt.
func (r *Recorder) RecordRetry(role string) {
	r.retriesTotal.WithLabelValues(role).Inc()
}

// RecordWatchdogFire counts one watchdog reclaim.
func (r *Recorder) RecordWatchdogFire() {
	r.watchdogFires.Inc()
}

// RecordFlush counts one queue flush.
func (r *Recorder) RecordFlush(trigger string) {
	r.flushesTotal.WithLabelValues(trigger).Inc()
}

// RecordToolCall counts one observed tool call.
func (r *Recorder) RecordToolCall(tool string) {
	r.toolCallsTotal.WithLabelValues(tool).Inc()
}

// SetContextPercent updates the context gauge for a role.
func (r *Recorder) SetContextPercent(role string, pct int) {
	r.contextPercent.WithLabelValues(role).Set(float64(pct))
}

// Handler exposes the recorder's registry for scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
