//go:build metrics

package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports Prometheus counters/gauges for the session package,
// grounded on the teacher's metrics.go MetricsCollector. Built only under
// the "metrics" tag so a consumer that doesn't want a Prometheus
// dependency never pulls it in (metrics_noop.go otherwise).
type Metrics struct {
	sessionsStarted   prometheus.Counter
	sessionsActive    prometheus.Gauge
	sessionsEnded     *prometheus.CounterVec // label: cause
	sessionsFailed    *prometheus.CounterVec // label: cause
	eventsEmitted     *prometheus.CounterVec // label: event
	timerFires        *prometheus.CounterVec // label: kind
	negotiationQueued prometheus.Gauge
	dialogsEarly      prometheus.Gauge
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// GetMetrics returns the process-wide Metrics instance, constructing it on
// first use with the given namespace/subsystem.
func GetMetrics(namespace, subsystem string) *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newMetrics(namespace, subsystem)
	})
	return defaultMetrics
}

func newMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		sessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_started_total", Help: "Total sessions created (either direction).",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_active", Help: "Sessions not yet in a terminal status.",
		}),
		sessionsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_ended_total", Help: "Sessions that ended normally, by cause.",
		}, []string{"cause"}),
		sessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_failed_total", Help: "Sessions that ended as a failure, by cause.",
		}, []string{"cause"}),
		eventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "events_emitted_total", Help: "Events emitted on the session event bus, by event type.",
		}, []string{"event"}),
		timerFires: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "timer_fires_total", Help: "Timer callbacks fired, by timer kind.",
		}, []string{"kind"}),
		negotiationQueued: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "negotiation_jobs_queued", Help: "Pending jobs across all negotiation queues.",
		}),
		dialogsEarly: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "dialogs_early", Help: "Early dialogs currently tracked across all registries.",
		}),
	}
}

func (m *Metrics) SessionStarted()              { m.sessionsStarted.Inc(); m.sessionsActive.Inc() }
func (m *Metrics) SessionEnded(cause Cause)      { m.sessionsActive.Dec(); m.sessionsEnded.WithLabelValues(string(cause)).Inc() }
func (m *Metrics) SessionFailed(cause Cause)     { m.sessionsActive.Dec(); m.sessionsFailed.WithLabelValues(string(cause)).Inc() }
func (m *Metrics) EventEmitted(evt EventType)    { m.eventsEmitted.WithLabelValues(string(evt)).Inc() }
func (m *Metrics) TimerFired(kind TimeoutKind)   { m.timerFires.WithLabelValues(string(kind)).Inc() }
func (m *Metrics) NegotiationQueueDepth(n int)   { m.negotiationQueued.Set(float64(n)) }
func (m *Metrics) EarlyDialogCount(n int)        { m.dialogsEarly.Set(float64(n)) }
