// Package metrics exposes Prometheus collectors for task coordination.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskhub"

// Metrics is nil-safe: every method is a no-op on a nil receiver.
type Metrics struct {
	dispatches       *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	dispatchInFlight prometheus.Gauge
	callbacks        *prometheus.CounterVec
	subscribers      prometheus.Gauge
	tasksLive        prometheus.Gauge
	tasksReaped      prometheus.Counter
}

// MustNewMetrics registers the collectors with reg and panics on a duplicate
// registration. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Outbound subtask dispatch calls by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Duration of outbound subtask dispatch calls, including limiter wait.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatchInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Dispatch calls currently holding an admission slot.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "received_total",
			Help:      "Agent callbacks by subtask status and result.",
		}, []string{"status", "result"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Live event stream subscriptions.",
		}),
		tasksLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "live",
			Help:      "Tasks currently held in memory.",
		}),
		tasksReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "reaped_total",
			Help:      "Tasks removed by explicit or TTL reaping.",
		}),
	}
	reg.MustRegister(m.dispatches, m.dispatchDuration, m.dispatchInFlight, m.callbacks,
		m.subscribers, m.tasksLive, m.tasksReaped)
	return m
}

func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.dispatchInFlight.Inc()
}

func (m *Metrics) DispatchFinished(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchInFlight.Dec()
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(seconds)
}

func (m *Metrics) Callback(status, result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(status, result).Inc()
}

func (m *Metrics) SubscribersChanged(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

func (m *Metrics) SetTasksLive(n int) {
	if m == nil {
		return
	}
	m.tasksLive.Set(float64(n))
}

func (m *Metrics) TasksReaped(n int) {
	if m == nil {
		return
	}
	m.tasksReaped.Add(float64(n))
}
