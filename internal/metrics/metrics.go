// Package metrics exposes Prometheus collectors for the automation runtime.
// Every method is safe on a nil *Metrics, so components work without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "automator"

// Metrics holds the collectors shared by the limiter, queue, pipeline,
// deferred client and engine.
type Metrics struct {
	limiterDecisions *prometheus.CounterVec
	queueAttempts    *prometheus.CounterVec
	queuePending     prometheus.Gauge
	pipelineAttempts *prometheus.CounterVec
	deferredResults  *prometheus.CounterVec
	deferredLatency  prometheus.Histogram
	outcomes         *prometheus.CounterVec
	schedules        prometheus.Gauge
}

// MustNew constructs and registers the collectors. A nil registerer uses the
// global default. Registration errors other than duplicates panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		limiterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "decisions_total",
			Help: "Frequency limiter admission decisions.",
		}, []string{"result"}),
		queueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "attempts_total",
			Help: "Task queue attempts by task id and result.",
		}, []string{"task", "result"}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "pending",
			Help: "Task queue requests that have not started yet.",
		}),
		pipelineAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "attempts_total",
			Help: "Retriable pipeline attempts by result.",
		}, []string{"result"}),
		deferredResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deferred", Name: "results_total",
			Help: "Deferred resolution results by kind.",
		}, []string{"kind"}),
		deferredLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "deferred", Name: "request_duration_seconds",
			Help:    "Latency of deferred resolution calls.",
			Buckets: prometheus.DefBuckets,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "outcomes_total",
			Help: "Terminal schedule execution outcomes.",
		}, []string{"outcome"}),
		schedules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "schedules",
			Help: "Schedules currently stored.",
		}),
	}

	m.limiterDecisions = register(reg, m.limiterDecisions)
	m.queueAttempts = register(reg, m.queueAttempts)
	m.queuePending = register(reg, m.queuePending)
	m.pipelineAttempts = register(reg, m.pipelineAttempts)
	m.deferredResults = register(reg, m.deferredResults)
	m.deferredLatency = register(reg, m.deferredLatency)
	m.outcomes = register(reg, m.outcomes)
	m.schedules = register(reg, m.schedules)
	return m
}

// register reuses an already registered collector of the same shape.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) LimiterDecision(admitted bool) {
	if m == nil {
		return
	}
	if admitted {
		m.limiterDecisions.WithLabelValues("admitted").Inc()
		return
	}
	m.limiterDecisions.WithLabelValues("denied").Inc()
}

// QueueAttempt counts a task attempt result: completed, failed, dropped or cancelled.
func (m *Metrics) QueueAttempt(task, result string) {
	if m == nil {
		return
	}
	m.queueAttempts.WithLabelValues(task, result).Inc()
}

func (m *Metrics) QueuePending(n int) {
	if m == nil {
		return
	}
	m.queuePending.Set(float64(n))
}

func (m *Metrics) PipelineAttempt(result string) {
	if m == nil {
		return
	}
	m.pipelineAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) DeferredResult(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.deferredResults.WithLabelValues(kind).Inc()
	m.deferredLatency.Observe(took.Seconds())
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Schedules(n int) {
	if m == nil {
		return
	}
	m.schedules.Set(float64(n))
}
