// Package metrics exposes the Prometheus collectors shared by the pipeline,
// router, and connection manager. Every method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wayfarer"

// Metrics bundles the registered collectors.
type Metrics struct {
	stageDuration    *prometheus.HistogramVec
	stageRetries     *prometheus.CounterVec
	persistRetries   *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	runsActive       prometheus.Gauge
	routerEnvelopes  *prometheus.CounterVec
	routerQueueDepth prometheus.Gauge
	connsActive      prometheus.Gauge
	connsEvicted     *prometheus.CounterVec
}

// MustNew registers the collectors with reg, reusing any that are already
// registered under the same name. A nil reg uses the default registerer.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		stageDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage agent calls, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "status"})),
		stageRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_retries_total",
			Help:      "Stage attempts that failed and were retried.",
		}, []string{"stage"})),
		persistRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "persistence_retries_total",
			Help:      "Workflow store reads and writes that failed and were retried.",
		}, []string{"op"})),
		runsFinished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal status.",
		}, []string{"status"})),
		runsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_active",
			Help:      "Workflow runs currently executing in this process.",
		})),
		routerEnvelopes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "envelopes_total",
			Help:      "Envelopes processed by the router, by type and result.",
		}, []string{"type", "result"})),
		routerQueueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "queue_depth",
			Help:      "Envelopes waiting in the router queue.",
		})),
		connsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Live client connections.",
		})),
		connsEvicted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "evictions_total",
			Help:      "Connections removed by the manager, by reason.",
		}, []string{"reason"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ObserveStage records one stage execution.
func (m *Metrics) ObserveStage(stage, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncStageRetry counts a retried stage attempt.
func (m *Metrics) IncStageRetry(stage string) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// IncPersistRetry counts a retried workflow store operation.
func (m *Metrics) IncPersistRetry(op string) {
	if m == nil {
		return
	}
	m.persistRetries.WithLabelValues(op).Inc()
}

// RunStarted marks a run as executing.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

// RunFinished records a run leaving this process with the given status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	if status != "" {
		m.runsFinished.WithLabelValues(status).Inc()
	}
}

// IncEnvelope counts a router outcome for an envelope type.
func (m *Metrics) IncEnvelope(messageType, result string) {
	if m == nil {
		return
	}
	m.routerEnvelopes.WithLabelValues(messageType, result).Inc()
}

// SetQueueDepth reports the router backlog.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.routerQueueDepth.Set(float64(depth))
}

// SetConnections reports the live connection count.
func (m *Metrics) SetConnections(count int) {
	if m == nil {
		return
	}
	m.connsActive.Set(float64(count))
}

// IncEviction counts a removed connection.
func (m *Metrics) IncEviction(reason string) {
	if m == nil {
		return
	}
	m.connsEvicted.WithLabelValues(reason).Inc()
}
