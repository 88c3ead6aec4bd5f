// Package monitoring exposes the process's own health as Prometheus metrics.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vmstats"

// Delivery outcomes.
const (
	OutcomePrimary  = "primary"
	OutcomeFallback = "fallback"
	OutcomeBacklog  = "backlog"
	OutcomeLost     = "lost"
)

// Metrics groups every collector of the process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	queueDepth       prometheus.Gauge
	evicted          prometheus.Counter
	dropped          prometheus.Counter
	flushedRecords   prometheus.Counter
	flushedBatches   prometheus.Counter
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	jobTransitions   *prometheus.CounterVec
	jobsRunning      prometheus.Gauge
	collectDuration  prometheus.Histogram
	collectErrors    prometheus.Counter
}

// New registers all collectors in reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "writer", Name: "queue_depth",
			Help: "Records waiting in the batch writer queue",
		}),
		evicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "evicted_total",
			Help: "Records evicted because the queue was full",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "dropped_total",
			Help: "Records left undelivered when the shutdown drain timed out",
		}),
		flushedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flushed_records_total",
			Help: "Records handed to the sink",
		}),
		flushedBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "flushed_batches_total",
			Help: "Batches handed to the sink",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sink", Name: "deliveries_total",
			Help: "Batches by delivery outcome",
		}, []string{"outcome"}),
		deliveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sink", Name: "request_duration_seconds",
			Help:    "Write request latency per protocol",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		jobTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "transitions_total",
			Help: "Dump job state transitions",
		}, []string{"state"}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "running",
			Help: "Dump jobs holding a concurrency slot",
		}),
		collectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "collector", Name: "loop_duration_seconds",
			Help:    "Duration of one collection cycle",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		collectErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collector", Name: "errors_total",
			Help: "Failed collection cycles",
		}),
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) AddEvicted(n int) {
	if m == nil {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) AddDropped(n int) {
	if m == nil {
		return
	}
	m.dropped.Add(float64(n))
}

// ObserveFlush counts one batch of n records.
func (m *Metrics) ObserveFlush(n int) {
	if m == nil {
		return
	}
	m.flushedBatches.Inc()
	m.flushedRecords.Add(float64(n))
}

func (m *Metrics) IncDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRequest(protocol string, d time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// IncJobState counts a transition into state.
func (m *Metrics) IncJobState(state string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.jobsRunning.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.jobsRunning.Dec()
}

func (m *Metrics) ObserveCollect(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.collectDuration.Observe(d.Seconds())
	if err != nil {
		m.collectErrors.Inc()
	}
}
