// ============================================================================
// Stream Gateway Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose gateway metrics for Prometheus
//
// Metric Groups:
//
//   1. Admission (GaugeFunc / Counter / Histogram):
//      - gateway_slots_active, gateway_queue_length, gateway_slots_capacity
//        (read from the controller at scrape time, see TrackQueue)
//      - gateway_admission_granted_total, gateway_admission_queued_total
//      - gateway_admission_cancelled_total
//      - gateway_admission_wait_seconds, gateway_slot_hold_seconds
//
//   2. Generation (Counter / Histogram):
//      - gateway_generations_total{outcome="completed|failed|timeout|cancelled|rejected"}
//      - gateway_generation_seconds
//      - gateway_relay_malformed_events_total
//      - gateway_records_extracted_total
//
//   3. Auxiliary fetches (Counter):
//      - gateway_aux_fetch_total{stage="context|enrichment", result="ok|error"}
//
// Example Queries:
//
//   # queue pressure
//   gateway_queue_length / gateway_slots_capacity
//
//   # p95 time spent waiting for a slot
//   histogram_quantile(0.95, rate(gateway_admission_wait_seconds_bucket[5m]))
//
//   # failure rate
//   rate(gateway_generations_total{outcome!="completed"}[5m])
//
// ============================================================================

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/stream-gateway/pkg/types"
)

// Generation outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeRejected  = "rejected"
)

// Auxiliary stages.
const (
	StageContext    = "context"
	StageEnrichment = "enrichment"
)

// QueueSource is read on every scrape. *admission.Controller implements it.
type QueueSource interface {
	Status() types.QueueStatus
}

// Collector holds every gateway metric. It implements admission.Observer.
type Collector struct {
	reg       prometheus.Registerer
	trackOnce sync.Once

	granted   prometheus.Counter
	queued    prometheus.Counter
	cancelled prometheus.Counter

	waitSeconds prometheus.Histogram
	holdSeconds prometheus.Histogram

	generations       *prometheus.CounterVec
	generationSeconds prometheus.Histogram
	malformed         prometheus.Counter
	records           prometheus.Counter

	auxFetches *prometheus.CounterVec
}

// NewCollector creates the collector and registers it with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	waitBuckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}
	genBuckets := []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300}

	c := &Collector{
		reg: reg,
		granted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admission_granted_total",
			Help: "Total number of slot grants",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admission_queued_total",
			Help: "Total number of jobs that had to wait for a slot",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_admission_cancelled_total",
			Help: "Total number of jobs that left the queue before a grant",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_admission_wait_seconds",
			Help:    "Time queued jobs waited for a slot",
			Buckets: waitBuckets,
		}),
		holdSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_slot_hold_seconds",
			Help:    "Time a slot was held by one job",
			Buckets: genBuckets,
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_generations_total",
			Help: "Generation runs by outcome",
		}, []string{"outcome"}),
		generationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_generation_seconds",
			Help:    "Stage 2 streaming duration",
			Buckets: genBuckets,
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_relay_malformed_events_total",
			Help: "Upstream events skipped because their payload did not parse",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_records_extracted_total",
			Help: "Records extracted from in-progress documents",
		}),
		auxFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_aux_fetch_total",
			Help: "Best-effort auxiliary fetches by stage and result",
		}, []string{"stage", "result"}),
	}

	reg.MustRegister(
		c.granted, c.queued, c.cancelled,
		c.waitSeconds, c.holdSeconds,
		c.generations, c.generationSeconds, c.malformed, c.records,
		c.auxFetches,
	)
	return c
}

// TrackQueue registers the admission gauges against src. Each gauge reads
// src.Status() at scrape time. Only the first call has an effect.
func (c *Collector) TrackQueue(src QueueSource) {
	c.trackOnce.Do(func() {
		gauge := func(name, help string, v func(types.QueueStatus) int) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
				return float64(v(src.Status()))
			})
		}
		c.reg.MustRegister(
			gauge("gateway_slots_active", "Generation slots currently held",
				func(st types.QueueStatus) int { return st.Active }),
			gauge("gateway_queue_length", "Jobs waiting for a generation slot",
				func(st types.QueueStatus) int { return st.Queued }),
			gauge("gateway_slots_capacity", "Configured generation slot ceiling",
				func(st types.QueueStatus) int { return st.Capacity }),
		)
	})
}

// SlotGranted records a grant.
func (c *Collector) SlotGranted(_ types.JobID, waited time.Duration, _ types.QueueStatus) {
	c.granted.Inc()
	if waited > 0 {
		c.waitSeconds.Observe(waited.Seconds())
	}
}

// JobQueued records a job entering the wait queue.
func (c *Collector) JobQueued(types.JobID, int, types.QueueStatus) {
	c.queued.Inc()
}

// WaitCancelled records a job leaving the queue without a grant.
func (c *Collector) WaitCancelled(types.JobID, types.QueueStatus) {
	c.cancelled.Inc()
}

// SlotReleased records the end of a slot hold.
func (c *Collector) SlotReleased(_ types.JobID, held time.Duration, _ types.QueueStatus) {
	c.holdSeconds.Observe(held.Seconds())
}

// RecordGeneration counts one Stage 2 run and its streaming duration.
func (c *Collector) RecordGeneration(outcome string, elapsed time.Duration) {
	c.generations.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		c.generationSeconds.Observe(elapsed.Seconds())
	}
}

// RecordMalformed adds skipped relay events.
func (c *Collector) RecordMalformed(n int) {
	if n > 0 {
		c.malformed.Add(float64(n))
	}
}

// RecordExtracted adds extracted records.
func (c *Collector) RecordExtracted(n int) {
	if n > 0 {
		c.records.Add(float64(n))
	}
}

// RecordAuxFetch counts one context or enrichment fetch.
func (c *Collector) RecordAuxFetch(stage string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.auxFetches.WithLabelValues(stage, result).Inc()
}

// Handler serves the metrics of g in the Prometheus text format. A nil g
// serves prometheus.DefaultGatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
