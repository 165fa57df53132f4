package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	jobQueueDepth      prometheus.Gauge
	jobRunsTotal       *prometheus.CounterVec
	jobRetriesTotal    prometheus.Counter
	jobDuration        prometheus.Histogram
	jobsDroppedTotal   prometheus.Counter

	turnTotal         *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	streamEventsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	memorySearchDuration prometheus.Histogram
	memoryFallbackTotal  prometheus.Counter
	memoryRecordsTotal   prometheus.Gauge

	conversationSaveDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			jobQueueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "job_queue_depth",
					Help: "Number of jobs waiting for a worker slot.",
				},
			),
			jobRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "job_runs_total",
					Help: "Background job executions by outcome.",
				},
				[]string{"status"},
			),
			jobRetriesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "job_retries_total",
					Help: "Background job retries scheduled.",
				},
			),
			jobDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "job_duration_seconds",
					Help:    "Background job execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			jobsDroppedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "jobs_dropped_total",
					Help: "Background jobs dropped after exhausting retries.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Agent turn cycles by terminal status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn cycle duration in seconds.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_stream_events_total",
					Help: "Stream events emitted to callers by type.",
				},
				[]string{"type"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Tool executions by tool name and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool name.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryFallbackTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "memory_search_fallback_total",
					Help: "Memory searches degraded to recency/importance listing.",
				},
			),
			memoryRecordsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_records_total",
					Help: "Active memory records.",
				},
			),
			conversationSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "conversation_save_duration_seconds",
					Help:    "Conversation persistence write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.jobQueueDepth,
			m.jobRunsTotal,
			m.jobRetriesTotal,
			m.jobDuration,
			m.jobsDroppedTotal,
			m.turnTotal,
			m.turnDuration,
			m.streamEventsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.memorySearchDuration,
			m.memoryFallbackTotal,
			m.memoryRecordsTotal,
			m.conversationSaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any package init path.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetJobQueueDepth records the number of queued jobs.
func SetJobQueueDepth(depth int) {
	getMetrics().jobQueueDepth.Set(float64(depth))
}

// RecordJobRun records one background job execution.
func RecordJobRun(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m := getMetrics()
	m.jobRunsTotal.WithLabelValues(status).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// RecordJobRetry records a scheduled retry.
func RecordJobRetry() {
	getMetrics().jobRetriesTotal.Inc()
}

// RecordJobDropped records a job dropped after exhausting its retry budget.
func RecordJobDropped() {
	getMetrics().jobsDroppedTotal.Inc()
}

// RecordTurn records a completed agent turn cycle.
func RecordTurn(duration time.Duration, status string) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

// RecordStreamEvent records one event forwarded to a stream consumer.
func RecordStreamEvent(eventType string) {
	getMetrics().streamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordToolExecution records one tool dispatch.
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordMemorySearch records a memory search duration.
func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

// RecordMemoryFallback records a search degraded to the listing path.
func RecordMemoryFallback() {
	getMetrics().memoryFallbackTotal.Inc()
}

// SetMemoryRecords records the number of active memory records.
func SetMemoryRecords(count int) {
	getMetrics().memoryRecordsTotal.Set(float64(count))
}

// RecordConversationSave records a conversation persistence write.
func RecordConversationSave(duration time.Duration) {
	getMetrics().conversationSaveDuration.Observe(duration.Seconds())
}
