package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nebula"

type moduleMetrics struct {
	lanePending  prometheus.Gauge
	lanesActive  prometheus.Gauge
	enqueueTotal prometheus.Counter
	dequeueTotal *prometheus.CounterVec
	laneWait     prometheus.Histogram
	taskDuration prometheus.Histogram

	activeSessions      prometheus.Gauge
	sessionSaveDuration *prometheus.HistogramVec
	sessionsExpired     prometheus.Counter

	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	remoteCallTotal *prometheus.CounterVec
	compactionTotal *prometheus.CounterVec
	notesTotal      prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			lanePending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lane_pending_tasks",
				Help:      "Tasks waiting across all session lanes.",
			}),
			lanesActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lanes_active",
				Help:      "Session lanes that currently hold queued or running work.",
			}),
			enqueueTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lane_enqueue_total",
				Help:      "Total tasks admitted to session lanes.",
			}),
			dequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lane_dequeue_total",
				Help:      "Total lane task completions by status.",
			}, []string{"status"}),
			laneWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lane_wait_seconds",
				Help:      "Time a task waited in its lane before running.",
				Buckets:   prometheus.DefBuckets,
			}),
			taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lane_task_duration_seconds",
				Help:      "Lane task execution duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Current number of stored sessions.",
			}),
			sessionSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_save_duration_seconds",
				Help:      "Snapshot write duration in seconds by key.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"key"}),
			sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_expired_total",
				Help:      "Sessions removed by the idle sweeper.",
			}),
			turnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Completed turns by outcome.",
			}, []string{"outcome"}),
			turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End-to-end turn duration in seconds.",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			}),
			modelCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Model gateway calls by provider and status.",
			}, []string{"provider", "status"}),
			modelCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Model gateway call duration in seconds by provider.",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"provider"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skill_execution_total",
				Help:      "Total skill executions by skill and status.",
			}, []string{"skill", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "skill_execution_duration_seconds",
				Help:      "Skill execution duration in seconds by skill.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"skill"}),
			toolErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skill_errors_total",
				Help:      "Total failed skill executions by skill.",
			}, []string{"skill"}),
			remoteCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_tool_requests_total",
				Help:      "Remote tool server requests by method and status.",
			}, []string{"method", "status"}),
			compactionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Context compactions by summary method.",
			}, []string{"method"}),
			notesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notes",
				Help:      "Current number of stored notes.",
			}),
			httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code.",
			}, []string{"route", "code"}),
			httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}

		prometheus.MustRegister(
			m.lanePending,
			m.lanesActive,
			m.enqueueTotal,
			m.dequeueTotal,
			m.laneWait,
			m.taskDuration,
			m.activeSessions,
			m.sessionSaveDuration,
			m.sessionsExpired,
			m.turnTotal,
			m.turnDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.remoteCallTotal,
			m.compactionTotal,
			m.notesTotal,
			m.httpRequestsTotal,
			m.httpRequestDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordLaneEnqueue(pending, activeLanes int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.lanePending.Set(float64(pending))
	m.lanesActive.Set(float64(activeLanes))
}

func RecordLaneStart(wait time.Duration, pending int) {
	m := getMetrics()
	m.laneWait.Observe(wait.Seconds())
	m.lanePending.Set(float64(pending))
}

func RecordLaneCompletion(duration time.Duration, success bool, activeLanes int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(statusLabel(success)).Inc()
	m.taskDuration.Observe(duration.Seconds())
	m.lanesActive.Set(float64(activeLanes))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSnapshotSave(key string, duration time.Duration) {
	getMetrics().sessionSaveDuration.WithLabelValues(key).Observe(duration.Seconds())
}

func RecordSessionsExpired(count int) {
	getMetrics().sessionsExpired.Add(float64(count))
}

// RecordTurn records a finished turn. outcome is one of completed, failed,
// loop_limit.
func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

// RecordModelCall records one gateway call. status is one of success,
// timeout, not_configured, error.
func RecordModelCall(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(skill string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(skill, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(skill).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(skill).Inc()
	}
}

func RecordRemoteCall(method string, success bool) {
	getMetrics().remoteCallTotal.WithLabelValues(method, statusLabel(success)).Inc()
}

// RecordCompaction records a compaction; method is model or local.
func RecordCompaction(method string) {
	getMetrics().compactionTotal.WithLabelValues(method).Inc()
}

func SetNotes(count int) {
	getMetrics().notesTotal.Set(float64(count))
}

func RecordHTTPRequest(route string, code int, duration time.Duration) {
	m := getMetrics()
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}
