package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions   prometheus.Gauge
	admissionsTotal  *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	killSwitchTotal  prometheus.Counter
	killSwitchStops  prometheus.Counter
	runsInWindow     prometheus.Gauge
	pipelineRuns     *prometheus.CounterVec
	pipelineActive   prometheus.Gauge
	pipelineStepTime *prometheus.HistogramVec
	eventsDropped    *prometheus.CounterVec
	sinkErrors       *prometheus.CounterVec
	rpcRequests      *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_active_sessions",
					Help: "Sessions currently holding a concurrency slot.",
				},
			),
			admissionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_admissions_total",
					Help: "Admission decisions by result and rejection reason.",
				},
				[]string{"result", "reason"},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_sessions_total",
					Help: "Sessions reaching a terminal state by status and agent.",
				},
				[]string{"status", "agent"},
			),
			sessionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_session_duration_seconds",
					Help:    "Session run time in seconds by terminal status.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
				},
				[]string{"status"},
			),
			killSwitchTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "conductor_kill_switch_total",
					Help: "Kill switch invocations.",
				},
			),
			killSwitchStops: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "conductor_kill_switch_stopped_sessions_total",
					Help: "Sessions stopped by the kill switch.",
				},
			),
			runsInWindow: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_runs_in_rate_window",
					Help: "Run starts inside the trailing one-hour window.",
				},
			),
			pipelineRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_pipeline_runs_total",
					Help: "Pipeline runs reaching a terminal state by status.",
				},
				[]string{"status"},
			),
			pipelineActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "conductor_pipeline_runs_active",
					Help: "Pipeline runs in progress.",
				},
			),
			pipelineStepTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "conductor_pipeline_step_duration_seconds",
					Help:    "Pipeline step run time in seconds by status, excluding the delay.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			eventsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_events_dropped_total",
					Help: "Events a slow subscriber could not receive, by type.",
				},
				[]string{"type"},
			),
			sinkErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_sink_errors_total",
					Help: "Failed sink writes by sink.",
				},
				[]string{"sink"},
			),
			rpcRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "conductor_rpc_requests_total",
					Help: "Gateway RPC requests by method and outcome.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.admissionsTotal,
			m.sessionsTotal,
			m.sessionDuration,
			m.killSwitchTotal,
			m.killSwitchStops,
			m.runsInWindow,
			m.pipelineRuns,
			m.pipelineActive,
			m.pipelineStepTime,
			m.eventsDropped,
			m.sinkErrors,
			m.rpcRequests,
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

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetRunsInWindow(count int) {
	getMetrics().runsInWindow.Set(float64(count))
}

func RecordAdmission(admitted bool, reason string) {
	result := "rejected"
	if admitted {
		result = "admitted"
		reason = ""
	}
	getMetrics().admissionsTotal.WithLabelValues(result, reason).Inc()
}

func RecordSessionTerminal(status, agent string, duration time.Duration) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(status, agent).Inc()
	if duration > 0 {
		m.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

func RecordKillSwitch(stopped int) {
	m := getMetrics()
	m.killSwitchTotal.Inc()
	m.killSwitchStops.Add(float64(stopped))
}

func RecordPipelineStarted() {
	getMetrics().pipelineActive.Inc()
}

func RecordPipelineFinished(status string) {
	m := getMetrics()
	m.pipelineActive.Dec()
	m.pipelineRuns.WithLabelValues(status).Inc()
}

func RecordPipelineStep(status string, duration time.Duration) {
	getMetrics().pipelineStepTime.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordEventDropped(eventType string) {
	getMetrics().eventsDropped.WithLabelValues(eventType).Inc()
}

func RecordSinkError(sink string) {
	getMetrics().sinkErrors.WithLabelValues(sink).Inc()
}

func RecordRPCRequest(method string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().rpcRequests.WithLabelValues(method, status).Inc()
}
