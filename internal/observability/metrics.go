package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	toolApprovalTotal     *prometheus.CounterVec
	toolRecursionDepth    prometheus.Histogram
	recursionCeilingTotal prometheus.Counter

	rpcRequestTotal    *prometheus.CounterVec
	rpcRequestDuration *prometheus.HistogramVec
	streamConnections  prometheus.Gauge

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec

	queueDepth        prometheus.Gauge
	queueWaitDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			toolApprovalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_tool_approval_total",
					Help: "Total approval decisions by outcome.",
				},
				[]string{"decision"},
			),
			toolRecursionDepth: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parley_tool_recursion_depth",
					Help:    "Depth reached by tool-call pipeline runs.",
					Buckets: prometheus.LinearBuckets(0, 1, 11),
				},
			),
			recursionCeilingTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "parley_tool_recursion_ceiling_total",
					Help: "Pipeline runs stopped by the recursion ceiling.",
				},
			),
			rpcRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_rpc_request_total",
					Help: "Total RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			rpcRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_rpc_request_duration_seconds",
					Help:    "RPC request duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			streamConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_stream_connections",
					Help: "Open websocket stream connections.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_active_sessions",
					Help: "Current persisted session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parley_session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_agent_run_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "parley_agent_run_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "parley_agent_errors_total",
					Help: "Total model call errors by provider.",
				},
				[]string{"provider"},
			),
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "parley_turn_queue_depth",
					Help: "Turns queued on their session lane and not yet started.",
				},
			),
			queueWaitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "parley_turn_queue_wait_seconds",
					Help:    "Time a turn waited for its session lane in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.toolApprovalTotal,
			m.toolRecursionDepth,
			m.recursionCeilingTotal,
			m.rpcRequestTotal,
			m.rpcRequestDuration,
			m.streamConnections,
			m.activeSessions,
			m.sessionLoadDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.queueDepth,
			m.queueWaitDuration,
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

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordApproval counts an approval outcome: approved, declined or failed
func RecordApproval(decision string) {
	getMetrics().toolApprovalTotal.WithLabelValues(decision).Inc()
}

func RecordRecursionDepth(depth int, ceilingHit bool) {
	m := getMetrics()
	m.toolRecursionDepth.Observe(float64(depth))
	if ceilingHit {
		m.recursionCeilingTotal.Inc()
	}
}

func RecordRPCRequest(method string, duration time.Duration, code int) {
	m := getMetrics()
	status := "ok"
	if code != 0 {
		status = strconv.Itoa(code)
	}
	m.rpcRequestTotal.WithLabelValues(method, status).Inc()
	m.rpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func StreamOpened() {
	getMetrics().streamConnections.Inc()
}

func StreamClosed() {
	getMetrics().streamConnections.Dec()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

// RecordQueueEnqueue counts a turn that has to wait for its lane
func RecordQueueEnqueue() {
	getMetrics().queueDepth.Inc()
}

// RecordQueueStart records how long a turn waited before it ran
func RecordQueueStart(wait time.Duration) {
	m := getMetrics()
	m.queueDepth.Dec()
	m.queueWaitDuration.Observe(wait.Seconds())
}
