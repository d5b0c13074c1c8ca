package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/tool"
)

const namespace = "turnmesh"

// Metrics collects turn, transfer, tool and HTTP metrics. It implements
// turn.Observer and tool.GateObserver so it can be handed to the controller
// and the gate directly.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	gate := tool.NewGate(func(o *tool.GateOptions) { o.Observer = metrics })
//	http.Handle("/metrics", observability.Handler(reg))
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: outcome (complete|greeting|error)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Labels: outcome
	TurnDuration *prometheus.HistogramVec

	// TransfersTotal counts control transfers.
	// Labels: result (honored|suppressed), reason (empty|self|unknown|limit)
	TransfersTotal *prometheus.CounterVec

	// TokensTotal counts model tokens.
	// Labels: type (prompt|completion)
	TokensTotal *prometheus.CounterVec

	// GateOutcomes counts gate answers.
	// Labels: tool, outcome (hit|miss|in_progress)
	GateOutcomes *prometheus.CounterVec

	// ToolExecutions counts executor runs.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures executor latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// HTTPRequests counts API requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API latency in seconds.
	// Labels: method, path
	HTTPDuration *prometheus.HistogramVec

	reg prometheus.Registerer
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Total number of finished turns by outcome",
			},
			[]string{"outcome"},
		),

		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "Duration of turns in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),

		TransfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of control transfers by result and suppression reason",
			},
			[]string{"result", "reason"},
		),

		TokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Total number of model tokens by type",
			},
			[]string{"type"},
		),

		GateOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_gate_outcomes_total",
				Help:      "Total number of tool gate answers by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Duration of tool executions in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path"},
		),

		reg: reg,
	}
}

// TurnFinished implements turn.Observer.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// TransferHonored implements turn.Observer.
func (m *Metrics) TransferHonored(_, _ string) {
	m.TransfersTotal.WithLabelValues("honored", "").Inc()
}

// TransferSuppressed implements turn.Observer.
func (m *Metrics) TransferSuppressed(_, _ string, reason string) {
	m.TransfersTotal.WithLabelValues("suppressed", reason).Inc()
}

// TokensUsed implements turn.Observer.
func (m *Metrics) TokensUsed(u core.TokenUsage) {
	if u.Prompt > 0 {
		m.TokensTotal.WithLabelValues("prompt").Add(float64(u.Prompt))
	}
	if u.Completion > 0 {
		m.TokensTotal.WithLabelValues("completion").Add(float64(u.Completion))
	}
}

// GateOutcome implements tool.GateObserver.
func (m *Metrics) GateOutcome(toolName string, outcome tool.GateOutcome) {
	m.GateOutcomes.WithLabelValues(toolName, string(outcome)).Inc()
}

// ToolExecuted implements tool.GateObserver.
func (m *Metrics) ToolExecuted(toolName string, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ObserveGate exports the lock and result counts of g as gauges.
func (m *Metrics) ObserveGate(g *tool.Gate) {
	f := promauto.With(m.reg)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tool_gate_locks",
		Help:      "Number of per-key locks held by the tool gate",
	}, func() float64 { return float64(g.Stats().Locks) })

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tool_gate_results",
		Help:      "Number of cached tool results",
	}, func() float64 { return float64(g.Stats().Results) })
}

// ObserveActiveTurns exports the number of running turns as a gauge.
func (m *Metrics) ObserveActiveTurns(count func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_turns",
		Help:      "Number of turns currently running",
	}, func() float64 { return float64(count()) })
}

// Handler serves the metrics gathered by g. A nil g uses the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
