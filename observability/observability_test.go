package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/tool"
)

func TestTurnMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TurnFinished("complete", 2*time.Second)
	m.TurnFinished("complete", time.Second)
	m.TurnFinished("error", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.TurnDuration))
}

func TestTransferMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TransferHonored("A", "B")
	m.TransferSuppressed("A", "A", "self")
	m.TransferSuppressed("A", "C", "limit")
	m.TransferSuppressed("B", "C", "limit")

	expected := `
		# HELP turnmesh_transfers_total Total number of control transfers by result and suppression reason
		# TYPE turnmesh_transfers_total counter
		turnmesh_transfers_total{reason="",result="honored"} 1
		turnmesh_transfers_total{reason="limit",result="suppressed"} 2
		turnmesh_transfers_total{reason="self",result="suppressed"} 1
	`
	require.NoError(t, testutil.CollectAndCompare(m.TransfersTotal, strings.NewReader(expected)))
}

func TestTokenMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.TokensUsed(core.TokenUsage{Total: 15, Prompt: 10, Completion: 5})
	m.TokensUsed(core.TokenUsage{})

	assert.Equal(t, 10.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("prompt")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("completion")))
}

func TestGateMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	gate := tool.NewGate(func(o *tool.GateOptions) { o.Observer = m })
	m.ObserveGate(gate)

	exec := tool.ExecutorFunc(func(context.Context, string, string) (string, error) {
		return "ok", nil
	})

	_, err := gate.Invoke(context.Background(), "lookup", `{"q":"x"}`, exec)
	require.NoError(t, err)
	_, err = gate.Invoke(context.Background(), "lookup", `{"q": "x"}`, exec)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateOutcomes.WithLabelValues("lookup", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateOutcomes.WithLabelValues("lookup", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("lookup", "success")))

	n, err := testutil.GatherAndCount(reg, "turnmesh_tool_gate_results")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestToolExecutedError(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ToolExecuted("lookup", time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("lookup", "error")))
}

func TestActiveTurnsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveActiveTurns(func() int { return 3 })

	expected := `
		# HELP turnmesh_active_turns Number of turns currently running
		# TYPE turnmesh_active_turns gauge
		turnmesh_active_turns 3
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "turnmesh_active_turns"))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordHTTPRequest(http.MethodPost, "/chat", http.StatusOK, 10*time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `turnmesh_http_requests_total{method="POST",path="/chat",status_code="200"} 1`)
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(TraceConfig{ServiceName: "test-service"})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "test-operation")
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestNewTracerWithEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(TraceConfig{
		ServiceName:    "test-service",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		Endpoint:       "localhost:4317",
		EnableInsecure: true,
		SamplingRate:   0.5,
	})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = shutdown(ctx)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
