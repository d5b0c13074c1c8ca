package turnmesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/internal/testutil"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/observability"
	"github.com/hupe1980/turnmesh/turn"
)

func lookupRequest(webhookURL string) turn.Request {
	return turn.Request{
		Messages: []core.Message{
			testutil.SystemMessage(""),
			testutil.UserMessage("what is the answer?"),
		},
		StartAgent: "A",
		Agents: []graph.AgentConfig{
			testutil.NewAgentBuilder("A").Instructions("answer questions").Tools("lookup").Build(),
		},
		Tools:          []graph.ToolConfig{testutil.WebhookTool("lookup", "q")},
		ToolWebhookURL: webhookURL,
		ProjectID:      "p1",
	}
}

func webhookServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": "42"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newMesh(t *testing.T, optFns ...func(o *Options)) *TurnMesh {
	t.Helper()

	mesh, err := New(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mesh.Close() })
	return mesh
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestInvokeSyncReply(t *testing.T) {
	m := model.NewMockModel("gpt-4o", "mock")
	m.Script(model.TextResponse("hello there"))

	mesh := newMesh(t, func(o *Options) { o.Model = m })

	res, err := mesh.InvokeSync(context.Background(), lookupRequest(""))
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.NotEmpty(t, res.Messages)
	last := res.Messages[len(res.Messages)-1]
	assert.Equal(t, "hello there", last.ContentString())
	assert.Equal(t, "A", last.Sender)

	require.NotNil(t, res.State)
	assert.Equal(t, "A", res.State.LastAgentName)
	assert.Empty(t, mesh.ActiveTurns())

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, turn.DefaultSystemPrompt, reqs[0].Messages[0].ContentString())
}

func TestToolCallsAreDeduplicatedAcrossTurns(t *testing.T) {
	var hits atomic.Int32
	hook := webhookServer(t, &hits)

	m := model.NewMockModel("gpt-4o", "mock")
	m.Script(
		model.ToolCallResponse(core.NewToolCall("c1", "lookup", `{"q":"x"}`)),
		model.TextResponse("first"),
		model.ToolCallResponse(core.NewToolCall("c2", "lookup", `{"q": "x"}`)),
		model.TextResponse("second"),
	)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	mesh := newMesh(t, func(o *Options) {
		o.Model = m
		o.Metrics = metrics
	})

	for _, want := range []string{"first", "second"} {
		res, err := mesh.InvokeSync(context.Background(), lookupRequest(hook.URL))
		require.NoError(t, err)
		require.NoError(t, res.Err)

		var toolOutput string
		for _, msg := range res.Messages {
			if msg.Role == core.RoleTool {
				toolOutput = msg.ContentString()
			}
		}
		assert.Contains(t, toolOutput, "42")
		assert.Equal(t, want, res.Messages[len(res.Messages)-1].ContentString())
	}

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.GateOutcomes.WithLabelValues("lookup", "miss")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.GateOutcomes.WithLabelValues("lookup", "hit")))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(metrics.TurnsTotal.WithLabelValues(turn.OutcomeComplete)))
	assert.Equal(t, 1, mesh.Gate().Stats().Results)
}

func TestSweepLocks(t *testing.T) {
	m := model.NewMockModel("gpt-4o", "mock")
	mesh := newMesh(t, func(o *Options) { o.Model = m })

	assert.Equal(t, 0, mesh.SweepLocks())
	assert.Nil(t, mesh.Store())
	assert.NotNil(t, mesh.Engine())
}

func TestStopUnknownTurn(t *testing.T) {
	mesh := newMesh(t, func(o *Options) { o.Runtime = testutil.NewScriptedRuntime() })
	assert.Error(t, mesh.StopTurn("nope"))
}
