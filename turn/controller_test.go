package turn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/internal/testutil"
	"github.com/hupe1980/turnmesh/tool"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()

	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("turn did not finish")
			return nil
		}
	}
}

func messages(events []Event) []core.Message {
	var out []core.Message
	for _, ev := range events {
		if ev.Kind == EventMessage {
			out = append(out, *ev.Message)
		}
	}
	return out
}

func last(events []Event) Event { return events[len(events)-1] }

func parentChild() []graph.AgentConfig {
	return []graph.AgentConfig{
		testutil.NewAgentBuilder("P").Children("C").Build(),
		testutil.NewAgentBuilder("C").Internal().MaxCalls(1).Build(),
	}
}

func userTurn(agents []graph.AgentConfig, start string) Request {
	return Request{
		Messages:   []core.Message{testutil.SystemMessage(""), testutil.UserMessage("hi")},
		StartAgent: start,
		Agents:     agents,
	}
}

func TestGreetingTurn(t *testing.T) {
	rt := testutil.NewScriptedRuntime()
	c := NewController(rt)

	events := collect(t, c.Run(context.Background(), Request{
		Messages:   []core.Message{testutil.SystemMessage("")},
		StartAgent: "A",
	}))

	require.Len(t, events, 2)
	require.Equal(t, EventMessage, events[0].Kind)
	msg := events[0].Message
	assert.Equal(t, graph.DefaultGreeting, msg.ContentString())
	assert.Equal(t, core.RoleAssistant, msg.Role)
	assert.Equal(t, "A", msg.Sender)
	assert.Equal(t, core.ResponseExternal, msg.ResponseType)

	done := events[1]
	require.Equal(t, EventDone, done.Kind)
	assert.Equal(t, "A", done.State.LastAgentName)
	assert.Equal(t, core.TokenUsage{}, done.State.Tokens)
	assert.Empty(t, rt.Requests())
}

func TestGreetingTurnUsesConfiguredPrompt(t *testing.T) {
	c := NewController(testutil.NewScriptedRuntime())

	events := collect(t, c.Run(context.Background(), Request{
		StartAgent: "A",
		Prompts:    []graph.PromptConfig{{Name: "hello", Type: graph.GreetingPromptType, Prompt: "Welcome!"}},
	}))

	require.Len(t, events, 2)
	assert.Equal(t, "Welcome!", events[0].Message.ContentString())
}

func TestSimpleReply(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Delta("hel"), testutil.Usage(10, 8, 2), testutil.Reply("hello"))

	var states []State
	c := NewController(rt, func(o *Options) {
		o.OnStateChange = func(_, to State, _ string) { states = append(states, to) }
	})

	events := collect(t, c.Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	require.Len(t, events, 2)
	msg := events[0].Message
	assert.Equal(t, "hello", msg.ContentString())
	assert.Equal(t, "A", msg.Sender)
	assert.Equal(t, core.ResponseExternal, msg.ResponseType)

	done := events[1]
	require.Equal(t, EventDone, done.Kind)
	assert.Equal(t, "A", done.State.LastAgentName)
	assert.Equal(t, core.TokenUsage{Total: 10, Prompt: 8, Completion: 2}, done.State.Tokens)
	require.Len(t, done.State.TurnMessages, 1)
	assert.Equal(t, "Sender agent: A\nContent: hello", done.State.TurnMessages[0].ContentString())

	reqs := rt.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultSystemPrompt, reqs[0].Messages[0].ContentString())

	assert.Equal(t, []State{StateAgentActive, StateAwaitingRuntimeEvent, StateTurnComplete}, states)
}

func TestParentChildHandoff(t *testing.T) {
	rt := testutil.NewScriptedRuntime().
		On("P", testutil.Handoff("C")).
		On("C", testutil.Reply("child answer")).
		On("P", testutil.Reply("final"))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn(parentChild(), "P")))

	require.Len(t, events, 7)
	msgs := messages(events)
	require.Len(t, msgs, 6)

	assert.Equal(t, "P", msgs[0].Sender)
	assert.Equal(t, `{"assistant":"C"}`, msgs[0].ToolCalls[0].Function.Arguments)
	assert.Equal(t, core.RoleTool, msgs[1].Role)
	assert.Equal(t, msgs[0].ToolCalls[0].ID, msgs[1].ToolCallID)

	assert.Equal(t, "child answer", msgs[2].ContentString())
	assert.Equal(t, core.ResponseInternal, msgs[2].ResponseType)

	assert.Equal(t, "C", msgs[3].Sender)
	assert.Equal(t, `{"assistant":"P"}`, msgs[3].ToolCalls[0].Function.Arguments)
	assert.Equal(t, tool.TransferToAgentName, msgs[4].ToolName)

	assert.Equal(t, "final", msgs[5].ContentString())
	assert.Equal(t, core.ResponseExternal, msgs[5].ResponseType)

	done := last(events)
	require.Equal(t, EventDone, done.Kind)
	assert.Equal(t, "P", done.State.LastAgentName)
	for _, m := range done.State.TurnMessages {
		assert.False(t, tool.IsTransferMessage(m), "transfer pairs are not accumulated")
	}

	reqs := rt.Requests()
	require.Len(t, reqs, 3)
	require.Len(t, reqs[0].Handoffs, 1)
	assert.Equal(t, "C", reqs[0].Handoffs[0].Name)
	assert.Empty(t, reqs[2].Handoffs, "C reached its call limit")

	var sawChild bool
	for _, m := range reqs[2].Messages {
		if m.ContentString() == "Sender agent: C\nContent: child answer" {
			sawChild = true
		}
	}
	assert.True(t, sawChild)
}

func TestHandoffBeyondCallLimitIsDropped(t *testing.T) {
	rt := testutil.NewScriptedRuntime().
		On("P", testutil.Handoff("C")).
		On("C", testutil.Reply("one")).
		On("P", testutil.Handoff("C"), testutil.Reply("done"))

	var suppressed []string
	obs := &recordingObserver{onSuppressed: func(reason string) { suppressed = append(suppressed, reason) }}

	events := collect(t, NewController(rt, func(o *Options) { o.Observer = obs }).Run(context.Background(), userTurn(parentChild(), "P")))

	transfersToC := 0
	for _, m := range messages(events) {
		if len(m.ToolCalls) > 0 && m.ToolCalls[0].Function.Arguments == `{"assistant":"C"}` {
			transfersToC++
		}
	}
	assert.Equal(t, 1, transfersToC)
	assert.Equal(t, EventDone, last(events).Kind)
	assert.Equal(t, "P", last(events).State.LastAgentName)
	assert.Contains(t, rt.Decisions(), testutil.Decision{From: "P", To: "C", Accepted: false})
	assert.Equal(t, []string{SuppressedLimit}, suppressed)
}

func TestSelfTransferIsIgnored(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Handoff("A"), testutil.Reply("still me"))

	agents := []graph.AgentConfig{testutil.NewAgentBuilder("A").Children("A").Build()}
	events := collect(t, NewController(rt).Run(context.Background(), userTurn(agents, "A")))

	require.Len(t, events, 2)
	assert.Equal(t, "still me", events[0].Message.ContentString())
	assert.Equal(t, []testutil.Decision{{From: "A", To: "A", Accepted: false}}, rt.Decisions())
	assert.Empty(t, rt.Requests()[0].Handoffs)
}

func TestTransferToExternalChildEndsWithChild(t *testing.T) {
	rt := testutil.NewScriptedRuntime().
		On("Hub", testutil.Handoff("Sales")).
		On("Sales", testutil.Reply("Let me help with pricing."))

	agents := []graph.AgentConfig{
		testutil.NewAgentBuilder("Hub").Children("Sales").Build(),
		testutil.NewAgentBuilder("Sales").Build(),
	}
	events := collect(t, NewController(rt).Run(context.Background(), userTurn(agents, "Hub")))

	require.Len(t, events, 4)
	assert.Equal(t, core.ResponseExternal, events[2].Message.ResponseType)
	assert.Equal(t, "Sales", last(events).State.LastAgentName)
}

func TestToolFailureBecomesErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	rt := testutil.NewScriptedRuntime().On("A",
		testutil.CallTool("c1", "lookup", `{"q":"x"}`),
		testutil.Reply("Sorry, the lookup failed."),
	)

	req := userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Tools("lookup").Build()}, "A")
	req.Tools = []graph.ToolConfig{testutil.WebhookTool("lookup", "q")}
	req.ToolWebhookURL = srv.URL

	events := collect(t, NewController(rt).Run(context.Background(), req))

	msgs := messages(events)
	require.Len(t, msgs, 3)

	assert.Equal(t, core.RoleAssistant, msgs[0].Role)
	assert.Equal(t, core.ResponseInternal, msgs[0].ResponseType)
	assert.Equal(t, "c1", msgs[0].ToolCalls[0].ID)

	assert.Equal(t, core.RoleTool, msgs[1].Role)
	assert.Equal(t, "c1", msgs[1].ToolCallID)
	assert.Equal(t, "lookup", msgs[1].ToolName)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[1].ContentString()), &payload))
	assert.Contains(t, payload["error"], "500")

	out, ok := rt.ToolResult("c1")
	require.True(t, ok)
	assert.Equal(t, msgs[1].ContentString(), out)

	done := last(events)
	require.Equal(t, EventDone, done.Kind)
	require.Len(t, done.State.TurnMessages, 3)
	assert.Equal(t, "Sender agent: A\nContent: ", done.State.TurnMessages[0].ContentString())
}

func TestUnknownToolBecomesErrorMessage(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.CallTool("c1", "ghost", `{}`), testutil.Reply("ok"))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	msgs := messages(events)
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].ContentString(), `"error"`)
	assert.Equal(t, EventDone, last(events).Kind)
}

func TestToolOutputIsForwarded(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.ToolOutput("w1", "web_search", "results"), testutil.Reply("ok"))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	msgs := messages(events)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.RoleTool, msgs[0].Role)
	assert.Equal(t, "w1", msgs[0].ToolCallID)
	assert.Equal(t, "results", msgs[0].ContentString())
}

func TestWebSearchAddsInternalPair(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.WebSearch("ws_1"), testutil.Reply("Sunny in Rome."))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	msgs := messages(events)
	require.Len(t, msgs, 3)

	call := msgs[0]
	assert.Equal(t, core.RoleAssistant, call.Role)
	assert.Equal(t, "A", call.Sender)
	assert.Equal(t, core.ResponseInternal, call.ResponseType)
	require.Len(t, call.ToolCalls, 1)
	assert.Equal(t, "ws_1", call.ToolCalls[0].ID)
	assert.Equal(t, tool.WebSearchToolName, call.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"search_id":"ws_1","status":"completed"}`, call.ToolCalls[0].Function.Arguments)

	result := msgs[1]
	assert.Equal(t, core.RoleTool, result.Role)
	assert.Equal(t, "ws_1", result.ToolCallID)
	assert.Equal(t, tool.WebSearchToolName, result.ToolName)
	assert.Equal(t, WebSearchCompleted, result.ContentString())
	assert.Equal(t, core.ResponseInternal, result.ResponseType)

	assert.Equal(t, "Sunny in Rome.", msgs[2].ContentString())

	done := last(events)
	require.Equal(t, EventDone, done.Kind)
	var searchCalls int
	for _, m := range done.State.TurnMessages {
		assert.NotEqual(t, core.RoleTool, m.Role)
		if m.HasToolCalls() && m.ToolCalls[0].Function.Name == tool.WebSearchToolName {
			searchCalls++
		}
	}
	assert.Equal(t, 1, searchCalls)
}

func TestRuntimeFailureYieldsErrorEvent(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Usage(3, 2, 1), testutil.Fail(errors.New("model down")))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, EventError, ev.Kind)

	var pe *core.RuntimeProtocolError
	require.ErrorAs(t, ev.Err, &pe)
	assert.Equal(t, "A", pe.Agent)
	assert.Contains(t, ev.Err.Error(), "model down")

	require.NotNil(t, ev.State)
	assert.Equal(t, "A", ev.State.LastAgentName)
	assert.Equal(t, int64(3), ev.State.Tokens.Total)
}

func TestNilRuntimeEventIsProtocolError(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Raw(nil))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	require.Len(t, events, 1)
	var pe *core.RuntimeProtocolError
	require.ErrorAs(t, events[0].Err, &pe)
}

func TestRunEndingWithoutReplyIsProtocolError(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Delta("thinking"))

	events := collect(t, NewController(rt).Run(context.Background(), userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))

	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
	assert.Contains(t, events[0].Err.Error(), "without a reply")
}

func TestMaxIterations(t *testing.T) {
	rt := testutil.NewScriptedRuntime().
		On("I", testutil.Reply("first")).
		On("I", testutil.Reply("second"))

	agents := []graph.AgentConfig{testutil.NewAgentBuilder("I").Internal().Build()}
	c := NewController(rt, func(o *Options) { o.MaxIterations = 2 })

	events := collect(t, c.Run(context.Background(), userTurn(agents, "I")))

	require.Len(t, events, 3)
	assert.Equal(t, core.ResponseInternal, events[0].Message.ResponseType)
	assert.Equal(t, core.ResponseInternal, events[1].Message.ResponseType)

	var pe *core.RuntimeProtocolError
	require.ErrorAs(t, events[2].Err, &pe)
	require.NotNil(t, events[2].State)
	assert.Len(t, events[2].State.TurnMessages, 2)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{
			name:  "duplicate agents",
			req:   userTurn([]graph.AgentConfig{{Name: "A"}, {Name: "A"}}, "A"),
			field: "agents",
		},
		{
			name:  "unknown start agent",
			req:   userTurn([]graph.AgentConfig{{Name: "A"}}, "Nobody"),
			field: "startAgent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(t, NewController(testutil.NewScriptedRuntime()).Run(context.Background(), tt.req))

			require.Len(t, events, 1)
			require.Equal(t, EventError, events[0].Kind)

			var ce *core.ConfigError
			require.ErrorAs(t, events[0].Err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Nil(t, events[0].State)
		})
	}
}

func TestStartAgentFromPriorState(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("B", testutil.Reply("welcome back"))

	agents := []graph.AgentConfig{
		testutil.NewAgentBuilder("A").Children("B").Build(),
		testutil.NewAgentBuilder("B").Control(graph.ControlRetain).Build(),
	}
	req := userTurn(agents, "A")
	req.State = &PriorState{LastAgentName: "B"}

	events := collect(t, NewController(rt).Run(context.Background(), req))
	assert.Equal(t, "B", last(events).State.LastAgentName)

	forced := testutil.NewScriptedRuntime().On("A", testutil.Reply("restart"))
	events = collect(t, NewController(forced, func(o *Options) { o.StartWithStartAgent = true }).Run(context.Background(), req))
	assert.Equal(t, "A", last(events).State.LastAgentName)
}

func TestRemovedPriorAgentFallsBackToStartAgent(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Reply("hi"))

	req := userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")
	req.State = &PriorState{LastAgentName: "Gone"}

	events := collect(t, NewController(rt).Run(context.Background(), req))
	assert.Equal(t, EventDone, last(events).Kind)
	assert.Equal(t, "A", last(events).State.LastAgentName)
}

func TestCancelStopsTurn(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Block())

	ctx, cancel := context.WithCancel(context.Background())
	ch := NewController(rt).Run(ctx, userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A"))

	time.AfterFunc(20*time.Millisecond, cancel)

	for ev := range ch {
		assert.NotEqual(t, EventDone, ev.Kind)
	}
}

func TestDeadlineErrorCarriesState(t *testing.T) {
	for i := 0; i < 25; i++ {
		rt := testutil.NewScriptedRuntime().On("A", testutil.Usage(4, 4, 0), testutil.Block())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		events := collect(t, NewController(rt).Run(ctx, userTurn([]graph.AgentConfig{testutil.NewAgentBuilder("A").Build()}, "A")))
		cancel()

		require.NotEmpty(t, events, "run %d", i)
		ev := last(events)
		require.Equal(t, EventError, ev.Kind, "run %d", i)
		require.ErrorIs(t, ev.Err, context.DeadlineExceeded)
		require.NotNil(t, ev.State, "run %d", i)
		assert.Equal(t, "A", ev.State.LastAgentName)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateAgentActive, StateAwaitingRuntimeEvent))
	assert.True(t, CanTransition(StateToolExecuting, StateTurnError))
	assert.False(t, CanTransition(StateGreeting, StateAgentActive))
	assert.False(t, CanTransition(StateTurnComplete, StateTurnError))
	assert.False(t, CanTransition(StateToolExecuting, StateTurnComplete))
	assert.Equal(t, "CONTROL_TRANSFER", StateControlTransfer.String())
}

type recordingObserver struct {
	onSuppressed func(reason string)
}

func (r *recordingObserver) TurnFinished(string, time.Duration) {}
func (r *recordingObserver) TransferHonored(string, string)     {}
func (r *recordingObserver) TokensUsed(core.TokenUsage)         {}

func (r *recordingObserver) TransferSuppressed(_, _, reason string) {
	if r.onSuppressed != nil {
		r.onSuppressed(reason)
	}
}
