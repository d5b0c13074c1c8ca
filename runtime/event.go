// Package runtime defines the agent runtime contract consumed by the turn
// controller and a model-driven implementation of it.
//
// A runtime runs one agent over a message history and reports what happens
// as a stream of events. Tool calls and handoffs are not executed by the
// runtime itself: it emits a request and waits for the controller's answer,
// so the controller stays the single owner of turn state.
package runtime

import (
	"context"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
)

// Event is one runtime event. The set of variants is closed.
type Event interface {
	isEvent()
}

// TextDelta is a streamed text fragment.
type TextDelta struct {
	Agent string
	Text  string
}

// UsageUpdate reports tokens consumed by a model call.
type UsageUpdate struct {
	Agent string
	Usage core.TokenUsage
}

// ToolCallOutput reports a tool the runtime executed on its own.
type ToolCallOutput struct {
	Agent    string
	CallID   string
	ToolName string
	Output   string
}

// MessageOutput is the agent's reply. It ends the run.
type MessageOutput struct {
	Agent     string
	Text      string
	Citations []core.Citation
}

// ToolCallRequest asks the controller to execute a tool call. The runtime
// waits for Respond before continuing.
type ToolCallRequest struct {
	Agent string
	Call  core.ToolCall

	reply chan string
}

// NewToolCallRequest creates a request for call.
func NewToolCallRequest(agent string, call core.ToolCall) *ToolCallRequest {
	return &ToolCallRequest{Agent: agent, Call: call, reply: make(chan string, 1)}
}

// Respond hands the tool-role content back to the runtime. Only the first
// response counts.
func (r *ToolCallRequest) Respond(content string) {
	select {
	case r.reply <- content:
	default:
	}
}

// Wait blocks until the controller responded or ctx is done. A response
// that arrived before cancellation wins.
func (r *ToolCallRequest) Wait(ctx context.Context) (string, error) {
	select {
	case out := <-r.reply:
		return out, nil
	case <-ctx.Done():
		select {
		case out := <-r.reply:
			return out, nil
		default:
			return "", ctx.Err()
		}
	}
}

// AgentHandoff asks the controller to transfer control to another agent.
// An accepted handoff ends the run.
type AgentHandoff struct {
	Agent string
	To    string

	decision chan bool
}

// NewAgentHandoff creates a handoff request from agent to to.
func NewAgentHandoff(agent, to string) *AgentHandoff {
	return &AgentHandoff{Agent: agent, To: to, decision: make(chan bool, 1)}
}

// Decide reports whether the handoff was honored. Only the first decision
// counts.
func (h *AgentHandoff) Decide(accepted bool) {
	select {
	case h.decision <- accepted:
	default:
	}
}

// Wait blocks until the controller decided or ctx is done.
func (h *AgentHandoff) Wait(ctx context.Context) (bool, error) {
	select {
	case ok := <-h.decision:
		return ok, nil
	case <-ctx.Done():
		select {
		case ok := <-h.decision:
			return ok, nil
		default:
			return false, ctx.Err()
		}
	}
}

// WebSearchCall reports a web search the model provider ran for the agent.
type WebSearchCall struct {
	Agent    string
	SearchID string
	Status   string
}

func (TextDelta) isEvent()        {}
func (WebSearchCall) isEvent()    {}
func (UsageUpdate) isEvent()      {}
func (ToolCallOutput) isEvent()   {}
func (MessageOutput) isEvent()    {}
func (*ToolCallRequest) isEvent() {}
func (*AgentHandoff) isEvent()    {}

// RunRequest is the input of one agent run.
type RunRequest struct {
	Agent    *graph.Agent
	Messages []core.Message
	// Handoffs are the agents the run may transfer to.
	Handoffs []*graph.Agent
}

// Runtime runs agents.
//
// Run returns an event channel that is closed when the run ends and an error
// channel that carries at most one error. Cancelling ctx stops the run.
type Runtime interface {
	Run(ctx context.Context, req RunRequest) (<-chan Event, <-chan error)
}

// Func adapts a function to the Runtime interface.
type Func func(ctx context.Context, req RunRequest) (<-chan Event, <-chan error)

// Run calls f.
func (f Func) Run(ctx context.Context, req RunRequest) (<-chan Event, <-chan error) {
	return f(ctx, req)
}
