package model

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/tool"
)

// Request captures the normalized model input produced by the agent runtime.
type Request struct {
	// Model overrides the adapter's default model identifier when set.
	Model        string
	Instructions string
	Messages     []core.Message
	Tools        []tool.Definition
	// WebSearch asks the provider to ground the reply with web search.
	WebSearch bool
	Stream    bool
}

// Response is a (partial or final) chunk emitted by a model. Partial
// responses carry text deltas only; the final response carries the full
// assistant message, including tool calls.
type Response struct {
	ID           string
	Partial      bool
	Message      core.Message
	FinishReason string // "stop", "length", "tool_calls", etc.
	Usage        *core.TokenUsage
	// WebSearch is set when the provider ran a web search for the reply.
	WebSearch *WebSearchCall
}

// WebSearchCall identifies a provider side web search.
type WebSearchCall struct {
	ID     string
	Status string
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the runtime and the mock
// executor to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call and returns the final response. Usage of
// all chunks is summed.
func Collect(ctx context.Context, m Model, req Request) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    Response
		gotFinal bool
		usage    core.TokenUsage
		hasUsage bool
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Usage != nil {
				usage.Add(*r.Usage)
				hasUsage = true
			}
			if !r.Partial {
				final = r
				gotFinal = true
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if !gotFinal {
		return Response{}, fmt.Errorf("model %s returned no final response", m.Info().Name)
	}
	if hasUsage {
		final.Usage = &usage
	}

	return final, nil
}

// Route sends requests for models whose identifier starts with Prefix to Model.
type Route struct {
	Prefix string
	Model  Model
}

// Router dispatches requests across providers by model identifier.
type Router struct {
	Default Model
	Routes  []Route
}

// Generate implements Model.
func (r *Router) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	return r.pick(req.Model).Generate(ctx, req)
}

// Info implements Model.
func (r *Router) Info() Info { return r.Default.Info() }

// Resolve returns the model serving name.
func (r *Router) Resolve(name string) Model { return r.pick(name) }

func (r *Router) pick(name string) Model {
	for _, rt := range r.Routes {
		if rt.Prefix != "" && strings.HasPrefix(name, rt.Prefix) {
			return rt.Model
		}
	}
	return r.Default
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Scripted responses are returned in order; once exhausted, canned replies
// keyed by the last message content are used, else an echo.
type MockModel struct {
	info Info

	mu        sync.Mutex
	script    []Response
	responses map[string]string
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Script queues final responses returned by subsequent Generate calls.
func (m *MockModel) Script(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Requests returns copies of the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockModel) next(req Request) Response {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		r := m.script[0]
		m.script = m.script[1:]
		return r
	}

	var input string
	if n := len(req.Messages); n > 0 {
		input = req.Messages[n-1].ContentString()
	}
	full, ok := m.responses[input]
	if !ok {
		full = "Mock response to: " + input
	}

	return TextResponse(full)
}

// Generate implements Model; emits optional streaming chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		final := m.next(req)

		if req.Stream && final.Message.Content != nil {
			for _, word := range strings.SplitAfter(*final.Message.Content, " ") {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Message: core.Message{Role: core.RoleAssistant, Content: core.Text(word)}}:
				}
			}
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- final:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// TextResponse builds a final response carrying an assistant text reply.
func TextResponse(text string) Response {
	return Response{
		Message:      core.Message{Role: core.RoleAssistant, Content: core.Text(text)},
		FinishReason: "stop",
	}
}

// ToolCallResponse builds a final response requesting the given tool calls.
func ToolCallResponse(calls ...core.ToolCall) Response {
	return Response{
		Message:      core.Message{Role: core.RoleAssistant, ToolCalls: calls},
		FinishReason: "tool_calls",
	}
}
