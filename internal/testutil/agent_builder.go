package testutil

import (
	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
)

// AgentBuilder provides a fluent helper for constructing agent
// configurations in tests.
// Example:
//
//	cfg := NewAgentBuilder("Billing").Internal().MaxCalls(1).Build()
//
// Chain only the parts you need; unset fields keep their zero value so the
// graph builder defaults apply.
type AgentBuilder struct {
	cfg graph.AgentConfig
}

// NewAgentBuilder creates a builder for an external agent named name.
func NewAgentBuilder(name string) *AgentBuilder {
	return &AgentBuilder{cfg: graph.AgentConfig{
		Name:        name,
		Description: name + " agent",
	}}
}

// Description sets the description (chainable).
func (b *AgentBuilder) Description(d string) *AgentBuilder { b.cfg.Description = d; return b }

// Instructions sets the configured instructions (chainable).
func (b *AgentBuilder) Instructions(i string) *AgentBuilder { b.cfg.Instructions = i; return b }

// Model sets the model identifier (chainable).
func (b *AgentBuilder) Model(m string) *AgentBuilder { b.cfg.Model = m; return b }

// Internal marks the agent's replies as internal (chainable).
func (b *AgentBuilder) Internal() *AgentBuilder { b.cfg.OutputVisibility = "internal"; return b }

// MaxCalls sets maxCallsPerParentAgent (chainable).
func (b *AgentBuilder) MaxCalls(n int) *AgentBuilder { b.cfg.MaxCallsPerParentAgent = n; return b }

// Control sets the control type (chainable).
func (b *AgentBuilder) Control(c graph.ControlType) *AgentBuilder { b.cfg.ControlType = c; return b }

// Children appends connected agents (chainable).
func (b *AgentBuilder) Children(names ...string) *AgentBuilder {
	b.cfg.ConnectedAgents = append(b.cfg.ConnectedAgents, names...)
	return b
}

// Tools appends tool names (chainable).
func (b *AgentBuilder) Tools(names ...string) *AgentBuilder {
	b.cfg.Tools = append(b.cfg.Tools, names...)
	return b
}

// Build returns the configuration.
func (b *AgentBuilder) Build() graph.AgentConfig {
	cfg := b.cfg
	cfg.ConnectedAgents = append([]string(nil), b.cfg.ConnectedAgents...)
	cfg.Tools = append([]string(nil), b.cfg.Tools...)
	return cfg
}

// SystemMessage returns a system message.
func SystemMessage(text string) core.Message {
	return core.Message{Role: core.RoleSystem, Content: core.Text(text)}
}

// UserMessage returns a user message.
func UserMessage(text string) core.Message {
	return core.Message{Role: core.RoleUser, Content: core.Text(text)}
}

// WebhookTool returns a webhook tool configuration with a single string
// parameter.
func WebhookTool(name, param string) graph.ToolConfig {
	return graph.ToolConfig{
		Name:        name,
		Description: name + " lookups",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{param: map[string]any{"type": "string"}},
		},
	}
}
