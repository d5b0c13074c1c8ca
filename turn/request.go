package turn

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/tool"
)

// DefaultSystemPrompt replaces an empty leading system message.
const DefaultSystemPrompt = "You are a helpful assistant."

// PriorState is the state returned by the previous turn of a conversation.
// Unknown fields are ignored.
type PriorState struct {
	LastAgentName string            `json:"last_agent_name"`
	AgentData     []graph.AgentData `json:"agent_data,omitempty"`
}

// Request is the input of one turn.
type Request struct {
	// TurnID identifies the turn in logs and traces. Generated when empty.
	TurnID string `json:"-"`

	Messages       []core.Message       `json:"messages"`
	State          *PriorState          `json:"state,omitempty"`
	StartAgent     string               `json:"startAgent"`
	Agents         []graph.AgentConfig  `json:"agents"`
	Tools          []graph.ToolConfig   `json:"tools"`
	Prompts        []graph.PromptConfig `json:"prompts,omitempty"`
	MCPServers     []graph.MCPServer    `json:"mcpServers,omitempty"`
	ToolWebhookURL string               `json:"toolWebhookUrl,omitempty"`
	ProjectID      string               `json:"projectId,omitempty"`
	TestProfile    *graph.TestProfile   `json:"testProfile,omitempty"`
}

// UnmarshalJSON decodes a request. agents and tools, when present, must be
// JSON lists; anything else is a *core.ConfigError.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var raw struct {
		plain
		Agents json.RawMessage `json:"agents"`
		Tools  json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode turn request: %w", err)
	}

	*r = Request(raw.plain)

	if raw.Agents != nil {
		agents, err := graph.DecodeAgentConfigs(raw.Agents)
		if err != nil {
			return err
		}
		r.Agents = agents
	}
	if raw.Tools != nil {
		tools, err := graph.DecodeToolConfigs(raw.Tools)
		if err != nil {
			return err
		}
		r.Tools = tools
	}

	return nil
}

// Env returns the graph build inputs of the request.
func (r Request) Env() graph.Env {
	return graph.Env{
		ProjectID:      r.ProjectID,
		ToolWebhookURL: r.ToolWebhookURL,
		MCPServers:     r.MCPServers,
		TestProfile:    r.TestProfile,
	}
}

// SanitizeInput prepares caller supplied history for a new turn: transfer
// bookkeeping is removed, assistant tool call messages without content get a
// placeholder text, tool results from earlier turns become developer notes
// and messages without a role are treated as user input.
func SanitizeInput(messages []core.Message) []core.Message {
	out := make([]core.Message, 0, len(messages))

	for _, msg := range messages {
		if tool.IsTransferMessage(msg) {
			continue
		}

		m := msg.Clone()
		if m.Role == core.RoleAssistant && m.Content == nil && len(m.ToolCalls) > 0 {
			m.Content = core.Text("Calling tool")
		}

		switch m.Role {
		case core.RoleTool:
			m.Role = core.RoleDeveloper
		case "":
			m.Role = core.RoleUser
		}

		out = append(out, m)
	}

	return out
}

// prepareMessages applies the default system prompt and sender attribution.
func prepareMessages(messages []core.Message) []core.Message {
	out := make([]core.Message, 0, len(messages))
	for i, msg := range messages {
		m := msg.Clone()
		if i == 0 && m.Role == core.RoleSystem && m.ContentString() == "" {
			m.Content = core.Text(DefaultSystemPrompt)
		}
		out = append(out, core.AttributeSender(m))
	}
	return out
}

func isGreeting(messages []core.Message) bool {
	for _, m := range messages {
		if m.Role != core.RoleSystem {
			return false
		}
	}
	return true
}
