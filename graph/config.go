package graph

import (
	"bytes"
	"encoding/json"

	"github.com/hupe1980/turnmesh/core"
)

// ControlType decides which agent starts the next turn after an agent replied.
type ControlType string

const (
	ControlRetain      ControlType = "retain"
	ControlParentAgent ControlType = "parent_agent"
	ControlStartAgent  ControlType = "start_agent"
)

// AgentConfig is the configuration record of one agent.
type AgentConfig struct {
	Name                   string      `json:"name"`
	Type                   string      `json:"type,omitempty"`
	Description            string      `json:"description"`
	Instructions           string      `json:"instructions"`
	Model                  string      `json:"model,omitempty"`
	Tools                  []string    `json:"tools,omitempty"`
	ConnectedAgents        []string    `json:"connectedAgents,omitempty"`
	OutputVisibility       string      `json:"outputVisibility,omitempty"`
	MaxCallsPerParentAgent int         `json:"maxCallsPerParentAgent,omitempty"`
	ControlType            ControlType `json:"controlType,omitempty"`
	HasRagSources          bool        `json:"hasRagSources,omitempty"`
	RagDataSources         []string    `json:"ragDataSources,omitempty"`
	RagReturnType          string      `json:"ragReturnType,omitempty"`
	RagK                   int         `json:"ragK,omitempty"`
}

// ToolConfig is the configuration record of one tool.
type ToolConfig struct {
	Name             string         `json:"name"`
	Type             string         `json:"type,omitempty"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	MockTool         bool           `json:"mockTool,omitempty"`
	MockInstructions string         `json:"mockInstructions,omitempty"`
	IsMCP            bool           `json:"isMcp,omitempty"`
	MCPServerName    string         `json:"mcpServerName,omitempty"`
}

// PromptConfig is a named prompt, e.g. the greeting.
type PromptConfig struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

// MCPServer names an MCP endpoint tools can refer to.
type MCPServer struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TestProfile overrides tool execution for test runs.
type TestProfile struct {
	MockTools  bool   `json:"mockTools"`
	MockPrompt string `json:"mockPrompt,omitempty"`
}

// AgentData is per-agent state carried between turns.
type AgentData struct {
	Name                 string `json:"name"`
	MostRecentParentName string `json:"most_recent_parent_name,omitempty"`
}

// DecodeAgentConfigs decodes a JSON array of agent configurations. Any other
// JSON value, including null, is a configuration error.
func DecodeAgentConfigs(raw json.RawMessage) ([]AgentConfig, error) {
	var out []AgentConfig
	if err := decodeList("agents", raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeToolConfigs decodes a JSON array of tool configurations. Any other
// JSON value, including null, is a configuration error.
func DecodeToolConfigs(raw json.RawMessage) ([]ToolConfig, error) {
	var out []ToolConfig
	if err := decodeList("tools", raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeList(field string, raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return core.NewConfigError(field, "%s config is not a list", field)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return core.NewConfigError(field, "decode %s config: %v", field, err)
	}
	return nil
}

func findTool(tools []ToolConfig, name string) (ToolConfig, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolConfig{}, false
}

func findToolByType(tools []ToolConfig, typ string) (ToolConfig, bool) {
	for _, t := range tools {
		if t.Type == typ {
			return t, true
		}
	}
	return ToolConfig{}, false
}

func findAgentConfig(agents []AgentConfig, name string) (AgentConfig, bool) {
	for _, a := range agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}
