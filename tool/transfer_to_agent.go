package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/internal/util"
)

// TransferToAgentName is the name of the builtin control transfer tool.
const TransferToAgentName = "transfer_to_agent"

// TransferArgs are the arguments of transfer_to_agent.
type TransferArgs struct {
	Assistant string `json:"assistant" description:"Name of the agent to transfer control to"`
}

// TransferDefinition describes transfer_to_agent for an agent that may hand
// off to targets.
func TransferDefinition(targets []string) Definition {
	return Definition{
		Name:        TransferToAgentName,
		Description: "Transfer control to another agent. Available agents: " + strings.Join(targets, ", "),
		Parameters:  util.ObjectSchema(TransferArgs{}, map[string][]string{"assistant": targets}),
	}
}

// ParseTransferArgs extracts the target agent of a transfer call.
func ParseTransferArgs(raw string) (string, error) {
	var args TransferArgs
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", fmt.Errorf("decode transfer arguments: %w", err)
	}
	if strings.TrimSpace(args.Assistant) == "" {
		return "", fmt.Errorf("field 'assistant' must be a non-empty string")
	}
	return args.Assistant, nil
}

// TransferPair builds the synthetic assistant/tool message pair that
// records a control transfer from one agent to another.
func TransferPair(from, to string) (core.Message, core.Message) {
	args := core.MustJSON(TransferArgs{Assistant: to})
	call := core.NewToolCall("", TransferToAgentName, args)

	request := core.Message{
		Role:         core.RoleAssistant,
		Sender:       from,
		ToolCalls:    []core.ToolCall{call},
		ResponseType: core.ResponseInternal,
	}
	result := core.Message{
		Role:         core.RoleTool,
		Content:      core.Text(args),
		ToolCallID:   call.ID,
		ToolName:     TransferToAgentName,
		Name:         TransferToAgentName,
		ResponseType: core.ResponseInternal,
	}

	return request, result
}

// IsTransferMessage reports whether m is part of a transfer pair.
func IsTransferMessage(m core.Message) bool {
	if m.ToolName == TransferToAgentName || m.Name == TransferToAgentName {
		return true
	}
	for _, tc := range m.ToolCalls {
		if tc.Function.Name == TransferToAgentName {
			return true
		}
	}
	return false
}
