// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key).
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
	BaseURL     string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0,
		MaxTokens:   4096,
	}
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements model.Model. Streaming requests are answered with a
// single final response.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 4)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		name := m.opts.Model
		if req.Model != "" {
			name = anthropic.Model(req.Model)
		}

		params := anthropic.MessageNewParams{
			Model:       name,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}

		if system := systemBlocks(req); len(system) > 0 {
			params.System = system
		}

		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		msg := core.Message{Role: core.RoleAssistant}
		text := ""

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text += block.AsText().Text
			case "tool_use":
				tu := block.AsToolUse()
				args := "{}"
				if len(tu.Input) > 0 {
					args = string(tu.Input)
				}
				msg.ToolCalls = append(msg.ToolCalls, core.NewToolCall(tu.ID, tu.Name, args))
			}
		}

		if text != "" {
			msg.Content = core.Text(text)
		}

		finishReason := "stop"
		if resp.StopReason != "" {
			finishReason = string(resp.StopReason)
		}

		out <- model.Response{
			ID:           resp.ID,
			Message:      msg,
			FinishReason: finishReason,
			Usage: &core.TokenUsage{
				Prompt:     resp.Usage.InputTokens,
				Completion: resp.Usage.OutputTokens,
				Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			},
		}
	}()

	return out, errCh
}

func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam

	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}

	for _, msg := range req.Messages {
		if msg.Role == core.RoleSystem && msg.ContentString() != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: msg.ContentString()})
		}
	}

	return blocks
}

// buildMessages converts the history to Anthropic messages. Tool results
// travel in a user message directly after the assistant tool_use blocks.
func buildMessages(history []core.Message) []anthropic.MessageParam {
	results := map[string]string{}
	for _, msg := range history {
		if msg.Role == core.RoleTool && msg.ToolCallID != "" {
			if _, ok := results[msg.ToolCallID]; !ok {
				results[msg.ToolCallID] = msg.ContentString()
			}
		}
	}

	paired := map[string]bool{}
	var messages []anthropic.MessageParam

	for _, msg := range history {
		text := msg.ContentString()

		switch msg.Role {
		case core.RoleSystem:
			continue
		case core.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}

			var resultBlocks []anthropic.ContentBlockParamUnion
			for _, tc := range msg.ToolCalls {
				res, ok := results[tc.ID]
				if !ok || paired[tc.ID] {
					continue
				}
				var input any = map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						input = map[string]any{"input": tc.Function.Arguments}
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
				resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(tc.ID, res, false))
				paired[tc.ID] = true
			}

			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
			if len(resultBlocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(resultBlocks...))
			}
		case core.RoleTool:
			if paired[msg.ToolCallID] {
				continue
			}
			name := msg.ToolName
			if name == "" {
				name = msg.Name
			}
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("Tool %s returned: %s", name, text))))
		default:
			if text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}

	return messages
}

// buildTools converts tool definitions to Anthropic tool format.
func buildTools(defs []tool.Definition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))

	for i, def := range defs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if def.Parameters != nil {
			if properties, exists := def.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			switch req := def.Parameters["required"].(type) {
			case []string:
				inputSchema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}

		tools[i] = anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
		if def.Description != "" && tools[i].OfTool != nil {
			tools[i].OfTool.Description = anthropic.String(def.Description)
		}
	}

	return tools
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
