// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming, tool calling and web search).
// It adapts turnmesh's core.Message history into the SDK's message format
// and back.
package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/model"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments).
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	// APIKey and BaseURL override the environment defaults of the SDK.
	APIKey  string
	BaseURL string
	// SearchContextSize is used when a request enables web search.
	SearchContextSize string
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(reqOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4o,
		Temperature:         0,
		MaxCompletionTokens: 4096,
		SearchContextSize:   "medium",
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req, buildMessages(req))
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, params, out, errCh)
	}()

	return out, errCh
}

// buildMessages converts the history into OpenAI chat messages. Tool results
// are attached right after the assistant message that requested them; calls
// without a result are dropped and results without a call become developer
// notes, since the API rejects both.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	results := map[string]string{}
	for _, msg := range req.Messages {
		if msg.Role == core.RoleTool && msg.ToolCallID != "" {
			if _, ok := results[msg.ToolCallID]; !ok {
				results[msg.ToolCallID] = msg.ContentString()
			}
		}
	}

	requested := map[string]bool{}
	for _, msg := range req.Messages {
		if msg.Role != core.RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if _, ok := results[tc.ID]; ok {
				requested[tc.ID] = true
			}
		}
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	answered := map[string]bool{}
	for _, msg := range req.Messages {
		text := msg.ContentString()

		switch msg.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case core.RoleDeveloper:
			messages = append(messages, openai.DeveloperMessage(text))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(text))
		case core.RoleAssistant:
			messages = appendAssistant(messages, msg, results, answered)
		case core.RoleTool:
			if requested[msg.ToolCallID] {
				continue
			}
			name := msg.ToolName
			if name == "" {
				name = msg.Name
			}
			messages = append(messages, openai.DeveloperMessage(fmt.Sprintf("Tool %s returned: %s", name, text)))
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}

	return messages
}

func appendAssistant(
	messages []openai.ChatCompletionMessageParamUnion,
	msg core.Message,
	results map[string]string,
	answered map[string]bool,
) []openai.ChatCompletionMessageParamUnion {
	text := msg.ContentString()

	var calls []openai.ChatCompletionMessageToolCallParam
	for _, tc := range msg.ToolCalls {
		if _, ok := results[tc.ID]; !ok || answered[tc.ID] {
			continue
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if len(calls) == 0 {
		if text == "" {
			return messages
		}
		return append(messages, openai.AssistantMessage(text))
	}

	param := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if text != "" {
		param.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &param})

	for _, c := range calls {
		answered[c.ID] = true
		messages = append(messages, openai.ToolMessage(results[c.ID], c.ID))
	}

	return messages
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(req model.Request, messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	name := m.opts.Model
	if req.Model != "" {
		name = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               name,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	if req.Stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	}

	if req.WebSearch {
		params.WebSearchOptions = openai.ChatCompletionNewParamsWebSearchOptions{SearchContextSize: m.opts.SearchContextSize}
	}

	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}
	params.Tools = tools

	return params
}

// handleStreaming processes streaming responses and forwards partial / final events.
func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}

	for stream.Next() {
		ck := stream.Current()

		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				out <- model.Response{
					ID:      ck.ID,
					Partial: true,
					Message: core.Message{Role: core.RoleAssistant, Content: core.Text(ch.Delta.Content)},
				}
			}

			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				ac.args += tc.Function.Arguments
			}

			if ch.FinishReason != "" {
				out <- finalChunk(ck.ID, ch.FinishReason, textBuilder.String(), toolAgg)
			}
		}

		if ck.Usage.TotalTokens > 0 {
			out <- model.Response{ID: ck.ID, Partial: true, Usage: usageOf(ck.Usage)}
		}
	}

	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

func finalChunk(id, finishReason, text string, toolAgg map[int64]*aggCall) model.Response {
	msg := core.Message{Role: core.RoleAssistant}
	if text != "" {
		msg.Content = core.Text(text)
	}

	indexes := make([]int64, 0, len(toolAgg))
	for idx := range toolAgg {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	for _, idx := range indexes {
		ac := toolAgg[idx]
		msg.ToolCalls = append(msg.ToolCalls, core.NewToolCall(ac.id, ac.name, ac.args))
	}

	return model.Response{ID: id, Message: msg, FinishReason: finishReason}
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("no choices returned")
		return
	}

	ch0 := resp.Choices[0]
	msg := core.Message{Role: core.RoleAssistant}
	if ch0.Message.Content != "" {
		msg.Content = core.Text(ch0.Message.Content)
	}
	for _, tc := range ch0.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, core.NewToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	for _, a := range ch0.Message.Annotations {
		if a.URLCitation.URL == "" {
			continue
		}
		msg.Citations = append(msg.Citations, core.Citation{
			URL:        a.URLCitation.URL,
			Title:      a.URLCitation.Title,
			StartIndex: a.URLCitation.StartIndex,
			EndIndex:   a.URLCitation.EndIndex,
		})
	}

	final := model.Response{
		ID:           resp.ID,
		Message:      msg,
		FinishReason: ch0.FinishReason,
		Usage:        usageOf(resp.Usage),
	}
	// Search models only annotate replies with URL citations after a search.
	if len(msg.Citations) > 0 {
		final.WebSearch = &model.WebSearchCall{ID: resp.ID, Status: "completed"}
	}

	out <- final
}

func usageOf(u openai.CompletionUsage) *core.TokenUsage {
	return &core.TokenUsage{
		Total:      u.TotalTokens,
		Prompt:     u.PromptTokens,
		Completion: u.CompletionTokens,
	}
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
