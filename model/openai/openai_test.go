package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
)

func TestBuildMessages_PairsToolResults(t *testing.T) {
	req := model.Request{
		Instructions: "be brief",
		Messages: []core.Message{
			{Role: core.RoleUser, Content: core.Text("weather?")},
			{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{
				core.NewToolCall("c1", "weather", `{"city":"rome"}`),
				core.NewToolCall("c2", "unanswered", `{}`),
			}},
			{Role: core.RoleTool, Content: core.Text("sunny"), ToolCallID: "c1", ToolName: "weather"},
			{Role: core.RoleTool, Content: core.Text("stray"), ToolCallID: "zz", ToolName: "ghost"},
			{Role: core.RoleDeveloper, Content: core.Text("older tool output")},
			{Role: core.RoleAssistant, Content: core.Text("It is sunny.")},
		},
	}

	msgs := buildMessages(req)
	require.Len(t, msgs, 7)

	require.NotNil(t, msgs[0].OfSystem)
	require.NotNil(t, msgs[1].OfUser)

	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", msgs[2].OfAssistant.ToolCalls[0].ID)

	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)

	require.NotNil(t, msgs[4].OfDeveloper)
	require.NotNil(t, msgs[5].OfDeveloper)
	require.NotNil(t, msgs[6].OfAssistant)
}

func TestBuildMessages_DropsEmptyAssistant(t *testing.T) {
	msgs := buildMessages(model.Request{Messages: []core.Message{
		{Role: core.RoleAssistant, ToolCalls: []core.ToolCall{core.NewToolCall("x", "t", "{}")}},
	}})
	assert.Empty(t, msgs)
}

func TestGenerate_NonStreaming(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "checking",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "weather", "arguments": "{\"city\":\"rome\"}"}}],
					"annotations": [{"type": "url_citation", "url_citation": {"url": "https://example.com", "title": "Ex", "start_index": 0, "end_index": 5}}]
				}
			}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 4, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test"
		o.BaseURL = srv.URL + "/v1"
	})

	resp, err := model.Collect(context.Background(), m, model.Request{
		Model:     "gpt-4.1",
		Messages:  []core.Message{{Role: core.RoleUser, Content: core.Text("hi")}},
		Tools:     []tool.Definition{{Name: "weather", Description: "Weather", Parameters: map[string]any{"type": "object"}}},
		WebSearch: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", body["model"])
	assert.Contains(t, body, "tools")
	assert.Contains(t, body, "web_search_options")

	assert.Equal(t, "checking", resp.Message.ContentString())
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "weather", resp.Message.ToolCalls[0].Function.Name)
	require.Len(t, resp.Message.Citations, 1)
	assert.Equal(t, "https://example.com", resp.Message.Citations[0].URL)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, core.TokenUsage{Total: 15, Prompt: 11, Completion: 4}, *resp.Usage)
}

func TestFinalChunkOrdersToolCalls(t *testing.T) {
	resp := finalChunk("id", "tool_calls", "", map[int64]*aggCall{
		1: {id: "b", name: "second", args: "{}"},
		0: {id: "a", name: "first", args: "{}"},
	})
	require.Len(t, resp.Message.ToolCalls, 2)
	assert.Equal(t, "first", resp.Message.ToolCalls[0].Function.Name)
	assert.Nil(t, resp.Message.Content)
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.APIKey = "k"; o.Model = "gpt-4.1-mini" })
	assert.Equal(t, model.Info{Name: "gpt-4.1-mini", Provider: "openai", SupportsTools: true}, m.Info())
}
