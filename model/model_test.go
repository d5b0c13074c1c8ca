package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
)

func TestMockModelScriptThenCanned(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.Script(ToolCallResponse(core.NewToolCall("c1", "lookup", `{}`)))
	m.AddResponse("ping", "pong")

	first, err := Collect(context.Background(), m, Request{Messages: []core.Message{{Role: core.RoleUser, Content: core.Text("ping")}}})
	require.NoError(t, err)
	require.Len(t, first.Message.ToolCalls, 1)
	assert.Equal(t, "tool_calls", first.FinishReason)

	second, err := Collect(context.Background(), m, Request{Messages: []core.Message{{Role: core.RoleUser, Content: core.Text("ping")}}})
	require.NoError(t, err)
	assert.Equal(t, "pong", second.Message.ContentString())

	third, err := Collect(context.Background(), m, Request{Messages: []core.Message{{Role: core.RoleUser, Content: core.Text("other")}}})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", third.Message.ContentString())

	assert.Len(t, m.Requests(), 3)
}

func TestMockModelStreaming(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.Script(TextResponse("hello big world"))

	respCh, errCh := m.Generate(context.Background(), Request{Stream: true})

	var partial string
	var final Response
	for r := range respCh {
		if r.Partial {
			partial += r.Message.ContentString()
			continue
		}
		final = r
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, "hello big world", partial)
	assert.Equal(t, "hello big world", final.Message.ContentString())
}

type usageModel struct{}

func (usageModel) Info() Info { return Info{Name: "usage"} }

func (usageModel) Generate(context.Context, Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 3)
	errCh := make(chan error, 1)
	respCh <- Response{Partial: true, Message: core.Message{Content: core.Text("a")}}
	respCh <- TextResponse("a")
	respCh <- Response{Partial: true, Usage: &core.TokenUsage{Total: 9, Prompt: 6, Completion: 3}}
	close(respCh)
	close(errCh)
	return respCh, errCh
}

func TestCollectSumsUsage(t *testing.T) {
	r, err := Collect(context.Background(), usageModel{}, Request{})
	require.NoError(t, err)
	require.NotNil(t, r.Usage)
	assert.Equal(t, int64(9), r.Usage.Total)
}

type failingModel struct{}

func (failingModel) Info() Info { return Info{Name: "failing"} }

func (failingModel) Generate(context.Context, Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response)
	errCh := make(chan error, 1)
	errCh <- errors.New("rate limited")
	close(respCh)
	close(errCh)
	return respCh, errCh
}

func TestCollectError(t *testing.T) {
	_, err := Collect(context.Background(), failingModel{}, Request{})
	assert.EqualError(t, err, "rate limited")
}

func TestRouter(t *testing.T) {
	openai := NewMockModel("gpt", "openai")
	claude := NewMockModel("claude", "anthropic")
	r := &Router{Default: openai, Routes: []Route{{Prefix: "claude-", Model: claude}}}

	_, err := Collect(context.Background(), r, Request{Model: "claude-3-5-sonnet"})
	require.NoError(t, err)
	_, err = Collect(context.Background(), r, Request{Model: "gpt-4.1"})
	require.NoError(t, err)

	assert.Len(t, claude.Requests(), 1)
	assert.Len(t, openai.Requests(), 1)
	assert.Equal(t, "gpt", r.Info().Name)
}
