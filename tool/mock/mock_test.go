package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
)

func TestExecute(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.Script(model.TextResponse("  Temperature in rome: 21C  "))

	exec := New(m, func(o *Options) {
		o.Description = "Weather lookup"
		o.Instructions = "Always return celsius"
		o.ModelName = "gpt-4.1-mini"
	})

	out, err := exec.Execute(context.Background(), "get_weather", `{"city":"rome"}`)
	require.NoError(t, err)

	env, ok := tool.ParseEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, "get_weather", env.Name)
	assert.Equal(t, "Temperature in rome: 21C", env.Text())

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "gpt-4.1-mini", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 2)
	assert.Equal(t, core.RoleSystem, reqs[0].Messages[0].Role)
	assert.Contains(t, reqs[0].Messages[0].ContentString(), "'get_weather'")
	assert.Contains(t, reqs[0].Messages[0].ContentString(), "Always return celsius")
	assert.Contains(t, reqs[0].Messages[1].ContentString(), `{"city":"rome"}`)
}

type brokenModel struct{}

func (brokenModel) Info() model.Info { return model.Info{Name: "broken"} }

func (brokenModel) Generate(context.Context, model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response)
	errCh := make(chan error, 1)
	errCh <- errors.New("quota exceeded")
	close(respCh)
	close(errCh)
	return respCh, errCh
}

func TestExecuteModelError(t *testing.T) {
	out, err := New(brokenModel{}).Execute(context.Background(), "lookup", `{}`)
	require.Error(t, err)

	env, ok := tool.ParseEnvelope(out)
	require.True(t, ok)
	assert.Equal(t, "Error: quota exceeded", env.Text())
}

func TestExecuteWithoutModel(t *testing.T) {
	out, err := New(nil).Execute(context.Background(), "lookup", `{}`)
	require.Error(t, err)
	assert.Contains(t, out, "no model configured")
}
