// Package mock implements a tool executor that asks a language model to
// simulate the output of a tool instead of calling a real backend.
package mock

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
)

// Options configures the mock executor.
type Options struct {
	// Description is the tool description shown to the simulating model.
	Description string
	// Instructions steer the simulated output (mockInstructions or the
	// test profile's mockPrompt).
	Instructions string
	// ModelName overrides the model's default identifier.
	ModelName string
	Logger    logging.Logger
}

// Executor simulates tool results with a model.
type Executor struct {
	model model.Model
	opts  Options
}

var _ tool.Executor = (*Executor)(nil)

// New creates a mock executor backed by m.
func New(m model.Model, optFns ...func(o *Options)) *Executor {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Executor{model: m, opts: opts}
}

// Execute implements tool.Executor. The generated text is returned inside
// the tool envelope; model failures produce an error envelope and a non-nil
// error.
func (e *Executor) Execute(ctx context.Context, toolName, args string) (string, error) {
	if e.model == nil {
		err := fmt.Errorf("no model configured for mock tool %s", toolName)
		return tool.WrapError(toolName, err), err
	}

	resp, err := model.Collect(ctx, e.model, model.Request{
		Model: e.opts.ModelName,
		Messages: []core.Message{
			{Role: core.RoleSystem, Content: core.Text(SystemPrompt(toolName, e.opts.Description, e.opts.Instructions))},
			{Role: core.RoleUser, Content: core.Text(UserPrompt(toolName, args))},
		},
	})
	if err != nil {
		e.opts.Logger.Warn("tool.mock.error", "tool", toolName, "error", err.Error())
		return tool.WrapError(toolName, err), fmt.Errorf("simulate %s: %w", toolName, err)
	}

	return tool.WrapText(toolName, strings.TrimSpace(resp.Message.ContentString())), nil
}

// SystemPrompt renders the instruction given to the simulating model.
func SystemPrompt(toolName, description, instructions string) string {
	return fmt.Sprintf(
		"You are simulating the execution of a tool called '%s'. Here is the description of the tool: %s. "+
			"Here are the instructions for the mock tool: %s. "+
			"Generate a realistic response as if the tool was actually executed with the given parameters.",
		toolName, description, instructions,
	)
}

// UserPrompt renders the request for one simulated call.
func UserPrompt(toolName, args string) string {
	return fmt.Sprintf(
		"Generate a realistic response for the tool '%s' with these parameters: %s. "+
			"The response should be concise and focused on what the tool would actually return.",
		toolName, args,
	)
}
