package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
)

// DefaultMaxSteps bounds the model calls of one run.
const DefaultMaxSteps = 10

// ErrMaxSteps is returned when a run needs more model calls than allowed.
var ErrMaxSteps = errors.New("runtime: max steps exceeded")

// ModelResolver returns the model serving an agent's model identifier.
type ModelResolver func(name string) model.Model

// Static resolves every name to m.
func Static(m model.Model) ModelResolver {
	return func(string) model.Model { return m }
}

// Options configures a ModelRuntime.
type Options struct {
	MaxSteps int
	// Stream requests streamed completions. Runs with web search never
	// stream so citations arrive with the final message.
	Stream bool
	Logger logging.Logger
	Tracer trace.Tracer
}

// ModelRuntime drives agents with a chat model.
type ModelRuntime struct {
	resolve ModelResolver
	opts    Options
}

// New creates a ModelRuntime.
func New(resolve ModelResolver, optFns ...func(o *Options)) *ModelRuntime {
	opts := Options{
		MaxSteps: DefaultMaxSteps,
		Stream:   true,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/turnmesh/runtime")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	return &ModelRuntime{resolve: resolve, opts: opts}
}

// Run implements Runtime.
func (r *ModelRuntime) Run(ctx context.Context, req RunRequest) (<-chan Event, <-chan error) {
	eventChan := make(chan Event, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(eventChan)
		defer close(errChan)

		if err := r.run(ctx, req, eventChan); err != nil {
			errChan <- err
		}
	}()

	return eventChan, errChan
}

func (r *ModelRuntime) run(ctx context.Context, req RunRequest, events chan<- Event) (err error) {
	agent := req.Agent
	if agent == nil {
		return errors.New("runtime: no agent")
	}

	m := r.model(agent.Model)
	if m == nil {
		return fmt.Errorf("runtime: no model for %q", agent.Model)
	}

	ctx, span := r.opts.Tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.name", agent.Name),
		attribute.String("agent.model", agent.Model),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := logging.With(r.opts.Logger, "agent", agent.Name)

	history := make([]core.Message, 0, len(req.Messages)+4)
	for _, msg := range req.Messages {
		history = append(history, msg.Clone())
	}

	mreq := model.Request{
		Model:        agent.Model,
		Instructions: agent.Instructions,
		Tools:        definitions(agent, req.Handoffs),
		WebSearch:    agent.WebSearch(),
	}
	mreq.Stream = r.opts.Stream && !mreq.WebSearch

	for step := 0; step < r.opts.MaxSteps; step++ {
		mreq.Messages = history

		resp, err := r.generate(ctx, m, agent.Name, mreq, events)
		if err != nil {
			return err
		}

		if ws := resp.WebSearch; ws != nil {
			id := ws.ID
			if id == "" {
				id = core.NewID()
			}
			if err := send(ctx, events, WebSearchCall{Agent: agent.Name, SearchID: id, Status: ws.Status}); err != nil {
				return err
			}
		}

		msg := resp.Message
		if !msg.HasToolCalls() {
			return send(ctx, events, MessageOutput{
				Agent:     agent.Name,
				Text:      msg.ContentString(),
				Citations: msg.Citations,
			})
		}

		history = append(history, core.Message{
			Role:      core.RoleAssistant,
			Content:   msg.Content,
			Sender:    agent.Name,
			ToolCalls: msg.ToolCalls,
		})

		for _, call := range msg.ToolCalls {
			if call.Function.Name == tool.TransferToAgentName {
				done, content, err := r.handoff(ctx, agent.Name, call, events)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
				history = append(history, toolMessage(call, content))
				continue
			}

			tr := NewToolCallRequest(agent.Name, call)
			if err := send(ctx, events, tr); err != nil {
				return err
			}
			out, err := tr.Wait(ctx)
			if err != nil {
				return err
			}
			history = append(history, toolMessage(call, out))
		}

		log.Debug("runtime.step", "step", step, "tool_calls", len(msg.ToolCalls))
	}

	return fmt.Errorf("%w: agent %s used %d steps", ErrMaxSteps, agent.Name, r.opts.MaxSteps)
}

// handoff reports a transfer request and waits for the decision. A rejected
// or malformed transfer yields the tool content fed back to the model.
func (r *ModelRuntime) handoff(ctx context.Context, agent string, call core.ToolCall, events chan<- Event) (bool, string, error) {
	target, err := tool.ParseTransferArgs(call.Function.Arguments)
	if err != nil {
		return false, tool.ErrorContent(err.Error()), nil
	}

	h := NewAgentHandoff(agent, target)
	if err := send(ctx, events, h); err != nil {
		return false, "", err
	}

	accepted, err := h.Wait(ctx)
	if err != nil {
		return false, "", err
	}
	if accepted {
		return true, "", nil
	}

	return false, fmt.Sprintf("Transfer to %s is not available. Continue helping the user yourself.", target), nil
}

func (r *ModelRuntime) generate(ctx context.Context, m model.Model, agent string, req model.Request, events chan<- Event) (model.Response, error) {
	start := time.Now()
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    model.Response
		gotFinal bool
		tokens   int64
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()

		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if text := resp.Message.ContentString(); text != "" {
					if err := send(ctx, events, TextDelta{Agent: agent, Text: text}); err != nil {
						return model.Response{}, err
					}
				}
			} else {
				final = resp
				gotFinal = true
			}
			if resp.Usage != nil {
				tokens += resp.Usage.Total
				if err := send(ctx, events, UsageUpdate{Agent: agent, Usage: *resp.Usage}); err != nil {
					return model.Response{}, err
				}
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				logging.LogModelCall(r.opts.Logger, req.Model, tokens, time.Since(start), err)
				return model.Response{}, fmt.Errorf("model %s: %w", req.Model, err)
			}
		}
	}

	logging.LogModelCall(r.opts.Logger, req.Model, tokens, time.Since(start), nil)

	if !gotFinal {
		return model.Response{}, fmt.Errorf("model %s returned no final response", req.Model)
	}

	return final, nil
}

func (r *ModelRuntime) model(name string) model.Model {
	if r.resolve == nil {
		return nil
	}
	return r.resolve(name)
}

func definitions(agent *graph.Agent, handoffs []*graph.Agent) []tool.Definition {
	var defs []tool.Definition
	for _, b := range agent.Bindings {
		if _, native := b.(*tool.Native); native {
			continue
		}
		defs = append(defs, b.Definition())
	}

	if len(handoffs) > 0 {
		targets := make([]string, 0, len(handoffs))
		for _, h := range handoffs {
			targets = append(targets, h.Name)
		}
		defs = append(defs, tool.TransferDefinition(targets))
	}

	return defs
}

func toolMessage(call core.ToolCall, content string) core.Message {
	return core.Message{
		Role:       core.RoleTool,
		Content:    core.Text(content),
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
	}
}

func send(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
