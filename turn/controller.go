// Package turn implements the turn state machine: it selects the acting
// agent, drives it through a runtime, executes tool calls, performs control
// transfers between parents and internal children and decides when the turn
// ends.
//
// A turn ends exactly when an agent with external visibility replies.
// Internal agents return control to the parent that handed off to them.
package turn

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/runtime"
	"github.com/hupe1980/turnmesh/tool"
)

// DefaultMaxIterations bounds the agent runs of one turn.
const DefaultMaxIterations = 20

// DefaultFinalEventWait is the default of Options.FinalEventWait.
const DefaultFinalEventWait = 5 * time.Second

// Turn outcomes reported to the Observer.
const (
	OutcomeComplete = "complete"
	OutcomeGreeting = "greeting"
	OutcomeError    = "error"
)

// WebSearchCompleted is the content of the synthetic web_search result.
const WebSearchCompleted = "Web search completed."

// Transfer suppression reasons reported to the Observer.
const (
	SuppressedSelf    = "self"
	SuppressedUnknown = "unknown"
	SuppressedLimit   = "limit"
)

// Observer receives turn level measurements.
type Observer interface {
	TurnFinished(outcome string, d time.Duration)
	TransferHonored(from, to string)
	TransferSuppressed(from, to, reason string)
	TokensUsed(u core.TokenUsage)
}

type noopObserver struct{}

func (noopObserver) TurnFinished(string, time.Duration)        {}
func (noopObserver) TransferHonored(string, string)            {}
func (noopObserver) TransferSuppressed(string, string, string) {}
func (noopObserver) TokensUsed(core.TokenUsage)                {}

// Options configures a Controller.
type Options struct {
	// Builder builds the agent graph of every turn.
	Builder  *graph.Builder
	Logger   logging.Logger
	Tracer   trace.Tracer
	Observer Observer
	// MaxIterations bounds the agent runs of one turn.
	MaxIterations int
	// StartWithStartAgent begins every turn at the request's start agent
	// regardless of the prior state.
	StartWithStartAgent bool
	// OnStateChange is called on every state transition.
	OnStateChange func(from, to State, agent string)
	// FinalEventWait bounds the delivery of the done or error event once
	// the turn context has ended. Defaults to DefaultFinalEventWait.
	FinalEventWait time.Duration
}

// Controller runs turns. It holds no per-turn state and is safe for
// concurrent use.
type Controller struct {
	runtime runtime.Runtime
	opts    Options
}

// NewController creates a Controller that drives agents with rt.
func NewController(rt runtime.Runtime, optFns ...func(o *Options)) *Controller {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		MaxIterations:  DefaultMaxIterations,
		FinalEventWait: DefaultFinalEventWait,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Builder == nil {
		opts.Builder = graph.NewBuilder(func(o *graph.Options) { o.Logger = opts.Logger })
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/turnmesh/turn")
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.FinalEventWait <= 0 {
		opts.FinalEventWait = DefaultFinalEventWait
	}

	return &Controller{runtime: rt, opts: opts}
}

// Run executes one turn. The returned channel yields message events in the
// order they occurred and is closed after the final done or error event.
func (c *Controller) Run(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 16)

	go func() {
		defer close(out)
		c.newTurn(req, out).run(ctx)
	}()

	return out
}

type turnRun struct {
	c   *Controller
	req Request
	id  string
	log logging.Logger
	out chan<- Event

	g           *graph.Graph
	current     *graph.Agent
	accumulated []core.Message
	childCalls  map[string]int
	parents     parentStack
	tokens      core.TokenUsage
	sm          machine
}

// run actions
type action int

const (
	actContinue action = iota
	actComplete
	actTransfer
	actRerun
)

func (c *Controller) newTurn(req Request, out chan<- Event) *turnRun {
	id := req.TurnID
	if id == "" {
		id = core.NewID()
	}

	t := &turnRun{
		c:          c,
		req:        req,
		id:         id,
		log:        logging.With(c.opts.Logger, "turn_id", id),
		out:        out,
		childCalls: make(map[string]int),
	}

	t.sm = machine{
		agent: t.currentName,
		onChange: func(from, to State, agent string) {
			t.log.Debug("turn.state", "from", from.String(), "to", to.String(), "agent", agent)
			if c.opts.OnStateChange != nil {
				c.opts.OnStateChange(from, to, agent)
			}
		},
	}

	return t
}

func (t *turnRun) currentName() string {
	if t.current == nil {
		return ""
	}
	return t.current.Name
}

func (t *turnRun) run(ctx context.Context) {
	start := time.Now()

	ctx, span := t.c.opts.Tracer.Start(ctx, "turn.run", trace.WithAttributes(
		attribute.String("turn.id", t.id),
		attribute.String("turn.start_agent", t.req.StartAgent),
	))
	defer span.End()

	outcome, err := t.execute(ctx)
	if err != nil {
		outcome = OutcomeError
		if t.sm.state != StateTurnError {
			_ = t.sm.to(StateTurnError)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.emitFinal(ctx, Event{Kind: EventError, Err: err, State: t.snapshot()})
	}

	span.SetAttributes(
		attribute.String("turn.last_agent", t.currentName()),
		attribute.Int64("turn.tokens", t.tokens.Total),
	)

	t.c.opts.Observer.TurnFinished(outcome, time.Since(start))
	logging.LogTurn(t.log, t.id, t.currentName(), len(t.accumulated), time.Since(start), err)
}

func (t *turnRun) execute(ctx context.Context) (string, error) {
	history := prepareMessages(t.req.Messages)

	if isGreeting(history) {
		return OutcomeGreeting, t.greet(ctx)
	}

	if err := t.build(ctx); err != nil {
		return OutcomeError, err
	}
	if err := t.sm.to(StateAgentActive); err != nil {
		return OutcomeError, err
	}

	for iter := 1; ; iter++ {
		if iter > t.c.opts.MaxIterations {
			return OutcomeError, &core.RuntimeProtocolError{
				Agent:   t.currentName(),
				Message: fmt.Sprintf("turn exceeded %d agent runs without an external reply", t.c.opts.MaxIterations),
			}
		}

		if t.sm.state != StateAgentActive {
			if err := t.sm.to(StateAgentActive); err != nil {
				return OutcomeError, err
			}
		}

		t.log.Debug("turn.iteration", "iteration", iter, "agent", t.current.Name, "parents", t.parents.len())

		history = core.AppendUnique(history, t.accumulated...)

		done, err := t.runAgent(ctx, history)
		if err != nil {
			return OutcomeError, err
		}
		if done {
			t.emitFinal(ctx, Event{Kind: EventDone, State: t.snapshot()})
			return OutcomeComplete, nil
		}
	}
}

func (t *turnRun) greet(ctx context.Context) error {
	if err := t.sm.to(StateGreeting); err != nil {
		return err
	}

	msg := core.Message{
		Role:         core.RoleAssistant,
		Content:      core.Text(graph.GreetingPrompt(t.req.Prompts)),
		Sender:       t.req.StartAgent,
		ResponseType: core.ResponseExternal,
	}
	t.accumulated = append(t.accumulated, msg)
	t.emit(ctx, Event{Kind: EventMessage, Message: &msg})

	if err := t.sm.to(StateTurnComplete); err != nil {
		return err
	}

	t.emitFinal(ctx, Event{Kind: EventDone, State: &FinalState{
		LastAgentName: t.req.StartAgent,
		TurnMessages:  t.accumulated,
	}})

	return nil
}

func (t *turnRun) build(ctx context.Context) error {
	g, err := t.c.opts.Builder.Build(ctx, t.req.Agents, t.req.Tools, t.req.Env())
	if err != nil {
		return err
	}
	t.g = g

	var (
		last string
		data []graph.AgentData
	)
	if t.req.State != nil {
		last = t.req.State.LastAgentName
		data = t.req.State.AgentData
	}

	name := graph.ResolveStartAgent(last, data, t.req.Agents, t.req.StartAgent, t.c.opts.StartWithStartAgent)

	agent, ok := g.Agent(name)
	if !ok && name != t.req.StartAgent {
		t.log.Warn("turn.start_agent.fallback", "agent", name, "start_agent", t.req.StartAgent)
		agent, ok = g.Agent(t.req.StartAgent)
	}
	if !ok {
		return core.NewConfigError("startAgent", "unknown start agent %q", name)
	}

	t.current = agent

	return nil
}

// runAgent runs the current agent once. It reports true when the turn is
// complete.
func (t *turnRun) runAgent(ctx context.Context, history []core.Message) (bool, error) {
	agent := t.current

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := t.c.runtime.Run(runCtx, runtime.RunRequest{
		Agent:    agent,
		Messages: history,
		Handoffs: t.allowedHandoffs(agent),
	})

	if err := t.sm.to(StateAwaitingRuntimeEvent); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return false, err
				}
				if err := <-errs; err != nil {
					return false, &core.RuntimeProtocolError{Agent: agent.Name, Message: "agent run failed", Err: err}
				}
				return false, &core.RuntimeProtocolError{Agent: agent.Name, Message: "agent run ended without a reply"}
			}

			act, err := t.handle(ctx, agent, ev)
			if err != nil {
				return false, err
			}

			switch act {
			case actComplete:
				return true, nil
			case actTransfer, actRerun:
				return false, nil
			}
		}
	}
}

func (t *turnRun) handle(ctx context.Context, agent *graph.Agent, ev runtime.Event) (action, error) {
	switch e := ev.(type) {
	case nil:
		return actContinue, &core.RuntimeProtocolError{Agent: agent.Name, Message: "nil runtime event"}

	case runtime.TextDelta:
		return actContinue, nil

	case runtime.UsageUpdate:
		t.tokens.Add(e.Usage)
		t.c.opts.Observer.TokensUsed(e.Usage)
		return actContinue, nil

	case *runtime.ToolCallRequest:
		return actContinue, t.executeTool(ctx, agent, e)

	case runtime.ToolCallOutput:
		msg := core.Message{
			Role:         core.RoleTool,
			Content:      core.Text(e.Output),
			ToolCallID:   e.CallID,
			ToolName:     e.ToolName,
			Name:         e.ToolName,
			ResponseType: core.ResponseInternal,
		}
		t.emit(ctx, Event{Kind: EventMessage, Message: &msg})
		t.accumulated = append(t.accumulated, msg)
		return actContinue, nil

	case runtime.WebSearchCall:
		t.recordWebSearch(ctx, agent, e)
		return actContinue, nil

	case *runtime.AgentHandoff:
		accepted, err := t.handoff(ctx, agent, e.To)
		e.Decide(accepted)
		if err != nil {
			return actContinue, err
		}
		if accepted {
			return actTransfer, nil
		}
		return actContinue, nil

	case runtime.MessageOutput:
		return t.reply(ctx, agent, e)

	default:
		return actContinue, &core.RuntimeProtocolError{Agent: agent.Name, Message: fmt.Sprintf("unexpected runtime event %T", ev)}
	}
}

func (t *turnRun) executeTool(ctx context.Context, agent *graph.Agent, req *runtime.ToolCallRequest) error {
	if err := t.sm.to(StateToolExecuting); err != nil {
		return err
	}

	call := req.Call
	if call.ID == "" {
		call.ID = core.NewID()
	}
	if call.Type == "" {
		call.Type = core.ToolCallTypeFunction
	}
	name := call.Function.Name

	request := core.Message{
		Role:         core.RoleAssistant,
		Sender:       agent.Name,
		ToolCalls:    []core.ToolCall{call},
		ResponseType: core.ResponseInternal,
	}
	t.emit(ctx, Event{Kind: EventMessage, Message: &request})
	t.accumulated = append(t.accumulated, core.AttributeSender(request.Clone()))

	content := t.invoke(ctx, agent, call)

	result := core.Message{
		Role:         core.RoleTool,
		Content:      core.Text(content),
		ToolCallID:   call.ID,
		ToolName:     name,
		Name:         name,
		ResponseType: core.ResponseInternal,
	}
	t.emit(ctx, Event{Kind: EventMessage, Message: &result})
	t.accumulated = append(t.accumulated, result)

	req.Respond(content)

	return t.sm.to(StateAwaitingRuntimeEvent)
}

// recordWebSearch adds the synthetic web_search call and result messages of
// a provider side search. Only the call is accumulated.
func (t *turnRun) recordWebSearch(ctx context.Context, agent *graph.Agent, ws runtime.WebSearchCall) {
	args := map[string]string{"search_id": ws.SearchID}
	if ws.Status != "" {
		args["status"] = ws.Status
	}

	request := core.Message{
		Role:         core.RoleAssistant,
		Sender:       agent.Name,
		ToolCalls:    []core.ToolCall{core.NewToolCall(ws.SearchID, tool.WebSearchToolName, core.MustJSON(args))},
		ResponseType: core.ResponseInternal,
	}
	t.emit(ctx, Event{Kind: EventMessage, Message: &request})
	t.accumulated = append(t.accumulated, core.AttributeSender(request.Clone()))

	result := core.Message{
		Role:         core.RoleTool,
		Content:      core.Text(WebSearchCompleted),
		ToolCallID:   ws.SearchID,
		ToolName:     tool.WebSearchToolName,
		ResponseType: core.ResponseInternal,
	}
	t.emit(ctx, Event{Kind: EventMessage, Message: &result})

	t.log.Debug("turn.web_search", "agent", agent.Name, "search_id", ws.SearchID, "status", ws.Status)
}

// invoke executes call through the agent's binding and returns the tool-role
// content. Failures become {"error": msg}.
func (t *turnRun) invoke(ctx context.Context, agent *graph.Agent, call core.ToolCall) string {
	name := call.Function.Name

	ctx, span := t.c.opts.Tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("agent.name", agent.Name),
		attribute.String("tool.name", name),
	))
	defer span.End()

	binding, ok := agent.Binding(name)
	if !ok {
		msg := fmt.Sprintf("tool %s is not available to agent %s", name, agent.Name)
		t.log.Warn("turn.tool.unknown", "agent", agent.Name, "tool", name)
		span.SetStatus(codes.Error, msg)
		return tool.ErrorContent(msg)
	}

	out, err := binding.Invoke(ctx, call)
	if err != nil {
		te := tool.AsToolExecutionError(name, err)
		t.log.Warn("turn.tool.failed", "agent", agent.Name, "tool", name, "code", te.Code, "error", te.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, te.Message)
		return tool.ErrorContent(te.Message)
	}

	return out
}

func (t *turnRun) handoff(ctx context.Context, agent *graph.Agent, to string) (bool, error) {
	if to == agent.Name {
		t.log.Debug("turn.transfer.suppressed", "from", agent.Name, "to", to, "reason", SuppressedSelf)
		t.c.opts.Observer.TransferSuppressed(agent.Name, to, SuppressedSelf)
		return false, nil
	}

	target, ok := agent.Handoff(to)
	if !ok {
		t.log.Warn("turn.transfer.unknown", "from", agent.Name, "to", to)
		t.c.opts.Observer.TransferSuppressed(agent.Name, to, SuppressedUnknown)
		return false, nil
	}

	key := callKey(agent.Name, to)
	if t.childCalls[key] >= target.MaxCallsPerParentAgent {
		t.log.Debug("turn.transfer.suppressed", "from", agent.Name, "to", to, "reason", SuppressedLimit, "calls", t.childCalls[key])
		t.c.opts.Observer.TransferSuppressed(agent.Name, to, SuppressedLimit)
		return false, nil
	}

	if err := t.sm.to(StateControlTransfer); err != nil {
		return false, err
	}

	t.emitTransfer(ctx, agent.Name, to)

	if target.IsInternal() {
		t.childCalls[key]++
		t.parents.push(agent.Name)
	}
	t.current = target

	t.log.Info("turn.transfer", "from", agent.Name, "to", to)
	t.c.opts.Observer.TransferHonored(agent.Name, to)

	return true, nil
}

func (t *turnRun) reply(ctx context.Context, agent *graph.Agent, out runtime.MessageOutput) (action, error) {
	responseType := core.ResponseExternal
	if agent.IsInternal() {
		responseType = core.ResponseInternal
	}

	msg := core.Message{
		Role:         core.RoleAssistant,
		Content:      core.Text(out.Text),
		Sender:       agent.Name,
		ResponseType: responseType,
		Citations:    out.Citations,
	}
	t.emit(ctx, Event{Kind: EventMessage, Message: &msg})

	t.accumulated = append(t.accumulated, core.AttributeSender(msg.Clone()))

	if !agent.IsInternal() {
		return actComplete, t.sm.to(StateTurnComplete)
	}

	parentName, ok := t.parents.pop()
	if !ok {
		// No parent to return to: the agent runs again.
		return actRerun, nil
	}

	parent, ok := t.g.Agent(parentName)
	if !ok {
		return actContinue, &core.RuntimeProtocolError{Agent: agent.Name, Message: fmt.Sprintf("parent %q not in graph", parentName)}
	}

	if err := t.sm.to(StateControlTransfer); err != nil {
		return actContinue, err
	}
	t.emitTransfer(ctx, agent.Name, parentName)
	t.current = parent

	t.log.Info("turn.transfer.return", "from", agent.Name, "to", parentName)

	return actTransfer, nil
}

// allowedHandoffs lists the children agent may still transfer to.
func (t *turnRun) allowedHandoffs(agent *graph.Agent) []*graph.Agent {
	var out []*graph.Agent
	for _, h := range agent.Handoffs {
		if h.Name == agent.Name {
			continue
		}
		if h.IsInternal() && t.childCalls[callKey(agent.Name, h.Name)] >= h.MaxCallsPerParentAgent {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (t *turnRun) emitTransfer(ctx context.Context, from, to string) {
	request, result := tool.TransferPair(from, to)
	t.emit(ctx, Event{Kind: EventMessage, Message: &request})
	t.emit(ctx, Event{Kind: EventMessage, Message: &result})
}

func (t *turnRun) snapshot() *FinalState {
	if t.current == nil {
		return nil
	}
	return &FinalState{
		LastAgentName: t.current.Name,
		Tokens:        t.tokens,
		TurnMessages:  append([]core.Message(nil), t.accumulated...),
	}
}

func (t *turnRun) emit(ctx context.Context, ev Event) {
	select {
	case t.out <- ev:
	case <-ctx.Done():
		t.log.Debug("turn.event.dropped", "kind", string(ev.Kind))
	}
}

// emitFinal delivers the terminal done or error event even when ctx has
// ended, waiting at most FinalEventWait for the consumer.
func (t *turnRun) emitFinal(ctx context.Context, ev Event) {
	select {
	case t.out <- ev:
		return
	case <-ctx.Done():
	}

	timer := time.NewTimer(t.c.opts.FinalEventWait)
	defer timer.Stop()

	select {
	case t.out <- ev:
	case <-timer.C:
		t.log.Warn("turn.event.dropped", "kind", string(ev.Kind))
	}
}

func callKey(parent, child string) string { return parent + ":" + child }
