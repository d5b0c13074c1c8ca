package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/runtime"
)

type stepKind int

const (
	stepEvent stepKind = iota
	stepTool
	stepHandoff
	stepFail
	stepBlock
)

// Step is one scripted action of an agent run.
type Step struct {
	kind  stepKind
	event runtime.Event
	call  core.ToolCall
	to    string
	err   error
}

// Reply ends the run with a message.
func Reply(text string) Step {
	return Step{kind: stepEvent, event: runtime.MessageOutput{Text: text}}
}

// Delta emits a text fragment.
func Delta(text string) Step {
	return Step{kind: stepEvent, event: runtime.TextDelta{Text: text}}
}

// Usage reports token usage.
func Usage(total, prompt, completion int64) Step {
	return Step{kind: stepEvent, event: runtime.UsageUpdate{Usage: core.TokenUsage{Total: total, Prompt: prompt, Completion: completion}}}
}

// CallTool requests a tool call and waits for its result.
func CallTool(id, name, args string) Step {
	return Step{kind: stepTool, call: core.NewToolCall(id, name, args)}
}

// ToolOutput reports a tool the runtime ran itself.
func ToolOutput(callID, name, output string) Step {
	return Step{kind: stepEvent, event: runtime.ToolCallOutput{CallID: callID, ToolName: name, Output: output}}
}

// WebSearch reports a provider side web search.
func WebSearch(searchID string) Step {
	return Step{kind: stepEvent, event: runtime.WebSearchCall{SearchID: searchID, Status: "completed"}}
}

// Handoff requests a transfer to another agent. An accepted transfer ends
// the run.
func Handoff(to string) Step {
	return Step{kind: stepHandoff, to: to}
}

// Fail ends the run with err.
func Fail(err error) Step {
	return Step{kind: stepFail, err: err}
}

// Raw emits ev unchanged.
func Raw(ev runtime.Event) Step {
	return Step{kind: stepEvent, event: ev}
}

// Block waits until the run is cancelled.
func Block() Step {
	return Step{kind: stepBlock}
}

// Decision records a handoff answer.
type Decision struct {
	From     string
	To       string
	Accepted bool
}

// ScriptedRuntime replays scripted runs per agent. Every Run call consumes
// the next run queued for the requested agent.
type ScriptedRuntime struct {
	mu        sync.Mutex
	runs      map[string][][]Step
	requests  []runtime.RunRequest
	results   map[string]string
	decisions []Decision
}

// NewScriptedRuntime creates an empty ScriptedRuntime.
func NewScriptedRuntime() *ScriptedRuntime {
	return &ScriptedRuntime{
		runs:    make(map[string][][]Step),
		results: make(map[string]string),
	}
}

// On queues one run for agent.
func (s *ScriptedRuntime) On(agent string, steps ...Step) *ScriptedRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[agent] = append(s.runs[agent], steps)
	return s
}

// Requests returns the run requests received so far.
func (s *ScriptedRuntime) Requests() []runtime.RunRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runtime.RunRequest(nil), s.requests...)
}

// ToolResult returns the content handed back for the call id.
func (s *ScriptedRuntime) ToolResult(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.results[id]
	return out, ok
}

// Decisions returns the handoff answers received so far.
func (s *ScriptedRuntime) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.decisions...)
}

// Run implements runtime.Runtime.
func (s *ScriptedRuntime) Run(ctx context.Context, req runtime.RunRequest) (<-chan runtime.Event, <-chan error) {
	events := make(chan runtime.Event)
	errs := make(chan error, 1)

	agent := ""
	if req.Agent != nil {
		agent = req.Agent.Name
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	queue := s.runs[agent]
	var steps []Step
	ok := len(queue) > 0
	if ok {
		steps = queue[0]
		s.runs[agent] = queue[1:]
	}
	s.mu.Unlock()

	go func() {
		defer close(events)
		defer close(errs)

		if !ok {
			errs <- fmt.Errorf("no scripted run for agent %q", agent)
			return
		}

		if err := s.play(ctx, agent, steps, events); err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (s *ScriptedRuntime) play(ctx context.Context, agent string, steps []Step, events chan<- runtime.Event) error {
	send := func(ev runtime.Event) error {
		select {
		case events <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, step := range steps {
		switch step.kind {
		case stepEvent:
			if err := send(withAgent(step.event, agent)); err != nil {
				return err
			}
			if _, done := step.event.(runtime.MessageOutput); done {
				return nil
			}

		case stepTool:
			tr := runtime.NewToolCallRequest(agent, step.call)
			if err := send(tr); err != nil {
				return err
			}
			out, err := tr.Wait(ctx)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.results[step.call.ID] = out
			s.mu.Unlock()

		case stepHandoff:
			h := runtime.NewAgentHandoff(agent, step.to)
			if err := send(h); err != nil {
				return err
			}
			accepted, err := h.Wait(ctx)
			if err != nil {
				return err
			}
			s.mu.Lock()
			s.decisions = append(s.decisions, Decision{From: agent, To: step.to, Accepted: accepted})
			s.mu.Unlock()
			if accepted {
				return nil
			}

		case stepFail:
			return step.err

		case stepBlock:
			<-ctx.Done()
			return ctx.Err()
		}
	}

	return nil
}

func withAgent(ev runtime.Event, agent string) runtime.Event {
	switch e := ev.(type) {
	case runtime.MessageOutput:
		e.Agent = agent
		return e
	case runtime.TextDelta:
		e.Agent = agent
		return e
	case runtime.WebSearchCall:
		e.Agent = agent
		return e
	case runtime.UsageUpdate:
		e.Agent = agent
		return e
	case runtime.ToolCallOutput:
		e.Agent = agent
		return e
	}
	return ev
}
