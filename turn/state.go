package turn

import (
	"fmt"

	"github.com/hupe1980/turnmesh/core"
)

// State is a phase of the turn state machine.
type State int

const (
	stateNew State = iota
	StateGreeting
	StateAgentActive
	StateAwaitingRuntimeEvent
	StateToolExecuting
	StateControlTransfer
	StateTurnComplete
	StateTurnError
)

var stateNames = map[State]string{
	stateNew:                  "NEW",
	StateGreeting:             "GREETING",
	StateAgentActive:          "AGENT_ACTIVE",
	StateAwaitingRuntimeEvent: "AWAITING_RUNTIME_EVENT",
	StateToolExecuting:        "TOOL_EXECUTING",
	StateControlTransfer:      "CONTROL_TRANSFER",
	StateTurnComplete:         "TURN_COMPLETE",
	StateTurnError:            "TURN_ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateTurnComplete || s == StateTurnError
}

// transitions lists the legal successors of every state. TURN_ERROR is
// reachable from every non-terminal state and is not listed.
var transitions = map[State][]State{
	stateNew:                  {StateGreeting, StateAgentActive},
	StateGreeting:             {StateTurnComplete},
	StateAgentActive:          {StateAwaitingRuntimeEvent},
	StateAwaitingRuntimeEvent: {StateToolExecuting, StateControlTransfer, StateAgentActive, StateTurnComplete},
	StateToolExecuting:        {StateAwaitingRuntimeEvent},
	StateControlTransfer:      {StateAgentActive},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateTurnError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// machine tracks the current state and reports every change.
type machine struct {
	agent    func() string
	state    State
	onChange func(from, to State, agent string)
}

func (m *machine) to(next State) error {
	if !CanTransition(m.state, next) {
		return &core.RuntimeProtocolError{
			Agent:   m.agent(),
			Message: fmt.Sprintf("illegal state transition %s -> %s", m.state, next),
		}
	}

	prev := m.state
	m.state = next
	if m.onChange != nil {
		m.onChange(prev, next, m.agent())
	}

	return nil
}

// parentStack records the parents that handed control to internal children.
type parentStack struct {
	items []string
}

func (s *parentStack) push(name string) { s.items = append(s.items, name) }

func (s *parentStack) pop() (string, bool) {
	if len(s.items) == 0 {
		return "", false
	}
	top := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return top, true
}

func (s *parentStack) len() int { return len(s.items) }
