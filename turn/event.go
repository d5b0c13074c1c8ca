package turn

import (
	"encoding/json"

	"github.com/hupe1980/turnmesh/core"
)

// EventKind tags an Event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// FinalState is the conversation state reported when a turn ends. It is the
// PriorState input of the next turn.
type FinalState struct {
	LastAgentName string          `json:"last_agent_name"`
	Tokens        core.TokenUsage `json:"tokens"`
	TurnMessages  []core.Message  `json:"turn_messages"`
}

// Event is one item of the turn stream.
type Event struct {
	Kind    EventKind
	Message *core.Message
	// State is set on done, and on error when an agent was active.
	State *FinalState
	Err   error
}

// DonePayload is the body of a done event.
type DonePayload struct {
	State *FinalState `json:"state"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Error string      `json:"error"`
	State *FinalState `json:"state"`
}

// Payload returns the JSON body of the event.
func (e Event) Payload() any {
	switch e.Kind {
	case EventMessage:
		return e.Message
	case EventDone:
		return DonePayload{State: e.State}
	default:
		msg := ""
		if e.Err != nil {
			msg = e.Err.Error()
		}
		return ErrorPayload{Error: msg, State: e.State}
	}
}

// MarshalJSON encodes the event as {"type": kind, "data": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type EventKind `json:"type"`
		Data any       `json:"data"`
	}{Type: e.Kind, Data: e.Payload()})
}
