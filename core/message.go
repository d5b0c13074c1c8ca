package core

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Role identifies the author class of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleDeveloper carries tool output that arrived from a previous turn.
	RoleDeveloper Role = "developer"
)

// ResponseType marks whether a message is meant for the end user.
type ResponseType string

const (
	ResponseInternal ResponseType = "internal"
	ResponseExternal ResponseType = "external"
)

// ToolCallTypeFunction is the only tool call type produced by turnmesh.
const ToolCallTypeFunction = "function"

// FunctionCall holds the name and JSON-encoded arguments of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one entry of an assistant message's tool_calls list.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// NewToolCall creates a function tool call with a fresh id when id is empty.
func NewToolCall(id, name, arguments string) ToolCall {
	if id == "" {
		id = NewID()
	}
	return ToolCall{ID: id, Type: ToolCallTypeFunction, Function: FunctionCall{Name: name, Arguments: arguments}}
}

// Citation is a URL annotation attached to a reply produced with web search.
type Citation struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	StartIndex int64  `json:"start_index"`
	EndIndex   int64  `json:"end_index"`
}

// Message is one conversational unit exchanged with callers and runtimes.
//
// Content is a pointer so a null content survives a JSON round trip; tool
// messages always carry ToolCallID.
type Message struct {
	Role         Role         `json:"role"`
	Content      *string      `json:"content"`
	Sender       string       `json:"sender,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID   string       `json:"tool_call_id,omitempty"`
	ToolName     string       `json:"tool_name,omitempty"`
	Name         string       `json:"name,omitempty"`
	ResponseType ResponseType `json:"response_type,omitempty"`
	Citations    []Citation   `json:"citations,omitempty"`
}

// Text returns a pointer to s for use as Message.Content.
func Text(s string) *string { return &s }

// ContentString returns the content or "" when it is null.
func (m Message) ContentString() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// HasToolCalls reports whether the message requests tool executions.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	c := m
	if m.Content != nil {
		c.Content = Text(*m.Content)
	}
	if m.ToolCalls != nil {
		c.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Citations != nil {
		c.Citations = append([]Citation(nil), m.Citations...)
	}
	return c
}

// identity is the deduplication key of a message: content alone for
// non-tool messages, (content, tool_call_id) for tool messages.
type identity struct {
	content    string
	null       bool
	toolCallID string
	tool       bool
}

func identityOf(m Message) identity {
	id := identity{content: m.ContentString(), null: m.Content == nil}
	if m.Role == RoleTool {
		id.tool = true
		id.toolCallID = m.ToolCallID
	}
	return id
}

// AppendUnique returns base followed by every message of extra whose identity
// is not present in base or earlier in extra. base is not modified.
func AppendUnique(base []Message, extra ...Message) []Message {
	out := make([]Message, 0, len(base)+len(extra))
	out = append(out, base...)

	seen := make(map[identity]struct{}, len(out)+len(extra))
	for _, m := range base {
		seen[identityOf(m)] = struct{}{}
	}

	for _, m := range extra {
		id := identityOf(m)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, m)
	}

	return out
}

// AttributeSender prefixes the content with the sending agent so later agents
// can tell who said what. Messages without a sender are returned unchanged.
func AttributeSender(m Message) Message {
	if m.Sender == "" {
		return m
	}
	m.Content = Text(fmt.Sprintf("Sender agent: %s\nContent: %s", m.Sender, m.ContentString()))
	return m
}

// TokenUsage holds running token totals.
type TokenUsage struct {
	Total      int64 `json:"total"`
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
}

// Add accumulates u into t.
func (t *TokenUsage) Add(u TokenUsage) {
	t.Total += u.Total
	t.Prompt += u.Prompt
	t.Completion += u.Completion
}

// NewID returns a new random identifier.
func NewID() string { return uuid.NewString() }

// MustJSON encodes v and panics on failure. Only use it with values that
// always encode (maps of strings, plain structs).
func MustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("core: encode %T: %v", v, err))
	}
	return string(b)
}
