package tool

import (
	"encoding/json"

	"github.com/hupe1980/turnmesh/core"
)

// InProgressText is the placeholder returned while another caller executes
// the same call. Callers must not treat it as a final result.
const InProgressText = "Tool call in progress..."

// EnvelopeContent is one content item of an Envelope.
type EnvelopeContent struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations any    `json:"annotations"`
}

// Envelope is the uniform tool-result shape shared by all executors.
type Envelope struct {
	Role    string            `json:"role"`
	Name    string            `json:"name"`
	Content []EnvelopeContent `json:"content"`
}

// NewEnvelope wraps text produced by tool name.
func NewEnvelope(name, text string) Envelope {
	return Envelope{
		Role:    string(core.RoleTool),
		Name:    name,
		Content: []EnvelopeContent{{Type: "text", Text: text}},
	}
}

// String returns the JSON encoding of the envelope.
func (e Envelope) String() string { return core.MustJSON(e) }

// Text joins the text items of the envelope.
func (e Envelope) Text() string {
	out := ""
	for i, c := range e.Content {
		if i > 0 {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// WrapText returns the JSON envelope of text.
func WrapText(name, text string) string { return NewEnvelope(name, text).String() }

// WrapError returns the JSON envelope describing err.
func WrapError(name string, err error) string {
	return NewEnvelope(name, "Error: "+err.Error()).String()
}

// InProgressEnvelope returns the placeholder envelope for name.
func InProgressEnvelope(name string) string { return WrapText(name, InProgressText) }

// ParseEnvelope decodes an envelope; ok is false when s is not one.
func ParseEnvelope(s string) (Envelope, bool) {
	var e Envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil || e.Role != string(core.RoleTool) || e.Content == nil {
		return Envelope{}, false
	}
	return e, true
}

// ErrorContent renders the tool-role error payload {"error": msg}.
func ErrorContent(msg string) string {
	return core.MustJSON(map[string]string{"error": msg})
}
