package tool

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// NormalizeArgs canonicalizes a JSON argument string so semantically equal
// calls produce the same text: every string value is lower-cased and
// trimmed, object keys are sorted and numbers keep their literal form.
// Input that is not a single JSON value is returned verbatim.
//
// NormalizeArgs is idempotent.
func NormalizeArgs(raw string) string {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	if _, err := dec.Token(); err != io.EOF {
		return raw
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalizeValue(v)); err != nil {
		return raw
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeValue(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeValue(val)
		}
		return t
	default:
		return v
	}
}

// CallKey builds the gate key of a call from the tool name and its
// normalized arguments.
func CallKey(toolName, normalizedArgs string) string {
	return toolName + ":" + normalizedArgs
}
