package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var schemaCache sync.Map

// CompileSchema compiles a tool parameter schema. Compiled schemas are
// cached by their JSON text. A nil or property-less schema yields nil.
func CompileSchema(toolName string, params map[string]any) (*jsonschema.Schema, error) {
	if len(params) == 0 {
		return nil, nil
	}
	if props, _ := params["properties"].(map[string]any); len(props) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema of %s: %w", toolName, err)
	}

	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(toolName+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema of %s: %w", toolName, err)
	}
	schemaCache.Store(key, compiled)

	return compiled, nil
}

// ValidateArgs checks rawArgs against schema. Arguments that are not JSON
// are left to the executor.
func ValidateArgs(toolName string, schema *jsonschema.Schema, rawArgs string) error {
	if schema == nil {
		return nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(rawArgs), &decoded); err != nil {
		return nil
	}

	if err := schema.Validate(decoded); err != nil {
		return &ToolExecutionError{
			Tool:    toolName,
			Code:    CodeValidation,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Err:     err,
		}
	}

	return nil
}
