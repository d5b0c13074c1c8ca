package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hupe1980/turnmesh/core"
)

// Binding is a tool attached to an agent. The set of bindings is closed:
// Native, RagSearch and GenericInvocation.
type Binding interface {
	Name() string
	Definition() Definition
	// Invoke executes call and returns the tool-role content.
	Invoke(ctx context.Context, call core.ToolCall) (string, error)
	isBinding()
}

// WebSearchToolName is the native web search tool handled by the model provider.
const WebSearchToolName = "web_search"

// RagSearchToolName is the builtin retrieval tool.
const RagSearchToolName = "rag_search"

// Native is a tool executed by the model provider itself (web search). The
// runtime advertises it through the model request instead of invoking it.
type Native struct {
	ToolName    string
	Description string
}

func (Native) isBinding() {}

// Name returns the tool name.
func (n *Native) Name() string { return n.ToolName }

// Definition describes the tool.
func (n *Native) Definition() Definition {
	return Definition{Name: n.ToolName, Description: n.Description}
}

// Invoke always fails: native tools are resolved by the provider.
func (n *Native) Invoke(context.Context, core.ToolCall) (string, error) {
	return "", NewToolExecutionError(n.ToolName, CodeNativeTool, "native tool is executed by the model provider")
}

// RagRequest is a retrieval query scoped to one project and agent.
type RagRequest struct {
	ProjectID  string
	Query      string
	SourceIDs  []string
	ReturnType string
	K          int
}

// Searcher answers retrieval queries with the formatted tool content.
type Searcher interface {
	Search(ctx context.Context, req RagRequest) (string, error)
}

// RagSearch retrieves knowledge base content for the agent's data sources.
type RagSearch struct {
	ToolName    string
	Description string
	Searcher    Searcher
	// Scope carries the fixed parts of every request (project, sources, k).
	Scope RagRequest
}

func (RagSearch) isBinding() {}

// Name returns the tool name.
func (r *RagSearch) Name() string { return r.ToolName }

// Definition describes the tool with a single query argument.
func (r *RagSearch) Definition() Definition {
	return Definition{
		Name:        r.ToolName,
		Description: r.Description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "The query to search for"},
			},
			"required": []string{"query"},
		},
	}
}

// Invoke runs the search.
func (r *RagSearch) Invoke(ctx context.Context, call core.ToolCall) (string, error) {
	if r.Searcher == nil {
		return "", NewToolExecutionError(r.ToolName, CodeNotConfigured, "no retrieval backend configured")
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return "", NewToolExecutionError(r.ToolName, CodeValidation, "argument 'query' must be a non-empty string")
	}

	req := r.Scope
	req.Query = args.Query

	out, err := r.Searcher.Search(ctx, req)
	if err != nil {
		return "", AsToolExecutionError(r.ToolName, err)
	}

	return out, nil
}

// GenericInvocation routes a configured tool through the Gate to its executor.
type GenericInvocation struct {
	ToolName    string
	Description string
	Parameters  map[string]any
	Kind        ExecutorKind
	Executor    Executor
	// Gate coalesces identical calls. When nil the executor is called directly.
	Gate *Gate

	schema *jsonschema.Schema
}

func (GenericInvocation) isBinding() {}

// NewGenericInvocation creates a GenericInvocation and compiles its
// parameter schema. A schema that fails to compile disables validation and
// is reported as the returned error.
func NewGenericInvocation(name, description string, params map[string]any, kind ExecutorKind, exec Executor, gate *Gate) (*GenericInvocation, error) {
	g := &GenericInvocation{
		ToolName:    name,
		Description: description,
		Parameters:  params,
		Kind:        kind,
		Executor:    exec,
		Gate:        gate,
	}

	schema, err := CompileSchema(name, params)
	if err != nil {
		return g, err
	}
	g.schema = schema

	return g, nil
}

// Name returns the tool name.
func (g *GenericInvocation) Name() string { return g.ToolName }

// Definition describes the tool.
func (g *GenericInvocation) Definition() Definition {
	params := g.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return Definition{Name: g.ToolName, Description: g.Description, Parameters: params}
}

// Invoke validates the arguments and executes the call through the gate.
func (g *GenericInvocation) Invoke(ctx context.Context, call core.ToolCall) (string, error) {
	if err := ValidateArgs(g.ToolName, g.schema, call.Function.Arguments); err != nil {
		return "", err
	}

	if g.Gate == nil {
		if g.Executor == nil {
			return "", NewToolExecutionError(g.ToolName, CodeNotConfigured, "no executor configured")
		}
		out, err := g.Executor.Execute(ctx, g.ToolName, NormalizeArgs(call.Function.Arguments))
		if err != nil {
			return out, AsToolExecutionError(g.ToolName, err)
		}
		return out, nil
	}

	return g.Gate.Invoke(ctx, g.ToolName, call.Function.Arguments, g.Executor)
}

// String implements fmt.Stringer for log output.
func (g *GenericInvocation) String() string {
	return fmt.Sprintf("%s(%s)", g.ToolName, g.Kind)
}

// Find returns the binding named name.
func Find(bindings []Binding, name string) (Binding, bool) {
	for _, b := range bindings {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}
