// Package graph builds the per-turn agent graph: agents with their tool
// bindings, composite instructions and parent to child handoff edges.
//
// A Graph is built once per turn from configuration records and is not
// modified while the turn runs. Handoffs are non-owning references into the
// same graph, so graphs may contain cycles.
package graph

import (
	"strings"

	"github.com/hupe1980/turnmesh/tool"
)

// Visibility decides whether an agent's replies reach the user.
type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityExternal Visibility = "external"
)

// ParseVisibility maps a configured outputVisibility: "internal" in any
// case is internal, everything else is external.
func ParseVisibility(s string) Visibility {
	if strings.EqualFold(strings.TrimSpace(s), string(VisibilityInternal)) {
		return VisibilityInternal
	}
	return VisibilityExternal
}

// DefaultMaxCallsPerParentAgent limits how often a parent may hand off to the
// same internal child within one turn.
const DefaultMaxCallsPerParentAgent = 3

// Agent is one node of the graph.
type Agent struct {
	Name        string
	Description string
	// Instructions is the composite instruction text sent to the model.
	Instructions string
	Model        string
	ToolNames    []string
	ChildNames   []string
	Visibility   Visibility

	MaxCallsPerParentAgent int
	ControlType            ControlType

	Bindings []tool.Binding
	Handoffs []*Agent
}

// IsInternal reports whether the agent's replies stay internal.
func (a *Agent) IsInternal() bool { return a.Visibility == VisibilityInternal }

// Binding returns the tool binding named name.
func (a *Agent) Binding(name string) (tool.Binding, bool) {
	return tool.Find(a.Bindings, name)
}

// WebSearch reports whether the agent carries the native web search tool.
func (a *Agent) WebSearch() bool {
	for _, b := range a.Bindings {
		if _, ok := b.(*tool.Native); ok && b.Name() == tool.WebSearchToolName {
			return true
		}
	}
	return false
}

// Handoff returns the child named name.
func (a *Agent) Handoff(name string) (*Agent, bool) {
	for _, h := range a.Handoffs {
		if h.Name == name {
			return h, true
		}
	}
	return nil, false
}

// Graph owns the agents of one turn.
type Graph struct {
	agents []*Agent
	index  map[string]*Agent
}

func newGraph(agents []*Agent) *Graph {
	g := &Graph{agents: agents, index: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		g.index[a.Name] = a
	}
	return g
}

// Agent returns the agent named name.
func (g *Graph) Agent(name string) (*Agent, bool) {
	a, ok := g.index[name]
	return a, ok
}

// Agents returns the agents in configuration order.
func (g *Graph) Agents() []*Agent {
	return append([]*Agent(nil), g.agents...)
}
