package graph

import (
	"context"
	"net/http"
	"strings"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
	"github.com/hupe1980/turnmesh/tool/mcp"
	"github.com/hupe1980/turnmesh/tool/mock"
	"github.com/hupe1980/turnmesh/tool/webhook"
)

// RagToolType marks the tool configuration used for retrieval.
const RagToolType = "rag"

// Options configures a Builder. The fields are process-wide collaborators
// shared by every graph the builder produces.
type Options struct {
	Logger logging.Logger
	// Gate coalesces generic tool invocations across turns.
	Gate *tool.Gate
	// DefaultModel is used for agents without a model.
	DefaultModel string
	// MockModel simulates mocked tools. MockModelName overrides its default.
	MockModel     model.Model
	MockModelName string
	// Secrets resolves webhook signing secrets per project.
	Secrets    webhook.SecretSource
	HTTPClient *http.Client
	// Searcher answers rag_search calls.
	Searcher tool.Searcher
	// MCP options applied to every MCP executor.
	MCP []func(o *mcp.Options)
}

// Env carries the per-request inputs of a build.
type Env struct {
	ProjectID      string
	ToolWebhookURL string
	MCPServers     []MCPServer
	TestProfile    *TestProfile
}

// Builder turns configuration records into graphs.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder.
func NewBuilder(optFns ...func(o *Options)) *Builder {
	opts := Options{
		Logger:       logging.NoOpLogger{},
		DefaultModel: "gpt-4o",
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Builder{opts: opts}
}

// Build constructs the graph for one turn. Missing tools, unknown MCP
// servers and dangling child references are logged and skipped; empty or
// duplicate agent names are configuration errors.
func (b *Builder) Build(ctx context.Context, agents []AgentConfig, tools []ToolConfig, env Env) (*Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(agents))
	for i, cfg := range agents {
		if strings.TrimSpace(cfg.Name) == "" {
			return nil, core.NewConfigError("agents", "agent at index %d has no name", i)
		}
		if seen[cfg.Name] {
			return nil, core.NewConfigError("agents", "duplicate agent name %q", cfg.Name)
		}
		seen[cfg.Name] = true
	}

	built := make([]*Agent, 0, len(agents))
	for _, cfg := range agents {
		a, err := b.buildAgent(cfg, agents, tools, env)
		if err != nil {
			return nil, err
		}
		built = append(built, a)
	}

	g := newGraph(built)

	for _, a := range built {
		for _, name := range a.ChildNames {
			child, ok := g.Agent(name)
			if !ok {
				b.opts.Logger.Warn("graph.handoff.missing", "agent", a.Name, "child", name)
				continue
			}
			a.Handoffs = append(a.Handoffs, child)
		}
	}

	b.opts.Logger.Debug("graph.built", "agents", len(built), "tools", len(tools))

	return g, nil
}

func (b *Builder) buildAgent(cfg AgentConfig, agents []AgentConfig, tools []ToolConfig, env Env) (*Agent, error) {
	log := logging.With(b.opts.Logger, "agent", cfg.Name)

	toolNames := append([]string(nil), cfg.Tools...)
	instructions := cfg.Instructions

	if cfg.HasRagSources {
		ragCfg, ok := findToolByType(tools, RagToolType)
		if !ok {
			log.Warn("graph.rag.tool_missing")
		} else {
			toolNames = append(toolNames, ragCfg.Name)
			withRag, err := withRagInstructions(instructions, ragCfg.Name)
			if err != nil {
				return nil, core.NewConfigError("agents", "render rag instructions for %s: %v", cfg.Name, err)
			}
			instructions = withRag
		}
	}

	a := &Agent{
		Name:                   cfg.Name,
		Description:            cfg.Description,
		Model:                  cfg.Model,
		ChildNames:             append([]string(nil), cfg.ConnectedAgents...),
		Visibility:             ParseVisibility(cfg.OutputVisibility),
		MaxCallsPerParentAgent: cfg.MaxCallsPerParentAgent,
		ControlType:            cfg.ControlType,
	}
	if a.Model == "" {
		a.Model = b.opts.DefaultModel
	}
	if a.MaxCallsPerParentAgent <= 0 {
		a.MaxCallsPerParentAgent = DefaultMaxCallsPerParentAgent
	}
	if a.ControlType == "" {
		a.ControlType = ControlRetain
	}

	var policies []string
	for _, name := range toolNames {
		if _, dup := a.Binding(name); dup {
			continue
		}

		tc, ok := findTool(tools, name)
		if !ok {
			log.Warn("graph.tool.missing", "tool", name)
			continue
		}

		binding := b.bind(log, tc, cfg, env)
		if binding == nil {
			continue
		}

		a.Bindings = append(a.Bindings, binding)
		a.ToolNames = append(a.ToolNames, name)

		policy, err := toolPolicyBlock(tc.Name, tc.Description)
		if err != nil {
			return nil, core.NewConfigError("tools", "render instructions for tool %s: %v", tc.Name, err)
		}
		policies = append(policies, policy)
	}

	text := compositeInstructions(cfg.Name, cfg.Description, instructions)
	if len(policies) > 0 {
		text += "\n\n" + strings.Join(policies, "\n\n")
	}

	var children []child
	for _, name := range a.ChildNames {
		if cc, ok := findAgentConfig(agents, name); ok && name != cfg.Name {
			children = append(children, child{Name: cc.Name, Description: cc.Description})
		}
	}
	if len(children) > 0 {
		block, err := transferBlock(children)
		if err != nil {
			return nil, core.NewConfigError("agents", "render transfer instructions for %s: %v", cfg.Name, err)
		}
		text += "\n\n" + block
	}

	a.Instructions = text

	return a, nil
}

// bind resolves a tool configuration into a binding, or nil when the tool
// cannot be served.
func (b *Builder) bind(log logging.Logger, tc ToolConfig, cfg AgentConfig, env Env) tool.Binding {
	switch {
	case tc.Name == tool.WebSearchToolName:
		return &tool.Native{ToolName: tc.Name, Description: tc.Description}

	case tc.Name == tool.RagSearchToolName || tc.Type == RagToolType:
		if len(cfg.RagDataSources) == 0 {
			log.Warn("graph.rag.no_sources", "tool", tc.Name)
			return nil
		}
		returnType := cfg.RagReturnType
		if returnType == "" {
			returnType = "chunks"
		}
		return &tool.RagSearch{
			ToolName:    tc.Name,
			Description: tc.Description,
			Searcher:    b.opts.Searcher,
			Scope: tool.RagRequest{
				ProjectID:  env.ProjectID,
				SourceIDs:  append([]string(nil), cfg.RagDataSources...),
				ReturnType: returnType,
				K:          cfg.RagK,
			},
		}
	}

	exec, kind, ok := b.executor(log, tc, env)
	if !ok {
		return nil
	}

	inv, err := tool.NewGenericInvocation(tc.Name, tc.Description, tc.Parameters, kind, exec, b.opts.Gate)
	if err != nil {
		log.Warn("graph.tool.schema_invalid", "tool", tc.Name, "error", err.Error())
	}

	return inv
}

func (b *Builder) executor(log logging.Logger, tc ToolConfig, env Env) (tool.Executor, tool.ExecutorKind, bool) {
	profile := env.TestProfile

	if tc.MockTool || (profile != nil && profile.MockTools) {
		instructions := tc.MockInstructions
		if profile != nil && profile.MockPrompt != "" {
			instructions = profile.MockPrompt
		}
		return mock.New(b.opts.MockModel, func(o *mock.Options) {
			o.Description = tc.Description
			o.Instructions = instructions
			o.ModelName = b.opts.MockModelName
			o.Logger = b.opts.Logger
		}), tool.KindMock, true
	}

	if tc.IsMCP {
		url := ""
		for _, s := range env.MCPServers {
			if s.Name == tc.MCPServerName {
				url = s.URL
				break
			}
		}
		if url == "" {
			log.Warn("graph.mcp.server_missing", "tool", tc.Name, "server", tc.MCPServerName)
			return nil, "", false
		}

		optFns := append([]func(o *mcp.Options){func(o *mcp.Options) { o.Logger = b.opts.Logger }}, b.opts.MCP...)
		return mcp.New(url, optFns...), tool.KindMCP, true
	}

	return webhook.New(env.ToolWebhookURL, func(o *webhook.Options) {
		o.ProjectID = env.ProjectID
		o.Secrets = b.opts.Secrets
		if b.opts.HTTPClient != nil {
			o.HTTPClient = b.opts.HTTPClient
		}
		o.Logger = b.opts.Logger
	}), tool.KindWebhook, true
}
