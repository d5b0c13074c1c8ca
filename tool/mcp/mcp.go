// Package mcp implements a tool executor that calls tools on a remote Model
// Context Protocol server over SSE or streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/tool"
)

// Transport selects the MCP client transport.
type Transport string

const (
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable"
)

// ClientFactory creates a connector for a server URL.
type ClientFactory func(serverURL string, info mcp.Implementation, opts ...mcp.ClientOption) (mcp.Connector, error)

// Options configures the MCP executor.
type Options struct {
	Transport Transport
	// Headers are sent with every request to the server.
	Headers map[string]string
	// Timeout bounds one session (connect, initialize, call) when the
	// caller's context has no deadline.
	Timeout    time.Duration
	ClientInfo mcp.Implementation
	// Factory overrides client construction.
	Factory ClientFactory
	Logger  logging.Logger
}

// Executor calls a tool on one MCP server. Each call runs in a fresh session.
type Executor struct {
	serverURL string
	opts      Options
}

var _ tool.Executor = (*Executor)(nil)

// New creates an MCP executor for serverURL.
func New(serverURL string, optFns ...func(o *Options)) *Executor {
	opts := Options{
		Transport:  TransportSSE,
		Timeout:    60 * time.Second,
		ClientInfo: mcp.Implementation{Name: "turnmesh", Version: "1.0.0"},
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.Factory == nil {
		opts.Factory = factoryFor(opts.Transport)
	}

	return &Executor{serverURL: strings.TrimSpace(serverURL), opts: opts}
}

func factoryFor(t Transport) ClientFactory {
	if t == TransportStreamable {
		return func(u string, info mcp.Implementation, opts ...mcp.ClientOption) (mcp.Connector, error) {
			return mcp.NewClient(u, info, opts...)
		}
	}
	return func(u string, info mcp.Implementation, opts ...mcp.ClientOption) (mcp.Connector, error) {
		return mcp.NewSSEClient(u, info, opts...)
	}
}

// Execute implements tool.Executor. Failures produce an "Error: ..."
// envelope together with a non-nil error.
func (e *Executor) Execute(ctx context.Context, toolName, args string) (string, error) {
	log := logging.With(e.opts.Logger, "tool", toolName, "server", e.serverURL)

	text, err := e.call(ctx, toolName, args)
	if err != nil {
		log.Warn("tool.mcp.error", "error", err.Error())
		return tool.WrapError(toolName, err), err
	}

	log.Debug("tool.mcp.done", "bytes", len(text))

	return tool.WrapText(toolName, text), nil
}

func (e *Executor) call(ctx context.Context, toolName, args string) (string, error) {
	if e.serverURL == "" {
		return "", tool.NewToolExecutionError(toolName, tool.CodeNotConfigured, "no MCP server url configured")
	}

	arguments, err := DecodeArgs(args)
	if err != nil {
		return "", err
	}

	if _, ok := ctx.Deadline(); !ok && e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	var clientOpts []mcp.ClientOption
	if len(e.opts.Headers) > 0 {
		headers := http.Header{}
		for k, v := range e.opts.Headers {
			headers.Set(k, v)
		}
		clientOpts = append(clientOpts, mcp.WithHTTPHeaders(headers))
	}

	client, err := e.opts.Factory(e.serverURL, e.opts.ClientInfo, clientOpts...)
	if err != nil {
		return "", fmt.Errorf("create MCP client: %w", err)
	}
	defer client.Close()

	if _, err := client.Initialize(ctx, &mcp.InitializeRequest{}); err != nil {
		return "", fmt.Errorf("initialize MCP session: %w", err)
	}

	req := &mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = arguments

	resp, err := client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call MCP tool %s: %w", toolName, err)
	}

	return JoinText(resp.Content), nil
}

// DecodeArgs decodes the JSON object arguments of a call. Empty input is an
// empty object and the reserved "mcp_servers" key is dropped.
func DecodeArgs(args string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(args) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(args), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	delete(out, "mcp_servers")

	return out, nil
}

// JoinText flattens the text items of a tool result.
func JoinText(contents []mcp.Content) string {
	var parts []string
	for _, c := range contents {
		if text, ok := c.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
