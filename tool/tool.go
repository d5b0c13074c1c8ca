// Package tool implements the tool calling subsystem: the process-wide
// invocation Gate that coalesces identical calls, argument normalization,
// the closed set of tool bindings an agent can hold, and the executor
// contract that concrete transports (mock, MCP, webhook) implement.
package tool

import (
	"context"
	"errors"
	"fmt"
)

// Executor resolves a tool call into a result text. args is the normalized
// JSON argument string produced by NormalizeArgs.
//
// Implementations should return a textual error payload alongside a non-nil
// error on failure so callers can forward the payload to the model.
type Executor interface {
	Execute(ctx context.Context, toolName, args string) (string, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, toolName, args string) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, toolName, args string) (string, error) {
	return f(ctx, toolName, args)
}

// ExecutorKind names the strategy behind a GenericInvocation.
type ExecutorKind string

const (
	KindMock    ExecutorKind = "mock"
	KindMCP     ExecutorKind = "mcp"
	KindWebhook ExecutorKind = "webhook"
)

// Error codes carried by ToolExecutionError.
const (
	CodeExecution     = "EXECUTION_ERROR"
	CodePanic         = "PANIC"
	CodeValidation    = "VALIDATION_ERROR"
	CodeNativeTool    = "NATIVE_TOOL"
	CodeNotConfigured = "NOT_CONFIGURED"
)

// ToolExecutionError represents a failed tool execution. It never aborts a
// turn: the controller turns it into a tool-role error message.
type ToolExecutionError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Err     error  `json:"-"`
}

func (e *ToolExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// NewToolExecutionError creates a ToolExecutionError with the given code.
func NewToolExecutionError(tool, code, message string) *ToolExecutionError {
	return &ToolExecutionError{Tool: tool, Code: code, Message: message}
}

// AsToolExecutionError converts err into a *ToolExecutionError, wrapping
// foreign errors with CodeExecution.
func AsToolExecutionError(tool string, err error) *ToolExecutionError {
	if err == nil {
		return nil
	}
	var te *ToolExecutionError
	if errors.As(err, &te) {
		return te
	}
	return &ToolExecutionError{Tool: tool, Code: CodeExecution, Message: err.Error(), Err: err}
}

// Definition describes a tool to a model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}
