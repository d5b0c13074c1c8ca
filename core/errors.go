package core

import "fmt"

// ConfigError reports malformed agent, tool or prompt configuration. It is
// fatal for the turn that tried to build the graph.
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a ConfigError for field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config error: " + e.Message
	}
	return fmt.Sprintf("config error [%s]: %s", e.Field, e.Message)
}

// RuntimeProtocolError reports an unexpected or malformed event coming from
// the agent runtime, or a turn that cannot make progress.
type RuntimeProtocolError struct {
	Agent   string
	Message string
	Err     error
}

func (e *RuntimeProtocolError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Agent == "" {
		return "runtime protocol error: " + msg
	}
	return fmt.Sprintf("runtime protocol error in %s: %s", e.Agent, msg)
}

func (e *RuntimeProtocolError) Unwrap() error { return e.Err }
