// Package logging provides a minimal logging interface and adapters for turnmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the gate, the turn controller and the HTTP server use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	tm, err := turnmesh.New(func(o *turnmesh.Options) { o.Logger = logger })
//
// Records use dotted event names ("tool.gate.hit", "turn.state") with
// key/value attributes.
package logging
