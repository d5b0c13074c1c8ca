// Package core provides the foundational domain types shared by every
// turnmesh package:
//
//   - Message, ToolCall and Citation, the conversational units exchanged
//     with callers and agent runtimes
//   - message identity and deduplication (AppendUnique)
//   - TokenUsage accounting
//   - the turn-fatal error types ConfigError and RuntimeProtocolError
//
// The package has no knowledge of agents, tools or transports.
package core
