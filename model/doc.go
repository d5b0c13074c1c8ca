// Package model defines the provider-agnostic abstractions and concrete
// helpers for interacting with language models inside turnmesh.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Express conversations with core.Message and tools with tool.Definition
//   - Route agents to providers by model identifier (Router)
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface in sub
// packages so the runtime and the mock tool executor stay decoupled from
// vendor SDKs.
package model
