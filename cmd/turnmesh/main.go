// Package main provides the turnmesh command line interface.
//
// Start the HTTP service:
//
//	turnmesh serve --config turnmesh.yaml
//
// Run a single turn from a request file and print its events:
//
//	turnmesh turn --request request.json
//
// Index a document for retrieval:
//
//	turnmesh ingest --project p1 --source s1 --file handbook.md
//
// # Environment Variables
//
//   - TURNMESH_CONFIG: path to the configuration file
//   - API_KEY: bearer token required by the chat routes
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY: provider credentials
//   - DATABASE_URL: postgres:// or sqlite:// store URL
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnmesh",
		Short: "turnmesh - multi-agent conversation turn service",
		Long: `turnmesh runs conversation turns over graphs of cooperating agents.

A turn lets agents reply, call tools and hand control to each other until an
agent whose output is visible to the user answers.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTurnCmd(),
		buildIngestCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath falls back to TURNMESH_CONFIG. An empty result means
// defaults plus environment.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv("TURNMESH_CONFIG")
}
