package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP service.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the turnmesh HTTP service",
		Long: `Start the HTTP service exposing /health, /chat and /chat_stream.

Idle tool gate locks are swept on the maintenance schedule. Graceful shutdown
is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults and environment
  turnmesh serve

  # Start with a config file and debug logging
  turnmesh serve --config /etc/turnmesh/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildTurnCmd creates the "turn" command that runs one turn locally.
func buildTurnCmd() *cobra.Command {
	var (
		configPath  string
		requestPath string
	)

	cmd := &cobra.Command{
		Use:   "turn",
		Short: "Run a single turn and print its events as JSON lines",
		Example: `  turnmesh turn --request request.json
  cat request.json | turnmesh turn --request -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTurn(cmd, resolveConfigPath(configPath), requestPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&requestPath, "request", "r", "-", "Path to the turn request JSON, - for stdin")

	return cmd
}

// buildIngestCmd creates the "ingest" command that indexes a document for
// retrieval tools.
func buildIngestCmd() *cobra.Command {
	var (
		configPath string
		opts       ingestOptions
	)

	cmd := &cobra.Command{
		Use:     "ingest",
		Short:   "Chunk, embed and store a document for retrieval",
		Example: `  turnmesh ingest --project p1 --source handbook --file handbook.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, resolveConfigPath(configPath), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "Project id")
	cmd.Flags().StringVar(&opts.SourceID, "source", "", "Source id")
	cmd.Flags().StringVar(&opts.File, "file", "", "Document file")
	cmd.Flags().StringVar(&opts.Title, "title", "", "Document title (defaults to the file name)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "turnmesh %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
