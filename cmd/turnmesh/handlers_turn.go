package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hupe1980/turnmesh"
	"github.com/hupe1980/turnmesh/rag"
	"github.com/hupe1980/turnmesh/store"
	"github.com/hupe1980/turnmesh/turn"
)

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// runTurn runs one turn from a request file and writes every event as a
// JSON line. A turn that ends with an error event fails the command.
func runTurn(cmd *cobra.Command, configPath, requestPath string) error {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}

	data, err := readInput(cmd, requestPath)
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	var req turn.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	req.Messages = turn.SanitizeInput(req.Messages)

	ctx := cmd.Context()

	mesh, err := turnmesh.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer mesh.Close()

	_, events, err := mesh.Invoke(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())

	var turnErr error
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if ev.Kind == turn.EventError {
			turnErr = ev.Err
		}
	}

	return turnErr
}

type ingestOptions struct {
	ProjectID string
	SourceID  string
	File      string
	Title     string
}

// runIngest stores a document and its embedded chunks.
func runIngest(cmd *cobra.Command, configPath string, opts ingestOptions) error {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("ingest requires database.url")
	}

	content, err := os.ReadFile(opts.File)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	ctx := cmd.Context()

	dialect, dsn := store.DialectFromURL(cfg.Database.URL)
	st, err := store.Open(ctx, dialect, dsn, func(o *store.Options) {
		o.MaxOpenConns = cfg.Database.MaxOpenConns
		o.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	if err := st.PutSource(ctx, store.Source{
		ID:        opts.SourceID,
		ProjectID: opts.ProjectID,
		Name:      opts.SourceID,
		Active:    true,
	}); err != nil {
		return err
	}

	name := filepath.Base(opts.File)
	title := opts.Title
	if title == "" {
		title = strings.TrimSuffix(name, filepath.Ext(name))
	}

	indexer := rag.NewIndexer(st, turnmesh.NewEmbedder(cfg), func(o *rag.IndexerOptions) {
		o.ChunkWords = cfg.RAG.ChunkWords
		o.OverlapWords = cfg.RAG.OverlapWords
	})

	n, err := indexer.Index(ctx, store.Doc{
		ID:        opts.SourceID + "/" + name,
		ProjectID: opts.ProjectID,
		SourceID:  opts.SourceID,
		Title:     title,
		Name:      name,
		Content:   string(content),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "indexed %s: %d chunks\n", name, n)
	return nil
}
