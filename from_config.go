package turnmesh

import (
	"context"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"

	"github.com/hupe1980/turnmesh/config"
	"github.com/hupe1980/turnmesh/engine"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/model/anthropic"
	"github.com/hupe1980/turnmesh/model/openai"
	"github.com/hupe1980/turnmesh/rag"
	"github.com/hupe1980/turnmesh/store"
	"github.com/hupe1980/turnmesh/tool"
	"github.com/hupe1980/turnmesh/tool/webhook"
)

// anthropicPrefix routes agent models to the Anthropic adapter.
const anthropicPrefix = "claude"

// NewFromConfig creates a TurnMesh from service configuration. optFns run
// after the configuration has been applied and may override any option.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*TurnMesh, error) {
	logger := logging.NewLogger(cfg.LoggerConfig())

	models := NewModelRouter(cfg.Provider)

	var (
		st       *store.Store
		secrets  webhook.SecretSource
		searcher tool.Searcher
	)

	if cfg.Database.URL != "" {
		dialect, dsn := store.DialectFromURL(cfg.Database.URL)

		var err error
		st, err = store.Open(ctx, dialect, dsn, func(o *store.Options) {
			o.MaxOpenConns = cfg.Database.MaxOpenConns
			o.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		})
		if err != nil {
			return nil, err
		}

		if cfg.Database.Migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, err
			}
		}

		secrets = st
		logger.Info("turnmesh.store.open", "dialect", string(dialect))
	} else if cfg.Tools.SigningSecret != "" {
		secrets = webhook.StaticSecret(cfg.Tools.SigningSecret)
	}

	if cfg.RAG.Enabled && st != nil {
		searcher = rag.NewSearcher(st, NewEmbedder(cfg), func(o *rag.Options) {
			o.Logger = logger
		})
	}

	all := append([]func(o *Options){func(o *Options) {
		o.Model = models
		o.DefaultModel = cfg.Provider.DefaultModel
		o.MockModel = models
		o.MockModelName = cfg.Provider.MockModel
		o.Secrets = secrets
		o.Searcher = searcher
		o.MaxIterations = cfg.Turn.MaxIterations
		o.MaxSteps = cfg.Turn.MaxSteps
		o.DisableStream = cfg.Turn.DisableStream
		o.StartWithStartAgent = cfg.Turn.StartWithStartAgent
		o.EngineConfig = engine.Config{
			MaxConcurrentTurns: cfg.Engine.MaxConcurrentTurns,
			TurnTimeout:        cfg.Engine.TurnTimeout,
		}
		o.GateOptions = append(o.GateOptions, func(g *tool.GateOptions) {
			g.LockWait = cfg.Tools.LockWait
			g.ExecTimeout = cfg.Tools.ExecTimeout
			g.IdleLockTTL = cfg.Tools.IdleLockTTL
		})
		o.Logger = logger
	}}, optFns...)

	mesh, err := New(all...)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, fmt.Errorf("turnmesh: %w", err)
	}

	mesh.store = st
	return mesh, nil
}

// NewModelRouter builds the provider router: OpenAI compatible by default,
// Anthropic for claude models when a key is configured.
func NewModelRouter(p config.ProviderConfig) *model.Router {
	router := &model.Router{
		Default: openai.NewModel(func(o *openai.Options) {
			o.Model = p.DefaultModel
			o.APIKey = p.OpenAIAPIKey
			o.BaseURL = p.BaseURL
			o.Temperature = p.Temperature
		}),
	}

	if p.AnthropicAPIKey != "" {
		router.Routes = append(router.Routes, model.Route{
			Prefix: anthropicPrefix,
			Model: anthropic.NewModel(func(o *anthropic.Options) {
				o.APIKey = p.AnthropicAPIKey
				o.Temperature = p.Temperature
				if strings.HasPrefix(p.DefaultModel, anthropicPrefix) {
					o.Model = anthropicsdk.Model(p.DefaultModel)
				}
			}),
		})
	}

	return router
}

// NewEmbedder returns the OpenAI embedder configured for RAG.
func NewEmbedder(cfg *config.Config) *rag.OpenAIEmbedder {
	return rag.NewOpenAIEmbedder(func(o *rag.OpenAIEmbedderOptions) {
		o.Model = openaisdk.EmbeddingModel(cfg.RAG.EmbeddingModel)
		o.APIKey = cfg.Provider.OpenAIAPIKey
		o.BaseURL = cfg.Provider.BaseURL
	})
}
