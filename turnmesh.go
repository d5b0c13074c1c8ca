// Package turnmesh runs conversation turns over graphs of cooperating agents.
//
// A turn takes the conversation history plus agent, tool and prompt
// configuration, lets agents talk, call tools and hand control to each other,
// and ends when an agent whose output is visible to the user replies.
//
//	mesh, err := turnmesh.New(func(o *turnmesh.Options) {
//	    o.Model = openai.NewModel()
//	})
//	if err != nil {
//	    return err
//	}
//	defer mesh.Close()
//
//	res, err := mesh.InvokeSync(ctx, req)
package turnmesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/hupe1980/turnmesh/engine"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/observability"
	"github.com/hupe1980/turnmesh/runtime"
	"github.com/hupe1980/turnmesh/store"
	"github.com/hupe1980/turnmesh/tool"
	"github.com/hupe1980/turnmesh/tool/mcp"
	"github.com/hupe1980/turnmesh/tool/webhook"
	"github.com/hupe1980/turnmesh/turn"
)

// Options configures a TurnMesh.
type Options struct {
	// Model serves agent runs. A *model.Router dispatches per agent model.
	// Required unless Runtime is set.
	Model model.Model
	// Runtime replaces the model driven runtime.
	Runtime runtime.Runtime

	// DefaultModel is used for agents without a model.
	DefaultModel string
	// MockModel simulates mocked tools. Defaults to Model.
	MockModel     model.Model
	MockModelName string

	// Gate is shared by every turn. Created from GateOptions when nil.
	Gate        *tool.Gate
	GateOptions []func(o *tool.GateOptions)

	Searcher   tool.Searcher
	Secrets    webhook.SecretSource
	HTTPClient *http.Client
	MCP        []func(o *mcp.Options)

	MaxIterations       int
	MaxSteps            int
	DisableStream       bool
	StartWithStartAgent bool

	EngineConfig engine.Config

	// Metrics observes turns, transfers and tool calls when set.
	Metrics *observability.Metrics
	Logger  logging.Logger
}

// TurnMesh wires the gate, graph builder, runtime, turn controller and
// engine together.
type TurnMesh struct {
	gate       *tool.Gate
	controller *turn.Controller
	engine     *engine.Engine
	store      *store.Store
	logger     logging.Logger
}

// New creates a TurnMesh.
func New(optFns ...func(o *Options)) (*TurnMesh, error) {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)

	if opts.Runtime == nil && opts.Model == nil {
		return nil, errors.New("turnmesh: a model or a runtime is required")
	}

	gate := opts.Gate
	if gate == nil {
		gate = tool.NewGate(append([]func(o *tool.GateOptions){func(o *tool.GateOptions) {
			o.Logger = logger
			if opts.Metrics != nil {
				o.Observer = opts.Metrics
			}
		}}, opts.GateOptions...)...)
	}

	rt := opts.Runtime
	if rt == nil {
		rt = runtime.New(resolver(opts.Model), func(o *runtime.Options) {
			o.Logger = logger
			if opts.MaxSteps > 0 {
				o.MaxSteps = opts.MaxSteps
			}
			o.Stream = !opts.DisableStream
		})
	}

	mockModel := opts.MockModel
	if mockModel == nil {
		mockModel = opts.Model
	}

	builder := graph.NewBuilder(func(o *graph.Options) {
		o.Logger = logger
		o.Gate = gate
		if opts.DefaultModel != "" {
			o.DefaultModel = opts.DefaultModel
		}
		o.MockModel = mockModel
		o.MockModelName = opts.MockModelName
		o.Secrets = opts.Secrets
		o.HTTPClient = opts.HTTPClient
		o.Searcher = opts.Searcher
		o.MCP = opts.MCP
	})

	controller := turn.NewController(rt, func(o *turn.Options) {
		o.Builder = builder
		o.Logger = logger
		o.MaxIterations = opts.MaxIterations
		o.StartWithStartAgent = opts.StartWithStartAgent
		if opts.Metrics != nil {
			o.Observer = opts.Metrics
		}
	})

	eng, err := engine.New(controller, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Logger = logger
	})
	if err != nil {
		return nil, err
	}

	if opts.Metrics != nil {
		opts.Metrics.ObserveGate(gate)
		opts.Metrics.ObserveActiveTurns(func() int { return len(eng.ActiveTurns()) })
	}

	return &TurnMesh{
		gate:       gate,
		controller: controller,
		engine:     eng,
		logger:     logger,
	}, nil
}

func resolver(m model.Model) runtime.ModelResolver {
	if r, ok := m.(*model.Router); ok {
		return r.Resolve
	}
	return runtime.Static(m)
}

// Invoke starts a turn on the engine pool. See engine.Engine.Invoke.
func (m *TurnMesh) Invoke(ctx context.Context, req turn.Request) (string, <-chan turn.Event, error) {
	return m.engine.Invoke(ctx, req)
}

// InvokeSync runs a turn to completion. See engine.Engine.InvokeSync.
func (m *TurnMesh) InvokeSync(ctx context.Context, req turn.Request) (*engine.SyncResult, error) {
	return m.engine.InvokeSync(ctx, req)
}

// StopTurn cancels a running turn.
func (m *TurnMesh) StopTurn(id string) error { return m.engine.StopTurn(id) }

// ActiveTurns returns the ids of running turns.
func (m *TurnMesh) ActiveTurns() []string { return m.engine.ActiveTurns() }

// Engine returns the engine, e.g. for server.New.
func (m *TurnMesh) Engine() *engine.Engine { return m.engine }

// Gate returns the process wide tool gate.
func (m *TurnMesh) Gate() *tool.Gate { return m.gate }

// Store returns the SQL store, or nil when none is configured.
func (m *TurnMesh) Store() *store.Store { return m.store }

// SweepLocks evicts idle gate locks and returns how many were removed.
func (m *TurnMesh) SweepLocks() int {
	n := m.gate.Sweep()
	if n > 0 {
		m.logger.Debug("turnmesh.sweep", "evicted", n)
	}
	return n
}

// Close stops the engine and closes the store.
func (m *TurnMesh) Close() error {
	var errs []error
	if err := m.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
