package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/turn"
)

var (
	// ErrTooManyTurns is returned by Invoke when every worker is busy.
	ErrTooManyTurns = errors.New("engine: too many concurrent turns")
	// ErrTurnNotFound is returned by StopTurn for unknown or finished turns.
	ErrTurnNotFound = errors.New("engine: turn not found")
	// ErrClosed is returned by Invoke after Close.
	ErrClosed = errors.New("engine: closed")
)

// Runner executes one turn. *turn.Controller implements it.
type Runner interface {
	Run(ctx context.Context, req turn.Request) <-chan turn.Event
}

// Config defines tuning parameters of the Engine.
type Config struct {
	// MaxConcurrentTurns is the worker pool size.
	MaxConcurrentTurns int

	// EventBufferSize is the buffer of each returned event channel.
	EventBufferSize int

	// TurnTimeout bounds a single turn. Zero disables the limit.
	TurnTimeout time.Duration

	// ShutdownTimeout bounds how long Close waits for workers to exit.
	ShutdownTimeout time.Duration

	// FinalEventWait bounds the delivery of the done or error event of a
	// stopped or timed out turn.
	FinalEventWait time.Duration
}

// DefaultConfig holds the values used for zero fields.
var DefaultConfig = Config{
	MaxConcurrentTurns: 64,
	EventBufferSize:    100,
	ShutdownTimeout:    10 * time.Second,
	FinalEventWait:     5 * time.Second,
}

// Options configures an Engine.
type Options struct {
	Config Config
	Logger logging.Logger
}

// Engine runs turns on a bounded pool and tracks the active ones.
type Engine struct {
	runner Runner
	pool   *ants.Pool
	config Config
	logger logging.Logger

	mu     sync.RWMutex
	active map[string]context.CancelFunc
	closed bool
}

// New creates an Engine around runner.
func New(runner Runner, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Config.MaxConcurrentTurns <= 0 {
		opts.Config.MaxConcurrentTurns = DefaultConfig.MaxConcurrentTurns
	}
	if opts.Config.EventBufferSize <= 0 {
		opts.Config.EventBufferSize = DefaultConfig.EventBufferSize
	}
	if opts.Config.ShutdownTimeout <= 0 {
		opts.Config.ShutdownTimeout = DefaultConfig.ShutdownTimeout
	}
	if opts.Config.FinalEventWait <= 0 {
		opts.Config.FinalEventWait = DefaultConfig.FinalEventWait
	}

	logger := logging.OrNoOp(opts.Logger)

	pool, err := ants.NewPool(opts.Config.MaxConcurrentTurns,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("engine.turn.panic", "panic", fmt.Sprint(p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create turn pool: %w", err)
	}

	return &Engine{
		runner: runner,
		pool:   pool,
		config: opts.Config,
		logger: logger,
		active: make(map[string]context.CancelFunc),
	}, nil
}

// Invoke starts a turn and returns its id and event stream. The stream is
// closed after the final done or error event, or when the turn is stopped.
// An empty req.TurnID is replaced by a generated one.
func (e *Engine) Invoke(ctx context.Context, req turn.Request) (string, <-chan turn.Event, error) {
	if req.TurnID == "" {
		req.TurnID = core.NewID()
	}
	id := req.TurnID

	turnCtx, cancel := context.WithCancel(ctx)
	if e.config.TurnTimeout > 0 {
		var cancelTimeout context.CancelFunc
		turnCtx, cancelTimeout = context.WithTimeout(turnCtx, e.config.TurnTimeout)
		parent := cancel
		cancel = func() {
			cancelTimeout()
			parent()
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", nil, ErrClosed
	}
	if _, dup := e.active[id]; dup {
		e.mu.Unlock()
		cancel()
		return "", nil, fmt.Errorf("engine: turn %s is already running", id)
	}
	e.active[id] = cancel
	e.mu.Unlock()

	out := make(chan turn.Event, e.config.EventBufferSize)

	err := e.pool.Submit(func() {
		defer close(out)
		defer e.finish(id)

		start := time.Now()
		e.logger.Debug("engine.turn.start", "turn_id", id)

		for ev := range e.runner.Run(turnCtx, req) {
			e.forward(turnCtx, out, ev)
		}

		e.logger.Debug("engine.turn.end", "turn_id", id, "duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		e.finish(id)
		switch {
		case errors.Is(err, ants.ErrPoolOverload):
			e.logger.Warn("engine.turn.rejected", "turn_id", id, "running", e.pool.Running())
			return "", nil, ErrTooManyTurns
		case errors.Is(err, ants.ErrPoolClosed):
			return "", nil, ErrClosed
		default:
			return "", nil, fmt.Errorf("failed to schedule turn: %w", err)
		}
	}

	return id, out, nil
}

// forward passes ev to out. Message events are dropped once ctx has ended;
// the terminal done or error event is still delivered, waiting at most
// FinalEventWait for the consumer.
func (e *Engine) forward(ctx context.Context, out chan<- turn.Event, ev turn.Event) {
	select {
	case out <- ev:
		return
	case <-ctx.Done():
	}

	if ev.Kind == turn.EventMessage {
		return
	}

	timer := time.NewTimer(e.config.FinalEventWait)
	defer timer.Stop()

	select {
	case out <- ev:
	case <-timer.C:
		e.logger.Warn("engine.turn.event_dropped", "kind", string(ev.Kind))
	}
}

// SyncResult is the collected outcome of a turn. Err is set when the turn
// ended with an error event; Messages and State then hold the partial result.
type SyncResult struct {
	TurnID   string
	Messages []core.Message
	State    *turn.FinalState
	Err      error
}

// InvokeSync runs a turn to completion. The returned error reports failures
// to start the turn only; turn failures are in SyncResult.Err.
func (e *Engine) InvokeSync(ctx context.Context, req turn.Request) (*SyncResult, error) {
	id, events, err := e.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{TurnID: id}
	for ev := range events {
		switch ev.Kind {
		case turn.EventMessage:
			if ev.Message != nil {
				res.Messages = append(res.Messages, *ev.Message)
			}
		case turn.EventDone:
			res.State = ev.State
		case turn.EventError:
			res.State = ev.State
			res.Err = ev.Err
		}
	}

	if res.Err == nil && res.State == nil {
		res.Err = ctx.Err()
		if res.Err == nil {
			res.Err = fmt.Errorf("engine: turn %s stopped", id)
		}
	}

	return res, nil
}

// StopTurn cancels a running turn.
func (e *Engine) StopTurn(id string) error {
	e.mu.RLock()
	cancel, ok := e.active[id]
	e.mu.RUnlock()

	if !ok {
		return ErrTurnNotFound
	}

	e.logger.Info("engine.turn.stop", "turn_id", id)
	cancel()
	return nil
}

// ActiveTurns returns the ids of running turns in sorted order.
func (e *Engine) ActiveTurns() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops all running turns and releases the pool.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	if err := e.pool.ReleaseTimeout(e.config.ShutdownTimeout); err != nil {
		return fmt.Errorf("failed to release turn pool: %w", err)
	}
	return nil
}

func (e *Engine) finish(id string) {
	e.mu.Lock()
	cancel, ok := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()

	if ok {
		cancel()
	}
}
