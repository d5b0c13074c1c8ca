package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hupe1980/turnmesh/logging"
)

// GateOutcome classifies how the gate answered one Invoke.
type GateOutcome string

const (
	OutcomeHit        GateOutcome = "hit"
	OutcomeMiss       GateOutcome = "miss"
	OutcomeInProgress GateOutcome = "in_progress"
)

// GateObserver receives gate outcomes and executor timings.
type GateObserver interface {
	GateOutcome(tool string, outcome GateOutcome)
	ToolExecuted(tool string, d time.Duration, err error)
}

// GateOptions configures a Gate.
type GateOptions struct {
	Logger logging.Logger
	// Store holds results and in-progress markers. Defaults to a MemoryStore.
	Store ResultStore
	// Observer is notified of outcomes. Optional.
	Observer GateObserver
	// LockWait bounds how long Invoke waits for the per-key lock before
	// answering with the in-progress placeholder. Zero waits until the
	// caller's context is done.
	LockWait time.Duration
	// ExecTimeout bounds a single executor run. Zero means no bound.
	ExecTimeout time.Duration
	// IdleLockTTL is the minimum idle time before Sweep evicts a key lock.
	IdleLockTTL time.Duration
	// Now is the clock used for lock bookkeeping.
	Now func() time.Time
}

// Gate serializes executions per call key, caches successful results for the
// lifetime of the process and tracks in-flight calls, so every distinct
// (tool, normalized args) pair runs its executor at most once.
//
// A Gate is meant to be created once per process and shared by reference
// into every turn. It is safe for concurrent use.
type Gate struct {
	opts GateOptions

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

// NewGate creates a Gate.
func NewGate(optFns ...func(o *GateOptions)) *Gate {
	opts := GateOptions{
		Logger:      logging.NoOpLogger{},
		LockWait:    5 * time.Minute,
		IdleLockTTL: 10 * time.Minute,
		Now:         time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Gate{opts: opts, locks: make(map[string]*keyLock)}
}

// Store returns the result store of the gate.
func (g *Gate) Store() ResultStore { return g.opts.Store }

// Invoke runs exec for toolName at most once per distinct normalized
// argument set and returns the result.
//
// A cached result is returned without running exec. When the call key is
// marked in progress by a caller outside this gate's lock, or the lock could
// not be acquired in time, the in-progress placeholder is returned with a nil
// error. Executor failures and panics come back as *ToolExecutionError
// together with any error text the executor produced; they are never cached.
//
// The executor runs on a context detached from the caller's cancellation so
// dispatched side effects complete; the in-progress marker is always cleared.
func (g *Gate) Invoke(ctx context.Context, toolName, rawArgs string, exec Executor) (string, error) {
	if exec == nil {
		return "", NewToolExecutionError(toolName, CodeNotConfigured, "no executor configured")
	}

	normalized := NormalizeArgs(rawArgs)
	key := CallKey(toolName, normalized)
	log := logging.With(g.opts.Logger, "tool", toolName)

	waitCtx := ctx
	if g.opts.LockWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.opts.LockWait)
		defer cancel()
	}

	kl, err := g.acquire(waitCtx, key)
	if err != nil {
		log.Warn("tool.gate.wait_abandoned", "error", err.Error())
		g.observe(toolName, OutcomeInProgress)
		return InProgressEnvelope(toolName), nil
	}
	defer g.release(kl, true)

	if res, ok := g.opts.Store.Get(key); ok {
		log.Debug("tool.gate.hit")
		g.observe(toolName, OutcomeHit)
		return res, nil
	}

	if !g.opts.Store.MarkInProgress(key) {
		log.Info("tool.gate.in_progress")
		g.observe(toolName, OutcomeInProgress)
		return InProgressEnvelope(toolName), nil
	}
	defer g.opts.Store.ClearInProgress(key)

	g.observe(toolName, OutcomeMiss)

	out, err := g.execute(ctx, log, toolName, normalized, exec)
	if err != nil {
		return out, err
	}

	g.opts.Store.Put(key, out)

	return out, nil
}

func (g *Gate) execute(ctx context.Context, log logging.Logger, toolName, args string, exec Executor) (out string, err error) {
	execCtx := context.WithoutCancel(ctx)
	if g.opts.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, g.opts.ExecTimeout)
		defer cancel()
	}

	start := time.Now()
	log.Debug("tool.call.start")

	defer func() {
		if r := recover(); r != nil {
			out = ""
			err = &ToolExecutionError{
				Tool:    toolName,
				Code:    CodePanic,
				Message: fmt.Sprintf("executor panic: %v", r),
			}
			log.Error("tool.call.panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}

		dur := time.Since(start)
		logging.LogToolCall(log, toolName, dur, err)
		if g.opts.Observer != nil {
			g.opts.Observer.ToolExecuted(toolName, dur, err)
		}
	}()

	out, err = exec.Execute(execCtx, toolName, args)
	if err != nil {
		return out, AsToolExecutionError(toolName, err)
	}

	return out, nil
}

func (g *Gate) observe(toolName string, o GateOutcome) {
	if g.opts.Observer != nil {
		g.opts.Observer.GateOutcome(toolName, o)
	}
}

func (g *Gate) acquire(ctx context.Context, key string) (*keyLock, error) {
	g.mu.Lock()
	kl, ok := g.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		g.locks[key] = kl
	}
	kl.refs++
	g.mu.Unlock()

	// A free lock is taken even when ctx has already ended.
	select {
	case kl.sem <- struct{}{}:
		return kl, nil
	default:
	}

	select {
	case kl.sem <- struct{}{}:
		return kl, nil
	case <-ctx.Done():
		g.release(kl, false)
		return nil, ctx.Err()
	}
}

func (g *Gate) release(kl *keyLock, held bool) {
	if held {
		<-kl.sem
	}

	g.mu.Lock()
	kl.refs--
	kl.lastUsed = g.opts.Now()
	g.mu.Unlock()
}

// Sweep evicts key locks that have no holder or waiter and have been idle
// for at least IdleLockTTL. Cached results are kept. It returns the number
// of evicted locks.
func (g *Gate) Sweep() int {
	now := g.opts.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for key, kl := range g.locks {
		if kl.refs == 0 && now.Sub(kl.lastUsed) >= g.opts.IdleLockTTL {
			delete(g.locks, key)
			evicted++
		}
	}

	if evicted > 0 {
		g.opts.Logger.Debug("tool.gate.sweep", "evicted", evicted, "remaining", len(g.locks))
	}

	return evicted
}

// GateStats is a point-in-time view of the gate.
type GateStats struct {
	Locks      int `json:"locks"`
	Results    int `json:"results"`
	InProgress int `json:"in_progress"`
}

// Stats reports lock and cache sizes. Result counts are only available for
// stores exposing Len.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	s := GateStats{Locks: len(g.locks)}
	g.mu.Unlock()

	if l, ok := g.opts.Store.(interface{ Len() (int, int) }); ok {
		s.Results, s.InProgress = l.Len()
	}

	return s
}
