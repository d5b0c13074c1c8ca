// Package engine runs turns concurrently.
//
// The Engine owns a bounded worker pool. Every Invoke claims one worker for
// the lifetime of the turn; when the pool is exhausted Invoke fails fast with
// ErrTooManyTurns instead of queueing, so callers can shed load.
//
// # Lifecycle
//
//	eng, err := engine.New(controller, func(o *engine.Options) {
//	    o.Config.MaxConcurrentTurns = 32
//	})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	id, events, err := eng.Invoke(ctx, req)
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    handle(id, ev)
//	}
//
// Running turns are tracked by id and can be cancelled with StopTurn. A
// stopped turn emits no further events; in-flight tool executions still
// finish and release their locks.
//
// InvokeSync collects the whole event stream and is what the /chat endpoint
// uses.
package engine
