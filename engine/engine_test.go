package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/graph"
	"github.com/hupe1980/turnmesh/internal/testutil"
	"github.com/hupe1980/turnmesh/turn"
)

func request(start string) turn.Request {
	return turn.Request{
		Messages:   []core.Message{testutil.SystemMessage(""), testutil.UserMessage("hi")},
		StartAgent: start,
		Agents:     []graph.AgentConfig{testutil.NewAgentBuilder(start).Build()},
	}
}

func newEngine(t *testing.T, rt *testutil.ScriptedRuntime, optFns ...func(o *Options)) *Engine {
	t.Helper()

	e, err := New(turn.NewController(rt), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func drain(t *testing.T, ch <-chan turn.Event) []turn.Event {
	t.Helper()

	var out []turn.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("turn did not finish")
			return nil
		}
	}
}

func TestInvoke(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Reply("hello"))
	e := newEngine(t, rt)

	req := request("A")
	req.TurnID = "turn-1"

	id, events, err := e.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "turn-1", id)

	got := drain(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, turn.EventMessage, got[0].Kind)
	assert.Equal(t, "hello", got[0].Message.ContentString())
	assert.Equal(t, turn.EventDone, got[1].Kind)

	assert.Empty(t, e.ActiveTurns())
}

func TestInvokeGeneratesTurnID(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Reply("hello"))
	e := newEngine(t, rt)

	id, events, err := e.Invoke(context.Background(), request("A"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	drain(t, events)
}

func TestInvokeSync(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Usage(5, 4, 1), testutil.Reply("hello"))
	e := newEngine(t, rt)

	res, err := e.InvokeSync(context.Background(), request("A"))
	require.NoError(t, err)
	require.NoError(t, res.Err)

	require.Len(t, res.Messages, 1)
	assert.Equal(t, "hello", res.Messages[0].ContentString())
	require.NotNil(t, res.State)
	assert.Equal(t, "A", res.State.LastAgentName)
	assert.Equal(t, int64(5), res.State.Tokens.Total)
}

func TestInvokeSyncTurnError(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Fail(errors.New("model down")))
	e := newEngine(t, rt)

	res, err := e.InvokeSync(context.Background(), request("A"))
	require.NoError(t, err)

	var rpe *core.RuntimeProtocolError
	require.ErrorAs(t, res.Err, &rpe)
	require.NotNil(t, res.State)
	assert.Equal(t, "A", res.State.LastAgentName)
}

func TestStopTurn(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Block())
	e := newEngine(t, rt)

	id, events, err := e.Invoke(context.Background(), request("A"))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, e.ActiveTurns())

	require.NoError(t, e.StopTurn(id))

	for _, ev := range drain(t, events) {
		assert.NotEqual(t, turn.EventDone, ev.Kind)
	}

	assert.Empty(t, e.ActiveTurns())
	assert.ErrorIs(t, e.StopTurn(id), ErrTurnNotFound)
}

func TestStopUnknownTurn(t *testing.T) {
	e := newEngine(t, testutil.NewScriptedRuntime())
	assert.ErrorIs(t, e.StopTurn("missing"), ErrTurnNotFound)
}

func TestTooManyTurns(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Block())
	e := newEngine(t, rt, func(o *Options) {
		o.Config.MaxConcurrentTurns = 1
	})

	id, events, err := e.Invoke(context.Background(), request("A"))
	require.NoError(t, err)

	_, _, err = e.Invoke(context.Background(), request("A"))
	assert.ErrorIs(t, err, ErrTooManyTurns)
	assert.Equal(t, []string{id}, e.ActiveTurns())

	require.NoError(t, e.StopTurn(id))
	drain(t, events)
}

func TestDuplicateTurnID(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Block())
	e := newEngine(t, rt)

	req := request("A")
	req.TurnID = "same"

	_, events, err := e.Invoke(context.Background(), req)
	require.NoError(t, err)

	_, _, err = e.Invoke(context.Background(), req)
	assert.Error(t, err)

	require.NoError(t, e.StopTurn("same"))
	drain(t, events)
}

func TestTurnTimeout(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Usage(7, 5, 2), testutil.Block())
	e := newEngine(t, rt, func(o *Options) {
		o.Config.TurnTimeout = 50 * time.Millisecond
	})

	res, err := e.InvokeSync(context.Background(), request("A"))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.NotNil(t, res.State)
	assert.Equal(t, "A", res.State.LastAgentName)
	assert.Equal(t, int64(7), res.State.Tokens.Total)
	assert.Empty(t, e.ActiveTurns())
}

func TestTurnTimeoutKeepsPartialState(t *testing.T) {
	for i := 0; i < 25; i++ {
		rt := testutil.NewScriptedRuntime().On("A", testutil.Usage(7, 5, 2), testutil.Block())
		e := newEngine(t, rt, func(o *Options) {
			o.Config.TurnTimeout = 30 * time.Millisecond
		})

		res, err := e.InvokeSync(context.Background(), request("A"))
		require.NoError(t, err)
		require.NotNil(t, res.State, "run %d", i)
		require.ErrorIs(t, res.Err, context.DeadlineExceeded, "run %d", i)
	}
}

func TestStopTurnDeliversErrorEvent(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Usage(3, 3, 0), testutil.Block())
	e := newEngine(t, rt)

	req := request("A")
	req.TurnID = "stop-me"

	_, events, err := e.Invoke(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.ActiveTurns()) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.StopTurn("stop-me"))

	var last turn.Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, turn.EventError, last.Kind)
	assert.ErrorIs(t, last.Err, context.Canceled)
	require.NotNil(t, last.State)
	assert.Equal(t, int64(3), last.State.Tokens.Total)
}

func TestClose(t *testing.T) {
	rt := testutil.NewScriptedRuntime().On("A", testutil.Block())
	e := newEngine(t, rt)

	_, events, err := e.Invoke(context.Background(), request("A"))
	require.NoError(t, err)

	require.NoError(t, e.Close())
	drain(t, events)

	_, _, err = e.Invoke(context.Background(), request("A"))
	assert.ErrorIs(t, err, ErrClosed)
}
