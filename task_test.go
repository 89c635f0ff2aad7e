package corosio

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) *ExecutionContext {
	t.Helper()
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func runUntilIdle(t *testing.T, ctx *ExecutionContext, timeout time.Duration) {
	t.Helper()
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := ctx.Run(runCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
}

func TestLaunchDeliversSuccessThroughExecutor(t *testing.T) {
	ctx := newTestContext(t)
	task := NewTask(func(tc *TaskContext) (int, error) {
		return 42, nil
	})

	var got int
	var gotOk bool
	Launch(ctx.Executor(), task, func(v int) {
		got, gotOk = v, true
	}, func(err error) {
		t.Fatalf("unexpected error: %v", err)
	})

	runUntilIdle(t, ctx, time.Second)
	assert.True(t, gotOk)
	assert.Equal(t, 42, got)
}

func TestLaunchRecoversPanicIntoOnError(t *testing.T) {
	ctx := newTestContext(t)
	task := NewTask(func(tc *TaskContext) (int, error) {
		panic("kaboom")
	})

	var gotErr error
	Launch(ctx.Executor(), task, func(int) {
		t.Fatal("onSuccess should not run for a panicking task")
	}, func(err error) {
		gotErr = err
	})

	runUntilIdle(t, ctx, time.Second)
	require.Error(t, gotErr)
	var panicErr PanicError
	require.ErrorAs(t, gotErr, &panicErr)
	assert.Equal(t, "kaboom", panicErr.Value)
}

func TestLaunchWithNilOnErrorRepanicsButRunLoopContainsIt(t *testing.T) {
	var buf bytes.Buffer
	ctx, err := NewExecutionContext(WithLogger(NewWriterLogger(&buf, LevelError)))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	task := NewTask(func(tc *TaskContext) (int, error) {
		return 0, errors.New("task failed")
	})
	var onSuccessCalled bool
	Launch(ctx.Executor(), task, func(int) { onSuccessCalled = true }, nil)

	// The repanic happens inside the scheduler's op-level recover, so it
	// never escapes Run: a misbehaving handler must not take down the loop.
	runUntilIdle(t, ctx, time.Second)
	assert.False(t, onSuccessCalled)
	assert.Contains(t, buf.String(), "panicked")
}

func TestAwaitTimerSuspendsUntilDeadline(t *testing.T) {
	ctx := newTestContext(t)
	timer := NewTimer(ctx)

	start := time.Now()
	var elapsed time.Duration
	task := NewTask(func(tc *TaskContext) (struct{}, error) {
		_, err := Await(tc, timer.Wait(time.Now().Add(50*time.Millisecond)))
		elapsed = time.Since(start)
		return struct{}{}, err
	})

	done := make(chan struct{})
	Launch(ctx.Executor(), task, func(struct{}) { close(done) }, func(err error) {
		t.Fatalf("unexpected error: %v", err)
	})

	runUntilIdle(t, ctx, time.Second)
	<-done
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
}

func TestAwaitReadyAwaitableSkipsScheduler(t *testing.T) {
	ctx := newTestContext(t)
	task := NewTask(func(tc *TaskContext) (int, error) {
		return Await(tc, readyIntAwaitable{n: 7})
	})

	var got int
	Launch(ctx.Executor(), task, func(v int) { got = v }, func(err error) {
		t.Fatalf("unexpected error: %v", err)
	})
	runUntilIdle(t, ctx, time.Second)
	assert.Equal(t, 7, got)
}

func TestAwaitObservesPreCancellation(t *testing.T) {
	ctx := newTestContext(t)
	src := NewStopSource()
	src.Stop()

	task := NewTask(func(tc *TaskContext) (struct{}, error) {
		return Await(tc, NewTimer(ctx).Wait(time.Now().Add(time.Hour)))
	})

	var gotErr error
	LaunchWithStop(ctx.Executor(), task, src.Token(), func(struct{}) {
		t.Fatal("onSuccess must not run for a pre-canceled Await")
	}, func(err error) {
		gotErr = err
	})

	runUntilIdle(t, ctx, time.Second)
	assert.ErrorIs(t, gotErr, ErrCanceled)
}

func TestRunOnDoesNotMutateOuterExecutor(t *testing.T) {
	outerCtx := newTestContext(t)
	innerCtx := newTestContext(t)

	inner := NewTask(func(tc *TaskContext) (int, error) {
		assert.True(t, tc.Executor().Equal(innerCtx.Executor()))
		return 99, nil
	})

	outer := NewTask(func(tc *TaskContext) (int, error) {
		v, err := Await(tc, RunOn(innerCtx.Executor(), inner))
		// The outer task's own executor must be unaffected by RunOn.
		assert.True(t, tc.Executor().Equal(outerCtx.Executor()))
		return v, err
	})

	// The inner task's body runs on its own pooled worker goroutine as soon
	// as RunOn starts it; it needs no help from innerCtx.Run since it never
	// itself Awaits anything.
	var got int
	done := make(chan struct{})
	Launch(outerCtx.Executor(), outer, func(v int) {
		got = v
		close(done)
	}, func(err error) {
		t.Fatalf("unexpected error: %v", err)
	})

	runUntilIdle(t, outerCtx, 2*time.Second)
	<-done
	assert.Equal(t, 99, got)
}

type readyIntAwaitable struct{ n int }

func (r readyIntAwaitable) Ready() bool { return true }
func (r readyIntAwaitable) Suspend(func(), Dispatcher, StopToken) func() {
	panic("Suspend must not be called on a Ready awaitable")
}
func (r readyIntAwaitable) Resume() (int, error) { return r.n, nil }
