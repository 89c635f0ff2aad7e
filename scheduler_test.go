package corosio

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollNeverBlocksWhenQueueIsEmpty(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	done := make(chan int, 1)
	go func() { done <- ctx.Poll() }()

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("Poll blocked despite an empty ready queue")
	}
}

func TestPollOneNeverBlocksWhenQueueIsEmpty(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	done := make(chan int, 1)
	go func() { done <- ctx.PollOne() }()

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("PollOne blocked despite an empty ready queue")
	}
}

func TestPollDrainsEveryReadyHandler(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	var ran atomic.Int32
	ex := ctx.Executor()
	for i := 0; i < 5; i++ {
		ex.Post(func() { ran.Add(1) })
	}

	n := ctx.Poll()
	assert.Equal(t, 5, n)
	assert.Equal(t, int32(5), ran.Load())
}

func TestPollOneRunsAtMostOneHandler(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	var ran atomic.Int32
	ex := ctx.Executor()
	ex.Post(func() { ran.Add(1) })
	ex.Post(func() { ran.Add(1) })

	n := ctx.PollOne()
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, 1, ctx.PollOne())
	assert.Equal(t, int32(2), ran.Load())
}

func TestRunExitsWhenWorkCountReachesZero(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	work := ctx.scheduler.OnWorkStarted()
	ex := ctx.Executor()
	ex.Post(work.Release)

	runDone := make(chan struct{})
	go func() {
		_, _ = ctx.Run(context.Background())
		close(runDone)
	}()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit once the executor-facing work count reached zero")
	}
}

func TestStopForcesRunToReturn(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	ctx.scheduler.OnWorkStarted() // never released: Run would otherwise block forever

	runDone := make(chan struct{})
	go func() {
		_, _ = ctx.Run(context.Background())
		close(runDone)
	}()

	time.Sleep(20 * time.Millisecond)
	ctx.Stop()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not unblock Run")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	ctx.scheduler.OnWorkStarted()

	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = ctx.Run(runCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPostFromSchedulerGoroutineStillEnqueues(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	var order []int
	ex := ctx.Executor()
	ex.Post(func() {
		order = append(order, 1)
		ex.Post(func() { order = append(order, 3) })
		order = append(order, 2)
	})

	// Poll drains until the ready queue is empty, including operations
	// posted during the drain itself, so the nested Post runs within the
	// same Poll call.
	n := ctx.Poll()
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2, 3}, order)

	assert.Equal(t, 0, ctx.Poll())
}

func TestExecutorDispatchRunsInlineOnSchedulerGoroutine(t *testing.T) {
	ctx, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	ex := ctx.Executor()
	var inlineRan bool
	ex.Post(func() {
		ex.Dispatch(func() { inlineRan = true })
		// Dispatch from on the scheduler goroutine must run synchronously,
		// not via a second Poll.
		assert.True(t, inlineRan)
	})
	ctx.Poll()
}

func TestExecutorEqual(t *testing.T) {
	ctx1, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx1.Close()
	ctx2, err := NewExecutionContext()
	require.NoError(t, err)
	defer ctx2.Close()

	assert.True(t, ctx1.Executor().Equal(ctx1.Executor()))
	assert.False(t, ctx1.Executor().Equal(ctx2.Executor()))
}
