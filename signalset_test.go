package corosio

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalSetAsyncWaitResolvesOnRaisedSignal(t *testing.T) {
	ctx := newTestContext(t)
	set := NewSignalSet(ctx)
	set.Add(syscall.SIGUSR1)
	defer set.Close()

	task := NewTask(func(tc *TaskContext) (os.Signal, error) {
		return Await(tc, set.AsyncWait())
	})

	var got os.Signal
	var gotErr error
	done := make(chan struct{})
	Launch(ctx.Executor(), task, func(sig os.Signal) { got = sig; close(done) }, func(err error) {
		gotErr = err
		close(done)
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	}()

	runUntilIdle(t, ctx, 2*time.Second)
	<-done
	require.NoError(t, gotErr)
	assert.Equal(t, syscall.SIGUSR1, got)
}

func TestSignalSetRecordsUndeliveredSignalForNextWait(t *testing.T) {
	ctx := newTestContext(t)
	set := NewSignalSet(ctx)
	set.Add(syscall.SIGUSR2)
	defer set.Close()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))
	// Give the process-wide dispatch goroutine time to record the signal
	// as undelivered before anything calls AsyncWait.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		set.mu.Lock()
		n := set.undelivered[syscall.SIGUSR2]
		set.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	aw := set.AsyncWait()
	transfer := aw.Suspend(func() {}, inlineDispatcher, StopToken{})
	require.NotNil(t, transfer, "an already-undelivered signal must resolve without suspending")
	transfer()
	sig, err := aw.Resume()
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGUSR2, sig)
}

func TestSignalSetCloseCancelsPendingWait(t *testing.T) {
	ctx := newTestContext(t)
	set := NewSignalSet(ctx)
	set.Add(syscall.SIGUSR1)

	task := NewTask(func(tc *TaskContext) (os.Signal, error) {
		return Await(tc, set.AsyncWait())
	})

	var gotErr error
	done := make(chan struct{})
	Launch(ctx.Executor(), task, func(os.Signal) {
		t.Fatal("onSuccess should not run once the SignalSet is closed")
	}, func(err error) {
		gotErr = err
		close(done)
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		set.Close()
	}()
	runUntilIdle(t, ctx, 2*time.Second)

	<-done
	assert.ErrorIs(t, gotErr, ErrCanceled)
}
