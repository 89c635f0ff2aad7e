package corosio

// Launch is the root launcher (spec §4.E): it attaches task to executor,
// starts its body on a pooled worker goroutine, and arranges for onSuccess
// or onError to run — through executor's dispatcher, i.e. on the scheduler
// goroutine, posted in FIFO order alongside every other completion on that
// context — once the task's body returns. Either callback may be nil; the
// default behaviour for an unhandled error is to re-panic it on the
// scheduler goroutine, matching the original design's "default rethrows".
//
// Launch takes effect immediately at the call site (mirroring the original
// design's move-only, prvalue-only launcher: there is nothing left to do
// with the value Launch returns, so it returns nothing).
func Launch[T any](executor Executor, task *Task[T], onSuccess func(T), onError func(error)) {
	stop := NewStopSource().Token()
	launchWithStop(executor, task, stop, onSuccess, onError)
}

// LaunchWithStop is Launch with an explicit StopToken, so the caller can
// cancel the task's pending awaits cooperatively (e.g. to compose a timeout
// by racing the task against a Timer, per SPEC_FULL.md §5 "Timeouts").
func LaunchWithStop[T any](executor Executor, task *Task[T], stop StopToken, onSuccess func(T), onError func(error)) {
	launchWithStop(executor, task, stop, onSuccess, onError)
}

func launchWithStop[T any](executor Executor, task *Task[T], stop StopToken, onSuccess func(T), onError func(error)) {
	executor.scheduler.OnWorkStarted()
	task.run(executor, stop)

	go func() {
		<-task.done
		executor.Post(func() {
			defer executor.scheduler.OnWorkFinished()
			res, err := task.Resume()
			if err != nil {
				if onError != nil {
					onError(err)
				} else {
					panic(err)
				}
				return
			}
			if onSuccess != nil {
				onSuccess(res)
			}
		})
	}()
}

// RunOn temporarily binds inner to otherExecutor: inner's body and every
// nested Await it performs dispatch through otherExecutor, but the
// returned Awaitable delivers its completion back through whatever
// dispatcher the *caller's* Await hands to it — so the outer task resumes
// on its own executor once inner completes, per spec §4.E's "RunOn"
// primitive and testable property 7 (RunOn does not mutate the outer
// task's executor).
func RunOn[T any](otherExecutor Executor, inner *Task[T]) Awaitable[T] {
	return &runOnAwaitable[T]{otherExecutor: otherExecutor, inner: inner}
}

type runOnAwaitable[T any] struct {
	otherExecutor Executor
	inner         *Task[T]
}

func (r *runOnAwaitable[T]) Ready() bool { return r.inner.Ready() }

func (r *runOnAwaitable[T]) Suspend(continuation func(), callerDispatcher Dispatcher, stop StopToken) func() {
	if !r.inner.started {
		r.inner.run(r.otherExecutor, stop)
	}
	go func() {
		<-r.inner.done
		// Post back through the caller's own dispatcher, not otherExecutor.
		callerDispatcher.Dispatch(continuation)
	}()
	return nil
}

func (r *runOnAwaitable[T]) Resume() (T, error) {
	return r.inner.Resume()
}
