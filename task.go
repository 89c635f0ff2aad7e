package corosio

// Awaitable is the suspendable-procedure protocol's affine awaitable
// contract (spec §4.E): Ready is a non-blocking check for immediate
// completion; Suspend registers the operation against whatever service
// backs it, handing over the caller's dispatcher so the eventual completion
// is posted back through the right executor, and optionally returns a
// non-nil transfer function when the result is already available by the
// time Suspend runs (the Go rendering of symmetric transfer — call it
// directly instead of blocking); Resume returns the settled result.
type Awaitable[T any] interface {
	Ready() bool
	Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) (transfer func())
	Resume() (T, error)
}

// TaskContext is the promise-equivalent state carried through a Task's
// body: the executor it is bound to, the Dispatcher derived from that
// executor (handed to every nested Await), and the stop token inherited
// from the launch.
type TaskContext struct {
	executor Executor
	stop     StopToken
}

// Dispatcher returns the Dispatcher every Await call on this TaskContext
// hands to the awaited operation.
func (tc *TaskContext) Dispatcher() Dispatcher { return tc.executor.AsDispatcher() }

// Executor returns the executor this task is bound to.
func (tc *TaskContext) Executor() Executor { return tc.executor }

// StopToken returns the cooperative-cancellation token inherited from the
// launch (or RunOn) that started this task.
func (tc *TaskContext) StopToken() StopToken { return tc.stop }

// Await suspends the calling task's goroutine until aw completes, per the
// affine-awaitable contract: if aw is already Ready, Resume is returned
// immediately without ever involving the scheduler. Otherwise Await blocks
// the task's own (pooled) goroutine on a channel that the dispatcher closes
// once the operation's completion has been posted through the scheduler's
// FIFO, so ordering between completions on a single context (spec §5) is
// preserved even though, unlike a real coroutine, the physical goroutine
// running the task's code after Await returns is the same one that called
// it — only the *timing* of the unblock, not the *goroutine*, passes through
// the dispatcher.
func Await[T any](tc *TaskContext, aw Awaitable[T]) (T, error) {
	if tc.stop.StopRequested() {
		aw.Suspend(func() {}, inlineDispatcher, tc.stop) // let the awaitable observe pre-cancellation bookkeeping
		var zero T
		return zero, ErrCanceled
	}
	if aw.Ready() {
		return aw.Resume()
	}

	done := make(chan struct{})
	transfer := aw.Suspend(func() { close(done) }, tc.Dispatcher(), tc.stop)
	if transfer != nil {
		transfer()
	} else {
		<-done
	}
	return aw.Resume()
}

// Task is a lazy, executor-aware suspendable procedure: a goroutine-backed
// computation that never starts until Launch (or RunOn, for a nested task)
// attaches it to an executor.
type Task[T any] struct {
	body    func(tc *TaskContext) (T, error)
	tc      *TaskContext
	done    chan struct{}
	result  T
	err     error
	started bool
}

// NewTask constructs a Task whose body will run body(tc) once launched.
// Initial suspend is always: the goroutine backing this task does not exist
// until Launch or RunOn starts it.
func NewTask[T any](body func(tc *TaskContext) (T, error)) *Task[T] {
	return &Task[T]{body: body, done: make(chan struct{})}
}

// Ready implements Awaitable: a Task is ready only once its body has
// returned.
func (t *Task[T]) Ready() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Suspend implements Awaitable for nested awaits (awaiting one Task from
// inside another's body). If the task has not yet been started, it is
// implicitly launched here, bound to the awaiting task's dispatcher-free
// executor via a direct pool-run rather than a full Launch (no separate
// root on_success/on_error handlers — completion is observed purely through
// Resume).
func (t *Task[T]) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	if !t.started {
		t.run(pooledExecutorFor(dispatcher), stop)
	}
	go func() {
		<-t.done
		dispatcher.Dispatch(continuation)
	}()
	return nil
}

// Resume implements Awaitable: returns the task's settled result.
func (t *Task[T]) Resume() (T, error) {
	return t.result, t.err
}

// run starts the task body on a pooled worker, recovering panics into
// PanicError per spec §4.E "Exceptions" / SPEC_FULL §7.
func (t *Task[T]) run(ex Executor, stop StopToken) {
	t.started = true
	t.tc = &TaskContext{executor: ex, stop: stop}
	pool := ex.scheduler.workers
	pool.run(func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				t.result = zero
				t.err = PanicError{Value: r}
			}
			close(t.done)
		}()
		t.result, t.err = t.body(t.tc)
	})
}

// pooledExecutorFor recovers the Executor a Dispatcher was derived from, so
// a nested Task launched via Suspend inherits the same scheduler/worker
// pool as its parent. Every Dispatcher handed out by this package carries
// its originating Executor as recv for exactly this purpose.
func pooledExecutorFor(d Dispatcher) Executor {
	if ex, ok := d.recv.(Executor); ok {
		return ex
	}
	return Executor{}
}
