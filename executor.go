package corosio

// Executor is a lightweight handle onto a Scheduler (spec §3 "Executor"):
// two executors compare equal iff they share the same underlying context.
// Dispatch runs inline when the caller is already on the scheduler's
// goroutine, otherwise it posts; Post always enqueues.
type Executor struct {
	scheduler *Scheduler
}

// Dispatch runs fn inline if the calling goroutine is already running this
// executor's scheduler, or posts it otherwise. This is the Go rendering of
// "symmetric transfer when already on the right thread".
func (e Executor) Dispatch(fn func()) {
	if e.scheduler == nil || fn == nil {
		return
	}
	if e.scheduler.runningInThisGoroutine() {
		fn()
		return
	}
	e.scheduler.Post(fn)
}

// Post always enqueues fn onto the scheduler's ready queue, even if the
// caller happens to already be on the scheduler's goroutine.
func (e Executor) Post(fn func()) {
	if e.scheduler == nil || fn == nil {
		return
	}
	e.scheduler.Post(fn)
}

// Equal reports whether e and other share the same scheduler, i.e. the same
// execution context.
func (e Executor) Equal(other Executor) bool {
	return e.scheduler == other.scheduler
}

// AsDispatcher adapts e into a Dispatcher. The Dispatcher's recv is e itself
// (not just e.scheduler) so nested Task launches (task.go's
// pooledExecutorFor) can recover the full Executor value, including its
// worker pool, from any Dispatcher handed to an Awaitable.
func (e Executor) AsDispatcher() Dispatcher {
	return Dispatcher{
		recv:   e,
		invoke: func(recv any, fn func()) { recv.(Executor).Dispatch(fn) },
	}
}
