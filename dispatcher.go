package corosio

// Dispatcher is a type-erased "callable that schedules a continuation for
// resumption". It is the Go rendering of the two-pointer (data, invoke_fn)
// container from the original design: recv carries whatever state the
// invoke function needs, and invoke is a plain function pointer, so
// constructing a Dispatcher never allocates a closure over recv.
type Dispatcher struct {
	recv   any
	invoke func(recv any, fn func())
}

// Dispatch runs fn through the dispatcher: inline if the dispatcher decides
// the caller is already on the right goroutine, otherwise posted.
func (d Dispatcher) Dispatch(fn func()) {
	if d.invoke == nil || fn == nil {
		return
	}
	d.invoke(d.recv, fn)
}

// DispatcherFunc adapts a plain function into a Dispatcher that always
// invokes fn inline with the continuation — useful for tests and for
// adapting third-party executors.
func DispatcherFunc(invoke func(fn func())) Dispatcher {
	return Dispatcher{
		recv:   invoke,
		invoke: func(recv any, fn func()) { recv.(func(func()))(fn) },
	}
}

// inlineDispatcher runs every continuation synchronously on the calling
// goroutine. Used by tests and by Await when the stop token has already
// fired before the operation is suspended.
var inlineDispatcher = Dispatcher{
	invoke: func(_ any, fn func()) { fn() },
}
