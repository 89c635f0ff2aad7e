// Package corosio provides a coroutine-style asynchronous I/O runtime: a
// reactor-driven scheduler, a timer service, stream sockets, an acceptor, a
// DNS resolver, a process-wide signal set, and a lazy, executor-aware task
// type standing in for a suspendable procedure.
//
// # Architecture
//
// An [ExecutionContext] owns exactly one [Scheduler] and one reactor. I/O
// objects ([Socket], [Acceptor], [Resolver], [SignalSet], [Timer]) register
// with per-context services and complete their operations by posting onto
// the scheduler's ready queue, always through the [Dispatcher] the caller
// was suspended on.
//
// # Suspendable procedures
//
// Go has no compiler-generated coroutine frames, so a "suspendable
// procedure" is a [Task], a lazily-started goroutine whose result is
// observed by awaiting it with [Await]. A [Task] never begins running until
// it is attached to an executor by [Launch] or nested inside another task.
//
// # Platform support
//
// The reactor is implemented with epoll on Linux and kqueue on Darwin.
//
// # Usage
//
//	ctx, err := corosio.NewExecutionContext()
//	if err != nil {
//		return err
//	}
//	defer ctx.Close()
//
//	corosio.Launch(ctx.Executor(), corosio.NewTask(func(t *corosio.TaskContext) (int, error) {
//		var sock corosio.Socket
//		if err := sock.Open(ctx, corosio.FamilyV4); err != nil {
//			return 0, err
//		}
//		defer sock.Close()
//		if _, err := corosio.Await(t, sock.Connect(ep)); err != nil {
//			return 0, err
//		}
//		return corosio.Await(t, sock.WriteSome(corosio.SingleConstBuffer{Buf: []byte("hello")}))
//	}), nil, nil)
//
//	ctx.Run(context.Background())
package corosio
