package corosio

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// acceptorImpl is the service-owned state behind an Acceptor, structured
// the same way as socketImpl but with a single pending accept instead of a
// read/write pair.
type acceptorImpl struct {
	ctx    *ExecutionContext
	fd     int
	family Family
	closed atomic.Bool

	mu      sync.Mutex
	pending *socketOp
}

// Acceptor listens for and accepts inbound stream connections (spec
// §4.D "Acceptor").
type Acceptor struct {
	impl *acceptorImpl
}

func (a *Acceptor) requireOpen() *acceptorImpl {
	if a.impl == nil {
		panicProgrammerError("corosio: Acceptor used before Listen")
	}
	return a.impl
}

// Listen opens, binds, and listens on ep with the given backlog.
func (a *Acceptor) Listen(ctx *ExecutionContext, ep Endpoint, backlog int) error {
	domain := unix.AF_INET
	if ep.Family() == FamilyV6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return newIOError("socket", "", err.(unix.Errno))
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if ep.Family() == FamilyV6 {
		addr, port, scope := ep.sockaddrV6()
		sa = &unix.SockaddrInet6{Addr: addr, Port: int(port), ZoneId: scope}
	} else {
		addr, port := ep.sockaddrV4()
		sa = &unix.SockaddrInet4{Addr: addr, Port: int(port)}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return newIOError("bind", ep.String(), err.(unix.Errno))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return newIOError("listen", ep.String(), err.(unix.Errno))
	}

	impl := &acceptorImpl{ctx: ctx, fd: fd, family: ep.Family()}
	if err := ctx.reactor.register(fd, 0, impl.onReady); err != nil {
		_ = unix.Close(fd)
		return err
	}
	a.impl = impl
	return nil
}

// Addr returns the locally bound endpoint, e.g. to read back an ephemeral
// port chosen by Listen(..., 0).
func (a *Acceptor) Addr() (Endpoint, error) {
	impl := a.requireOpen()
	sa, err := unix.Getsockname(impl.fd)
	if err != nil {
		return Endpoint{}, newIOError("getsockname", "", err.(unix.Errno))
	}
	return endpointFromSockaddr(sa), nil
}

func endpointFromSockaddr(sa unix.Sockaddr) Endpoint {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{addr: addrFrom4(v.Addr), port: uint16(v.Port)}
	case *unix.SockaddrInet6:
		return Endpoint{addr: addrFrom16(v.Addr), port: uint16(v.Port)}
	default:
		return Endpoint{}
	}
}

func (impl *acceptorImpl) onReady(events IOEvents) {
	impl.mu.Lock()
	op := impl.pending
	if op == nil {
		impl.mu.Unlock()
		return
	}
	nfd, _, err := unix.Accept4(impl.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if isAgain(err) {
		impl.mu.Unlock()
		return
	}
	impl.pending = nil
	_ = impl.ctx.reactor.modify(impl.fd, 0)
	impl.mu.Unlock()

	op.n = nfd
	op.err = mapSocketErr(err)
	op.dispatcher.Dispatch(op.continuation)
}

// Cancel completes any pending Accept with ErrCanceled.
func (a *Acceptor) Cancel() {
	if a.impl == nil {
		return
	}
	impl := a.impl
	impl.mu.Lock()
	op := impl.pending
	impl.pending = nil
	if op != nil {
		_ = impl.ctx.reactor.modify(impl.fd, 0)
	}
	impl.mu.Unlock()
	if op != nil {
		op.err = ErrCanceled
		op.dispatcher.Dispatch(op.continuation)
	}
}

// Close cancels any pending accept and releases the listening fd.
func (a *Acceptor) Close() error {
	if a.impl == nil {
		return nil
	}
	impl := a.impl
	a.impl = nil
	if !impl.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.implCancel(impl)
	_ = impl.ctx.reactor.unregister(impl.fd)
	return closeFD(impl.fd)
}

func (a *Acceptor) implCancel(impl *acceptorImpl) {
	impl.mu.Lock()
	op := impl.pending
	impl.pending = nil
	impl.mu.Unlock()
	if op != nil {
		op.err = ErrCanceled
		op.dispatcher.Dispatch(op.continuation)
	}
}

type acceptAwaitable struct {
	acceptor *Acceptor
	peer     *Socket
	fd       int
	err      error
	op       *socketOp
}

// Accept returns an Awaitable that completes by transferring a newly
// accepted connection's implementation into peer, replacing (and closing)
// whatever peer previously held (spec §4.D).
func (a *Acceptor) Accept(peer *Socket) Awaitable[struct{}] {
	return &acceptAwaitable{acceptor: a, peer: peer}
}

func (a *acceptAwaitable) Ready() bool { return false }

func (a *acceptAwaitable) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	impl := a.acceptor.requireOpen()

	nfd, _, err := unix.Accept4(impl.fd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if !isAgain(err) {
		a.fd, a.err = nfd, mapSocketErr(err)
		return continuation
	}

	op := &socketOp{dispatcher: dispatcher, continuation: continuation}
	impl.mu.Lock()
	debugAssert(impl.pending == nil, "corosio: concurrent Accept on one acceptor")
	impl.pending = op
	_ = impl.ctx.reactor.modify(impl.fd, EventRead)
	impl.mu.Unlock()
	a.op = op

	if stop.StopRequested() {
		a.acceptor.Cancel()
	} else {
		stop.OnStop(func() { impl.ctx.scheduler.Post(a.acceptor.Cancel) })
	}
	return nil
}

func (a *acceptAwaitable) Resume() (struct{}, error) {
	if a.op != nil {
		a.fd, a.err = a.op.n, a.op.err
		a.op = nil
	}
	if a.err != nil {
		return struct{}{}, a.err
	}
	impl := a.acceptor.requireOpen()
	peerImpl := &socketImpl{ctx: impl.ctx, fd: a.fd, family: impl.family}
	peerImpl.refs.Store(1)
	if err := impl.ctx.reactor.register(a.fd, 0, peerImpl.onReady); err != nil {
		return struct{}{}, err
	}
	a.peer.adoptImpl(peerImpl)
	return struct{}{}, nil
}
