package corosio

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ShutdownDirection selects which half of a connection Socket.Shutdown
// closes.
type ShutdownDirection int

const (
	ShutdownSend ShutdownDirection = iota
	ShutdownReceive
	ShutdownBoth
)

// socketOp is one pending readiness-triggered operation (connect, read, or
// write). tryIO performs the non-blocking system call attempt; a return of
// unix.EAGAIN/EWOULDBLOCK means "not ready yet, leave registered". Once
// tryIO returns a definitive result, n/err are recorded and continuation is
// delivered through dispatcher — already running on the scheduler
// goroutine by the time onReady calls it, so Dispatch resolves inline.
type socketOp struct {
	tryIO        func() (int, error)
	dispatcher   Dispatcher
	continuation func()
	n            int
	err          error
}

// socketImpl is the service-owned implementation behind a Socket, kept
// alive by a small atomic refcount across in-flight OS operations even if
// the user-facing Socket is closed first (spec §4.D "cancel/destruction
// race").
type socketImpl struct {
	ctx    *ExecutionContext
	fd     int
	family Family
	refs   atomic.Int32
	closed atomic.Bool

	mu       sync.Mutex
	interest IOEvents
	readOp   *socketOp
	writeOp  *socketOp
}

// Socket is a stream-oriented I/O object (spec §4.D). The zero value is an
// unopened socket. Before Open or after Close, Shutdown, the option setters
// and suspending a Connect/ReadSome/WriteSome awaitable panic with a
// *ProgrammerError; Cancel and Close simply return.
type Socket struct {
	impl *socketImpl
}

func (s *Socket) requireOpen() *socketImpl {
	if s.impl == nil {
		panicProgrammerError("corosio: Socket used before Open")
	}
	return s.impl
}

// Open allocates the OS socket for family and registers it with ctx's
// reactor. The socket starts with no event interest; interest is toggled
// as operations are suspended/completed.
func (s *Socket) Open(ctx *ExecutionContext, family Family) error {
	domain := unix.AF_INET
	if family == FamilyV6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return newIOError("socket", "", err.(unix.Errno))
	}
	impl := &socketImpl{ctx: ctx, fd: fd, family: family}
	impl.refs.Store(1)
	if err := ctx.reactor.register(fd, 0, impl.onReady); err != nil {
		_ = unix.Close(fd)
		return err
	}
	s.impl = impl
	return nil
}

// adoptImpl is used by Acceptor.Accept to transfer an already-open,
// already-registered implementation into a caller-provided peer socket,
// replacing (and closing) whatever the peer previously held.
func (s *Socket) adoptImpl(impl *socketImpl) {
	if s.impl != nil {
		s.Close()
	}
	s.impl = impl
}

func (impl *socketImpl) acquire() { impl.refs.Add(1) }

func (impl *socketImpl) release() {
	if impl.refs.Add(-1) == 0 {
		_ = unix.Close(impl.fd)
	}
}

func (impl *socketImpl) updateInterestLocked() {
	var wanted IOEvents
	if impl.readOp != nil {
		wanted |= EventRead
	}
	if impl.writeOp != nil {
		wanted |= EventWrite
	}
	if wanted != impl.interest {
		_ = impl.ctx.reactor.modify(impl.fd, wanted)
		impl.interest = wanted
	}
}

// onReady is the reactor callback, invoked on the scheduler goroutine.
func (impl *socketImpl) onReady(events IOEvents) {
	impl.mu.Lock()
	var fired []*socketOp
	if events&(EventRead|EventError|EventHangup) != 0 && impl.readOp != nil {
		if impl.attemptLocked(impl.readOp) {
			fired = append(fired, impl.readOp)
			impl.readOp = nil
		}
	}
	if events&(EventWrite|EventError|EventHangup) != 0 && impl.writeOp != nil {
		if impl.attemptLocked(impl.writeOp) {
			fired = append(fired, impl.writeOp)
			impl.writeOp = nil
		}
	}
	impl.updateInterestLocked()
	impl.mu.Unlock()

	for _, op := range fired {
		impl.release()
		op.dispatcher.Dispatch(op.continuation)
	}
}

// attemptLocked runs op.tryIO, recording its result. It returns true once
// the operation has a definitive outcome (success or hard error); false
// means "still EAGAIN, leave it registered".
func (impl *socketImpl) attemptLocked(op *socketOp) bool {
	n, err := op.tryIO()
	if errno, ok := err.(unix.Errno); ok && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK || errno == unix.EINPROGRESS) {
		return false
	}
	op.n = n
	op.err = mapSocketErr(err)
	return true
}

func mapSocketErr(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		return newIOError("io", "", errno)
	}
	return err
}

// registerOp installs op as the pending read or write operation, enforcing
// the single-pending-per-direction invariant (spec §5, testable property
// 8) and bumping the implementation's refcount so Close cannot free the fd
// out from under an in-flight operation.
func (impl *socketImpl) registerOp(write bool, op *socketOp) {
	impl.mu.Lock()
	defer impl.mu.Unlock()
	if write {
		debugAssert(impl.writeOp == nil, "corosio: concurrent WriteSome/Connect on one socket")
		impl.writeOp = op
	} else {
		debugAssert(impl.readOp == nil, "corosio: concurrent ReadSome on one socket")
		impl.readOp = op
	}
	impl.acquire()
	impl.updateInterestLocked()
}

// cancelOps clears any pending read/write operation, completing each with
// ErrCanceled. Idempotent.
func (impl *socketImpl) cancelOps() {
	impl.mu.Lock()
	var fired []*socketOp
	if impl.readOp != nil {
		fired = append(fired, impl.readOp)
		impl.readOp = nil
	}
	if impl.writeOp != nil {
		fired = append(fired, impl.writeOp)
		impl.writeOp = nil
	}
	impl.updateInterestLocked()
	impl.mu.Unlock()

	for _, op := range fired {
		op.n = 0
		op.err = ErrCanceled
		impl.release()
		op.dispatcher.Dispatch(op.continuation)
	}
}

// Cancel marks every pending operation on s as cancelled (spec §4.D); the
// eventual completion observes ErrCanceled.
func (s *Socket) Cancel() {
	if s.impl == nil {
		return
	}
	s.impl.cancelOps()
}

// Close cancels pending operations, unregisters from the reactor, and
// releases the implementation's owning reference. The underlying fd is not
// actually closed until every in-flight operation has also released its
// reference (spec §4.D).
func (s *Socket) Close() error {
	if s.impl == nil {
		return nil
	}
	impl := s.impl
	s.impl = nil
	if !impl.closed.CompareAndSwap(false, true) {
		return nil
	}
	impl.cancelOps()
	_ = impl.ctx.reactor.unregister(impl.fd)
	impl.release()
	return nil
}

// --- Connect ----------------------------------------------------------

type connectAwaitable struct {
	sock    *Socket
	ep      Endpoint
	err     error
	pending *socketOp
}

// Connect returns an Awaitable that completes once the connection
// establishes or fails (spec §4.D).
func (s *Socket) Connect(ep Endpoint) Awaitable[struct{}] {
	return &connectAwaitable{sock: s, ep: ep}
}

func (a *connectAwaitable) Ready() bool { return false }

func (a *connectAwaitable) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	impl := a.sock.requireOpen()

	var sa unix.Sockaddr
	if a.ep.Family() == FamilyV6 {
		addr, port, scope := a.ep.sockaddrV6()
		sa = &unix.SockaddrInet6{Addr: addr, Port: int(port), ZoneId: scope}
	} else {
		addr, port := a.ep.sockaddrV4()
		sa = &unix.SockaddrInet4{Addr: addr, Port: int(port)}
	}

	err := unix.Connect(impl.fd, sa)
	if err == nil {
		a.err = nil
		return continuation
	}
	errno, _ := err.(unix.Errno)
	if errno != unix.EINPROGRESS && errno != unix.EINTR {
		a.err = mapSocketErr(err)
		return continuation
	}

	op := &socketOp{
		dispatcher:   dispatcher,
		continuation: continuation,
		tryIO: func() (int, error) {
			val, gerr := unix.GetsockoptInt(impl.fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if gerr != nil {
				return 0, gerr
			}
			if val != 0 {
				return 0, unix.Errno(val)
			}
			return 0, nil
		},
	}
	impl.registerOp(true, op)
	a.pending = op

	if stop.StopRequested() {
		impl.cancelOps()
	} else {
		stop.OnStop(func() { impl.ctx.scheduler.Post(impl.cancelOps) })
	}
	return nil
}

func (a *connectAwaitable) Resume() (struct{}, error) {
	if a.pending != nil {
		a.err = a.pending.err
		a.pending = nil
	}
	return struct{}{}, a.err
}

// --- ReadSome / WriteSome -----------------------------------------------

type readAwaitable struct {
	sock    *Socket
	seq     MutableBufferSequence
	n       int
	err     error
	pending *socketOp
}

// ReadSome returns an Awaitable that completes with n>=1 bytes read, EOF
// (n=0, err=ErrEOF), or a system/canceled error (spec §4.D).
func (s *Socket) ReadSome(seq MutableBufferSequence) Awaitable[int] {
	return &readAwaitable{sock: s, seq: seq}
}

func (a *readAwaitable) Ready() bool {
	return totalMutableLen(a.seq) == 0
}

func (a *readAwaitable) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	impl := a.sock.requireOpen()
	var iovBuf [maxIovecs]unix.Iovec
	iov := unrollMutable(a.seq, iovBuf[:])

	tryRead := func() (int, error) {
		n, err := readvFD(impl.fd, iov)
		return n, err
	}

	if n, err := tryRead(); !isAgain(err) {
		a.n, a.err = classifyReadResult(n, mapSocketErr(err))
		return continuation
	}

	op := &socketOp{dispatcher: dispatcher, continuation: continuation, tryIO: tryRead}
	impl.registerOp(false, op)
	a.pending = op

	if stop.StopRequested() {
		impl.cancelOps()
	} else {
		stop.OnStop(func() { impl.ctx.scheduler.Post(impl.cancelOps) })
	}
	return nil
}

func (a *readAwaitable) Resume() (int, error) {
	if a.pending != nil {
		a.n, a.err = classifyReadResult(a.pending.n, a.pending.err)
		a.pending = nil
	}
	return a.n, a.err
}

func classifyReadResult(n int, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrEOF
	}
	return n, nil
}

type writeAwaitable struct {
	sock    *Socket
	seq     ConstBufferSequence
	n       int
	err     error
	pending *socketOp
}

// WriteSome returns an Awaitable that completes with n>=1 bytes written or
// a system/canceled error (spec §4.D). EOF does not apply; BrokenPipe is
// possible.
func (s *Socket) WriteSome(seq ConstBufferSequence) Awaitable[int] {
	return &writeAwaitable{sock: s, seq: seq}
}

func (a *writeAwaitable) Ready() bool {
	return totalConstLen(a.seq) == 0
}

func (a *writeAwaitable) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	impl := a.sock.requireOpen()
	var iovBuf [maxIovecs]unix.Iovec
	iov := unrollConst(a.seq, iovBuf[:])

	tryWrite := func() (int, error) { return writevFD(impl.fd, iov) }

	if n, err := tryWrite(); !isAgain(err) {
		a.n, a.err = n, mapSocketErr(err)
		return continuation
	}

	op := &socketOp{dispatcher: dispatcher, continuation: continuation, tryIO: tryWrite}
	impl.registerOp(true, op)
	a.pending = op

	if stop.StopRequested() {
		impl.cancelOps()
	} else {
		stop.OnStop(func() { impl.ctx.scheduler.Post(impl.cancelOps) })
	}
	return nil
}

func (a *writeAwaitable) Resume() (int, error) {
	if a.pending != nil {
		a.n, a.err = a.pending.n, a.pending.err
		a.pending = nil
	}
	return a.n, a.err
}

func isAgain(err error) bool {
	errno, ok := err.(unix.Errno)
	return ok && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK)
}

// --- Shutdown / socket options ------------------------------------------

// Shutdown half- or fully-closes the connection. Errors are discarded, per
// spec §4.D.
func (s *Socket) Shutdown(dir ShutdownDirection) {
	impl := s.requireOpen()
	var how int
	switch dir {
	case ShutdownSend:
		how = unix.SHUT_WR
	case ShutdownReceive:
		how = unix.SHUT_RD
	default:
		how = unix.SHUT_RDWR
	}
	_ = unix.Shutdown(impl.fd, how)
}

func (s *Socket) SetNoDelay(on bool) error {
	return s.setsockoptBool(unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

func (s *Socket) SetKeepAlive(on bool) error {
	return s.setsockoptBool(unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

func (s *Socket) SetReceiveBufferSize(n int) error {
	return s.setsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUF, n)
}

func (s *Socket) SetSendBufferSize(n int) error {
	return s.setsockoptInt(unix.SOL_SOCKET, unix.SO_SNDBUF, n)
}

func (s *Socket) SetLinger(onoff bool, seconds int) error {
	impl := s.requireOpen()
	l := unix.Linger{Linger: int32(seconds)}
	if onoff {
		l.Onoff = 1
	}
	if err := unix.SetsockoptLinger(impl.fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
		return newIOError("setsockopt", "", err.(unix.Errno))
	}
	return nil
}

func (s *Socket) setsockoptBool(level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return s.setsockoptInt(level, opt, v)
}

func (s *Socket) setsockoptInt(level, opt, v int) error {
	impl := s.requireOpen()
	if err := unix.SetsockoptInt(impl.fd, level, opt, v); err != nil {
		return newIOError("setsockopt", "", err.(unix.Errno))
	}
	return nil
}
