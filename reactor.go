package corosio

import "time"

// IOEvents is a bitmask of readiness conditions a reactor registration can
// wait for.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// IOCallback is invoked by the reactor, on the scheduler goroutine, when a
// registered fd becomes ready. It must not block.
type IOCallback func(IOEvents)

// maxFDs bounds the direct-indexed registration array shared by both
// platform reactors, matching the reference engine's FastPoller.
const maxFDs = 65536

// fdRegistration is one direct-indexed slot in a platform reactor's fd
// table. Shared by epollReactor and kqueueReactor so neither platform file
// needs to redeclare it under its own build tag.
type fdRegistration struct {
	callback IOCallback
	events   IOEvents
	active   bool
}

// reactor is the OS-event-multiplexing substrate: epoll on Linux, kqueue on
// Darwin. register/modify/unregister associate a callback with a file
// descriptor and event mask; wait blocks up to timeout (or returns sooner on
// wake); wake is safe to call from any goroutine and is idempotent between
// consecutive unconsumed wakeups.
type reactor interface {
	init() error
	close() error
	register(fd int, events IOEvents, cb IOCallback) error
	modify(fd int, events IOEvents) error
	unregister(fd int) error
	// wait blocks up to timeout (or forever if timeout < 0), dispatching
	// ready callbacks inline before returning the number dispatched.
	wait(timeout time.Duration) (int, error)
	wake()
}

// newReactor constructs the platform-appropriate reactor implementation.
func newReactor() reactor {
	return newPlatformReactor()
}

var (
	errFDOutOfRange        = &IOError{Cond: ConditionInvalidArgument, Op: "register"}
	errFDAlreadyRegistered = &ProgrammerError{Message: "fd already registered with reactor"}
	errFDNotRegistered     = &ProgrammerError{Message: "fd not registered with reactor"}
	errReactorClosed       = &IOError{Cond: ConditionInvalidArgument, Op: "reactor"}
)

// clampTimeoutMs converts a duration to a millisecond timeout suitable for
// epoll_wait/kevent, capping at an int's worth of milliseconds. Any
// negative duration maps to -1, which epoll_wait/kevent treat as "block
// forever".
func clampTimeoutMs(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d.Milliseconds()
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
