//go:build darwin

package corosio

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const wakeIdent = ^uintptr(0) // reserved ident for the user wakeup event

// kqueueReactor is the readiness reactor for Darwin, the direct
// counterpart of reactor_linux.go's epollReactor, grounded on the same
// reference engine poller but targeting kevent/EVFILT_READ+WRITE instead of
// epoll, and an EVFILT_USER event instead of an eventfd for wakeups (kqueue
// has no native eventfd equivalent).
type kqueueReactor struct {
	kq       int32
	version  atomic.Uint64
	eventBuf [256]unix.Kevent_t
	fds      [maxFDs]fdRegistration
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newPlatformReactor() reactor {
	return &kqueueReactor{}
}

func (p *kqueueReactor) init() error {
	if p.closed.Load() {
		return errReactorClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return newIOError("kqueue", "", err.(unix.Errno))
	}
	unix.CloseOnExec(kq)
	p.kq = int32(kq)

	wakeEv := unix.Kevent_t{}
	unix.SetKevent(&wakeEv, int(wakeIdent), unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(int(p.kq), []unix.Kevent_t{wakeEv}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return newIOError("kevent_add_user", "", err.(unix.Errno))
	}
	return nil
}

func (p *kqueueReactor) close() error {
	p.closed.Store(true)
	if p.kq > 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

func (p *kqueueReactor) register(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return errReactorClosed
	}
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return errFDAlreadyRegistered
	}
	p.fds[fd] = fdRegistration{callback: cb, events: events, active: true}
	p.version.Add(1)
	p.fdMu.Unlock()

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.fdMu.Lock()
			p.fds[fd] = fdRegistration{}
			p.fdMu.Unlock()
			return newIOError("kevent_add", "", err.(unix.Errno))
		}
	}
	return nil
}

func (p *kqueueReactor) unregister(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	reg := p.fds[fd]
	if !reg.active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd] = fdRegistration{}
	p.version.Add(1)
	p.fdMu.Unlock()

	kevents := eventsToKevents(fd, reg.events, unix.EV_DELETE)
	if len(kevents) > 0 {
		_, _ = unix.Kevent(int(p.kq), kevents, nil, nil)
	}
	return nil
}

func (p *kqueueReactor) modify(fd int, events IOEvents) error {
	if fd < 0 || fd >= maxFDs {
		return errFDOutOfRange
	}
	p.fdMu.Lock()
	old := p.fds[fd]
	if !old.active {
		p.fdMu.Unlock()
		return errFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	var changes []unix.Kevent_t
	if old.events&EventRead != 0 && events&EventRead == 0 {
		changes = append(changes, eventsToKevents(fd, EventRead, unix.EV_DELETE)...)
	}
	if old.events&EventWrite != 0 && events&EventWrite == 0 {
		changes = append(changes, eventsToKevents(fd, EventWrite, unix.EV_DELETE)...)
	}
	changes = append(changes, eventsToKevents(fd, events&^old.events, unix.EV_ADD|unix.EV_ENABLE)...)
	if len(changes) > 0 {
		if _, err := unix.Kevent(int(p.kq), changes, nil, nil); err != nil {
			return newIOError("kevent_mod", "", err.(unix.Errno))
		}
	}
	return nil
}

func (p *kqueueReactor) wait(timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, errReactorClosed
	}
	v := p.version.Load()

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, newIOError("kevent_wait", "", err.(unix.Errno))
	}

	if p.version.Load() != v {
		return 0, nil
	}

	return p.dispatch(n), nil
}

func (p *kqueueReactor) dispatch(n int) int {
	dispatched := 0
	for i := 0; i < n; i++ {
		ev := &p.eventBuf[i]
		if uintptr(ev.Ident) == wakeIdent {
			continue
		}
		fd := int(ev.Ident)
		if fd < 0 || fd >= maxFDs {
			continue
		}
		p.fdMu.RLock()
		reg := p.fds[fd]
		p.fdMu.RUnlock()
		if !reg.active || reg.callback == nil {
			continue
		}
		var events IOEvents
		switch ev.Filter {
		case unix.EVFILT_READ:
			events |= EventRead
		case unix.EVFILT_WRITE:
			events |= EventWrite
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= EventHangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= EventError
		}
		reg.callback(events)
		dispatched++
	}
	return dispatched
}

func (p *kqueueReactor) wake() {
	if p.closed.Load() {
		return
	}
	ev := unix.Kevent_t{}
	unix.SetKevent(&ev, int(wakeIdent), unix.EVFILT_USER, 0)
	ev.Fflags = unix.NOTE_TRIGGER
	_, _ = unix.Kevent(int(p.kq), []unix.Kevent_t{ev}, nil, nil)
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var out []unix.Kevent_t
	if events&EventRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, int(flags))
		out = append(out, ev)
	}
	if events&EventWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, int(flags))
		out = append(out, ev)
	}
	return out
}
