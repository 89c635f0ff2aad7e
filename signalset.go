package corosio

import (
	"os"
	"os/signal"
	"sync"
)

// sigEntry is the process-wide reference-counted registration for one OS
// signal number: os/signal's Notify/Stop are installed/removed only on a
// 0↔1 refcount transition, per spec §4.D "Signal set".
type sigEntry struct {
	ch          chan os.Signal
	refcount    int
	subscribers []*SignalSet
}

var (
	sigMu       sync.Mutex
	sigRegistry = map[os.Signal]*sigEntry{}
)

func sigSubscribe(sig os.Signal, set *SignalSet) {
	sigMu.Lock()
	defer sigMu.Unlock()
	entry, ok := sigRegistry[sig]
	if !ok {
		entry = &sigEntry{ch: make(chan os.Signal, 8)}
		sigRegistry[sig] = entry
		signal.Notify(entry.ch, sig)
		go dispatchSignal(sig, entry)
	}
	entry.refcount++
	entry.subscribers = append(entry.subscribers, set)
}

func sigUnsubscribe(sig os.Signal, set *SignalSet) {
	sigMu.Lock()
	defer sigMu.Unlock()
	entry, ok := sigRegistry[sig]
	if !ok {
		return
	}
	for i, s := range entry.subscribers {
		if s == set {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			break
		}
	}
	entry.refcount--
	if entry.refcount <= 0 {
		signal.Stop(entry.ch)
		delete(sigRegistry, sig)
	}
}

// dispatchSignal is the single dispatch goroutine per registered signal
// number, reading the process-wide os/signal channel and fanning raised
// signals out to every SignalSet currently subscribed to it.
func dispatchSignal(sig os.Signal, entry *sigEntry) {
	for range entry.ch {
		sigMu.Lock()
		subs := append([]*SignalSet(nil), entry.subscribers...)
		sigMu.Unlock()
		for _, set := range subs {
			set.deliver(sig)
		}
	}
}

// SignalSet observes a subset of OS signals within one ExecutionContext
// (spec §4.D "Signal set").
type SignalSet struct {
	ctx    *ExecutionContext
	mu     sync.Mutex
	sigs   map[os.Signal]bool
	undelivered map[os.Signal]int
	waiter *signalOp
	closed bool
}

type signalOp struct {
	dispatcher   Dispatcher
	continuation func()
	sig          os.Signal
	err          error
}

// NewSignalSet returns an empty SignalSet bound to ctx.
func NewSignalSet(ctx *ExecutionContext) *SignalSet {
	return &SignalSet{ctx: ctx, sigs: make(map[os.Signal]bool), undelivered: make(map[os.Signal]int)}
}

// Add registers sig as one this set observes.
func (s *SignalSet) Add(sig os.Signal) {
	s.mu.Lock()
	already := s.sigs[sig]
	s.sigs[sig] = true
	s.mu.Unlock()
	if !already {
		sigSubscribe(sig, s)
	}
}

// Remove stops observing sig.
func (s *SignalSet) Remove(sig os.Signal) {
	s.mu.Lock()
	had := s.sigs[sig]
	delete(s.sigs, sig)
	delete(s.undelivered, sig)
	s.mu.Unlock()
	if had {
		sigUnsubscribe(sig, s)
	}
}

// deliver is called from the process-wide dispatch goroutine (not the
// scheduler goroutine) when sig is raised and this set is subscribed to
// it: it either resumes a pending AsyncWait directly or records an
// undelivered count so the next AsyncWait resolves immediately, per
// testable property 5.
func (s *SignalSet) deliver(sig os.Signal) {
	s.mu.Lock()
	if !s.sigs[sig] {
		s.mu.Unlock()
		return
	}
	op := s.waiter
	if op != nil {
		s.waiter = nil
	} else {
		s.undelivered[sig]++
	}
	s.mu.Unlock()

	if op != nil {
		op.sig = sig
		op.dispatcher.Dispatch(op.continuation)
	}
}

type signalWaitAwaitable struct {
	set    *SignalSet
	sig    os.Signal
	err    error
	waiter *signalOp
}

// AsyncWait returns an Awaitable that completes with the next raised
// signal number from this set, or immediately if one was already raised
// and not yet consumed.
func (s *SignalSet) AsyncWait() Awaitable[os.Signal] {
	return &signalWaitAwaitable{set: s}
}

func (a *signalWaitAwaitable) Ready() bool { return false }

func (a *signalWaitAwaitable) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	s := a.set
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		a.err = ErrCanceled
		return continuation
	}
	for sig, n := range s.undelivered {
		if n > 0 {
			if n == 1 {
				delete(s.undelivered, sig)
			} else {
				s.undelivered[sig] = n - 1
			}
			s.mu.Unlock()
			a.sig = sig
			return continuation
		}
	}
	op := &signalOp{dispatcher: dispatcher, continuation: continuation}
	debugAssert(s.waiter == nil, "corosio: concurrent AsyncWait on one SignalSet")
	s.waiter = op
	s.mu.Unlock()
	a.waiter = op

	if stop.StopRequested() {
		s.Cancel()
	} else {
		stop.OnStop(func() { s.ctx.scheduler.Post(s.Cancel) })
	}
	return nil
}

func (a *signalWaitAwaitable) Resume() (os.Signal, error) {
	if a.waiter != nil {
		a.sig, a.err = a.waiter.sig, a.waiter.err
		a.waiter = nil
	}
	return a.sig, a.err
}

// Cancel completes any pending AsyncWait with ErrCanceled.
func (s *SignalSet) Cancel() {
	s.mu.Lock()
	op := s.waiter
	s.waiter = nil
	s.mu.Unlock()
	if op != nil {
		op.err = ErrCanceled
		op.dispatcher.Dispatch(op.continuation)
	}
}

// Close removes every registered signal and cancels any pending wait.
func (s *SignalSet) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sigs := make([]os.Signal, 0, len(s.sigs))
	for sig := range s.sigs {
		sigs = append(sigs, sig)
	}
	s.mu.Unlock()

	s.Cancel()
	for _, sig := range sigs {
		s.Remove(sig)
	}
}
