package corosio

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler is the FIFO of runnable continuations plus the work-count
// lifecycle described in spec §4.B. It holds the reactor and timer service
// of its ExecutionContext and is the only thing that waits on the reactor
// or processes expired timers; sockets, acceptors and timers register with
// them directly.
type Scheduler struct {
	mu    sync.Mutex
	queue readyQueue

	execWork atomic.Int64 // executor-facing: reaching 0 stops Run.
	svcWork  atomic.Int64 // service-facing: tracked, never forces a stop.

	stopped atomic.Bool
	state   *fastState

	reactor reactor
	timers  *TimerService
	workers *workerPool

	logger  Logger
	metrics *Metrics

	strictOrdering bool
	pollBudget     int

	runnersMu sync.Mutex
	runners   map[uint64]int // goroutine id -> reentrancy depth

	wakeOnce sync.Once
}

func newScheduler(r reactor, timers *TimerService, opts *contextOptions) *Scheduler {
	s := &Scheduler{
		state:          newFastState(),
		reactor:        r,
		timers:         timers,
		workers:        newWorkerPool(),
		logger:         opts.logger,
		strictOrdering: opts.strictOrdering,
		pollBudget:     opts.reactorPollBudget,
		runners:        make(map[uint64]int),
	}
	if opts.metricsEnabled {
		s.metrics = newMetrics()
	}
	timers.onEarliestChanged = s.wake
	return s
}

// --- work count -----------------------------------------------------------

// Work is a move-only guard object: holding one keeps the scheduler's Run
// alive (execWork > 0) until Release is called, mirroring
// asio::executor_work_guard / the spec's "on_work_started/on_work_finished".
type Work struct {
	sched    *Scheduler
	released atomic.Bool
}

// OnWorkStarted increments the executor-facing work count and returns a
// guard; Release (or a second call undoing it) decrements it.
func (s *Scheduler) OnWorkStarted() *Work {
	s.execWork.Add(1)
	return &Work{sched: s}
}

// OnWorkFinished is the bare decrement, for call sites (Launch) that track
// their own guard lifetime instead of holding a *Work value.
func (s *Scheduler) OnWorkFinished() {
	if s.execWork.Add(-1) <= 0 {
		s.wake()
	}
}

// Release decrements the executor-facing work count exactly once.
func (w *Work) Release() {
	if w.released.CompareAndSwap(false, true) {
		w.sched.OnWorkFinished()
	}
}

// workStarted/workFinished are the service-facing pair (spec §4.B): used by
// I/O services for long-lived registrations (e.g. a signal waiter) that
// must not prevent Run from exiting once user logic goes idle.
func (s *Scheduler) workStarted() { s.svcWork.Add(1) }
func (s *Scheduler) workFinished() {
	if s.svcWork.Add(-1) <= 0 {
		s.wake()
	}
}

func (s *Scheduler) workCount() int64 { return s.execWork.Load() }

// --- posting ---------------------------------------------------------------

// Post always enqueues op, even if called from the scheduler's own
// goroutine. Once Stop has moved the scheduler out of an accept-work state
// (Terminating or Terminated), Post silently drops op; Restart must run
// before posted work is accepted again.
func (s *Scheduler) Post(op func()) {
	if op == nil {
		return
	}
	if !s.state.CanAcceptWork() {
		return
	}
	s.mu.Lock()
	s.queue.Push(op)
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) popOne() func() {
	s.mu.Lock()
	op := s.queue.Pop()
	s.mu.Unlock()
	return op
}

func (s *Scheduler) wake() {
	s.reactor.wake()
}

// --- stop/restart ------------------------------------------------------

// Stop forces every blocked Run/RunOne/RunFor/RunUntil on this scheduler to
// return and moves it into the Terminating state, at which point Post stops
// accepting new work; a runLoop that notices the stop finishes draining and
// finalizes the transition to Terminated. Idempotent.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.state.Store(StateTerminating)
	s.wake()
}

// Restart clears a prior Stop and moves the scheduler back to Awake,
// allowing Run to be called again. Valid whether or not a runLoop ever
// finalized the Terminating state it left behind.
func (s *Scheduler) Restart() {
	s.stopped.Store(false)
	s.state.TransitionAny([]ContextState{StateTerminating, StateTerminated}, StateAwake)
}

func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// --- thread affinity -------------------------------------------------------

func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]:" is always the first line.
	b := buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}
	b = b[len(prefix):]
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(b[:end]), 10, 64)
	return id
}

// runningInThisGoroutine reports whether the calling goroutine is currently
// inside one of this scheduler's Run/RunOne/Poll calls — the basis for
// Dispatch's "inline if on a runner thread" rule and for reentrancy
// support (a handler that itself calls Run on another, or the same,
// context).
func (s *Scheduler) runningInThisGoroutine() bool {
	id := currentGoroutineID()
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()
	return s.runners[id] > 0
}

func (s *Scheduler) pushRunner() {
	id := currentGoroutineID()
	s.runnersMu.Lock()
	s.runners[id]++
	s.runnersMu.Unlock()
}

func (s *Scheduler) popRunner() {
	id := currentGoroutineID()
	s.runnersMu.Lock()
	s.runners[id]--
	if s.runners[id] <= 0 {
		delete(s.runners, id)
	}
	s.runnersMu.Unlock()
}

// --- run loop ---------------------------------------------------------

// Run blocks until Stop is called or the executor-facing work count
// reaches 0, or ctx is done, draining and executing ready operations and
// servicing the reactor/timers in between. It returns the number of
// handlers executed.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	return s.runLoop(ctx, -1, true)
}

// RunOne blocks until exactly one handler runs (or ctx is done / Stop is
// called), per spec §4.B.
func (s *Scheduler) RunOne(ctx context.Context) (int, error) {
	return s.runLoop(ctx, 1, true)
}

// Poll runs every currently-ready handler without ever blocking in the
// reactor, returning the count executed.
func (s *Scheduler) Poll() int {
	n, _ := s.runLoop(context.Background(), -1, false)
	return n
}

// PollOne runs at most one currently-ready handler without blocking.
func (s *Scheduler) PollOne() int {
	n, _ := s.runLoop(context.Background(), 1, false)
	return n
}

// RunFor runs for up to d, sliced into <=1s epochs so external wakeups stay
// responsive, per spec §4.B.
func (s *Scheduler) RunFor(d time.Duration) (int, error) {
	if d <= 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Run(ctx)
}

// RunUntil runs until wall-clock time t.
func (s *Scheduler) RunUntil(t time.Time) (int, error) {
	return s.RunFor(time.Until(t))
}

const maxPollEpoch = time.Second

// runLoop is the shared engine behind Run/RunOne/Poll/PollOne. limit <= 0
// means unlimited (stop only on work-count-zero/Stop/ctx-done); limit == 1
// implements RunOne/PollOne's "at most one handler" bound. blocking
// distinguishes Run/RunOne (wait in the reactor when the ready queue is
// empty) from Poll/PollOne (never wait; non-blocking reactor sweeps pick up
// already-ready completions, repeated while a sweep finds any, then
// return).
func (s *Scheduler) runLoop(ctx context.Context, limit int, blocking bool) (int, error) {
	if s.state.IsTerminal() {
		return 0, nil
	}

	s.pushRunner()
	defer s.popRunner()

	s.state.TransitionAny([]ContextState{StateAwake, StateTerminated}, StateRunning)
	defer func() {
		if s.stopped.Load() {
			s.state.Store(StateTerminated)
		} else {
			s.state.TryTransition(StateRunning, StateAwake)
		}
	}()

	ran := 0
	for {
		if s.stopped.Load() {
			return ran, nil
		}
		select {
		case <-ctx.Done():
			return ran, ctx.Err()
		default:
		}

		if op := s.popOne(); op != nil {
			s.runOp(op)
			ran++
			if s.metrics != nil {
				s.metrics.schedulerTicks.Add(1)
			}
			if limit > 0 && ran >= limit {
				return ran, nil
			}
			continue
		}

		if blocking && s.workCount() <= 0 {
			return ran, nil
		}

		if blocking {
			s.state.TryTransition(StateRunning, StateSleeping)
		}
		n, err := s.pollReactorAndTimers(ctx, !blocking)
		s.state.TryTransition(StateSleeping, StateRunning)
		if err != nil {
			logReactorError(s.logger, "wait", err)
		}
		if n > 0 {
			continue
		}
		if !blocking {
			return ran, nil
		}
		// Run/RunOne: a blocking wait that produced nothing yet still waits
		// again, unless the context is now done.
		select {
		case <-ctx.Done():
			return ran, ctx.Err()
		default:
		}
	}
}

// runOp executes a single scheduler operation with panic containment, so a
// misbehaving handler cannot take down the whole run loop.
func (s *Scheduler) runOp(op func()) {
	defer func() {
		if r := recover(); r != nil {
			logTaskPanicked(s.logger, 0, PanicError{Value: r})
		}
	}()
	op()
}

// pollReactorAndTimers computes the effective timeout against the nearest
// timer expiry (spec §4.A formula), waits in the reactor, then processes
// expired timers, returning the number of completions produced.
func (s *Scheduler) pollReactorAndTimers(ctx context.Context, nonBlocking bool) (int, error) {
	timeout := s.effectiveTimeout(ctx, nonBlocking)
	if timeout > maxPollEpoch {
		timeout = maxPollEpoch
	}
	n, err := s.reactor.wait(timeout)
	if s.metrics != nil {
		s.metrics.reactorWaits.Add(1)
		s.metrics.reactorEvents.Add(uint64(n))
	}
	fired := s.timers.processExpired(timeNow())
	if s.metrics != nil {
		s.metrics.timersFired.Add(uint64(fired))
	}
	return n + fired, err
}

func (s *Scheduler) effectiveTimeout(ctx context.Context, nonBlocking bool) time.Duration {
	if nonBlocking {
		return 0
	}
	requested := maxPollEpoch
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < requested {
			requested = d
			if requested < 0 {
				requested = 0
			}
		}
	}
	if expiry, ok := s.timers.nearestExpiry(); ok {
		untilExpiry := time.Until(expiry)
		if untilExpiry < 0 {
			untilExpiry = 0
		}
		if untilExpiry < requested {
			requested = untilExpiry
		}
	}
	return requested
}
