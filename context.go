package corosio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// serviceCloser is the narrow interface an on-demand per-context service
// (such as the resolver worker pool) implements to participate in Close's
// ordered shutdown drain.
type serviceCloser interface {
	closeService()
}

// ExecutionContext is the root object of the suspendable-procedure runtime
// (spec §3): it owns exactly one Scheduler, one reactor, and one
// TimerService, plus an on-demand registry of per-context I/O services
// that are constructed lazily and torn down in reverse-creation order on
// Close.
type ExecutionContext struct {
	scheduler *Scheduler
	reactor   reactor
	timers    *TimerService
	opts      *contextOptions

	svcMu           sync.Mutex
	byKey           map[string]any
	servicesOrdered []serviceCloser

	closeOnce sync.Once
}

// NewExecutionContext constructs a ready-to-run ExecutionContext: its
// reactor is initialized immediately (so construction can fail loudly
// rather than on first Run), but nothing starts executing until Run/RunOne
// is called.
func NewExecutionContext(opts ...Option) (*ExecutionContext, error) {
	resolved := resolveOptions(opts)
	r := newReactor()
	if err := r.init(); err != nil {
		return nil, fmt.Errorf("corosio: initialize reactor: %w", err)
	}
	timers := newTimerService()
	sched := newScheduler(r, timers, resolved)

	ctx := &ExecutionContext{
		scheduler: sched,
		reactor:   r,
		timers:    timers,
		opts:      resolved,
		byKey:     make(map[string]any),
	}
	return ctx, nil
}

// Executor returns the executor handle for this context. Every Executor
// derived from the same ExecutionContext compares Equal.
func (c *ExecutionContext) Executor() Executor {
	return Executor{scheduler: c.scheduler}
}

// Metrics returns the context's metrics, or nil if WithMetrics(true) was
// never passed to NewExecutionContext.
func (c *ExecutionContext) Metrics() *Metrics {
	return c.scheduler.metrics
}

// Logger returns the context's configured Logger (NoOpLogger by default).
func (c *ExecutionContext) Logger() Logger {
	return c.opts.logger
}

// Run delegates to the Scheduler, blocking until work runs out, Stop is
// called, or ctx is canceled.
func (c *ExecutionContext) Run(ctx context.Context) (int, error) {
	return c.scheduler.Run(ctx)
}

// RunOne delegates to the Scheduler's single-handler variant.
func (c *ExecutionContext) RunOne(ctx context.Context) (int, error) {
	return c.scheduler.RunOne(ctx)
}

// Poll delegates to the Scheduler's non-blocking drain.
func (c *ExecutionContext) Poll() int { return c.scheduler.Poll() }

// PollOne delegates to the Scheduler's single-handler non-blocking variant.
func (c *ExecutionContext) PollOne() int { return c.scheduler.PollOne() }

// RunFor delegates to the Scheduler's bounded-duration variant.
func (c *ExecutionContext) RunFor(d time.Duration) (int, error) {
	return c.scheduler.RunFor(d)
}

// Stop forces every blocked Run/RunOne on this context to return.
func (c *ExecutionContext) Stop() { c.scheduler.Stop() }

// Restart clears a prior Stop.
func (c *ExecutionContext) Restart() { c.scheduler.Restart() }

// serviceByKey returns the previously created service for key, if any.
func (c *ExecutionContext) serviceByKey(key string) (any, bool) {
	c.svcMu.Lock()
	defer c.svcMu.Unlock()
	v, ok := c.byKey[key]
	return v, ok
}

// getOrCreateService returns the existing service stored under key, or
// creates one via create, records it for ordered teardown in Close (closed
// in reverse registration order), and returns it. create is called at most
// once per key even if multiple goroutines race to create the same
// service.
func (c *ExecutionContext) getOrCreateService(key string, create func() serviceCloser) any {
	c.svcMu.Lock()
	defer c.svcMu.Unlock()
	if v, ok := c.byKey[key]; ok {
		return v
	}
	svc := create()
	c.byKey[key] = svc
	c.servicesOrdered = append(c.servicesOrdered, svc)
	return svc
}

// Close stops the scheduler, tears down every registered service in reverse
// creation order without resuming any suspended user code, then closes the
// reactor. It is safe to call more than once.
func (c *ExecutionContext) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.scheduler.Stop()

		c.svcMu.Lock()
		ordered := c.servicesOrdered
		c.servicesOrdered = nil
		c.svcMu.Unlock()

		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].closeService()
		}

		err = c.reactor.close()
	})
	return err
}
