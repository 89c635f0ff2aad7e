package corosio

// contextOptions holds the resolved configuration for a new
// ExecutionContext, built via the functional-options pattern.
type contextOptions struct {
	concurrencyHint  int
	logger           Logger
	metricsEnabled   bool
	strictOrdering   bool
	reactorPollBudget int
}

// Option configures an ExecutionContext at construction.
type Option interface {
	apply(*contextOptions)
}

type optionFunc func(*contextOptions)

func (f optionFunc) apply(o *contextOptions) { f(o) }

// WithConcurrencyHint records n, the expected number of goroutines that may
// concurrently donate to Run. The value is kept in the context's options
// and is not read by the scheduler: the ready queue and work counts are
// mutex- and atomic-guarded whatever n is, and no separate
// multi-consumer mode is selected by it.
func WithConcurrencyHint(n int) Option {
	return optionFunc(func(o *contextOptions) { o.concurrencyHint = n })
}

// WithLogger installs a structured Logger; the default is NoOpLogger.
func WithLogger(l Logger) Option {
	return optionFunc(func(o *contextOptions) { o.logger = l })
}

// WithMetrics enables the atomic counters in Metrics. When this is false no
// Metrics value is created, ExecutionContext.Metrics returns nil, and the
// hot path skips every atomic add.
func WithMetrics(enabled bool) Option {
	return optionFunc(func(o *contextOptions) { o.metricsEnabled = enabled })
}

// WithStrictCompletionOrdering records a request that the scheduler fully
// drain the ready queue between reactor polls. The scheduler's run loop
// already does so whatever this option says; the value is stored and not
// otherwise consulted.
func WithStrictCompletionOrdering(enabled bool) Option {
	return optionFunc(func(o *contextOptions) { o.strictOrdering = enabled })
}

// WithReactorPollBudget records how many ready-queue operations the
// scheduler may drain before re-checking the reactor. The value is stored
// on the Scheduler but the run loop does not consult it: it drains the
// ready queue completely before each reactor poll, so a burst of posted
// work is not bounded by this budget.
func WithReactorPollBudget(n int) Option {
	return optionFunc(func(o *contextOptions) { o.reactorPollBudget = n })
}

func resolveOptions(opts []Option) *contextOptions {
	o := &contextOptions{
		concurrencyHint:   1,
		logger:            NoOpLogger{},
		reactorPollBudget: 1024,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	return o
}
