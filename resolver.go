package corosio

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
)

func netipAddrFromNetIP(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parseNumericHost(host string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

// ResolveFlags mirrors the getaddrinfo hint flags named in spec §4.D.
type ResolveFlags uint8

const (
	ResolvePassive ResolveFlags = 1 << iota
	ResolveNumericHost
	ResolveNumericService
	ResolveAddressConfigured
	ResolveV4Mapped
	ResolveAllMatching
)

func (f ResolveFlags) has(bit ResolveFlags) bool { return f&bit != 0 }

// ResolveEntry is one candidate returned by Resolver.Resolve.
type ResolveEntry struct {
	Endpoint      Endpoint
	CanonicalHost string
	Service       string
}

// resolverWorkerCount bounds the worker-goroutine pool backing every
// Resolver sharing a context, mirroring the POSIX worker-thread
// getaddrinfo pattern named in spec §4.D.
const resolverWorkerCount = 4

// resolverService is the per-context singleton owning the resolution
// worker pool. It is created on demand and torn down by
// ExecutionContext.Close, per spec §3 "Service".
type resolverService struct {
	ctx    *ExecutionContext
	jobs   chan func()
	wg     sync.WaitGroup
	once   sync.Once
}

func newResolverService(ctx *ExecutionContext) *resolverService {
	s := &resolverService{ctx: ctx, jobs: make(chan func(), resolverWorkerCount)}
	for i := 0; i < resolverWorkerCount; i++ {
		s.wg.Add(1)
		go s.loop()
	}
	return s
}

func (s *resolverService) loop() {
	defer s.wg.Done()
	for job := range s.jobs {
		job()
	}
}

func (s *resolverService) submit(job func()) {
	s.jobs <- job
}

func (s *resolverService) closeService() {
	s.once.Do(func() {
		close(s.jobs)
	})
	s.wg.Wait()
}

const resolverServiceKey = "resolver"

func (ctx *ExecutionContext) resolver() *resolverService {
	v := ctx.getOrCreateService(resolverServiceKey, func() serviceCloser {
		return newResolverService(ctx)
	})
	return v.(*resolverService)
}

// Resolver asynchronously resolves host/service pairs to endpoints (spec
// §4.D "Resolver").
type Resolver struct {
	ctx *ExecutionContext

	mu      sync.Mutex
	pending map[*resolveAwaitable]struct{}
}

// NewResolver returns a Resolver bound to ctx's resolution worker pool.
func NewResolver(ctx *ExecutionContext) *Resolver {
	return &Resolver{ctx: ctx, pending: make(map[*resolveAwaitable]struct{})}
}

func (r *Resolver) trackPending(a *resolveAwaitable) {
	r.mu.Lock()
	r.pending[a] = struct{}{}
	r.mu.Unlock()
}

func (r *Resolver) untrackPending(a *resolveAwaitable) {
	r.mu.Lock()
	delete(r.pending, a)
	r.mu.Unlock()
}

// Resolve returns an Awaitable yielding the candidate endpoints for
// host/service under flags: only the first usable address unless
// ResolveAllMatching is set, in which case every one is returned.
func (r *Resolver) Resolve(host, service string, flags ResolveFlags) Awaitable[[]ResolveEntry] {
	return &resolveAwaitable{resolver: r, host: host, service: service, flags: flags}
}

type resolveAwaitable struct {
	resolver *Resolver
	host     string
	service  string
	flags    ResolveFlags

	result []ResolveEntry
	err    error

	mu       sync.Mutex
	done     bool
	cancelFn context.CancelFunc
}

func (a *resolveAwaitable) Ready() bool { return false }

func (a *resolveAwaitable) Suspend(continuation func(), dispatcher Dispatcher, stop StopToken) func() {
	if stop.StopRequested() {
		a.err = ErrCanceled
		return continuation
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancelFn = cancel
	a.mu.Unlock()

	stop.OnStop(func() {
		a.mu.Lock()
		if a.cancelFn != nil {
			a.cancelFn()
		}
		a.mu.Unlock()
	})

	a.resolver.trackPending(a)

	svc := a.resolver.ctx.resolver()
	svc.submit(func() {
		entries, err := a.lookup(jobCtx)
		canceled := jobCtx.Err() != nil
		cancel()
		a.resolver.untrackPending(a)
		a.mu.Lock()
		if a.done {
			a.mu.Unlock()
			return
		}
		a.done = true
		a.mu.Unlock()
		if canceled {
			a.result, a.err = nil, ErrCanceled
		} else {
			a.result, a.err = entries, err
		}
		dispatcher.Dispatch(continuation)
	})
	return nil
}

func (a *resolveAwaitable) lookup(ctx context.Context) ([]ResolveEntry, error) {
	if a.flags.has(ResolveNumericHost) {
		return a.numericLookup()
	}

	resolver := &net.Resolver{}
	addrs, err := resolver.LookupIPAddr(ctx, a.host)
	if err != nil {
		return nil, &IOError{Cond: ConditionSystemError, Op: "resolve", Addr: a.host}
	}

	port, perr := a.resolvePort()
	if perr != nil {
		return nil, perr
	}

	entries := make([]ResolveEntry, 0, len(addrs))
	for _, ip := range addrs {
		na, ok := netipAddrFromNetIP(ip.IP)
		if !ok {
			continue
		}
		entries = append(entries, ResolveEntry{
			Endpoint:      NewEndpoint(na, port),
			CanonicalHost: a.host,
			Service:       a.service,
		})
		if !a.flags.has(ResolveAllMatching) {
			break
		}
	}
	if len(entries) == 0 {
		return nil, &AggregateError{Errors: []error{ErrNetworkUnreachable}}
	}
	return entries, nil
}

func (a *resolveAwaitable) numericLookup() ([]ResolveEntry, error) {
	addr, err := parseNumericHost(a.host)
	if err != nil {
		return nil, &IOError{Cond: ConditionInvalidArgument, Op: "resolve", Addr: a.host}
	}
	port, perr := a.resolvePort()
	if perr != nil {
		return nil, perr
	}
	return []ResolveEntry{{
		Endpoint:      NewEndpoint(addr, port),
		CanonicalHost: a.host,
		Service:       a.service,
	}}, nil
}

func (a *resolveAwaitable) resolvePort() (uint16, error) {
	if a.flags.has(ResolveNumericService) || a.service == "" {
		if a.service == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(a.service)
		if err != nil || n < 0 || n > 65535 {
			return 0, &IOError{Cond: ConditionInvalidArgument, Op: "resolve_service", Addr: a.service}
		}
		return uint16(n), nil
	}
	n, err := net.LookupPort("tcp", a.service)
	if err != nil {
		return 0, &IOError{Cond: ConditionInvalidArgument, Op: "resolve_service", Addr: a.service}
	}
	return uint16(n), nil
}

func (a *resolveAwaitable) Resume() ([]ResolveEntry, error) {
	return a.result, a.err
}

// Cancel unblocks every Resolve call currently in flight on this Resolver
// with ErrCanceled, the way Acceptor.Cancel and SignalSet.Cancel complete
// their own pending ops.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	awaitables := make([]*resolveAwaitable, 0, len(r.pending))
	for a := range r.pending {
		awaitables = append(awaitables, a)
	}
	r.mu.Unlock()

	for _, a := range awaitables {
		a.mu.Lock()
		if a.cancelFn != nil {
			a.cancelFn()
		}
		a.mu.Unlock()
	}
}
