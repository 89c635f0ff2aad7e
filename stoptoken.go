package corosio

import "sync"

// StopSource is the owning side of a cooperative cancellation pair. It maps
// directly onto the original design's stop_token facility and is modeled
// structurally on an AbortController: a single source can be signalled at
// most once, and every observer registered before or after the signal sees
// it exactly once.
type StopSource struct {
	mu       sync.RWMutex
	handlers []func()
	stopped  bool
}

// NewStopSource creates an unsignalled StopSource.
func NewStopSource() *StopSource {
	return &StopSource{}
}

// Token returns the observer-facing StopToken for this source.
func (s *StopSource) Token() StopToken {
	return StopToken{src: s}
}

// Stop signals cancellation. Idempotent: only the first call invokes
// handlers, matching the "cancel() is idempotent" property.
func (s *StopSource) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	handlers := s.handlers
	s.handlers = nil
	s.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (s *StopSource) stopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// onStop registers h to run when Stop is called. If Stop has already been
// called, h runs immediately on the calling goroutine.
func (s *StopSource) onStop(h func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		h()
		return
	}
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
}

// StopToken is the observer-facing half of a StopSource. The zero value
// never reports cancellation, matching "no stop token bound" call sites.
type StopToken struct {
	src *StopSource
}

// StopRequested reports whether the owning source has fired.
func (t StopToken) StopRequested() bool {
	return t.src != nil && t.src.stopRequested()
}

// OnStop registers a callback invoked when stop fires. It is a no-op for
// the zero-value token.
func (t StopToken) OnStop(h func()) {
	if t.src != nil {
		t.src.onStop(h)
	}
}

// AnyToken returns a composite StopToken that fires as soon as any of the
// given tokens fires, without requiring all of them to ever fire. The first
// token to report StopRequested (or signal via OnStop) wins.
func AnyToken(tokens ...StopToken) StopToken {
	composite := NewStopSource()
	var once sync.Once
	for _, t := range tokens {
		if t.src == nil {
			continue
		}
		if t.StopRequested() {
			composite.Stop()
			break
		}
		t.OnStop(func() {
			once.Do(composite.Stop)
		})
	}
	return composite.Token()
}
