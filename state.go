package corosio

import "sync/atomic"

// ContextState is the lifecycle state of an [ExecutionContext]'s scheduler.
//
// State machine:
//
//	Awake (0)       -> Running (3)       [Run()]
//	Running (3)     -> Sleeping (2)      [blocked in reactor wait]
//	Running (3)     -> Terminating (4)   [Close()/Stop()]
//	Sleeping (2)    -> Running (3)       [woken]
//	Sleeping (2)    -> Terminating (4)   [Close()/Stop()]
//	Terminating (4) -> Terminated (1)    [shutdown complete]
//	Terminated (1)  -> Awake (0)         [Restart()]
type ContextState uint64

const (
	StateAwake ContextState = iota
	StateTerminated
	StateSleeping
	StateRunning
	StateTerminating
)

func (s ContextState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding to avoid
// false sharing between cores when polled from the reactor's hot path.
type fastState struct {
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *fastState) Load() ContextState { return ContextState(s.v.Load()) }

func (s *fastState) Store(state ContextState) { s.v.Store(uint64(state)) }

func (s *fastState) TryTransition(from, to ContextState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

func (s *fastState) TransitionAny(validFrom []ContextState, to ContextState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

func (s *fastState) IsTerminal() bool { return s.Load() == StateTerminated }

func (s *fastState) IsRunning() bool {
	st := s.Load()
	return st == StateRunning || st == StateSleeping
}

func (s *fastState) CanAcceptWork() bool {
	st := s.Load()
	return st == StateAwake || st == StateRunning || st == StateSleeping
}
