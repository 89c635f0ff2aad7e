package corosio

import "sync/atomic"

// Metrics is a set of atomic counters/gauges sampled by Snapshot, patterned
// on the reference engine's metrics.go.
type Metrics struct {
	tasksLaunched  atomic.Uint64
	tasksCompleted atomic.Uint64
	tasksPanicked  atomic.Uint64

	timersScheduled atomic.Uint64
	timersFired     atomic.Uint64
	timersCanceled  atomic.Uint64

	reactorWaits   atomic.Uint64
	reactorEvents  atomic.Uint64
	schedulerTicks atomic.Uint64
}

func newMetrics() *Metrics { return &Metrics{} }

// MetricsSnapshot is a point-in-time, allocation-free copy of every counter,
// safe to read without further synchronization.
type MetricsSnapshot struct {
	TasksLaunched   uint64
	TasksCompleted  uint64
	TasksPanicked   uint64
	TimersScheduled uint64
	TimersFired     uint64
	TimersCanceled  uint64
	ReactorWaits    uint64
	ReactorEvents   uint64
	SchedulerTicks  uint64
}

// Snapshot returns the current value of every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TasksLaunched:   m.tasksLaunched.Load(),
		TasksCompleted:  m.tasksCompleted.Load(),
		TasksPanicked:   m.tasksPanicked.Load(),
		TimersScheduled: m.timersScheduled.Load(),
		TimersFired:     m.timersFired.Load(),
		TimersCanceled:  m.timersCanceled.Load(),
		ReactorWaits:    m.reactorWaits.Load(),
		ReactorEvents:   m.reactorEvents.Load(),
		SchedulerTicks:  m.schedulerTicks.Load(),
	}
}
