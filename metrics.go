package coronet

import "time"

// Metrics receives runtime measurements. Implementations must be safe
// for concurrent use; they are called from worker goroutines.
type Metrics interface {
	// RecordTaskDuration records the time a task spent between its
	// first resume and its completion, suspensions included.
	RecordTaskDuration(pool string, priority Priority, duration time.Duration)

	// RecordTaskOutcome records the terminal state of a task.
	RecordTaskOutcome(pool string, priority Priority, state State)

	// RecordTaskPanic records a recovered panic from a task body.
	RecordTaskPanic(pool string, panicInfo any)

	// RecordQueueDepth records the number of ready tasks across all
	// priorities after an enqueue.
	RecordQueueDepth(pool string, depth int)

	// RecordTaskRejected records a submission refused by the pool.
	RecordTaskRejected(pool string, reason string)

	// RecordWorkerRestart records a worker loop restarted after a
	// runtime panic.
	RecordWorkerRestart(pool string, worker int)
}

// NilMetrics is a no-op Metrics implementation.
type NilMetrics struct{}

var _ Metrics = NilMetrics{}

func (NilMetrics) RecordTaskDuration(string, Priority, time.Duration) {}
func (NilMetrics) RecordTaskOutcome(string, Priority, State)          {}
func (NilMetrics) RecordTaskPanic(string, any)                        {}
func (NilMetrics) RecordQueueDepth(string, int)                       {}
func (NilMetrics) RecordTaskRejected(string, string)                  {}
func (NilMetrics) RecordWorkerRestart(string, int)                    {}
