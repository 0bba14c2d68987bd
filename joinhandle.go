package coronet

import (
	"context"
	"fmt"
)

// State is the scheduling state of a task.
//
//	Pending -> Running <-> Suspended -> Completed | Failed | Cancelled
//
// Pending and Suspended tasks may also move directly to Cancelled.
type State uint8

const (
	StatePending State = iota
	StateRunning
	StateSuspended
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// Outcome is a snapshot of a task's state and, once terminal, its
// result.
type Outcome[T any] struct {
	State State
	Value T     // Set when State is StateCompleted
	Err   error // Set when State is StateFailed or StateCancelled
}

// JoinHandle observes the outcome of one spawned task. Dropping a
// JoinHandle detaches the task; it keeps running to completion.
type JoinHandle[T any] struct {
	t *task
}

// ID returns the pool-unique task id, or 0 for a task rejected at
// submission.
func (j *JoinHandle[T]) ID() uint64 {
	return j.t.id
}

// Priority returns the priority the task was spawned with.
func (j *JoinHandle[T]) Priority() Priority {
	return j.t.priority
}

// Done returns a channel closed once the task is terminal.
func (j *JoinHandle[T]) Done() <-chan struct{} {
	return j.t.done
}

// State returns the current state of the task.
func (j *JoinHandle[T]) State() State {
	return j.t.getState()
}

// Cancel requests cooperative cancellation. A pending task is
// cancelled without running, a suspended task is woken and its
// suspension point fails with ErrCanceled. A task that finishes
// without reaching a suspension point completes normally.
func (j *JoinHandle[T]) Cancel() {
	j.t.requestCancel()
}

// Join waits for the task to finish and returns its result. Inside a
// task Join suspends the caller; elsewhere it blocks. A cancelled task
// yields an error matching ErrCanceled. Join may be called any number
// of times; later calls return the same result.
func (j *JoinHandle[T]) Join(ctx context.Context) (T, error) {
	var zero T

	if cur, ok := taskFromContext(ctx); ok && cur == j.t {
		return zero, ErrJoinSelf
	}
	if err := j.t.wait(ctx); err != nil {
		return zero, err
	}

	o := j.Outcome()
	if o.State != StateCompleted {
		return zero, o.Err
	}
	return o.Value, nil
}

// Outcome returns the current state, with the value or error filled
// in once the task is terminal.
func (j *JoinHandle[T]) Outcome() Outcome[T] {
	select {
	case <-j.t.done:
	default:
		return Outcome[T]{State: j.t.getState()}
	}

	o := Outcome[T]{State: j.t.getState()}
	switch o.State {
	case StateCompleted:
		o.Value, _ = j.t.value.(T)
	default:
		o.Err = j.t.err
	}
	return o
}
