package coronet

import (
	"context"
	"errors"
	"fmt"
)

// Handle is a cheap, shareable reference to a pool together with a
// default Priority. A Handle does not keep the pool running; once the
// pool is closed every submission through any of its handles fails
// with ErrPoolClosed.
type Handle struct {
	p        *pool
	priority Priority
}

// TaskFunc is the body of a task. ctx is cancelled when the task is
// cancelled and carries the spawning handle for Current.
type TaskFunc[T any] func(ctx context.Context) (T, error)

// WithPriority returns a handle to the same pool whose default
// priority is priority.
func (h *Handle) WithPriority(priority Priority) *Handle {
	return &Handle{p: h.p, priority: priority}
}

// Priority returns the default priority of tasks spawned by Go.
func (h *Handle) Priority() Priority {
	return h.priority
}

// Name returns the pool name prefix.
func (h *Handle) Name() string {
	return h.p.cfg.NamePrefix
}

// Stats returns a snapshot of the pool state.
func (h *Handle) Stats() Stats {
	return h.p.stats()
}

// Spawn submits fn at priority and returns its handle without
// blocking. A submission the pool refuses returns a handle that is
// already failed with ErrPoolClosed, ErrPoolDegraded or
// ErrInvalidPriority.
func Spawn[T any](h *Handle, priority Priority, fn TaskFunc[T]) *JoinHandle[T] {
	return &JoinHandle[T]{t: h.spawn(priority, nil, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, nil)}
}

// Go spawns fn on the current handle of ctx at that handle's
// priority. Tasks spawned from inside a task therefore inherit its
// pool and priority. The new task is detached from ctx's cancellation.
func Go[T any](ctx context.Context, fn TaskFunc[T]) (*JoinHandle[T], error) {
	h, err := Current(ctx)
	if err != nil {
		return nil, err
	}

	j := Spawn(h, h.priority, fn)
	if j.t.rejected() {
		return j, j.t.err
	}
	return j, nil
}

// BlockOn spawns fn on h at the handle's priority and waits for its
// result. If ctx ends first the task is cancelled and the context
// error is returned. Called from inside a task BlockOn suspends the
// caller instead of blocking its worker.
//
// h does not keep its Threadpool alive. Passing tp.Handle with no
// later use of tp lets the pool be closed by the garbage collector
// while fn runs; keep tp referenced until BlockOn returns.
func BlockOn[T any](ctx context.Context, h *Handle, fn TaskFunc[T]) (T, error) {
	j := Spawn(h, h.priority, fn)
	v, err := j.Join(ctx)
	if err != nil && !j.State().Terminal() {
		j.Cancel()
	}
	return v, err
}

// spawn submits fn. onDone, when set, runs once the task is terminal,
// including when the submission is rejected.
func (h *Handle) spawn(
	priority Priority,
	parent context.Context,
	fn func(context.Context) (any, error),
	onDone func(*task),
) *task {
	p := h.p

	var err error
	if !priority.Valid() {
		err = fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(priority))
	} else {
		err = p.admit()
	}
	if err != nil {
		t := p.reject(priority, err)
		if onDone != nil {
			onDone(t)
		}
		return t
	}

	t := newTask(h, priority, parent, fn)
	t.onDone = onDone
	t.queued = true
	t.Log("SPAWN")
	p.enqueue(t)
	return t
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrPoolClosed):
		return "closed"
	case errors.Is(err, ErrPoolDegraded):
		return "degraded"
	case errors.Is(err, ErrInvalidPriority):
		return "invalid_priority"
	default:
		return "unknown"
	}
}
