package coronet

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/trace"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webriots/coro"
)

const (
	taskTraceTaskType   = "coronet-task"
	taskTraceRegionType = "coronet-region"
	taskTraceCategory   = "coronet"
)

// errTaskDone releases the context of a finished task.
var errTaskDone = errors.New("coronet: task finished")

// task is one coroutine-backed unit of work owned by a pool. Its
// state, queued and notified fields are guarded by mu; the result
// fields are written by the task body and published by closing done.
type task struct {
	id       uint64
	pool     *pool
	priority Priority
	fn       func(context.Context) (any, error)

	ctx    context.Context
	cancel context.CancelCauseFunc
	guard  *ContextGuard
	tracer *trace.Task
	stops  []func() bool

	resume     func(struct{}) (struct{}, bool)
	suspend    func() struct{}
	cancelCoro func()

	mu       sync.Mutex
	state    State
	queued   bool    // In the ready queue
	notified bool    // Woken while running; requeue after it suspends
	joiners  []Waker // Woken once the task is terminal
	started  time.Time
	onDone   func(*task)

	value    any
	err      error
	panicked bool
	done     chan struct{}
}

// newTask prepares a pending task. The task context derives from the
// pool root so forced shutdown reaches it; parent, when set, also
// cancels the task when it is done.
func newTask(h *Handle, priority Priority, parent context.Context, fn func(context.Context) (any, error)) *task {
	p := h.p
	t := &task{
		id:       p.nextID.Add(1),
		pool:     p,
		priority: priority,
		fn:       fn,
		state:    StatePending,
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancelCause(p.root)
	ctx, t.tracer = trace.NewTask(ctx, taskTraceTaskType)
	ctx = context.WithValue(ctx, taskContextKey{}, t)
	t.guard = h.Enter(ctx)
	t.ctx = t.guard.Context()
	t.cancel = cancel

	t.stops = append(t.stops, context.AfterFunc(t.ctx, t.Wake))
	if parent != nil {
		t.stops = append(t.stops, context.AfterFunc(parent, func() {
			t.cancel(ErrCanceled)
		}))
	}
	return t
}

// newRejectedTask returns a task that failed at submission.
func newRejectedTask(id uint64, priority Priority, err error) *task {
	t := &task{
		id:       id,
		priority: priority,
		state:    StateFailed,
		err:      err,
		done:     make(chan struct{}),
	}
	close(t.done)
	return t
}

// rejected reports whether the task was refused at submission.
func (t *task) rejected() bool {
	return t.pool == nil
}

// start creates the coroutine. The body runs on the first resume.
func (t *task) start() {
	t.resume, t.cancelCoro = coro.New(
		func(_ func(struct{}) struct{}, suspend func() struct{}) (z struct{}) {
			t.suspend = suspend
			t.main()
			return
		},
	)
}

func (t *task) main() {
	region := trace.StartRegion(t.ctx, taskTraceRegionType)
	defer region.End()

	defer func() {
		if r := recover(); r != nil {
			t.panicked = true
			t.err = newPanicError(r)
		}
	}()

	t.Log("RUN")
	t.value, t.err = t.fn(t.ctx)
}

// Wake makes a suspended task runnable. Waking a running task makes
// it runnable again as soon as it suspends; waking a queued or
// finished task does nothing.
func (t *task) Wake() {
	t.mu.Lock()
	switch {
	case t.queued || t.state.Terminal():
		t.mu.Unlock()
	case t.state == StateRunning:
		t.notified = true
		t.mu.Unlock()
	default:
		t.queued = true
		t.mu.Unlock()
		t.pool.enqueue(t)
	}
}

// park suspends the task until it is woken. It must only be called
// from the task body. Cancellation of the task or of ctx is reported
// before and after suspending.
func (t *task) park(ctx context.Context) error {
	if err := t.interrupted(ctx); err != nil {
		return err
	}
	if ctx != t.ctx {
		stop := context.AfterFunc(ctx, t.Wake)
		defer stop()
	}

	t.Log("PARK")
	t.suspend()

	return t.interrupted(ctx)
}

func (t *task) interrupted(ctx context.Context) error {
	if t.ctx.Err() != nil {
		return canceled(t.ctx)
	}
	if ctx.Err() != nil {
		return canceled(ctx)
	}
	return nil
}

// outcome classifies a finished body. A cancellation error only
// counts as cancelled when the task itself was cancelled.
func (t *task) outcome() State {
	switch {
	case t.panicked:
		return StateFailed
	case t.err == nil:
		return StateCompleted
	case t.ctx.Err() != nil && (errors.Is(t.err, ErrCanceled) || errors.Is(t.err, context.Canceled)):
		return StateCancelled
	default:
		return StateFailed
	}
}

// requestCancel asks the task to stop at its next suspension point.
func (t *task) requestCancel() {
	if t.cancel != nil {
		t.cancel(ErrCanceled)
	}
}

// abandon fails a task that will never be resumed again.
func (t *task) abandon(err error) {
	t.mu.Lock()
	terminal := t.state.Terminal()
	t.mu.Unlock()
	if terminal {
		return
	}

	t.err = err
	t.finish(StateFailed)
}

// finish publishes the terminal state, wakes joiners and releases
// the task's registrations. Metrics are recorded last.
func (t *task) finish(state State) {
	if state == StateCancelled && !errors.Is(t.err, ErrCanceled) {
		if t.err == nil {
			t.err = ErrCanceled
		} else {
			t.err = fmt.Errorf("%w: %w", ErrCanceled, t.err)
		}
	}

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	joiners := t.joiners
	t.joiners = nil
	close(t.done)
	t.mu.Unlock()

	for _, stop := range t.stops {
		stop()
	}
	t.guard.Exit()
	t.cancel(errTaskDone)
	t.tracer.End()

	for _, w := range joiners {
		w.Wake()
	}

	if t.cancelCoro != nil {
		t.cancelCoro()
	}
	if t.onDone != nil {
		t.onDone(t)
	}

	t.Logf("DONE %v", state)
	t.pool.taskDone(t, state)
}

// wait blocks or parks until the task is terminal.
func (t *task) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	default:
	}

	p := parkerFor(ctx)
	if _, ok := p.(*goParker); ok {
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return canceled(ctx)
		}
	}

	for {
		t.mu.Lock()
		if t.state.Terminal() {
			t.mu.Unlock()
			return nil
		}
		if !slices.Contains(t.joiners, Waker(p)) {
			t.joiners = append(t.joiners, p)
		}
		t.mu.Unlock()

		if err := p.park(ctx); err != nil {
			t.mu.Lock()
			t.joiners = slices.DeleteFunc(t.joiners, func(w Waker) bool { return w == p })
			t.mu.Unlock()
			return err
		}
	}
}

func (t *task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *task) Log(msg string) {
	if trace.IsEnabled() && t.ctx != nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d|%v ", t.id, t.priority)
		sb.WriteString(msg)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

func (t *task) Logf(format string, args ...any) {
	if trace.IsEnabled() && t.ctx != nil {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d|%v ", t.id, t.priority)
		fmt.Fprintf(&sb, format, args...)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

// Yield suspends the calling task and requeues it behind the ready
// tasks of its priority. Outside a task it yields the processor.
func Yield(ctx context.Context) error {
	t, ok := taskFromContext(ctx)
	if !ok {
		runtime.Gosched()
		if ctx.Err() != nil {
			return canceled(ctx)
		}
		return nil
	}

	t.Log("YIELD")
	t.Wake()
	return t.park(ctx)
}

// OffloadConcurrencyLimit is the maximum number of helper goroutines
// a pool runs for Offload at once. Further callers suspend until a
// slot frees.
const OffloadConcurrencyLimit = 128

// Offload runs a blocking function on a helper goroutine while the
// calling task is suspended, keeping the worker free for other tasks.
// If the task is cancelled first, Offload returns ErrCanceled and
// the result of fn is discarded. Outside a task fn runs inline.
func Offload[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	t, ok := taskFromContext(ctx)
	if !ok {
		return fn()
	}
	if err := t.pool.offload.Acquire(ctx); err != nil {
		var zero T
		return zero, err
	}

	var (
		val  T
		err  error
		done atomic.Bool
	)

	t.Log("OFFLOAD")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err = newPanicError(r)
			}
			t.pool.offload.Release()
			done.Store(true)
			t.Wake()
		}()
		val, err = fn()
	}()

	for !done.Load() {
		if perr := t.park(ctx); perr != nil {
			var zero T
			return zero, perr
		}
	}
	return val, err
}
