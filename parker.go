package coronet

import (
	"context"
	"errors"
	"fmt"
)

// Waker is notified when a resource something waits on may have
// become ready. Wake must be safe to call from any goroutine, any
// number of times; spurious wakes are allowed.
type Waker interface {
	Wake()
}

// parker is a Waker that can also wait to be woken. Tasks park by
// suspending their coroutine; plain goroutines park on a channel.
type parker interface {
	Waker
	park(ctx context.Context) error
}

// goParker parks a goroutine that is not running inside a task.
type goParker struct {
	ch chan struct{}
}

func newGoParker() *goParker {
	return &goParker{ch: make(chan struct{}, 1)}
}

func (g *goParker) Wake() {
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

func (g *goParker) park(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return canceled(ctx)
	}
}

// parkerFor returns the task owning ctx, or a fresh goroutine parker
// when ctx does not belong to a task.
func parkerFor(ctx context.Context) parker {
	if t, ok := taskFromContext(ctx); ok {
		return t
	}
	return newGoParker()
}

// canceled converts the cancellation of ctx into an error matching
// ErrCanceled and the context's cause.
func canceled(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCanceled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

// await drives one non-blocking operation to completion: poll, and
// on ErrWouldBlock park until woken and poll again. A cancelled wait
// withdraws the registration before returning.
func await(ctx context.Context, poll func(Waker) (int, error), cancel func(Waker)) (int, error) {
	p := parkerFor(ctx)
	for {
		n, err := poll(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		if err := p.park(ctx); err != nil {
			cancel(p)
			return 0, err
		}
	}
}
