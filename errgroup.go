package coronet

import (
	"context"
	"errors"
	"sync"
)

// errGroupDone releases the context of a group whose Wait returned.
var errGroupDone = errors.New("coronet: group done")

// Group runs a set of tasks and collects the first error. The first
// task to fail cancels the group context, which cancels the others at
// their next suspension point.
type Group struct {
	h      *Handle                 // Handle the tasks are spawned on
	ctx    context.Context         // Parent of every task in the group
	cancel context.CancelCauseFunc // Cancels the group with a cause
	wg     WaitGroup               // Tracks tasks not yet terminal
	mu     sync.Mutex              // Guards err
	err    error                   // First error reported by any task
}

// NewGroup creates a group spawning on the current handle of ctx at
// that handle's priority. Cancelling ctx cancels the group.
func NewGroup(ctx context.Context) (*Group, error) {
	h, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	gctx, cancel := context.WithCancelCause(ctx)
	return &Group{h: h, ctx: gctx, cancel: cancel}, nil
}

// Go spawns fn as a task of the group. A task that fails, is
// cancelled, or is rejected by the pool records its error.
func (g *Group) Go(fn func(context.Context) error) {
	g.wg.Add(1)
	g.h.spawn(g.h.priority, g.ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	}, g.done)
}

// done is called once for every task of the group.
func (g *Group) done(t *task) {
	defer g.wg.Done()

	if t.err == nil {
		return
	}

	g.mu.Lock()
	first := g.err == nil
	if first {
		g.err = t.err
	}
	g.mu.Unlock()

	if first {
		g.cancel(t.err)
	}
}

// Wait waits for every task of the group and returns the first error
// any of them reported. It returns early only when ctx or the calling
// task is cancelled.
func (g *Group) Wait(ctx context.Context) error {
	if err := g.wg.Wait(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		g.cancel(g.err)
	} else {
		g.cancel(errGroupDone)
	}
	return g.err
}
