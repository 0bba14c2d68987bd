package coronet

import (
	"context"
	"sync/atomic"
)

// taskContextKey is a unique type used as a key for storing the
// running task in its context.
type taskContextKey struct{}

// handleContextKey is a unique type used as a key for storing the
// innermost handle slot in a context.
type handleContextKey struct{}

// taskFromContext retrieves the task whose body owns ctx.
func taskFromContext(ctx context.Context) (*task, bool) {
	val, ok := ctx.Value(taskContextKey{}).(*task)
	return val, ok
}

// handleSlot is one level of the handle stack carried by a context.
// prev links to the slot that was innermost when this one was
// entered.
type handleSlot struct {
	handle *Handle
	prev   *handleSlot
	active atomic.Bool
}

// ContextGuard scopes a Handle as the current pool of a context. The
// guard shadows any handle entered before it until Exit is called.
type ContextGuard struct {
	ctx  context.Context
	slot *handleSlot
}

// Enter installs h as the current handle for the returned guard's
// context. Callers must Exit the guard when the scope ends, usually
// with defer.
func (h *Handle) Enter(ctx context.Context) *ContextGuard {
	prev, _ := ctx.Value(handleContextKey{}).(*handleSlot)
	slot := &handleSlot{handle: h, prev: prev}
	slot.active.Store(true)
	return &ContextGuard{
		ctx:  context.WithValue(ctx, handleContextKey{}, slot),
		slot: slot,
	}
}

// Context returns the context carrying the guarded handle.
func (g *ContextGuard) Context() context.Context {
	return g.ctx
}

// Exit deactivates the guard. Lookups through its context fall back
// to the handle that was current before Enter, if any. Exit is
// idempotent.
func (g *ContextGuard) Exit() {
	g.slot.active.Store(false)
}

// Current returns the innermost active handle in ctx. It fails with
// ErrNoContext outside every guard, including outside of tasks.
func Current(ctx context.Context) (*Handle, error) {
	slot, _ := ctx.Value(handleContextKey{}).(*handleSlot)
	for ; slot != nil; slot = slot.prev {
		if slot.active.Load() {
			return slot.handle, nil
		}
	}
	return nil, ErrNoContext
}

// MustCurrent is like Current but panics outside every guard.
func MustCurrent(ctx context.Context) *Handle {
	h, err := Current(ctx)
	if err != nil {
		panic("coronet: no pool in context")
	}
	return h
}
