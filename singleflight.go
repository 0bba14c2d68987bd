package coronet

import (
	"context"
	"sync"
)

// singleFlightCall represents an in-flight function call that may be
// shared among multiple callers.
type singleFlightCall struct {
	wg   WaitGroup // Released when the call completes
	val  any       // The result value of the call
	err  error     // Any error from the call
	dups int       // Number of duplicate callers, guarded by SingleFlight.mu
}

// SingleFlight deduplicates concurrent calls with the same key: one
// caller runs the function while the others wait for its result.
// Waiting tasks are suspended, not blocked. The zero value is ready
// to use.
type SingleFlight struct {
	mu sync.Mutex                // Guards m
	m  map[any]*singleFlightCall // In-flight calls by key
}

// Do runs fn for key unless a call for key is already in flight, in
// which case it waits for that call and returns its result. shared
// reports whether the result was delivered to more than one caller.
// A waiting caller whose ctx is cancelled returns early with an error
// matching ErrCanceled.
func (g *SingleFlight) Do(ctx context.Context, key any, fn func() (any, error)) (v any, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[any]*singleFlightCall)
	}

	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		if err := c.wg.Wait(ctx); err != nil {
			return nil, err, true
		}
		return c.val, c.err, true
	}

	c := new(singleFlightCall)
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	g.doCall(c, key, fn)

	g.mu.Lock()
	shared = c.dups > 0
	g.mu.Unlock()
	return c.val, c.err, shared
}

// doCall executes fn, stores its result in c and removes the map
// entry once the call is complete.
func (g *SingleFlight) doCall(c *singleFlightCall, key any, fn func() (any, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = newPanicError(r)
		}
		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()
		c.wg.Done()
	}()

	c.val, c.err = fn()
}
