package coronet

import (
	"context"
	"sync"
)

// WaitGroup waits for a collection of operations to finish. Wait
// suspends the calling task instead of blocking its worker.
type WaitGroup struct {
	mu sync.Mutex // Guards v and w
	v  int        // Outstanding operations
	w  waitq      // Waiting callers
}

// Add adds delta to the counter. When the counter reaches zero every
// waiter is released. If the counter goes negative, Add panics.
func (wg *WaitGroup) Add(delta int) {
	wg.mu.Lock()
	wg.v += delta

	if wg.v < 0 {
		wg.mu.Unlock()
		panic("coronet: negative WaitGroup counter")
	}

	if wg.v > 0 || wg.w.len() == 0 {
		wg.mu.Unlock()
		return
	}

	wakers := make([]Waker, 0, wg.w.len())
	for wg.w.len() > 0 {
		wakers = append(wakers, wg.w.grant())
	}
	wg.mu.Unlock()

	for _, w := range wakers {
		w.Wake()
	}
}

// Done decrements the WaitGroup counter by one.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait waits until the counter is zero. It returns early only when
// ctx or the calling task is cancelled.
func (wg *WaitGroup) Wait(ctx context.Context) error {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	if wg.v == 0 {
		return nil
	}

	return wg.w.wait(ctx, &wg.mu, wg.w.push(ctx))
}
