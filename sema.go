package coronet

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// waiter is one parked caller of a synchronization primitive.
type waiter struct {
	p       parker
	granted bool // Set by the releasing side before waking p
}

// waitq is a FIFO of parked callers. Every method must be called
// with the owning primitive's mutex held.
type waitq struct {
	w deque.Deque[*waiter]
}

func (q *waitq) push(ctx context.Context) *waiter {
	w := &waiter{p: parkerFor(ctx)}
	q.w.PushBack(w)
	return w
}

func (q *waitq) len() int {
	return q.w.Len()
}

// grant hands ownership to the oldest waiter and returns it so the
// caller can wake it after unlocking.
func (q *waitq) grant() Waker {
	w := q.w.PopFront()
	w.granted = true
	return w.p
}

func (q *waitq) remove(w *waiter) {
	if i := q.w.Index(func(x *waiter) bool { return x == w }); i >= 0 {
		q.w.Remove(i)
	}
}

// wait parks until w is granted. mu is held on entry and on return.
// A cancelled wait that was not granted leaves the queue.
func (q *waitq) wait(ctx context.Context, mu *sync.Mutex, w *waiter) error {
	for !w.granted {
		mu.Unlock()
		err := w.p.park(ctx)
		mu.Lock()

		if w.granted {
			return nil
		}
		if err != nil {
			q.remove(w)
			return err
		}
	}
	return nil
}

// Semaphore is a counting semaphore whose Acquire suspends the
// calling task instead of blocking its worker. Permits are handed to
// waiters in FIFO order.
type Semaphore struct {
	mu    sync.Mutex // Guards avail and w
	avail int        // Available permits
	w     waitq      // Waiting acquirers
}

// NewSemaphore returns a semaphore holding n permits.
func NewSemaphore(n int) *Semaphore {
	if n < 0 {
		panic("coronet: negative Semaphore permits")
	}
	return &Semaphore{avail: n}
}

// Acquire takes one permit, waiting for one to be released if none
// is available. It fails only when ctx or the calling task is
// cancelled, in which case no permit is held.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.avail > 0 && s.w.len() == 0 {
		s.avail--
		return nil
	}

	return s.w.wait(ctx, &s.mu, s.w.push(ctx))
}

// TryAcquire takes a permit if one is available without waiting.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.avail > 0 && s.w.len() == 0 {
		s.avail--
		return true
	}
	return false
}

// Release returns a permit, handing it to the oldest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if s.w.len() == 0 {
		s.avail++
		s.mu.Unlock()
		return
	}
	w := s.w.grant()
	s.mu.Unlock()
	w.Wake()
}

// Available returns the number of permits not currently held.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avail
}

// WaitCount returns the number of callers waiting in Acquire.
func (s *Semaphore) WaitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.len()
}
