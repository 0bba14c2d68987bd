package coronet

import (
	"context"
	"sync"
)

// Mutex provides mutual exclusion for tasks. Lock suspends the
// calling task while another holder owns the lock, so a contended
// Mutex never blocks a worker. The zero value is unlocked. Ownership
// passes directly to the oldest waiter on Unlock.
type Mutex struct {
	mu     sync.Mutex // Guards locked and w
	locked bool       // Held by some caller
	w      waitq      // Waiting lockers
}

// Lock acquires the mutex. It fails only when ctx or the calling task
// is cancelled, in which case the lock is not held.
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked {
		m.locked = true
		return nil
	}

	return m.w.wait(ctx, &m.mu, m.w.push(ctx))
}

// TryLock acquires the mutex if it is free.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, handing it to the oldest waiter if any.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		panic("coronet: unlock of unlocked Mutex")
	}
	if m.w.len() == 0 {
		m.locked = false
		m.mu.Unlock()
		return
	}
	w := m.w.grant()
	m.mu.Unlock()
	w.Wake()
}

// WaitCount returns the number of callers waiting to acquire the
// mutex.
func (m *Mutex) WaitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.len()
}
