package coronet

import (
	"net"
	"sync"
)

// direction selects the read or write half of a source's interest.
type direction int

const (
	dirRead direction = iota
	dirWrite
)

func (d direction) String() string {
	if d == dirRead {
		return "read"
	}
	return "write"
}

// source is one non-blocking file descriptor registered with the
// reactor. For each direction it holds at most one waker and a
// readiness sequence number. The sequence closes the window between
// a syscall reporting EAGAIN and the waker being registered: a
// readiness edge delivered in that window bumps the sequence and the
// syscall is retried instead of sleeping through the edge.
type source struct {
	fd int

	mu     sync.Mutex   // Guards seq, waiter and closed
	seq    [2]uint64    // Readiness edges seen per direction
	waiter [2]Waker     // Registered waker per direction
	closed bool         // Deregistered; every poll fails
	opMu   sync.RWMutex // Shared by syscalls, exclusive to close
	fdGone bool         // fd was closed, guarded by opMu
}

// poll runs op on the descriptor. When op reports EAGAIN, w is
// registered for the direction and ErrWouldBlock is returned.
func (s *source) poll(d direction, w Waker, op func(fd int) (int, error)) (int, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, net.ErrClosed
		}
		seq := s.seq[d]
		s.mu.Unlock()

		s.opMu.RLock()
		if s.fdGone {
			s.opMu.RUnlock()
			return 0, net.ErrClosed
		}
		n, err := op(s.fd)
		s.opMu.RUnlock()

		switch {
		case err == nil:
			s.cancel(d, w)
			return n, nil
		case isInterrupted(err):
			continue
		case !isWouldBlock(err):
			s.cancel(d, w)
			return 0, err
		}

		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return 0, net.ErrClosed
		case s.seq[d] != seq:
			s.mu.Unlock()
			continue
		case s.waiter[d] != nil && s.waiter[d] != w:
			s.mu.Unlock()
			return 0, ErrInterestBusy
		}
		s.waiter[d] = w
		s.mu.Unlock()
		return 0, ErrWouldBlock
	}
}

// cancel withdraws w's registration for the direction.
func (s *source) cancel(d direction, w Waker) {
	s.mu.Lock()
	if s.waiter[d] == w {
		s.waiter[d] = nil
	}
	s.mu.Unlock()
}

// ready records a readiness edge and returns the waker to notify.
func (s *source) ready(d direction) Waker {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq[d]++
	w := s.waiter[d]
	s.waiter[d] = nil
	return w
}

// shutdown fails all future polls and returns the registered wakers.
func (s *source) shutdown() []Waker {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var wakers []Waker
	for d := range s.waiter {
		if s.waiter[d] != nil {
			wakers = append(wakers, s.waiter[d])
			s.waiter[d] = nil
		}
	}
	return wakers
}

// closeFD closes the descriptor once no syscall is using it.
func (s *source) closeFD(closeFn func(int) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.fdGone {
		return nil
	}
	s.fdGone = true
	return closeFn(s.fd)
}

// control runs fn on the descriptor while it is guaranteed open.
func (s *source) control(fn func(fd int) error) error {
	s.opMu.RLock()
	defer s.opMu.RUnlock()

	if s.fdGone {
		return net.ErrClosed
	}
	return fn(s.fd)
}
