//go:build linux

package coronet

import (
	"encoding/binary"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	reactorMaxEvents = 256
	reactorInterest  = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET
)

// reactor waits on an edge-triggered epoll instance and wakes the
// wakers registered with its sources. An eventfd interrupts the wait
// on close.
type reactor struct {
	epfd    int
	evfd    int
	log     zerolog.Logger
	mu      sync.RWMutex    // Guards sources
	sources map[int]*source // Registered sources by fd
	closed  atomic.Bool
	done    chan struct{} // Closed when run returns
}

func newReactor(log zerolog.Logger) (*reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	evfd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		_ = unix.Close(evfd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	r := &reactor{
		epfd:    epfd,
		evfd:    evfd,
		log:     log.With().Str("component", "reactor").Logger(),
		sources: make(map[int]*source),
		done:    make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// register adds fd to the epoll set for both directions.
func (r *reactor) register(fd int) (*source, error) {
	if r.closed.Load() {
		return nil, net.ErrClosed
	}

	s := &source{fd: fd}
	r.mu.Lock()
	r.sources[fd] = s
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: reactorInterest, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		r.mu.Lock()
		delete(r.sources, fd)
		r.mu.Unlock()
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return s, nil
}

// deregister removes s, wakes its waiters so they observe the closure
// and closes its descriptor.
func (r *reactor) deregister(s *source) error {
	wakers := s.shutdown()

	r.mu.Lock()
	if r.sources[s.fd] == s {
		delete(r.sources, s.fd)
	}
	r.mu.Unlock()

	// The epoll instance may already be gone after close; closing the
	// descriptor removes it from the set either way.
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)

	err := s.closeFD(unix.Close)
	for _, w := range wakers {
		w.Wake()
	}
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

func (r *reactor) run() {
	defer close(r.done)

	events := make([]unix.EpollEvent, reactorMaxEvents)
	wakers := queue.New()

	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.log.Error().Err(err).Msg("epoll wait failed")
			return
		}

		for i := range n {
			ev := &events[i]
			fd := int(ev.Fd)
			if fd == r.evfd {
				r.drain()
				continue
			}

			r.mu.RLock()
			s := r.sources[fd]
			r.mu.RUnlock()
			if s == nil {
				continue
			}

			if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				if w := s.ready(dirRead); w != nil {
					wakers.Add(w)
				}
			}
			if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				if w := s.ready(dirWrite); w != nil {
					wakers.Add(w)
				}
			}
		}

		for wakers.Length() > 0 {
			wakers.Remove().(Waker).Wake()
		}

		if r.closed.Load() {
			return
		}
	}
}

func (r *reactor) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.evfd, buf[:]); err != nil {
			return
		}
	}
}

// close stops the event loop, closes every source still registered
// and releases the epoll instance.
func (r *reactor) close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(r.evfd, buf[:]); err != nil {
		return os.NewSyscallError("write", err)
	}
	<-r.done

	r.mu.RLock()
	leftover := make([]*source, 0, len(r.sources))
	for _, s := range r.sources {
		leftover = append(leftover, s)
	}
	r.mu.RUnlock()

	var errs []error
	for _, s := range leftover {
		errs = append(errs, r.deregister(s))
	}
	if err := unix.Close(r.evfd); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}
	if err := unix.Close(r.epfd); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}

	if len(leftover) > 0 {
		r.log.Debug().Int("sources", len(leftover)).Msg("closed sources left open at shutdown")
	}
	return errors.Join(errs...)
}
