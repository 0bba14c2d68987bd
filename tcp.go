package coronet

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
)

// ShutdownHow selects the directions closed by TCPStream.Shutdown.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

// socket is a registered descriptor shared by a stream or its halves.
// The descriptor is deregistered and closed when the last reference
// is released.
type socket struct {
	src     *source
	reactor *reactor
	family  int
	refs    atomic.Int32
}

func newSocket(r *reactor, fd, family int) (*socket, error) {
	src, err := r.register(fd)
	if err != nil {
		_ = sysClose(fd)
		return nil, err
	}
	s := &socket{src: src, reactor: r, family: family}
	s.refs.Store(1)
	return s, nil
}

func (s *socket) release() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	return s.reactor.deregister(s.src)
}

// ioError wraps a failed syscall. Scheduling outcomes and closure are
// returned unchanged.
func (s *socket) ioError(op string, err error) error {
	switch {
	case errors.Is(err, ErrWouldBlock),
		errors.Is(err, ErrInterestBusy),
		errors.Is(err, net.ErrClosed):
		return err
	}

	addr := ""
	_ = s.src.control(func(fd int) error {
		if a, err := sysPeerAddr(fd); err == nil && a != nil {
			addr = a.String()
		}
		return nil
	})
	return &IOError{Op: op, Addr: addr, Err: os.NewSyscallError(op, err)}
}

func (s *socket) localAddr() (a *net.TCPAddr, err error) {
	err = s.src.control(func(fd int) error {
		a, err = sysLocalAddr(fd)
		return err
	})
	return a, err
}

func (s *socket) peerAddr() (a *net.TCPAddr, err error) {
	err = s.src.control(func(fd int) error {
		a, err = sysPeerAddr(fd)
		return err
	})
	return a, err
}

func (s *socket) pollRead(w Waker, p []byte) (int, error) {
	n, err := s.src.poll(dirRead, w, func(fd int) (int, error) {
		return sysRead(fd, p)
	})
	if err != nil {
		return 0, s.ioError("read", err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// peek waits until data or end of stream is available and copies it
// into p without consuming it.
func (s *socket) peek(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return await(ctx, func(w Waker) (int, error) {
		n, err := s.src.poll(dirRead, w, func(fd int) (int, error) {
			return sysPeek(fd, p)
		})
		if err != nil {
			return 0, s.ioError("peek", err)
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}, func(w Waker) {
		s.src.cancel(dirRead, w)
	})
}

func (s *socket) pollReadv(w Waker, bufs []IoSliceMut) (int, error) {
	n, err := s.src.poll(dirRead, w, func(fd int) (int, error) {
		return sysReadv(fd, bufs)
	})
	if err != nil {
		return 0, s.ioError("readv", err)
	}
	if n == 0 && totalLen(bufs) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *socket) pollWrite(w Waker, p []byte) (int, error) {
	n, err := s.src.poll(dirWrite, w, func(fd int) (int, error) {
		return sysWrite(fd, p)
	})
	if err != nil {
		return 0, s.ioError("write", err)
	}
	return n, nil
}

func (s *socket) pollWritev(w Waker, bufs []IoSlice) (int, error) {
	n, err := s.src.poll(dirWrite, w, func(fd int) (int, error) {
		return sysWritev(fd, bufs)
	})
	if err != nil {
		return 0, s.ioError("writev", err)
	}
	return n, nil
}

// TCPStream is a connected, non-blocking TCP socket. Read and write
// operations suspend the calling task instead of blocking its worker.
// One task may read while another writes; Split hands each direction
// to its own owner.
type TCPStream struct {
	sock atomic.Pointer[socket]
}

func newTCPStream(s *socket) *TCPStream {
	st := &TCPStream{}
	st.sock.Store(s)
	return st
}

func (st *TCPStream) socket() (*socket, error) {
	s := st.sock.Load()
	if s == nil {
		return nil, net.ErrClosed
	}
	return s, nil
}

// Connect opens a connection to address ("host:port"), suspending the
// calling task until the handshake completes. Each resolved address
// is tried in turn; the last failure is returned.
func Connect(ctx context.Context, address string) (*TCPStream, error) {
	p, r, err := netContext(ctx)
	if err != nil {
		return nil, err
	}

	addrs, err := resolve(ctx, p, "connect", address, net.IPv4(127, 0, 0, 1))
	if err != nil {
		return nil, err
	}

	for _, a := range addrs {
		var st *TCPStream
		st, err = connect(ctx, r, a)
		if err == nil {
			p.log.Trace().Stringer("peer", a).Msg("connected")
			return st, nil
		}
		if errors.Is(err, ErrCanceled) {
			return nil, err
		}
	}
	return nil, err
}

func connect(ctx context.Context, r *reactor, a *net.TCPAddr) (*TCPStream, error) {
	fd, family, err := sysSocket(a)
	if err != nil {
		return nil, &IOError{Op: "connect", Addr: a.String(), Err: err}
	}

	// Register before connecting so the completion edge is not missed.
	s, err := newSocket(r, fd, family)
	if err != nil {
		return nil, &IOError{Op: "connect", Addr: a.String(), Err: err}
	}

	if err := sysConnect(fd, a); err != nil && !isInProgress(err) && !isInterrupted(err) {
		_ = s.release()
		return nil, &IOError{Op: "connect", Addr: a.String(), Err: os.NewSyscallError("connect", err)}
	}

	_, err = await(ctx, func(w Waker) (int, error) {
		return s.src.poll(dirWrite, w, sysConnectResult)
	}, func(w Waker) {
		s.src.cancel(dirWrite, w)
	})
	if err != nil {
		_ = s.release()
		if errors.Is(err, ErrCanceled) {
			return nil, err
		}
		return nil, &IOError{Op: "connect", Addr: a.String(), Err: os.NewSyscallError("connect", err)}
	}
	return newTCPStream(s), nil
}

func (st *TCPStream) PollRead(w Waker, p []byte) (int, error) {
	s, err := st.socket()
	if err != nil {
		return 0, err
	}
	return s.pollRead(w, p)
}

// Peek reads up to len(p) bytes without removing them from the
// connection, suspending the caller until data or end of stream
// (0, io.EOF) is available. A later Read returns the same bytes.
func (st *TCPStream) Peek(ctx context.Context, p []byte) (int, error) {
	s, err := st.socket()
	if err != nil {
		return 0, err
	}
	return s.peek(ctx, p)
}

func (st *TCPStream) PollReadv(w Waker, bufs []IoSliceMut) (int, error) {
	s, err := st.socket()
	if err != nil {
		return 0, err
	}
	return s.pollReadv(w, bufs)
}

func (st *TCPStream) CancelRead(w Waker) {
	if s := st.sock.Load(); s != nil {
		s.src.cancel(dirRead, w)
	}
}

func (st *TCPStream) PollWrite(w Waker, p []byte) (int, error) {
	s, err := st.socket()
	if err != nil {
		return 0, err
	}
	return s.pollWrite(w, p)
}

func (st *TCPStream) PollWritev(w Waker, bufs []IoSlice) (int, error) {
	s, err := st.socket()
	if err != nil {
		return 0, err
	}
	return s.pollWritev(w, bufs)
}

func (st *TCPStream) CancelWrite(w Waker) {
	if s := st.sock.Load(); s != nil {
		s.src.cancel(dirWrite, w)
	}
}

// control runs fn on the descriptor, holding it open for the call.
func (st *TCPStream) control(fn func(s *socket, fd int) error) error {
	s, err := st.socket()
	if err != nil {
		return err
	}
	return s.src.control(func(fd int) error { return fn(s, fd) })
}

// LocalAddr returns the local address of the connection.
func (st *TCPStream) LocalAddr() (*net.TCPAddr, error) {
	s, err := st.socket()
	if err != nil {
		return nil, err
	}
	return s.localAddr()
}

// PeerAddr returns the remote address of the connection.
func (st *TCPStream) PeerAddr() (*net.TCPAddr, error) {
	s, err := st.socket()
	if err != nil {
		return nil, err
	}
	return s.peerAddr()
}

// NoDelay reports whether Nagle's algorithm is disabled.
func (st *TCPStream) NoDelay() (on bool, err error) {
	err = st.control(func(_ *socket, fd int) error {
		on, err = sysNoDelay(fd)
		return err
	})
	return on, err
}

func (st *TCPStream) SetNoDelay(on bool) error {
	return st.control(func(_ *socket, fd int) error {
		return sysSetNoDelay(fd, on)
	})
}

// TTL returns the IP time-to-live (hop limit for IPv6).
func (st *TCPStream) TTL() (ttl int, err error) {
	err = st.control(func(s *socket, fd int) error {
		ttl, err = sysTTL(fd, s.family)
		return err
	})
	return ttl, err
}

func (st *TCPStream) SetTTL(ttl int) error {
	return st.control(func(s *socket, fd int) error {
		return sysSetTTL(fd, s.family, ttl)
	})
}

// Linger returns the SO_LINGER timeout in seconds, or -1 when off.
func (st *TCPStream) Linger() (sec int, err error) {
	sec = -1
	err = st.control(func(_ *socket, fd int) error {
		sec, err = sysLinger(fd)
		return err
	})
	return sec, err
}

// SetLinger sets the SO_LINGER timeout in seconds; a negative value
// turns lingering off.
func (st *TCPStream) SetLinger(sec int) error {
	return st.control(func(_ *socket, fd int) error {
		return sysSetLinger(fd, sec)
	})
}

// Shutdown closes one or both directions of the connection. The
// descriptor stays open until Close.
func (st *TCPStream) Shutdown(how ShutdownHow) error {
	return st.control(func(_ *socket, fd int) error {
		return sysShutdown(fd, how)
	})
}

// Close releases the connection. Tasks suspended on it are woken and
// fail with net.ErrClosed. Closing a stream that was closed or split
// returns net.ErrClosed.
func (st *TCPStream) Close() error {
	s := st.sock.Swap(nil)
	if s == nil {
		return net.ErrClosed
	}
	return s.release()
}

// Split divides the stream into independently owned read and write
// halves and consumes it. The descriptor is closed once both halves
// are closed. Splitting a consumed stream yields halves that fail
// with net.ErrClosed.
func (st *TCPStream) Split() (*ReadHalf, *WriteHalf) {
	rh, wh := &ReadHalf{}, &WriteHalf{}
	s := st.sock.Swap(nil)
	if s == nil {
		return rh, wh
	}
	s.refs.Add(1)
	rh.sock.Store(s)
	wh.sock.Store(s)
	return rh, wh
}

// ReadHalf is the read direction of a split TCPStream.
type ReadHalf struct {
	sock atomic.Pointer[socket]
}

func (h *ReadHalf) PollRead(w Waker, p []byte) (int, error) {
	s := h.sock.Load()
	if s == nil {
		return 0, net.ErrClosed
	}
	return s.pollRead(w, p)
}

// Peek is TCPStream.Peek for the read half.
func (h *ReadHalf) Peek(ctx context.Context, p []byte) (int, error) {
	s := h.sock.Load()
	if s == nil {
		return 0, net.ErrClosed
	}
	return s.peek(ctx, p)
}

func (h *ReadHalf) PollReadv(w Waker, bufs []IoSliceMut) (int, error) {
	s := h.sock.Load()
	if s == nil {
		return 0, net.ErrClosed
	}
	return s.pollReadv(w, bufs)
}

func (h *ReadHalf) CancelRead(w Waker) {
	if s := h.sock.Load(); s != nil {
		s.src.cancel(dirRead, w)
	}
}

func (h *ReadHalf) LocalAddr() (*net.TCPAddr, error) {
	s := h.sock.Load()
	if s == nil {
		return nil, net.ErrClosed
	}
	return s.localAddr()
}

func (h *ReadHalf) PeerAddr() (*net.TCPAddr, error) {
	s := h.sock.Load()
	if s == nil {
		return nil, net.ErrClosed
	}
	return s.peerAddr()
}

// Close drops this half's reference to the connection.
func (h *ReadHalf) Close() error {
	s := h.sock.Swap(nil)
	if s == nil {
		return net.ErrClosed
	}
	return s.release()
}

// WriteHalf is the write direction of a split TCPStream.
type WriteHalf struct {
	sock atomic.Pointer[socket]
}

func (h *WriteHalf) PollWrite(w Waker, p []byte) (int, error) {
	s := h.sock.Load()
	if s == nil {
		return 0, net.ErrClosed
	}
	return s.pollWrite(w, p)
}

func (h *WriteHalf) PollWritev(w Waker, bufs []IoSlice) (int, error) {
	s := h.sock.Load()
	if s == nil {
		return 0, net.ErrClosed
	}
	return s.pollWritev(w, bufs)
}

func (h *WriteHalf) CancelWrite(w Waker) {
	if s := h.sock.Load(); s != nil {
		s.src.cancel(dirWrite, w)
	}
}

func (h *WriteHalf) LocalAddr() (*net.TCPAddr, error) {
	s := h.sock.Load()
	if s == nil {
		return nil, net.ErrClosed
	}
	return s.localAddr()
}

func (h *WriteHalf) PeerAddr() (*net.TCPAddr, error) {
	s := h.sock.Load()
	if s == nil {
		return nil, net.ErrClosed
	}
	return s.peerAddr()
}

// Close shuts down the write direction, so the peer reads end of
// stream, and drops this half's reference to the connection.
func (h *WriteHalf) Close() error {
	s := h.sock.Swap(nil)
	if s == nil {
		return net.ErrClosed
	}
	err := s.src.control(func(fd int) error {
		return sysShutdown(fd, ShutdownWrite)
	})
	return errors.Join(err, s.release())
}
