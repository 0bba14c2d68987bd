package coronet

import (
	"context"
	"errors"
	"iter"
	"net"
	"os"
	"sync/atomic"
)

// TCPListener accepts TCP connections without blocking its worker.
type TCPListener struct {
	sock atomic.Pointer[socket]
	addr *net.TCPAddr
	pool *pool
}

// Bind opens a listener on address ("host:port"). An empty host
// listens on all IPv4 interfaces and port 0 picks a free port. Bind
// must be called with a context carrying a pool handle.
func Bind(ctx context.Context, address string) (*TCPListener, error) {
	p, r, err := netContext(ctx)
	if err != nil {
		return nil, err
	}

	addrs, err := resolve(ctx, p, "bind", address, net.IPv4zero)
	if err != nil {
		return nil, err
	}

	for _, a := range addrs {
		var l *TCPListener
		l, err = listen(p, r, a)
		if err == nil {
			p.log.Debug().Stringer("addr", l.addr).Msg("listening")
			return l, nil
		}
	}
	return nil, err
}

func listen(p *pool, r *reactor, a *net.TCPAddr) (*TCPListener, error) {
	fd, family, err := sysListen(a)
	if err != nil {
		ioerr := &IOError{Op: "bind", Addr: a.String(), Err: err}
		if isAddrInUse(err) {
			ioerr.Kind = ErrAddressInUse
		}
		return nil, ioerr
	}

	local, err := sysLocalAddr(fd)
	if err != nil {
		_ = sysClose(fd)
		return nil, &IOError{Op: "bind", Addr: a.String(), Err: err}
	}

	s, err := newSocket(r, fd, family)
	if err != nil {
		return nil, &IOError{Op: "bind", Addr: a.String(), Err: err}
	}

	l := &TCPListener{addr: local, pool: p}
	l.sock.Store(s)
	return l, nil
}

// Addr returns the bound address, with the chosen port when bound to
// port 0.
func (l *TCPListener) Addr() *net.TCPAddr {
	return l.addr
}

// Accept waits for the next connection, suspending the calling task
// while none is pending.
func (l *TCPListener) Accept(ctx context.Context) (*TCPStream, *net.TCPAddr, error) {
	s := l.sock.Load()
	if s == nil {
		return nil, nil, net.ErrClosed
	}

	var peer *net.TCPAddr
	nfd, err := await(ctx, func(w Waker) (int, error) {
		return s.src.poll(dirRead, w, func(fd int) (int, error) {
			nfd, sa, err := sysAccept(fd)
			peer = sa
			return nfd, err
		})
	}, func(w Waker) {
		s.src.cancel(dirRead, w)
	})
	if err != nil {
		if errors.Is(err, ErrCanceled) || errors.Is(err, net.ErrClosed) {
			return nil, nil, err
		}
		return nil, nil, &IOError{Op: "accept", Addr: l.addr.String(), Err: os.NewSyscallError("accept", err)}
	}

	conn, err := newSocket(s.reactor, nfd, s.family)
	if err != nil {
		return nil, nil, &IOError{Op: "accept", Addr: l.addr.String(), Err: err}
	}

	l.pool.log.Trace().Stringer("peer", peer).Msg("accepted")
	return newTCPStream(conn), peer, nil
}

// Incoming returns an endless sequence of accepted connections.
// Failures caused by connections that died in the backlog are
// skipped. The sequence ends after the listener is closed, after the
// caller's ctx is cancelled (yielding the cancellation error) or
// after any other accept error is yielded.
func (l *TCPListener) Incoming(ctx context.Context) iter.Seq2[*TCPStream, error] {
	return func(yield func(*TCPStream, error) bool) {
		for {
			st, _, err := l.Accept(ctx)
			switch {
			case err == nil:
				if !yield(st, nil) {
					return
				}
			case errors.Is(err, net.ErrClosed):
				return
			case isTransientAccept(err):
				l.pool.log.Debug().Err(err).Msg("accept failed, retrying")
			default:
				yield(nil, err)
				return
			}
		}
	}
}

// TTL returns the IP time-to-live set on accepted connections.
func (l *TCPListener) TTL() (ttl int, err error) {
	s := l.sock.Load()
	if s == nil {
		return 0, net.ErrClosed
	}
	err = s.src.control(func(fd int) error {
		ttl, err = sysTTL(fd, s.family)
		return err
	})
	return ttl, err
}

func (l *TCPListener) SetTTL(ttl int) error {
	s := l.sock.Load()
	if s == nil {
		return net.ErrClosed
	}
	return s.src.control(func(fd int) error {
		return sysSetTTL(fd, s.family, ttl)
	})
}

// Close stops listening. Tasks suspended in Accept are woken and fail
// with net.ErrClosed.
func (l *TCPListener) Close() error {
	s := l.sock.Swap(nil)
	if s == nil {
		return net.ErrClosed
	}
	l.pool.log.Debug().Stringer("addr", l.addr).Msg("listener closed")
	return s.release()
}
