//go:build linux

package coronet

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

const socketFlags = unix.SOCK_STREAM | unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

func isWouldBlock(err error) bool  { return errors.Is(err, unix.EAGAIN) }
func isInterrupted(err error) bool { return errors.Is(err, unix.EINTR) }
func isInProgress(err error) bool  { return errors.Is(err, unix.EINPROGRESS) }
func isAddrInUse(err error) bool   { return errors.Is(err, unix.EADDRINUSE) }

// isTransientAccept reports accept failures caused by a connection
// that died in the backlog; the listener itself is fine.
func isTransientAccept(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EPROTO) || errors.Is(err, unix.EINTR)
}

func sockaddr(a *net.TCPAddr) (unix.Sockaddr, int, error) {
	if len(a.IP) == 0 {
		return &unix.SockaddrInet4{Port: a.Port}, unix.AF_INET, nil
	}
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip6 := a.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], ip6)
		if a.Zone != "" {
			if ifi, err := net.InterfaceByName(a.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, ErrInvalidAddress
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		a := &net.TCPAddr{IP: make(net.IP, net.IPv6len), Port: sa.Port}
		copy(a.IP, sa.Addr[:])
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				a.Zone = ifi.Name
			}
		}
		return a
	}
	return nil
}

// sysListen creates a listening socket bound to a.
func sysListen(a *net.TCPAddr) (int, int, error) {
	sa, family, err := sockaddr(a)
	if err != nil {
		return -1, 0, err
	}
	fd, err := unix.Socket(family, socketFlags, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, 0, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, 0, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, 0, os.NewSyscallError("listen", err)
	}
	return fd, family, nil
}

// sysSocket creates an unconnected socket for the family of a.
func sysSocket(a *net.TCPAddr) (int, int, error) {
	_, family, err := sockaddr(a)
	if err != nil {
		return -1, 0, err
	}
	fd, err := unix.Socket(family, socketFlags, unix.IPPROTO_TCP)
	if err != nil {
		return -1, 0, os.NewSyscallError("socket", err)
	}
	return fd, family, nil
}

func sysConnect(fd int, a *net.TCPAddr) error {
	sa, _, err := sockaddr(a)
	if err != nil {
		return err
	}
	return unix.Connect(fd, sa)
}

// sysConnectResult reports EAGAIN while a non-blocking connect is in
// flight and its outcome once it settles.
func sysConnectResult(fd int) (int, error) {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, err
	}
	switch e := unix.Errno(soerr); e {
	case 0, unix.EISCONN:
	case unix.EINPROGRESS, unix.EALREADY:
		return 0, unix.EAGAIN
	default:
		return 0, e
	}
	if _, err := unix.Getpeername(fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return 0, unix.EAGAIN
		}
		return 0, err
	}
	return 0, nil
}

func sysAccept(fd int) (int, *net.TCPAddr, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return nfd, tcpAddr(sa), nil
}

func sysRead(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// sysPeek reads without consuming the receive queue.
func sysPeek(fd int, p []byte) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, unix.MSG_PEEK)
	if n < 0 {
		n = 0
	}
	return n, err
}

func sysWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func sysReadv(fd int, bufs []IoSliceMut) (int, error) {
	iovs := make([][]byte, len(bufs))
	for i, b := range bufs {
		iovs[i] = b
	}
	return unix.Readv(fd, iovs)
}

func sysWritev(fd int, bufs []IoSlice) (int, error) {
	iovs := make([][]byte, len(bufs))
	for i, b := range bufs {
		iovs[i] = b
	}
	return unix.Writev(fd, iovs)
}

func sysShutdown(fd int, how ShutdownHow) error {
	mode := unix.SHUT_RDWR
	switch how {
	case ShutdownRead:
		mode = unix.SHUT_RD
	case ShutdownWrite:
		mode = unix.SHUT_WR
	}
	return os.NewSyscallError("shutdown", unix.Shutdown(fd, mode))
}

func sysLocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return tcpAddr(sa), nil
}

func sysPeerAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return tcpAddr(sa), nil
}

func sysNoDelay(fd int) (bool, error) {
	v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	return v != 0, os.NewSyscallError("getsockopt", err)
}

func sysSetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

func ttlOption(family int) (int, int) {
	if family == unix.AF_INET6 {
		return unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS
	}
	return unix.IPPROTO_IP, unix.IP_TTL
}

func sysTTL(fd, family int) (int, error) {
	level, opt := ttlOption(family)
	v, err := unix.GetsockoptInt(fd, level, opt)
	return v, os.NewSyscallError("getsockopt", err)
}

func sysSetTTL(fd, family, ttl int) error {
	level, opt := ttlOption(family)
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, level, opt, ttl))
}

// sysLinger returns the linger timeout in seconds, or -1 when
// lingering is off.
func sysLinger(fd int) (int, error) {
	l, err := unix.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
	if err != nil {
		return -1, os.NewSyscallError("getsockopt", err)
	}
	if l.Onoff == 0 {
		return -1, nil
	}
	return int(l.Linger), nil
}

func sysSetLinger(fd, sec int) error {
	l := &unix.Linger{}
	if sec >= 0 {
		l.Onoff = 1
		l.Linger = int32(sec)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l))
}

func sysClose(fd int) error { return unix.Close(fd) }
