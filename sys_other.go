//go:build !linux

package coronet

import (
	"errors"
	"net"
	"syscall"
)

// Off Linux the reactor never starts, so these are only reached if a
// caller bypasses it; every one reports ErrNotSupported.

func isWouldBlock(err error) bool              { return errors.Is(err, syscall.EAGAIN) }
func isInterrupted(err error) bool             { return errors.Is(err, syscall.EINTR) }
func isInProgress(error) bool                  { return false }
func isAddrInUse(error) bool                   { return false }
func isTransientAccept(error) bool             { return false }
func sysListen(*net.TCPAddr) (int, int, error) { return -1, 0, ErrNotSupported }
func sysSocket(*net.TCPAddr) (int, int, error) { return -1, 0, ErrNotSupported }
func sysConnect(int, *net.TCPAddr) error       { return ErrNotSupported }
func sysConnectResult(int) (int, error)        { return 0, ErrNotSupported }
func sysAccept(int) (int, *net.TCPAddr, error) { return -1, nil, ErrNotSupported }
func sysRead(int, []byte) (int, error)         { return 0, ErrNotSupported }
func sysPeek(int, []byte) (int, error)         { return 0, ErrNotSupported }
func sysWrite(int, []byte) (int, error)        { return 0, ErrNotSupported }
func sysReadv(int, []IoSliceMut) (int, error)  { return 0, ErrNotSupported }
func sysWritev(int, []IoSlice) (int, error)    { return 0, ErrNotSupported }
func sysShutdown(int, ShutdownHow) error       { return ErrNotSupported }
func sysLocalAddr(int) (*net.TCPAddr, error)   { return nil, ErrNotSupported }
func sysPeerAddr(int) (*net.TCPAddr, error)    { return nil, ErrNotSupported }
func sysNoDelay(int) (bool, error)             { return false, ErrNotSupported }
func sysSetNoDelay(int, bool) error            { return ErrNotSupported }
func sysTTL(int, int) (int, error)             { return 0, ErrNotSupported }
func sysSetTTL(int, int, int) error            { return ErrNotSupported }
func sysLinger(int) (int, error)               { return -1, ErrNotSupported }
func sysSetLinger(int, int) error              { return ErrNotSupported }
func sysClose(int) error                       { return ErrNotSupported }
