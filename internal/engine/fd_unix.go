//go:build linux || darwin

package engine

import (
	"errors"

	"golang.org/x/sys/unix"
)

// syscall seams, replaced in tests
var (
	closeFD = unix.Close
	readFD  = unix.Read
	writeFD = unix.Write
)

// newSocket creates a non-blocking, close-on-exec IPv4 stream socket.
// A creation failure returns the errno as is, while a failure to configure
// the socket matches ErrSockopt.
func newSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = closeFD(fd)
		return -1, &sockoptError{op: "set non-blocking", err: err}
	}
	return fd, nil
}

// pendingError returns the SO_ERROR of fd, clearing it.
func pendingError(fd int) (int, error) {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, &sockoptError{op: "get SO_ERROR", err: err}
	}
	return v, nil
}

func setBlocking(fd int) error {
	if err := unix.SetNonblock(fd, false); err != nil {
		return &sockoptError{op: "set blocking", err: err}
	}
	return nil
}

type sockoptError struct {
	err error
	op  string
}

func (e *sockoptError) Error() string { return ErrSockopt.Error() + ": " + e.op + ": " + e.err.Error() }

func (e *sockoptError) Unwrap() []error { return []error{ErrSockopt, e.err} }

// errnoOf extracts the errno from err, or EIO if there is none.
func errnoOf(err error) int {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return int(unix.EIO)
}
