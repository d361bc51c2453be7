//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking self-pipe, returning the read and
// write ends.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			closeWakeFd(fds[0], fds[1])
			return 0, 0, err
		}
	}
	return fds[0], fds[1], nil
}

func closeWakeFd(r, w int) {
	_ = unix.Close(r)
	_ = unix.Close(w)
}

func signalWakeFd(w int) error {
	_, err := unix.Write(w, []byte{1})
	if err == unix.EAGAIN {
		// pipe full, a wake-up is already pending
		return nil
	}
	return err
}

func drainWakeFd(r int) {
	var buf [64]byte
	for {
		if n, err := unix.Read(r, buf[:]); err != nil || n <= 0 {
			return
		}
	}
}
