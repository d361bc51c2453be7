//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// createWakeFd returns a single eventfd as both the read and write end.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

func closeWakeFd(r, _ int) {
	_ = unix.Close(r)
}

func signalWakeFd(w int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wake-up is already pending
		return nil
	}
	return err
}

func drainWakeFd(r int) {
	var buf [8]byte
	_, _ = unix.Read(r, buf[:])
}
