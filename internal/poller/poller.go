//go:build linux || darwin

// Package poller multiplexes readiness notifications for non-blocking file
// descriptors, backed by epoll on Linux and kqueue on Darwin.
//
// A Poller is owned by a single goroutine. The one exception is Wake, which
// may be called from any goroutine to interrupt a blocked Wait.
package poller

import (
	"errors"
	"strings"
)

// MaxFDLimit is the largest descriptor value the poller will index.
const MaxFDLimit = 100000000

// initial size of the descriptor table, grown on demand
const initialFDs = 1024

// IOEvents is a set of readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

var (
	ErrFDOutOfRange        = errors.New("poller: fd out of range")
	ErrFDAlreadyRegistered = errors.New("poller: fd already registered")
	ErrFDNotRegistered     = errors.New("poller: fd not registered")
	ErrClosed              = errors.New("poller: closed")
)

// Handler receives the readiness observed for a registered descriptor,
// identified by the token passed to Register. Handlers run synchronously,
// inside Wait.
type Handler func(token int, events IOEvents)

func (x IOEvents) String() string {
	if x == 0 {
		return "none"
	}
	var parts []string
	if x&EventRead != 0 {
		parts = append(parts, "read")
	}
	if x&EventWrite != 0 {
		parts = append(parts, "write")
	}
	if x&EventError != 0 {
		parts = append(parts, "error")
	}
	if x&EventHangup != 0 {
		parts = append(parts, "hangup")
	}
	if rest := x &^ (EventRead | EventWrite | EventError | EventHangup); rest != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

type fdInfo struct {
	token  int
	events IOEvents
	active bool
}

// fdTable maps descriptors to their registration, indexed directly by fd.
type fdTable struct {
	fds []fdInfo
}

func (t *fdTable) add(fd, token int, events IOEvents) error {
	if fd < 0 || fd >= MaxFDLimit {
		return ErrFDOutOfRange
	}
	if fd >= len(t.fds) {
		size := max(fd*2+1, initialFDs)
		if size > MaxFDLimit {
			size = MaxFDLimit
		}
		fds := make([]fdInfo, size)
		copy(fds, t.fds)
		t.fds = fds
	}
	if t.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	t.fds[fd] = fdInfo{token: token, events: events, active: true}
	return nil
}

func (t *fdTable) lookup(fd int) (*fdInfo, error) {
	if fd < 0 || fd >= MaxFDLimit {
		return nil, ErrFDOutOfRange
	}
	if fd >= len(t.fds) || !t.fds[fd].active {
		return nil, ErrFDNotRegistered
	}
	return &t.fds[fd], nil
}

func (t *fdTable) remove(fd int) (fdInfo, error) {
	info, err := t.lookup(fd)
	if err != nil {
		return fdInfo{}, err
	}
	v := *info
	*info = fdInfo{}
	return v, nil
}
