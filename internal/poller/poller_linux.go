//go:build linux

package poller

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Poller manages readiness registrations using epoll.
type Poller struct {
	eventBuf [256]unix.EpollEvent
	table    fdTable
	epfd     int
	wakeR    int
	wakeW    int
	closed   atomic.Bool
}

// New creates an epoll instance, with a wake descriptor already registered.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeR, wakeW, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &Poller{epfd: epfd, wakeR: wakeR, wakeW: wakeW}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeR),
	}); err != nil {
		p.closeFds()
		return nil, err
	}
	return p, nil
}

// Close releases the epoll instance and the wake descriptor. It does not
// close registered descriptors.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.closeFds()
}

func (p *Poller) closeFds() error {
	closeWakeFd(p.wakeR, p.wakeW)
	return unix.Close(p.epfd)
}

// Register starts monitoring fd for events, reporting readiness against token.
func (p *Poller) Register(fd, token int, events IOEvents) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.table.add(fd, token, events); err != nil {
		return err
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}); err != nil {
		_, _ = p.table.remove(fd)
		return err
	}
	return nil
}

// Modify replaces the monitored events for fd.
func (p *Poller) Modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrClosed
	}
	info, err := p.table.lookup(fd)
	if err != nil {
		return err
	}
	info.events = events
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	})
}

// Unregister stops monitoring fd. It must be called before fd is closed.
func (p *Poller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if _, err := p.table.remove(fd); err != nil {
		return err
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks for up to timeoutMs milliseconds (negative blocks
// indefinitely), calling fn for each registered descriptor that became
// ready. It returns the number of handler calls. An interrupted wait
// returns 0 and no error, as does a wake-up.
func (p *Poller) Wait(timeoutMs int, fn Handler) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var calls int
	for i := range n {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakeR {
			drainWakeFd(p.wakeR)
			continue
		}
		info, err := p.table.lookup(fd)
		if err != nil {
			continue
		}
		fn(info.token, epollToEvents(p.eventBuf[i].Events))
		calls++
	}
	return calls, nil
}

// Wake interrupts a concurrent or subsequent Wait. Safe for concurrent use.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return ErrClosed
	}
	return signalWakeFd(p.wakeW)
}

func eventsToEpoll(events IOEvents) uint32 {
	var v uint32
	if events&EventRead != 0 {
		v |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		v |= unix.EPOLLOUT
	}
	return v
}

func epollToEvents(v uint32) IOEvents {
	var events IOEvents
	if v&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if v&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if v&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if v&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
