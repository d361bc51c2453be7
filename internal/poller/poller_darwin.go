//go:build darwin

package poller

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Poller manages readiness registrations using kqueue.
//
// Read and write filters are separate kernel events, so a single Wait may
// call the handler more than once for the same token.
type Poller struct {
	eventBuf [256]unix.Kevent_t
	table    fdTable
	kq       int
	wakeR    int
	wakeW    int
	closed   atomic.Bool
}

// New creates a kqueue instance, with a wake descriptor already registered.
func New() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	wakeR, wakeW, err := createWakeFd()
	if err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	p := &Poller{kq: kq, wakeR: wakeR, wakeW: wakeW}
	if _, err := unix.Kevent(kq, eventsToKevents(wakeR, EventRead, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		p.closeFds()
		return nil, err
	}
	return p, nil
}

// Close releases the kqueue instance and the wake descriptor. It does not
// close registered descriptors.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.closeFds()
}

func (p *Poller) closeFds() error {
	closeWakeFd(p.wakeR, p.wakeW)
	return unix.Close(p.kq)
}

// Register starts monitoring fd for events, reporting readiness against token.
func (p *Poller) Register(fd, token int, events IOEvents) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.table.add(fd, token, events); err != nil {
		return err
	}
	if kevs := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
		if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
			_, _ = p.table.remove(fd)
			return err
		}
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
	old := info.events
	info.events = events
	if kevs := eventsToKevents(fd, old&^events, unix.EV_DELETE); len(kevs) > 0 {
		_, _ = unix.Kevent(p.kq, kevs, nil, nil)
	}
	if kevs := eventsToKevents(fd, events&^old, unix.EV_ADD|unix.EV_ENABLE); len(kevs) > 0 {
		if _, err := unix.Kevent(p.kq, kevs, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// Unregister stops monitoring fd. It must be called before fd is closed.
func (p *Poller) Unregister(fd int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	info, err := p.table.remove(fd)
	if err != nil {
		return err
	}
	if kevs := eventsToKevents(fd, info.events, unix.EV_DELETE); len(kevs) > 0 {
		_, _ = unix.Kevent(p.kq, kevs, nil, nil)
	}
	return nil
}

// Wait blocks for up to timeoutMs milliseconds (negative blocks
// indefinitely), calling fn for each readiness event on a registered
// descriptor. It returns the number of handler calls. An interrupted wait
// returns 0 and no error, as does a wake-up.
func (p *Poller) Wait(timeoutMs int, fn Handler) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	var calls int
	for i := range n {
		fd := int(p.eventBuf[i].Ident)
		if fd == p.wakeR {
			drainWakeFd(p.wakeR)
			continue
		}
		info, err := p.table.lookup(fd)
		if err != nil {
			continue
		}
		fn(info.token, keventToEvents(&p.eventBuf[i]))
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

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if events&EventRead != 0 {
		kevs = append(kevs, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevs = append(kevs, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevs
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
