//go:build linux || darwin

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/goofy/internal/poller"
	"github.com/joeycumines/goofy/internal/stats"
	"golang.org/x/sys/unix"
)

// tickWave opens the next wave, unless the wave limit has been reached, and
// restarts the wave interval.
func (x *Engine) tickWave(now time.Time) error {
	defer x.wave.Mark(now)
	switch {
	case x.wavesLeft == 0:
		return nil
	case x.wavesLeft > 0:
		x.wavesLeft--
	}
	x.log.Debug().
		Int(`size`, x.opts.waveSize).
		Int(`remaining`, x.wavesLeft).
		Log(`wave`)
	return x.openBatch(x.opts.waveSize)
}

// openBatch makes exactly n open attempts.
func (x *Engine) openBatch(n int) error {
	for range n {
		if err := x.open(); err != nil {
			return err
		}
	}
	return nil
}

// open makes a single attempt to start a connection, in the lowest free
// slot, to the next endpoint in round robin order. Per-connection failures
// are tallied, not returned.
func (x *Engine) open() error {
	s := x.slots.acquire()
	if s == nil {
		return fmt.Errorf("%w: all %d in use", ErrSlotsExhausted, x.slots.capacity())
	}

	fd, err := newSocket()
	if err != nil {
		if errors.Is(err, ErrSockopt) {
			return err
		}
		x.stats.RecordError(stats.OriginSocket, errnoOf(err))
		return nil
	}
	var committed bool
	defer func() {
		if !committed {
			_ = closeFD(fd)
		}
	}()

	ep := x.cursor
	x.cursor = (x.cursor + 1) % len(x.endpoints)

	connectingAt := timeNow()
	if err := unix.Connect(fd, &x.sockaddrs[ep]); err != nil && err != unix.EINPROGRESS {
		x.stats.RecordError(stats.OriginConnect, errnoOf(err))
		x.log.Debug().
			Int(`fd`, fd).
			Int(`endpoint`, ep).
			Err(err).
			Log(`connect failed`)
		return nil
	}

	if err := x.poller.Register(fd, s.index, poller.EventRead|poller.EventWrite); err != nil {
		return fmt.Errorf("%w: register fd %d: %w", ErrPoll, fd, err)
	}
	committed = true

	x.requests++
	s.requestNumber = x.requests
	s.endpoint = ep
	s.connectingAt = connectingAt
	x.slots.occupy(s, fd, StateConnecting)
	x.stats.Opened++

	x.log.Debug().
		Int(`slot`, s.index).
		Int(`fd`, fd).
		Int64(`request`, s.requestNumber).
		Int(`endpoint`, ep).
		Log(`open`)
	return nil
}
