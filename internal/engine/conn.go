//go:build linux || darwin

package engine

import (
	"bytes"
	"fmt"
	"time"

	"github.com/joeycumines/goofy/internal/poller"
	"github.com/joeycumines/goofy/internal/stats"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// slowConnect is the connect latency above which a diagnostic line is
// written to the report stream.
const slowConnect = time.Second

var statusPrefix = []byte("HTTP/1.")

// handle advances the state machine of s for the readiness observed in one
// wait. A returned error is fatal to the run.
func (x *Engine) handle(s *slot, ev poller.IOEvents) error {
	if s.state == StateUnused {
		return nil
	}

	if ev&poller.EventError != 0 {
		code, err := pendingError(s.fd)
		if err != nil {
			return err
		}
		if code == 0 {
			code = int(unix.EIO)
		}
		x.stats.RecordError(stats.OriginConnect, code)
		x.close(s)
		return nil
	}

	if ev&poller.EventWrite != 0 && s.state == StateConnecting {
		ev &^= poller.EventWrite
		if err := x.connected(s); err != nil {
			return err
		}
		if s.state == StateUnused {
			return nil
		}
	}

	if ev&poller.EventRead != 0 && s.state == StateEstablished {
		ev &^= poller.EventRead
		x.receive(s)
		if s.state == StateUnused {
			return nil
		}
	}

	if ev&poller.EventHangup != 0 {
		x.close(s)
		return nil
	}

	if ev != 0 {
		x.diag.Build(logiface.LevelNotice, `unexpected-readiness`).
			Int(`slot`, s.index).
			Int(`fd`, s.fd).
			Stringer(`state`, s.state).
			Stringer(`events`, ev).
			Log(`unexpected readiness`)
	}
	return nil
}

// connected completes a connect that reported writable, sending the
// request on success.
func (x *Engine) connected(s *slot) error {
	code, err := pendingError(s.fd)
	if err != nil {
		return err
	}
	if code != 0 {
		x.stats.RecordError(stats.OriginConnect, code)
		x.close(s)
		return nil
	}

	if err := x.poller.Modify(s.fd, poller.EventRead); err != nil {
		return fmt.Errorf("%w: modify fd %d: %w", ErrPoll, s.fd, err)
	}
	s.connectedAt = timeNow()
	latency := s.connectedAt.Sub(s.connectingAt)
	x.stats.RecordConnect(latency)
	x.opts.exporter.ObserveConnect(latency)
	if latency > slowConnect {
		_, _ = fmt.Fprintf(x.opts.output, "%d connect time: %d\n", s.requestNumber, latency.Microseconds())
	}

	if err := setBlocking(s.fd); err != nil {
		return err
	}
	s.state = StateEstablished

	x.log.Debug().
		Int(`slot`, s.index).
		Int(`fd`, s.fd).
		Dur(`latency`, latency).
		Log(`connected`)

	x.send(s)
	return nil
}

// send writes the request for s in a single write.
func (x *Engine) send(s *slot) {
	x.reqBuf = x.templates[s.endpoint].appendRequest(x.reqBuf[:0], x.opts.unique, s.requestNumber)

	if b := x.log.Trace(); b.Enabled() {
		b.Int(`slot`, s.index).
			Str(`request`, string(x.reqBuf)).
			Log(`send`)
	}

	n, err := writeFD(s.fd, x.reqBuf)
	switch {
	case err != nil:
		x.stats.RecordError(stats.OriginWrite, errnoOf(err))
	case n != len(x.reqBuf):
		x.stats.RecordError(stats.OriginWrite, int(unix.EIO))
	default:
		return
	}
	x.close(s)
}

// receive performs one bounded read, tallying the status if the data starts
// a response.
func (x *Engine) receive(s *slot) {
	n, err := readFD(s.fd, x.readBuf[:])
	if err != nil {
		x.stats.RecordError(stats.OriginRead, errnoOf(err))
		x.close(s)
		return
	}
	if n <= 0 {
		x.close(s)
		return
	}

	data := x.readBuf[:n]
	if b := x.log.Trace(); b.Enabled() {
		b.Int(`slot`, s.index).
			Str(`data`, string(data)).
			Log(`received`)
	}

	if code, ok := parseStatus(data); ok {
		x.stats.RecordStatus(code)
		return
	}
	x.diag.Build(logiface.LevelDebug, `bad-response`).
		Int(`slot`, s.index).
		Int64(`request`, s.requestNumber).
		Int(`size`, n).
		Log(`data without a status line`)
}

// close releases s, which must not be unused.
func (x *Engine) close(s *slot) {
	if err := x.poller.Unregister(s.fd); err != nil {
		x.log.Debug().
			Int(`fd`, s.fd).
			Err(err).
			Log(`unregister failed`)
	}
	x.log.Debug().
		Int(`slot`, s.index).
		Int(`fd`, s.fd).
		Stringer(`state`, s.state).
		Log(`close`)
	x.slots.release(s)
	x.stats.Closed++
}

// parseStatus extracts the status code from the start of an HTTP/1.x
// response.
func parseStatus(b []byte) (int, bool) {
	if len(b) < 12 || !bytes.HasPrefix(b, statusPrefix) {
		return 0, false
	}
	var code int
	for _, c := range b[9:12] {
		if c < '0' || c > '9' {
			return 0, false
		}
		code = code*10 + int(c-'0')
	}
	return code, true
}
