//go:build linux || darwin

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/goofy/internal/poller"
	"golang.org/x/exp/slices"
)

// Run opens the first wave immediately, then drives every connection until
// the run duration elapses or ctx is cancelled, either of which returns
// nil. Connections still in flight are abandoned, see Close. Any other
// return is a fatal error, matching ErrPoll, ErrSockopt or
// ErrSlotsExhausted.
func (x *Engine) Run(ctx context.Context) error {
	switch {
	case x.closed:
		return ErrClosed
	case x.ran:
		return ErrRunning
	}
	x.ran = true
	if ctx.Err() != nil {
		return nil
	}
	defer x.watch(ctx)()

	now := timeNow()
	x.start.Mark(now)
	x.report.Mark(now)

	x.log.Info().
		Int(`endpoints`, len(x.endpoints)).
		Int(`slots`, x.slots.capacity()).
		Int(`wave_size`, x.opts.waveSize).
		Dur(`wave_interval`, x.opts.waveInterval).
		Int(`wave_limit`, x.opts.waveLimit).
		Dur(`report_interval`, x.opts.reportInterval).
		Dur(`run_for`, x.opts.runFor).
		Log(`starting`)

	if err := x.tickWave(now); err != nil {
		return err
	}
	x.flush(now)

	for {
		if err := x.poll(); err != nil {
			return err
		}

		now = timeNow()
		if x.opts.runFor > 0 && x.start.Passed(now) {
			x.log.Debug().
				Stringer(`interval`, x.start).
				Dur(`elapsed`, x.start.Since(now)).
				Log(`run duration reached`)
			return nil
		}
		if ctx.Err() != nil {
			x.log.Debug().Err(context.Cause(ctx)).Log(`cancelled`)
			return nil
		}

		if x.wave.Passed(now) {
			if err := x.tickWave(now); err != nil {
				return err
			}
		}
		if x.report.Passed(now) {
			x.flush(now)
		}

		if err := x.dispatch(); err != nil {
			return err
		}
	}
}

// watch wakes the poller once ctx is done. The returned func stops the
// watcher, and must be called before the poller is closed.
func (x *Engine) watch(ctx context.Context) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = x.poller.Wake()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// timeout is the wait bound: the shorter of the wave and report intervals,
// capped by the time left in the run, in whole milliseconds rounded up.
func (x *Engine) timeout(now time.Time) int {
	d := min(x.opts.waveInterval, x.opts.reportInterval)
	if x.opts.runFor > 0 {
		d = min(d, x.start.Remaining(now))
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// poll waits for readiness, latching the events of each slot for dispatch.
func (x *Engine) poll() error {
	if _, err := x.poller.Wait(x.timeout(timeNow()), x.onReady); err != nil {
		return fmt.Errorf("%w: %w", ErrPoll, err)
	}
	return nil
}

func (x *Engine) collect(token int, events poller.IOEvents) {
	if events == 0 || token < 0 || token >= len(x.revents) {
		return
	}
	if x.revents[token] == 0 {
		x.ready = append(x.ready, token)
	}
	x.revents[token] |= events
}

// dispatch runs the state machine for every slot with latched events, in
// slot index order.
func (x *Engine) dispatch() error {
	defer func() {
		for _, i := range x.ready {
			x.revents[i] = 0
		}
		x.ready = x.ready[:0]
	}()
	slices.Sort(x.ready)
	for _, i := range x.ready {
		if err := x.handle(&x.slots.slots[i], x.revents[i]); err != nil {
			return err
		}
	}
	return nil
}

// flush reports the current interval, then resets it.
func (x *Engine) flush(now time.Time) {
	defer x.report.Mark(now)
	pending, established := x.slots.counts()
	x.opts.exporter.Observe(x.stats, pending, established)
	x.totals.Merge(x.stats)
	if _, err := x.reporter.Report(x.start.Since(now), x.stats, pending, established); err != nil {
		x.log.Warning().Err(err).Log(`report write failed`)
	}
	x.stats.Reset()
}
