//go:build linux || darwin

// Package engine drives waves of non-blocking HTTP/1.0 connections from a
// single goroutine, multiplexing every socket through one poller.
//
// Each connection occupies a slot, from a table sized to the descriptor
// limit. A slot moves from Unused to Connecting when its connect is
// initiated, to Established once the connect completes and the request has
// been written, and back to Unused when the connection closes for any
// reason.
package engine

import (
	"errors"
	"fmt"

	"github.com/joeycumines/goofy/internal/endpoint"
	"github.com/joeycumines/goofy/internal/logging"
	"github.com/joeycumines/goofy/internal/poller"
	"github.com/joeycumines/goofy/internal/stats"
	"golang.org/x/sys/unix"
)

// readSize bounds each read from an established connection.
const readSize = 8192

var (
	// ErrPoll indicates the readiness multiplexer failed.
	ErrPoll = errors.New("engine: poll failed")
	// ErrSockopt indicates a socket option could not be read or set.
	ErrSockopt = errors.New("engine: socket option failed")
	// ErrSlotsExhausted indicates a wave needed more slots than the
	// descriptor limit allows.
	ErrSlotsExhausted = errors.New("engine: slots exhausted")
	// ErrRequestTooLarge indicates the configured headers produce a request
	// that cannot be sent in a single write.
	ErrRequestTooLarge = errors.New("engine: request too large")
	// ErrRunning indicates Run was called more than once.
	ErrRunning = errors.New("engine: already run")
	// ErrClosed indicates the engine was closed.
	ErrClosed = errors.New("engine: closed")
)

// Engine generates load against a fixed list of endpoints. It is not safe
// for concurrent use, and may be run once.
type Engine struct {
	opts      *engineOptions
	endpoints []endpoint.Endpoint
	sockaddrs []unix.SockaddrInet4
	templates []requestTemplate

	slots   *slotTable
	poller  *poller.Poller
	revents []poller.IOEvents
	ready   []int
	onReady poller.Handler

	stats    *stats.WaveStat
	totals   *stats.WaveStat
	reporter *stats.Reporter
	log      *logging.Logger
	diag     *logging.Diagnostics

	start  *Interval
	wave   *Interval
	report *Interval

	wavesLeft int
	cursor    int
	requests  int64

	readBuf [readSize]byte
	reqBuf  []byte

	ran    bool
	closed bool
}

// New prepares an engine with capacity slots. It allocates the poller, but
// opens no connections until Run.
func New(endpoints []endpoint.Endpoint, capacity int, opts ...Option) (*Engine, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, errors.New("engine: no endpoints")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("engine: capacity must be positive: %d", capacity)
	}

	x := &Engine{
		opts:      cfg,
		endpoints: endpoints,
		sockaddrs: make([]unix.SockaddrInet4, len(endpoints)),
		templates: make([]requestTemplate, len(endpoints)),
		slots:     newSlotTable(capacity),
		revents:   make([]poller.IOEvents, capacity),
		stats:     stats.NewWaveStat(),
		totals:    stats.NewWaveStat(),
		reporter:  stats.NewReporter(cfg.output),
		log:       cfg.logger,
		diag:      logging.NewDiagnostics(cfg.logger),
		start:     newInterval("run", cfg.runFor),
		wave:      newInterval("wave", cfg.waveInterval),
		report:    newInterval("report", cfg.reportInterval),
		wavesLeft: cfg.waveLimit,
	}
	x.reporter.Latency = cfg.debug >= 1
	x.onReady = x.collect

	var longest int
	for i, ep := range endpoints {
		x.sockaddrs[i] = unix.SockaddrInet4{Port: ep.Port, Addr: ep.Addr}
		x.templates[i] = newRequestTemplate(ep.URL, cfg.headers)
		n := x.templates[i].maxLen()
		if n > maxRequestSize {
			return nil, fmt.Errorf("%w: %d bytes for %s", ErrRequestTooLarge, n, ep.URL)
		}
		longest = max(longest, n)
	}
	x.reqBuf = make([]byte, 0, longest)

	if x.poller, err = poller.New(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoll, err)
	}
	return x, nil
}

// Close releases every open connection and the poller. It must not be
// called concurrently with Run.
func (x *Engine) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true
	for i := range x.slots.slots {
		if s := &x.slots.slots[i]; s.state != StateUnused {
			_ = x.poller.Unregister(s.fd)
			x.slots.release(s)
		}
	}
	return x.poller.Close()
}

// Totals returns the counters accumulated over the whole run so far. It
// must not be called concurrently with Run.
func (x *Engine) Totals() *stats.WaveStat {
	v := stats.NewWaveStat()
	v.Merge(x.totals)
	v.Merge(x.stats)
	return v
}
