// Package stats aggregates per-interval connection statistics, and renders
// them as the fixed-width report the operator watches while a run is in
// progress.
package stats

import (
	"time"

	"golang.org/x/exp/slices"
)

// Origin identifies the syscall stage an error was observed at.
type Origin int

const (
	OriginSocket Origin = iota
	OriginConnect
	OriginRead
	OriginWrite
)

// Origins lists every Origin, in report order.
var Origins = [...]Origin{OriginSocket, OriginConnect, OriginRead, OriginWrite}

func (x Origin) String() string {
	switch x {
	case OriginSocket:
		return "socket"
	case OriginConnect:
		return "connect"
	case OriginRead:
		return "read"
	case OriginWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Histogram counts occurrences per integer code (an errno or an HTTP
// status). The zero value is ready to use.
type Histogram struct {
	counts map[int]int
}

func (x *Histogram) Add(code int) { x.AddN(code, 1) }

func (x *Histogram) AddN(code, n int) {
	if n == 0 {
		return
	}
	if x.counts == nil {
		x.counts = make(map[int]int)
	}
	x.counts[code] += n
}

// Count returns the tally for code.
func (x *Histogram) Count(code int) int { return x.counts[code] }

// Total returns the sum of all tallies.
func (x *Histogram) Total() (n int) {
	for _, v := range x.counts {
		n += v
	}
	return
}

// Len returns the number of distinct codes.
func (x *Histogram) Len() int { return len(x.counts) }

// Codes returns the distinct codes, ascending.
func (x *Histogram) Codes() []int {
	codes := make([]int, 0, len(x.counts))
	for code := range x.counts {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

func (x *Histogram) Reset() { clear(x.counts) }

func (x *Histogram) merge(other *Histogram) {
	for code, n := range other.counts {
		x.AddN(code, n)
	}
}

// WaveStat holds the counters accumulated between two report flushes.
// It has a single writer, and is not safe for concurrent use.
type WaveStat struct {
	Opened    int
	Connected int
	Closed    int
	Errors    [len(Origins)]Histogram
	HTTP      Histogram
	Latency   *Latency
}

// NewWaveStat returns an empty WaveStat.
func NewWaveStat() *WaveStat {
	return &WaveStat{Latency: NewLatency()}
}

// RecordError tallies a failed syscall.
func (x *WaveStat) RecordError(origin Origin, errno int) {
	x.Errors[origin].Add(errno)
}

// RecordStatus tallies an HTTP response status.
func (x *WaveStat) RecordStatus(code int) {
	x.HTTP.Add(code)
}

// RecordConnect tallies a completed connect, and its latency.
func (x *WaveStat) RecordConnect(latency time.Duration) {
	x.Connected++
	x.Latency.Observe(latency)
}

// ErrorTotal sums every syscall error histogram.
func (x *WaveStat) ErrorTotal() (n int) {
	for i := range x.Errors {
		n += x.Errors[i].Total()
	}
	return
}

// Empty reports whether nothing at all was recorded.
func (x *WaveStat) Empty() bool {
	if x.Opened != 0 || x.Connected != 0 || x.Closed != 0 || x.HTTP.Len() != 0 {
		return false
	}
	for i := range x.Errors {
		if x.Errors[i].Len() != 0 {
			return false
		}
	}
	return true
}

// Merge adds the counters of other into x. Latency samples are not merged.
func (x *WaveStat) Merge(other *WaveStat) {
	x.Opened += other.Opened
	x.Connected += other.Connected
	x.Closed += other.Closed
	for i := range x.Errors {
		x.Errors[i].merge(&other.Errors[i])
	}
	x.HTTP.merge(&other.HTTP)
}

// Reset clears every accumulator.
func (x *WaveStat) Reset() {
	x.Opened, x.Connected, x.Closed = 0, 0, 0
	for i := range x.Errors {
		x.Errors[i].Reset()
	}
	x.HTTP.Reset()
	if x.Latency != nil {
		x.Latency.Reset()
	}
}

// Summary is one report line.
type Summary struct {
	Opened         int
	Connected      int
	Closed         int
	Pending        int
	Established    int
	Errors         int
	OK             int
	InternalError  int
	Unavailable    int
	GatewayTimeout int
	Other          int
}

// Summarize buckets the interval counters. Pending and established are
// sampled from the slot table by the caller.
func (x *WaveStat) Summarize(pending, established int) Summary {
	s := Summary{
		Opened:         x.Opened,
		Connected:      x.Connected,
		Closed:         x.Closed,
		Pending:        pending,
		Established:    established,
		Errors:         x.ErrorTotal(),
		OK:             x.HTTP.Count(200),
		InternalError:  x.HTTP.Count(500),
		Unavailable:    x.HTTP.Count(503),
		GatewayTimeout: x.HTTP.Count(504),
	}
	s.Other = x.HTTP.Total() - s.OK - s.InternalError - s.Unavailable - s.GatewayTimeout
	return s
}

// tracked reports whether code has a dedicated report column.
func tracked(code int) bool {
	switch code {
	case 200, 500, 503, 504:
		return true
	default:
		return false
	}
}
