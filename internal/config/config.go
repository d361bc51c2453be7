// Package config holds the run configuration, as populated from the
// command line.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Unlimited is the wave limit meaning waves continue until the run ends.
const Unlimited = -1

const (
	DefaultWaveSpec = "1000:1"
	DefaultMaxFDs   = 256
)

var ErrInvalid = errors.New("config: invalid")

// Config is the run configuration.
type Config struct {
	// WaveSize is the number of connections opened per wave.
	WaveSize int
	// WaveSpec is "ms[:limit]", the wave interval and optional wave count.
	WaveSpec string
	// ReportMillis is the report interval, defaulting to the wave interval.
	ReportMillis int
	// RunSeconds ends the run after the given time, zero for no limit.
	RunSeconds int
	// MaxFDs is the descriptor limit requested from the system.
	MaxFDs int
	// Headers are sent verbatim with every request.
	Headers []string
	// Unique adds the request number as a query parameter.
	Unique bool
	// Debug is the verbosity count.
	Debug int
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string
	// URLs are the targets, in round robin order.
	URLs []string

	waveInterval time.Duration
	waveLimit    int
}

// AddFlags binds the command line flags to x, setting defaults.
func (x *Config) AddFlags(fs *pflag.FlagSet) {
	fs.IntVarP(&x.WaveSize, "count", "n", 0, "connections per wave (required)")
	fs.StringVarP(&x.WaveSpec, "waves", "t", DefaultWaveSpec, "wave interval in ms, and optional wave limit, as ms[:limit]")
	fs.IntVarP(&x.ReportMillis, "report", "r", 0, "report interval in ms (default the wave interval)")
	fs.IntVarP(&x.RunSeconds, "max-time", "m", 0, "stop after this many seconds")
	fs.IntVarP(&x.MaxFDs, "fds", "f", DefaultMaxFDs, "descriptor limit to request")
	fs.StringArrayVarP(&x.Headers, "header", "h", nil, `request header, as "Name: value" (repeatable)`)
	fs.BoolVarP(&x.Unique, "unique", "u", false, "make each request url unique")
	fs.CountVarP(&x.Debug, "debug", "d", "increase verbosity (repeatable)")
	fs.StringVar(&x.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

// Validate checks the configuration, resolving derived values.
func (x *Config) Validate() error {
	if x.WaveSize <= 0 {
		return fmt.Errorf("%w: connection count must be positive", ErrInvalid)
	}
	interval, limit, err := ParseWaveSpec(x.WaveSpec)
	if err != nil {
		return err
	}
	if x.ReportMillis < 0 {
		return fmt.Errorf("%w: report interval must not be negative", ErrInvalid)
	}
	if x.RunSeconds < 0 {
		return fmt.Errorf("%w: run time must not be negative", ErrInvalid)
	}
	if x.MaxFDs <= 0 {
		return fmt.Errorf("%w: descriptor limit must be positive", ErrInvalid)
	}
	if len(x.URLs) == 0 {
		return fmt.Errorf("%w: no url given", ErrInvalid)
	}
	for _, h := range x.Headers {
		if strings.ContainsAny(h, "\r\n") {
			return fmt.Errorf("%w: header %q contains a line break", ErrInvalid, h)
		}
	}
	x.waveInterval, x.waveLimit = interval, limit
	return nil
}

// WaveInterval is valid after Validate.
func (x *Config) WaveInterval() time.Duration { return x.waveInterval }

// WaveLimit is the number of waves, or Unlimited. Valid after Validate.
func (x *Config) WaveLimit() int { return x.waveLimit }

// ReportInterval is valid after Validate.
func (x *Config) ReportInterval() time.Duration {
	if x.ReportMillis == 0 {
		return x.waveInterval
	}
	return time.Duration(x.ReportMillis) * time.Millisecond
}

// RunDuration is zero if the run has no time limit.
func (x *Config) RunDuration() time.Duration {
	return time.Duration(x.RunSeconds) * time.Second
}

// ParseWaveSpec parses "ms[:limit]". Without a limit, waves are Unlimited.
func ParseWaveSpec(s string) (interval time.Duration, limit int, err error) {
	ms, rest, hasLimit := strings.Cut(s, ":")
	n, err := strconv.Atoi(ms)
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("%w: wave interval %q must be a positive number of ms", ErrInvalid, ms)
	}
	limit = Unlimited
	if hasLimit {
		limit, err = strconv.Atoi(rest)
		if err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("%w: wave limit %q must be a non-negative integer", ErrInvalid, rest)
		}
	}
	return time.Duration(n) * time.Millisecond, limit, nil
}
