package engine

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeycumines/goofy/internal/logging"
	"github.com/joeycumines/goofy/internal/stats"
)

// UnlimitedWaves continues waves until the run ends.
const UnlimitedWaves = -1

type engineOptions struct {
	waveSize       int
	waveInterval   time.Duration
	waveLimit      int
	reportInterval time.Duration
	runFor         time.Duration
	headers        []string
	unique         bool
	debug          int
	output         io.Writer
	logger         *logging.Logger
	exporter       *stats.Exporter
}

// Option configures an Engine.
type Option interface {
	applyEngine(*engineOptions) error
}

type engineOptionImpl struct {
	applyEngineFunc func(*engineOptions) error
}

func (x *engineOptionImpl) applyEngine(opts *engineOptions) error {
	return x.applyEngineFunc(opts)
}

// WithWaves sets the wave size, the interval between waves, and the number
// of waves (UnlimitedWaves for no limit). The default is a single wave of
// one connection.
func WithWaves(size int, interval time.Duration, limit int) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if size <= 0 {
			return fmt.Errorf("engine: wave size must be positive: %d", size)
		}
		if interval <= 0 {
			return fmt.Errorf("engine: wave interval must be positive: %s", interval)
		}
		if limit < UnlimitedWaves {
			return fmt.Errorf("engine: invalid wave limit: %d", limit)
		}
		opts.waveSize, opts.waveInterval, opts.waveLimit = size, interval, limit
		return nil
	}}
}

// WithReportInterval sets the report cadence, which defaults to the wave
// interval.
func WithReportInterval(interval time.Duration) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if interval <= 0 {
			return fmt.Errorf("engine: report interval must be positive: %s", interval)
		}
		opts.reportInterval = interval
		return nil
	}}
}

// WithRunDuration ends the run once d has elapsed. Zero means no limit.
func WithRunDuration(d time.Duration) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		if d < 0 {
			return fmt.Errorf("engine: negative run duration: %s", d)
		}
		opts.runFor = d
		return nil
	}}
}

// WithHeaders sets header lines sent verbatim with every request.
func WithHeaders(headers ...string) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.headers = append(opts.headers, headers...)
		return nil
	}}
}

// WithUniqueRequests appends the request number to every request target.
func WithUniqueRequests(enabled bool) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.unique = enabled
		return nil
	}}
}

// WithDebug sets the verbosity count. At one or more, the report includes
// connect latency quantiles.
func WithDebug(level int) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.debug = level
		return nil
	}}
}

// WithOutput sets the report stream, os.Stdout by default.
func WithOutput(w io.Writer) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.output = w
		return nil
	}}
}

// WithLogger sets the logger. Without one, nothing is logged.
func WithLogger(logger *logging.Logger) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithExporter publishes statistics to Prometheus.
func WithExporter(exporter *stats.Exporter) Option {
	return &engineOptionImpl{func(opts *engineOptions) error {
		opts.exporter = exporter
		return nil
	}}
}

func resolveEngineOptions(opts []Option) (*engineOptions, error) {
	cfg := &engineOptions{
		waveSize:     1,
		waveInterval: time.Second,
		waveLimit:    1,
		output:       os.Stdout,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyEngine(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.reportInterval == 0 {
		cfg.reportInterval = cfg.waveInterval
	}
	return cfg, nil
}
