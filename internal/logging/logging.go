// Package logging builds the process logger, and rate limits diagnostics
// that may fire once per connection.
package logging

import (
	"io"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the generic logger type passed between packages.
type Logger = logiface.Logger[logiface.Event]

// Level maps the -d verbosity count to a log level.
func Level(verbosity int) logiface.Level {
	switch {
	case verbosity <= 0:
		return logiface.LevelInformational
	case verbosity == 1:
		return logiface.LevelDebug
	default:
		return logiface.LevelTrace
	}
}

// New returns a JSON logger writing to w.
func New(w io.Writer, verbosity int) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(`time`),
		),
		stumpy.L.WithLevel(Level(verbosity)),
	).Logger()
}

// DefaultRates bounds each diagnostic category.
var DefaultRates = map[time.Duration]int{
	time.Second: 10,
	time.Minute: 100,
}

// Diagnostics emits log events that are rate limited per category. A nil
// Limiter disables limiting.
type Diagnostics struct {
	Logger  *Logger
	Limiter *catrate.Limiter
}

func NewDiagnostics(logger *Logger) *Diagnostics {
	return &Diagnostics{
		Logger:  logger,
		Limiter: catrate.NewLimiter(DefaultRates),
	}
}

// Build returns a builder for level, or nil if the level is disabled or the
// category is over its rate. The result may be used like any other
// logiface builder, including when nil.
func (x *Diagnostics) Build(level logiface.Level, category string) *logiface.Builder[logiface.Event] {
	if x == nil {
		return nil
	}
	b := x.Logger.Build(level)
	if b == nil {
		return nil
	}
	if _, ok := x.Limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Str(`category`, category)
}
