package stats

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const reportHeader = "" +
	"     | delta      | | total | | results                   |\n" +
	"secs  new estb clos pend estb errs  200  500  503  504  xxx\n" +
	"---- ---- ---- ---- ---- ---- ---- ---- ---- ---- ---- ----\n"

// ErrnoName returns the system description of an errno value.
func ErrnoName(errno int) string {
	return unix.Errno(errno).Error()
}

// StatusName returns the reason phrase for an HTTP status code, or
// "unknown" if the code is not a registered status.
func StatusName(code int) string {
	if name := http.StatusText(code); name != "" {
		return name
	}
	return "unknown"
}

// Reporter writes interval summaries to the report stream.
type Reporter struct {
	w io.Writer
	// Latency enables the per-interval connect latency line.
	Latency bool
	lines   int
	idle    bool
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Report writes the summary of ws, elapsed into the run. Consecutive empty
// intervals after the first are suppressed, in which case it returns false.
// The caller resets ws afterwards regardless.
func (x *Reporter) Report(elapsed time.Duration, ws *WaveStat, pending, established int) (bool, error) {
	if ws.Empty() {
		if x.idle {
			return false, nil
		}
		x.idle = true
	} else {
		x.idle = false
	}

	var b strings.Builder
	if x.lines == 0 {
		b.WriteString(reportHeader)
	}
	x.lines++

	s := ws.Summarize(pending, established)
	fmt.Fprintf(&b, "%4d %4d %4d %4d %4d %4d %4d %4d %4d %4d %4d %4d\n",
		int64(elapsed/time.Second),
		s.Opened, s.Connected, s.Closed,
		s.Pending, s.Established,
		s.Errors, s.OK, s.InternalError, s.Unavailable, s.GatewayTimeout, s.Other,
	)

	for _, origin := range Origins {
		writeHistogram(&b, origin.String(), &ws.Errors[origin], func(code int) (string, bool) {
			return ErrnoName(code), true
		})
	}
	writeHistogram(&b, "http", &ws.HTTP, func(code int) (string, bool) {
		if tracked(code) {
			return "", false
		}
		return fmt.Sprintf("%d %s", code, StatusName(code)), true
	})

	if x.Latency && ws.Latency != nil && ws.Latency.Count() > 0 {
		p50, p90, p99 := ws.Latency.Quantiles()
		fmt.Fprintf(&b, "\tlatency: p50=%s p90=%s p99=%s max=%s\n",
			p50.Round(time.Microsecond), p90.Round(time.Microsecond), p99.Round(time.Microsecond),
			ws.Latency.Max().Round(time.Microsecond))
	}

	_, err := io.WriteString(x.w, b.String())
	return true, err
}

// writeHistogram renders one detail line, skipping codes for which name
// returns false, and the whole line if nothing remains.
func writeHistogram(b *strings.Builder, label string, h *Histogram, name func(code int) (string, bool)) {
	var started bool
	for _, code := range h.Codes() {
		s, ok := name(code)
		if !ok {
			continue
		}
		if !started {
			fmt.Fprintf(b, "\t%s: ", label)
			started = true
		}
		fmt.Fprintf(b, "%s:%d ", s, h.Count(code))
	}
	if started {
		b.WriteByte('\n')
	}
}
