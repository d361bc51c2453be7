package stats

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter publishes cumulative run statistics as Prometheus metrics. All
// methods are safe to call on a nil receiver, which does nothing.
type Exporter struct {
	gatherer    prometheus.Gatherer
	opened      prometheus.Counter
	connected   prometheus.Counter
	closed      prometheus.Counter
	errors      *prometheus.CounterVec
	responses   *prometheus.CounterVec
	pending     prometheus.Gauge
	established prometheus.Gauge
	latency     prometheus.Histogram
}

// NewExporter creates the metrics and registers them with reg.
func NewExporter(reg *prometheus.Registry) (*Exporter, error) {
	x := &Exporter{
		gatherer: reg,
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goofy_connections_opened_total",
			Help: "Connections whose connect was initiated.",
		}),
		connected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goofy_connections_connected_total",
			Help: "Connections that completed the TCP handshake.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "goofy_connections_closed_total",
			Help: "Connections closed, for any reason.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goofy_errors_total",
			Help: "Failed syscalls, by stage and errno.",
		}, []string{"origin", "errno"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goofy_http_responses_total",
			Help: "Parsed HTTP responses, by status code.",
		}, []string{"code"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goofy_connections_pending",
			Help: "Connections currently connecting.",
		}),
		established: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goofy_connections_established",
			Help: "Connections currently established.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "goofy_connect_latency_seconds",
			Help:    "Time from connect initiation to writability.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
		}),
	}
	for _, c := range [...]prometheus.Collector{
		x.opened,
		x.connected,
		x.closed,
		x.errors,
		x.responses,
		x.pending,
		x.established,
		x.latency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Handler serves the registry the exporter was created with.
func (x *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(x.gatherer, promhttp.HandlerOpts{})
}

// ObserveConnect records a single connect latency.
func (x *Exporter) ObserveConnect(latency time.Duration) {
	if x == nil {
		return
	}
	x.latency.Observe(latency.Seconds())
}

// Observe adds the counters of one interval, and samples the live gauges.
// It must be called before ws is reset.
func (x *Exporter) Observe(ws *WaveStat, pending, established int) {
	if x == nil {
		return
	}
	x.opened.Add(float64(ws.Opened))
	x.connected.Add(float64(ws.Connected))
	x.closed.Add(float64(ws.Closed))
	for _, origin := range Origins {
		h := &ws.Errors[origin]
		for _, code := range h.Codes() {
			x.errors.WithLabelValues(origin.String(), ErrnoName(code)).Add(float64(h.Count(code)))
		}
	}
	for _, code := range ws.HTTP.Codes() {
		x.responses.WithLabelValues(strconv.Itoa(code)).Add(float64(ws.HTTP.Count(code)))
	}
	x.pending.Set(float64(pending))
	x.established.Set(float64(established))
}
