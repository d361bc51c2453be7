//go:build linux || darwin

// Command goofy opens waves of concurrent HTTP connections against one or
// more targets, and reports connection and response statistics as it goes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/goofy/internal/config"
	"github.com/joeycumines/goofy/internal/endpoint"
	"github.com/joeycumines/goofy/internal/engine"
	"github.com/joeycumines/goofy/internal/logging"
	"github.com/joeycumines/goofy/internal/rlimit"
	"github.com/joeycumines/goofy/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "0.0"

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		var logged loggedError
		if !errors.As(err, &logged) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loggedError marks an error that has already been written to the log.
type loggedError struct{ error }

func (e loggedError) Unwrap() error { return e.error }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var cfg config.Config
	cmd := &cobra.Command{
		Use:   "goofy -n count [flags] url [url...]",
		Short: "Wave-based HTTP load generator",
		Long: `Goofy opens waves of concurrent HTTP/1.0 connections against one or more
targets, round robin, and prints a line of statistics every report interval.

Examples:
  goofy -n 100 http://localhost:8080/             # one wave of 100
  goofy -n 50 -t 500:10 -m 30 http://a/ http://b/ # 10 waves, 500ms apart
  goofy -n 10 -t 1000 -u -h "Accept: */*" http://a/`,
		Version:       version,
		Args:          cobra.MinimumNArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.URLs = args
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := logging.New(stderr, cfg.Debug)
			if err := run(ctx, &cfg, stdout, logger); err != nil {
				logger.Err().Err(err).Log(`fatal`)
				return loggedError{err}
			}
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cfg.AddFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, stdout io.Writer, logger *logging.Logger) error {
	urls := make([]endpoint.URL, len(cfg.URLs))
	for i, raw := range cfg.URLs {
		u, err := endpoint.Parse(raw)
		if err != nil {
			return err
		}
		urls[i] = u
	}

	capacity, err := rlimit.Negotiate(uint64(cfg.MaxFDs))
	if err != nil {
		return err
	}

	resolver := endpoint.Resolver{Logger: logger}
	endpoints, err := resolver.Resolve(ctx, urls)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		logger.Debug().Stringer(`endpoint`, ep).Log(`resolved`)
	}

	opts := []engine.Option{
		engine.WithWaves(cfg.WaveSize, cfg.WaveInterval(), cfg.WaveLimit()),
		engine.WithReportInterval(cfg.ReportInterval()),
		engine.WithRunDuration(cfg.RunDuration()),
		engine.WithHeaders(cfg.Headers...),
		engine.WithUniqueRequests(cfg.Unique),
		engine.WithDebug(cfg.Debug),
		engine.WithOutput(stdout),
		engine.WithLogger(logger),
	}

	if cfg.MetricsAddr != "" {
		exporter, shutdown, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		opts = append(opts, engine.WithExporter(exporter))
	}

	eng, err := engine.New(endpoints, int(capacity), opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	start := time.Now()
	if err := eng.Run(ctx); err != nil {
		return err
	}

	totals := eng.Totals()
	logger.Info().
		Dur(`elapsed`, time.Since(start)).
		Int(`opened`, totals.Opened).
		Int(`connected`, totals.Connected).
		Int(`closed`, totals.Closed).
		Int(`errors`, totals.ErrorTotal()).
		Int(`responses`, totals.HTTP.Total()).
		Log(`finished`)
	return nil
}

// serveMetrics starts the Prometheus endpoint in the background. The
// returned func stops it.
func serveMetrics(addr string, logger *logging.Logger) (*stats.Exporter, func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, nil, err
	}
	exporter, err := stats.NewExporter(reg)
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	logger.Info().Str(`addr`, ln.Addr().String()).Log(`serving metrics`)

	return exporter, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := g.Wait(); err != nil {
			logger.Err().Err(err).Log(`metrics server failed`)
		}
	}, nil
}
