package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulse/internal/config"
	"pulse/internal/eventstore"
	"pulse/internal/ingest"
	"pulse/internal/status"
)

type serveOptions struct {
	watch      bool
	statusAddr string
	noEvents   bool
}

func newServeCmd(g *globals) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the telemetry listener",
		Long: `Listen for agent telemetry on the configured port (default 4318) until
interrupted.

Accepted events are appended to events.jsonl in the pulse directory unless
--no-events is given. A status endpoint (GET /status, GET /metrics,
POST /session/reset) is served on --status-addr; pass an empty address to
disable it. With --watch the activity state is printed on every change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.watch, "watch", false, "Print the activity state on every change")
	cmd.Flags().StringVar(&opts.statusAddr, "status-addr", status.DefaultAddr, "Status endpoint address (empty to disable)")
	cmd.Flags().BoolVar(&opts.noEvents, "no-events", false, "Do not record events to events.jsonl")

	return cmd
}

func runServe(ctx context.Context, g *globals, opts serveOptions, out io.Writer) error {
	logger := g.logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mopts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithOverrides(config.ApplyEnv),
		ingest.WithMetrics(ingest.NewMetrics(reg)),
	}
	if !opts.noEvents {
		es, err := eventstore.Open(config.Dir())
		if err != nil {
			return err
		}
		defer es.Close()
		mopts = append(mopts, ingest.WithEventWriter(es.Append))
	}

	m, err := ingest.New(g.store(), mopts...)
	if err != nil {
		return err
	}
	defer m.Close()

	// Deferred after es.Close, so it runs first: the last apply finishes
	// before the event file is closed.
	defer startRun(ctx, m)()

	if !m.Preferences().Enabled {
		logger.Warn("telemetry is disabled; enable it with `pulse config set enabled true`")
	}
	if err := m.StartServer(); err != nil {
		if ingest.IsBindError(err) {
			return fmt.Errorf("%w (is another pulse or OTEL collector running?)", err)
		}
		return err
	}

	if opts.statusAddr != "" {
		srv, err := status.Start(opts.statusAddr, status.NewRouter(m, reg, logger), logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	if opts.watch {
		watchState(ctx, m, out)
	} else {
		<-ctx.Done()
	}
	logger.Info("shutting down")
	return nil
}

// startRun runs m.Run in the background. The returned func cancels it and
// waits for Run to return.
func startRun(ctx context.Context, m *ingest.Manager) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
