package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/busyhq/busyrt/pkg/telemetry"
)

func newServeMetricsCommand() *cobra.Command {
	var (
		addr      string
		interval  time.Duration
		retention  time.Duration
		production bool
	)

	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics for a long-running runtime",
		Long: `Wire the runtime from the config and bundles and expose its Prometheus
metrics until interrupted. The config file is watched and reloaded on change.

With --retention and a store, finished executions older than the retention
window are pruned on every stats interval.`,
		Example: `  # Serve on the configured address (or :9090)
  busyrt serve-metrics -c busyrt.yaml

  # Override the address and prune history older than a week
  busyrt serve-metrics -c busyrt.yaml --addr 127.0.0.1:9100 --retention 168h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			opts := globalOptions()
			opts.Watch = true
			opts.ServeMetrics = true
			opts.MetricsAddress = addr
			opts.Production = production

			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			a.tel.Events.Subscribe(a.logEvent, telemetry.FilterByLevel(telemetry.EventLevelWarning))

			srv := a.tel.Metrics.NewServer()
			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			log.Info().
				Str("address", srv.Addr).
				Str("config", opts.ConfigPath).
				Int("playbooks", len(a.source.Names())).
				Msg("Serving metrics")

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				case err, ok := <-serveErr:
					if ok {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				case <-ticker.C:
					a.logStats(ctx, retention)
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "metrics listen address (overrides config)")
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "how often to log runtime stats")
	cmd.Flags().DurationVar(&retention, "retention", 0, "prune stored executions older than this (0 keeps all)")
	cmd.Flags().BoolVar(&production, "production", false, "start from production telemetry defaults (sampled OTLP tracing)")

	return cmd
}

// logEvent mirrors warning and error lifecycle events into the log.
func (a *app) logEvent(e telemetry.Event) {
	logger := a.logr.WithField("event", string(e.Type))
	if e.ExecutionID != "" {
		logger = logger.WithExecutionID(e.ExecutionID)
	}
	if e.StepID != "" {
		logger = logger.WithStepID(e.StepID)
	}
	if e.Level == telemetry.EventLevelError {
		logger.Error(e.Message)
		return
	}
	logger.Warn(e.Message)
}

// logStats writes a one-line runtime snapshot, exports pending spans and
// prunes old history.
func (a *app) logStats(ctx context.Context, retention time.Duration) {
	s := a.orch.GetRuntimeStats()
	log.Info().
		Int("active", s.ActiveExecutions).
		Int("completed", s.CompletedExecutions).
		Int("failed", s.FailedExecutions).
		Int("human_pending", s.PendingHumanTasks).
		Int("allocated", s.Resources.AllocatedResources).
		Float64("utilization", s.Resources.UtilizationRate).
		Msg("Runtime stats")

	if err := a.tel.Flush(ctx); err != nil {
		a.logr.WithError(err).Warn("Failed to export spans")
	}

	if a.store == nil || retention <= 0 {
		return
	}
	n, err := a.store.DeleteExecutionsBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		a.logr.WithError(err).Warn("Failed to prune execution history")
		return
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Pruned execution history")
	}
}
