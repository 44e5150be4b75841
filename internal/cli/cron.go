package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stockly/internal/alertcron"
	"stockly/internal/evaluator"
)

func newCronCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Run the alert pass",
		Long:  "Evaluate active alerts against live prices and deliver push notifications.",
	}

	cmd.AddCommand(newCronRunCmd(app))
	cmd.AddCommand(newCronServeCmd(app))

	return cmd
}

func newCronRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single alert pass",
		Long: `Run one alert pass and exit. Intended for an external scheduler.

The command exits non-zero only when the pass could not run at all: alerts,
prices or state could not be loaded. Individual delivery failures are logged
and recorded in the delivery log.

The last state write time is kept in memory, so each run writes state on its
first flush. Use "stockly cron serve" to coalesce writes across passes.`,
		Example: `  stockly cron run
  stockly cron run --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if !app.Config.Cron.Enabled {
				output.Warning("Cron is disabled in config; nothing to do")
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := app.BuildPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			summary, err := p.Runner.Run(ctx)
			if err != nil {
				output.Error("Alert pass aborted: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(summaryView(summary))
			}
			printSummary(output, summary)
			return nil
		},
	}
}

func newCronServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run alert passes on an interval",
		Long: `Run the alert pass on a fixed interval until interrupted.

A tick that arrives while a pass is still running is skipped. Metrics are
served at /metrics and health at /healthz and /livez. On shutdown the buffered
alert state is flushed regardless of the flush interval.`,
		Example: `  stockly cron serve
  stockly cron serve --interval 1m --addr :9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = app.Config.Cron.Interval
			}
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = app.Config.Metrics.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := app.BuildPipeline(ctx)
			if err != nil {
				return err
			}
			defer p.Close()

			return serve(ctx, app, p, interval, addr)
		},
	}

	cmd.Flags().Duration("interval", 0, "time between passes (default: cron.interval)")
	cmd.Flags().String("addr", "", "metrics and health listen address (default: metrics.addr)")

	return cmd
}

func serve(ctx context.Context, app *App, p *Pipeline, interval time.Duration, addr string) error {
	logger := app.Logger

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Metrics.Handler())
	mux.HandleFunc("/healthz", p.Health.HealthHTTPHandler())
	mux.HandleFunc("/livez", p.Health.LivenessHTTPHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics and health")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var running sync.Mutex
	tick := func() {
		if !running.TryLock() {
			logger.Warn().Msg("Previous alert pass still running; skipping tick")
			return
		}
		defer running.Unlock()

		// Systemic errors are logged by the runner; the loop keeps going.
		_, _ = p.Runner.Run(ctx)
	}

	if app.Config.Cron.Enabled {
		go tick()
	} else {
		logger.Warn().Msg("Cron is disabled in config; serving metrics only")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info().Dur("interval", interval).Msg("Alert scheduler started")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-srvErr:
			if err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
				return err
			}
		case <-ticker.C:
			if app.Config.Cron.Enabled {
				go tick()
			}
		}
	}

	logger.Info().Msg("Shutting down")

	// Wait for an in-flight pass before the final flush.
	running.Lock()
	defer running.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if p.State.Configured() {
		if res, err := p.State.ForceFlush(shutdownCtx); err != nil {
			logger.Error().Err(err).Int("pending", p.State.Pending()).Msg("Final state flush failed")
		} else if res.Written {
			logger.Info().Int("count", res.Count).Msg("Final state flush written")
		}
	}

	return srv.Shutdown(shutdownCtx)
}

// summaryJSON is the --json rendering of a pass.
type summaryJSON struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	DurationMS    int64          `json:"duration_ms"`
	Noop          string         `json:"noop,omitempty"`
	NextOpen      *time.Time     `json:"next_open,omitempty"`
	Alerts        int            `json:"alerts"`
	Symbols       int            `json:"symbols"`
	Prices        int            `json:"prices"`
	Notifications int            `json:"notifications"`
	Skipped       map[string]int `json:"skipped"`
	Sent          int            `json:"sent"`
	Failed        int            `json:"failed"`
	TokensCleaned int            `json:"tokens_cleaned"`
	Panics        int            `json:"panics,omitempty"`
	StateUpdates  int            `json:"state_updates"`
	StateWritten  bool           `json:"state_written"`
	StateDeferred bool           `json:"state_deferred"`
	FlushError    string         `json:"flush_error,omitempty"`
}

func summaryView(s alertcron.RunSummary) summaryJSON {
	v := summaryJSON{
		RunID:         s.RunID,
		StartedAt:     s.StartedAt,
		DurationMS:    s.Duration.Milliseconds(),
		Noop:          s.Noop,
		Alerts:        s.Alerts,
		Symbols:       s.Symbols,
		Prices:        s.Prices,
		Notifications: s.Notifications,
		Skipped:       make(map[string]int, len(s.SkippedByReason)),
		Sent:          s.Sent,
		Failed:        s.Failed,
		TokensCleaned: s.TokensCleaned,
		Panics:        s.Panics,
		StateUpdates:  s.StateUpdates,
		StateWritten:  s.Flush.Written,
		StateDeferred: s.Flush.Deferred,
	}
	for reason, n := range s.SkippedByReason {
		v.Skipped[string(reason)] = n
	}
	if !s.NextOpen.IsZero() {
		next := s.NextOpen
		v.NextOpen = &next
	}
	if s.FlushErr != nil {
		v.FlushError = s.FlushErr.Error()
	}
	return v
}

func printSummary(output *Output, s alertcron.RunSummary) {
	if s.Noop != "" {
		output.Info("Pass skipped: %s", s.Noop)
		if !s.NextOpen.IsZero() {
			output.Dim("  Market opens %s", s.NextOpen.Format(time.RFC1123))
		}
		return
	}

	output.Bold("Alert pass %s", s.RunID)
	output.Printf("  Alerts:     %d across %d symbols (%d priced)\n", s.Alerts, s.Symbols, s.Prices)
	output.Printf("  Fired:      %d\n", s.Notifications)

	reasons := make([]evaluator.SkipReason, 0, len(s.SkippedByReason))
	for r := range s.SkippedByReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	for _, r := range reasons {
		output.Dim("    skipped %-18s %d", r, s.SkippedByReason[r])
	}

	output.Printf("  Delivered:  %s  failed: %s  tokens cleaned: %d\n",
		output.Green(strconv.Itoa(s.Sent)), output.Red(strconv.Itoa(s.Failed)), s.TokensCleaned)

	switch {
	case s.FlushErr != nil:
		output.Error("  State:      flush failed: %v", s.FlushErr)
	case s.Flush.Written:
		output.Printf("  State:      %d updates written\n", s.StateUpdates)
	case s.Flush.Deferred:
		output.Printf("  State:      %d pending, next write after %s\n", s.Flush.Count, s.Flush.NextEligible.Format(time.RFC3339))
	default:
		output.Printf("  State:      no changes\n")
	}
	output.Dim("  Took %s", s.Duration.Round(time.Millisecond))
}
