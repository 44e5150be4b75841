// Package alertcron runs one scheduled alert pass: load alerts, fetch prices,
// evaluate, dispatch pushes and commit state.
package alertcron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	apperrors "stockly/internal/errors"
	"stockly/internal/evaluator"
	"stockly/internal/logging"
	"stockly/internal/metrics"
	"stockly/internal/models"
	"stockly/internal/notify"
	"stockly/internal/prices"
	"stockly/internal/statestore"
	"stockly/pkg/utils"
)

// AlertSource lists the alerts taking part in evaluation.
type AlertSource interface {
	ListActiveAlerts(ctx context.Context) ([]models.Alert, error)
}

// TargetResolver resolves an alert to the devices of its owner.
type TargetResolver interface {
	ListPushTargets(ctx context.Context, alert models.Alert) ([]models.PushTarget, error)
}

// DeliveryLog records one audit row per dispatch.
type DeliveryLog interface {
	RecordDeliveryAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
}

// TokenCleaner deactivates a dead device token.
type TokenCleaner interface {
	DeactivatePushTarget(ctx context.Context, token string) error
}

// Deps are the collaborators of a Runner. Metrics may be nil.
type Deps struct {
	Alerts  AlertSource
	Targets TargetResolver
	Log     DeliveryLog
	Cleaner TokenCleaner
	Prices  prices.Source
	State   *statestore.Store
	Sender  notify.Sender
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Options tune a Runner.
type Options struct {
	MinFlushInterval time.Duration
	QuietHours       utils.QuietHours
	MarketHoursOnly  bool
	// MaxConcurrency bounds in-flight dispatches. Zero means 16.
	MaxConcurrency int
	Now            func() time.Time
}

// Noop reasons reported in RunSummary.
const (
	NoopQuietHours    = "quiet_hours"
	NoopMarketClosed  = "market_closed"
	NoopNotConfigured = "kv_not_configured"
	NoopNoAlerts      = "no_active_alerts"
)

// RunSummary describes one pass.
type RunSummary struct {
	RunID           string
	StartedAt       time.Time
	Duration        time.Duration
	Noop            string    // non-empty when the pass exited early
	NextOpen        time.Time // set when the market-hours gate skipped the pass
	Alerts          int
	Symbols         int
	Prices          int
	Notifications   int
	SkippedByReason map[evaluator.SkipReason]int
	Sent            int
	Failed          int
	TokensCleaned   int
	Panics          int
	LogFailures     int
	StateUpdates    int
	Flush           statestore.FlushResult
	FlushErr        error
}

// Runner executes alert passes. Passes must not overlap; serve mode
// enforces that with its own lock.
type Runner struct {
	deps Deps
	opts Options

	lastSuccess atomic.Int64 // unix nanos
}

// New creates a Runner.
func New(deps Deps, opts Options) *Runner {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{deps: deps, opts: opts}
}

// LastSuccess returns when a pass last completed without a systemic error.
func (r *Runner) LastSuccess() time.Time {
	n := r.lastSuccess.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run executes one pass. It returns a *errors.SystemicError when alerts,
// prices or state cannot be loaded; nothing is evaluated or committed then.
// Failures after evaluation are logged and counted but never returned, and
// the state flush is always attempted.
func (r *Runner) Run(ctx context.Context) (summary RunSummary, err error) {
	now := r.opts.Now()
	summary = RunSummary{
		RunID:           uuid.NewString(),
		StartedAt:       now,
		SkippedByReason: map[evaluator.SkipReason]int{},
	}
	logger := logging.WithRun(r.deps.Logger, summary.RunID)

	defer func() {
		summary.Duration = r.opts.Now().Sub(now)
		if err == nil {
			r.lastSuccess.Store(r.opts.Now().UnixNano())
		}
		r.record(summary, err)
		logSummary(logger, summary, err)
	}()

	if reason := r.gate(now); reason != "" {
		summary.Noop = reason
		if reason == NoopMarketClosed {
			summary.NextOpen = utils.GetNextMarketOpen(now)
		}
		return summary, nil
	}
	if !r.deps.State.Configured() {
		summary.Noop = NoopNotConfigured
		return summary, nil
	}

	alerts, err := r.deps.Alerts.ListActiveAlerts(ctx)
	if err != nil {
		return summary, apperrors.NewSystemicError("load_alerts", err)
	}
	summary.Alerts = len(alerts)
	if len(alerts) == 0 {
		summary.Noop = NoopNoAlerts
		return summary, nil
	}

	symbols := make([]string, 0, len(alerts))
	for _, a := range alerts {
		symbols = append(symbols, a.Symbol)
	}
	symbols = prices.DistinctSymbols(symbols)
	summary.Symbols = len(symbols)

	priceMap, err := r.deps.Prices.GetPrices(ctx, symbols)
	if err != nil {
		return summary, apperrors.NewSystemicError("fetch_prices", err)
	}
	if len(priceMap) == 0 {
		return summary, apperrors.NewSystemicError("fetch_prices", apperrors.ErrNoPrices)
	}
	summary.Prices = len(priceMap)

	states, err := r.deps.State.LoadAll(ctx)
	if err != nil {
		return summary, apperrors.NewSystemicError("load_state", err)
	}

	result := evaluator.Evaluate(alerts, priceMap, states, now)
	summary.Notifications = len(result.Notifications)
	for reason, n := range result.SkipCounts() {
		summary.SkippedByReason[reason] = n
	}

	r.dispatchAll(ctx, logger, result.Notifications, &summary)
	r.commit(ctx, logger, result.StateUpdates, &summary)

	return summary, nil
}

func (r *Runner) gate(now time.Time) string {
	if r.opts.QuietHours.Contains(now) {
		return NoopQuietHours
	}
	if r.opts.MarketHoursOnly && !utils.IsMarketOpen(now) {
		return NoopMarketClosed
	}
	return ""
}

// tally accumulates dispatch outcomes from concurrent tasks.
type tally struct {
	mu                                        sync.Mutex
	sent, failed, cleaned, panics, logFailure int
}

func (r *Runner) dispatchAll(ctx context.Context, logger zerolog.Logger, notifications []evaluator.Notification, summary *RunSummary) {
	if len(notifications) == 0 {
		return
	}

	// A panic here must not skip the state commit that follows.
	var outer panics.Catcher
	outer.Try(func() {
		if r.deps.Sender != nil {
			r.deps.Sender.ResetCredentials()
		}

		var t tally
		p := pool.New().WithMaxGoroutines(r.opts.MaxConcurrency)
		for _, n := range notifications {
			n := n
			alertLogger := logging.WithAlert(logger, n.Alert.ID, n.Alert.Symbol)
			logging.LogAlert(alertLogger, n.Alert.ID, n.Alert.Symbol, string(n.Alert.Direction), n.Alert.Threshold, n.Price)

			var targets []models.PushTarget
			var pc panics.Catcher
			pc.Try(func() {
				var err error
				targets, err = r.deps.Targets.ListPushTargets(ctx, n.Alert)
				if err != nil {
					alertLogger.Warn().Err(err).Msg("Failed to resolve push targets")
					targets = nil
				}
			})
			if rec := pc.Recovered(); rec != nil {
				alertLogger.Error().Str("panic", rec.String()).Msg("Push target resolution panicked")
				t.mu.Lock()
				t.panics++
				t.mu.Unlock()
				continue
			}
			if len(targets) == 0 {
				alertLogger.Info().Msg("Alert fired but owner has no push targets")
				continue
			}

			for _, target := range targets {
				target := target
				p.Go(func() {
					r.dispatchOne(ctx, alertLogger, n, target.Token, &t)
				})
			}
		}
		p.Wait()

		summary.Sent = t.sent
		summary.Failed = t.failed
		summary.TokensCleaned = t.cleaned
		summary.Panics = t.panics
		summary.LogFailures = t.logFailure
	})
	if rec := outer.Recovered(); rec != nil {
		logger.Error().Str("panic", rec.String()).Msg("Dispatch stage panicked")
		summary.Panics++
	}
}

// dispatchOne sends to a single device and records the outcome. It never
// panics: a panicking sender is recorded as an UNKNOWN_ERROR delivery.
func (r *Runner) dispatchOne(ctx context.Context, logger zerolog.Logger, n evaluator.Notification, token string, t *tally) {
	msg := notify.AlertMessage(n.Alert, n.Price, token)

	var res notify.Result
	var pc panics.Catcher
	pc.Try(func() {
		res = r.deps.Sender.Send(ctx, msg)
	})
	panicked := false
	if rec := pc.Recovered(); rec != nil {
		panicked = true
		logger.Error().Str("panic", rec.String()).Str("token", logging.MaskToken(token)).Msg("Push dispatch panicked")
		res = notify.Result{
			ErrorKind:    notify.KindUnknown,
			ErrorMessage: fmt.Sprintf("panic: %v", rec.Value),
		}
	}

	logging.LogDelivery(logger, n.Alert.ID, token, res.Success, string(res.ErrorKind), res.Attempts)

	attempt := &models.DeliveryAttempt{
		AlertID:            n.Alert.ID,
		UserID:             n.Alert.UserID,
		Symbol:             models.NormalizeSymbol(n.Alert.Symbol),
		Token:              token,
		Title:              msg.Title,
		Body:               msg.Body,
		Payload:            notify.StringifyData(msg.Data),
		Success:            res.Success,
		ErrorKind:          string(res.ErrorKind),
		ErrorMessage:       res.ErrorMessage,
		Attempts:           res.Attempts,
		Permanent:          res.Permanent,
		ShouldCleanupToken: res.ShouldCleanupToken,
	}
	ctx = logging.WithLogger(ctx, logger)
	logged := true
	if r.deps.Log != nil {
		logged = utils.BestEffort(ctx, "record_delivery", func(ctx context.Context) error {
			return r.deps.Log.RecordDeliveryAttempt(ctx, attempt)
		})
	}

	cleaned := false
	if res.ShouldCleanupToken && r.deps.Cleaner != nil {
		cleaned = utils.BestEffort(ctx, "deactivate_token", func(ctx context.Context) error {
			return r.deps.Cleaner.DeactivatePushTarget(ctx, token)
		})
	}

	if r.deps.Metrics != nil {
		result := "sent"
		if !res.Success {
			result = "failed"
		}
		r.deps.Metrics.DeliveriesTotal.WithLabelValues(result, string(res.ErrorKind)).Inc()
		if res.Attempts > 0 {
			r.deps.Metrics.DeliveryAttempts.Observe(float64(res.Attempts))
		}
		if !logged {
			r.deps.Metrics.BestEffortErrors.WithLabelValues("record_delivery").Inc()
		}
		if cleaned {
			r.deps.Metrics.TokensCleaned.Inc()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if res.Success {
		t.sent++
	} else {
		t.failed++
	}
	if cleaned {
		t.cleaned++
	}
	if panicked {
		t.panics++
	}
	if !logged {
		t.logFailure++
	}
}

// commit buffers every state update and attempts a flush. Errors are
// logged, never returned.
func (r *Runner) commit(ctx context.Context, logger zerolog.Logger, updates map[string]models.AlertStateSnapshot, summary *RunSummary) {
	for id, snap := range updates {
		r.deps.State.Update(id, snap)
	}
	summary.StateUpdates = len(updates)

	flush, err := r.deps.State.Flush(ctx, r.opts.MinFlushInterval)
	summary.Flush = flush
	summary.FlushErr = err
	if err != nil {
		logger.Error().Err(err).Int("pending", r.deps.State.Pending()).Msg("Failed to flush alert state")
	}
}

func (r *Runner) record(s RunSummary, err error) {
	m := r.deps.Metrics
	if m == nil {
		return
	}

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "systemic"
	case s.Noop != "":
		outcome = "noop"
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(s.Duration.Seconds())

	if s.Noop != "" || err != nil {
		return
	}

	m.AlertsEvaluated.Add(float64(s.Alerts))
	m.AlertsFired.Add(float64(s.Notifications))
	for reason, n := range s.SkippedByReason {
		m.AlertsSkipped.WithLabelValues(string(reason)).Add(float64(n))
	}

	switch {
	case s.FlushErr != nil:
		m.StateFlushes.WithLabelValues("error").Inc()
	case s.Flush.Written:
		m.StateFlushes.WithLabelValues("written").Inc()
	case s.Flush.Deferred:
		m.StateFlushes.WithLabelValues("deferred").Inc()
	default:
		m.StateFlushes.WithLabelValues("empty").Inc()
	}
	if r.deps.State != nil {
		m.StatePending.Set(float64(r.deps.State.Pending()))
	}
}

func logSummary(logger zerolog.Logger, s RunSummary, err error) {
	if err != nil {
		var se *apperrors.SystemicError
		stage := ""
		if apperrors.As(err, &se) {
			stage = se.Stage
		}
		logger.Error().Err(err).Str("stage", stage).Dur("duration", s.Duration).Msg("Alert pass aborted")
		return
	}
	if s.Noop != "" {
		event := logger.Debug().Str("reason", s.Noop)
		if !s.NextOpen.IsZero() {
			event = event.Time("next_open", s.NextOpen)
		}
		event.Msg("Alert pass skipped")
		return
	}

	skipped := zerolog.Dict()
	for reason, n := range s.SkippedByReason {
		skipped.Int(string(reason), n)
	}
	logger.Info().
		Int("alerts", s.Alerts).
		Int("symbols", s.Symbols).
		Int("prices", s.Prices).
		Int("fired", s.Notifications).
		Dict("skipped", skipped).
		Int("sent", s.Sent).
		Int("failed", s.Failed).
		Int("tokens_cleaned", s.TokensCleaned).
		Int("panics", s.Panics).
		Bool("state_written", s.Flush.Written).
		Bool("state_deferred", s.Flush.Deferred).
		Dur("duration", s.Duration).
		Msg("Alert pass complete")
}
