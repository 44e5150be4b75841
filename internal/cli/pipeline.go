package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"stockly/internal/alertcron"
	"stockly/internal/config"
	apperrors "stockly/internal/errors"
	"stockly/internal/metrics"
	"stockly/internal/notify"
	"stockly/internal/prices"
	"stockly/internal/resilience"
	"stockly/internal/statestore"
	"stockly/pkg/utils"
)

// Pipeline bundles the collaborators of an alert pass.
type Pipeline struct {
	Runner  *alertcron.Runner
	State   *statestore.Store
	Prices  *prices.FMPClient
	Metrics *metrics.Metrics
	Health  *resilience.HealthMonitor

	closers []io.Closer
}

// Close releases the KV backend.
func (p *Pipeline) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenKV returns the configured state backend, or nil when the backend is
// "none". The caller closes the returned closer when it is non-nil.
func (a *App) OpenKV(ctx context.Context) (statestore.KV, io.Closer, error) {
	if !a.Config.KVEnabled() {
		return nil, nil, nil
	}
	switch a.Config.KV.Backend {
	case config.KVBackendRedis:
		kv, err := statestore.NewRedisKV(ctx, statestore.RedisConfig{
			Addr:     a.Config.KV.RedisAddr,
			Password: a.Config.Credentials.Redis.Password,
			DB:       a.Config.KV.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	default:
		a.Logger.Warn().Msg("Using in-memory alert state; it is lost on exit")
		return statestore.NewMemoryKV(), nil, nil
	}
}

// BuildPipeline wires the store, price source, push dispatcher and state
// store into a Runner.
func (a *App) BuildPipeline(ctx context.Context) (*Pipeline, error) {
	cfg := a.Config

	st, err := a.OpenStore()
	if err != nil {
		return nil, err
	}

	if cfg.Credentials.FMP.APIKey == "" {
		return nil, fmt.Errorf("%w: fmp api key (set STOCKLY_FMP_API_KEY)", apperrors.ErrNotConfigured)
	}

	p := &Pipeline{
		Metrics: metrics.NewMetrics(),
		Health:  resilience.NewHealthMonitor(5 * time.Second),
	}

	kv, closer, err := a.OpenKV(ctx)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		p.closers = append(p.closers, closer)
	}
	p.State = statestore.New(kv, statestore.Config{
		Key:    cfg.KV.StateKey,
		Logger: a.Logger.With().Str("component", "statestore").Logger(),
	})

	p.Prices = prices.NewFMPClient(prices.FMPConfig{
		BaseURL:   cfg.Prices.BaseURL,
		APIKey:    cfg.Credentials.FMP.APIKey,
		Timeout:   cfg.Prices.Timeout,
		BatchSize: cfg.Prices.BatchSize,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Prices.FailureThreshold,
			SuccessThreshold: 1,
			Timeout:          10 * time.Minute,
		},
	}, a.Logger.With().Str("component", "prices").Logger())
	p.Prices.Breaker().OnStateChange = func(name string, from, to resilience.CircuitState) {
		a.Logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker transition")
		p.Metrics.SetBreakerState(string(to))
	}

	sender, err := a.buildSender(cfg)
	if err != nil {
		p.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Cron.Timezone)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: timezone %q: %v", apperrors.ErrConfigInvalid, cfg.Cron.Timezone, err)
	}
	quiet, err := utils.ParseQuietHours(cfg.Cron.QuietHoursStart, cfg.Cron.QuietHoursEnd, loc)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.Runner = alertcron.New(alertcron.Deps{
		Alerts:  st,
		Targets: st,
		Log:     st,
		Cleaner: st,
		Prices:  p.Prices,
		State:   p.State,
		Sender:  sender,
		Metrics: p.Metrics,
		Logger:  a.Logger.With().Str("component", "alertcron").Logger(),
	}, alertcron.Options{
		MinFlushInterval: cfg.Cron.MinFlushInterval(),
		QuietHours:       quiet,
		MarketHoursOnly:  cfg.Cron.MarketHoursOnly,
	})

	p.Health.RegisterComponent("sqlite", resilience.PingHealthCheck(st.Ping, 500*time.Millisecond))
	p.Health.RegisterComponent("prices", resilience.BreakerHealthCheck(p.Prices.Breaker()))
	if rkv, ok := kv.(*statestore.RedisKV); ok {
		p.Health.RegisterComponent("redis", resilience.PingHealthCheck(rkv.Ping, 200*time.Millisecond))
	}
	p.Health.RegisterComponent("alert_pass", resilience.FreshnessHealthCheck(p.Runner.LastSuccess, 3*cfg.Cron.Interval))

	return p, nil
}

func (a *App) buildSender(cfg *config.Config) (notify.Sender, error) {
	account, err := notify.LoadServiceAccount(cfg.Credentials.Push.ServiceAccountJSON, cfg.Credentials.Push.ServiceAccountFile)
	if err != nil {
		return nil, err
	}
	tokens, err := notify.NewServiceAccountTokenSource(account, nil)
	if err != nil {
		return nil, err
	}

	projectID := cfg.Push.ProjectID
	if projectID == "" {
		projectID = account.ProjectID
	}
	if projectID == "" {
		return nil, fmt.Errorf("%w: push.project_id is empty and the service account has none", apperrors.ErrCredentials)
	}

	return notify.NewDispatcher(notify.DispatcherConfig{
		Endpoint:  cfg.Push.Endpoint,
		ProjectID: projectID,
		Timeout:   cfg.Push.Timeout,
	}, tokens, a.Logger.With().Str("component", "push").Logger()), nil
}
