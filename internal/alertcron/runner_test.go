package alertcron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stockly/internal/errors"
	"stockly/internal/evaluator"
	"stockly/internal/metrics"
	"stockly/internal/models"
	"stockly/internal/notify"
	"stockly/internal/statestore"
	"stockly/pkg/utils"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeAlerts struct {
	alerts []models.Alert
	err    error
}

func (f *fakeAlerts) ListActiveAlerts(context.Context) ([]models.Alert, error) {
	return f.alerts, f.err
}

type fakeTargets map[string][]string // user -> tokens

func (f fakeTargets) ListPushTargets(_ context.Context, a models.Alert) ([]models.PushTarget, error) {
	var out []models.PushTarget
	for _, tok := range f[a.UserID] {
		out = append(out, models.PushTarget{Token: tok, UserID: a.UserID, Active: true})
	}
	return out, nil
}

type fakeLog struct {
	mu   sync.Mutex
	rows []models.DeliveryAttempt
	err  error
}

func (f *fakeLog) RecordDeliveryAttempt(_ context.Context, a *models.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, *a)
	return nil
}

func (f *fakeLog) byAlert(id string) []models.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DeliveryAttempt
	for _, r := range f.rows {
		if r.AlertID == id {
			out = append(out, r)
		}
	}
	return out
}

type fakeCleaner struct {
	mu     sync.Mutex
	tokens []string
}

func (f *fakeCleaner) DeactivatePushTarget(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	return nil
}

type fakePrices struct {
	prices map[string]float64
	err    error
	calls  int
	asked  []string
}

func (f *fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	f.calls++
	f.asked = symbols
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// fakeSender answers per token; unknown tokens succeed.
type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	resets  int
	respond map[string]func() notify.Result
}

func (f *fakeSender) Send(_ context.Context, msg notify.Message) notify.Result {
	f.mu.Lock()
	f.sent = append(f.sent, msg.Token)
	fn := f.respond[msg.Token]
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return notify.Result{Success: true, Attempts: 1}
}

func (f *fakeSender) ResetCredentials() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeSender) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type harness struct {
	clock   *clock
	kv      *statestore.MemoryKV
	state   *statestore.Store
	alerts  *fakeAlerts
	prices  *fakePrices
	sender  *fakeSender
	log     *fakeLog
	cleaner *fakeCleaner
	metrics *metrics.Metrics
	runner  *Runner
}

func newHarness(t *testing.T, alerts []models.Alert, prices map[string]float64, targets fakeTargets, opts Options) *harness {
	t.Helper()
	h := &harness{
		clock:   &clock{t: time.Date(2024, 3, 13, 14, 0, 0, 0, time.UTC)},
		kv:      statestore.NewMemoryKV(),
		alerts:  &fakeAlerts{alerts: alerts},
		prices:  &fakePrices{prices: prices},
		sender:  &fakeSender{respond: map[string]func() notify.Result{}},
		log:     &fakeLog{},
		cleaner: &fakeCleaner{},
		metrics: metrics.NewMetrics(),
	}
	h.state = statestore.New(h.kv, statestore.Config{Logger: zerolog.Nop(), Now: h.clock.Now})

	if opts.MinFlushInterval == 0 {
		opts.MinFlushInterval = time.Hour
	}
	opts.Now = h.clock.Now

	h.runner = New(Deps{
		Alerts:  h.alerts,
		Targets: targets,
		Log:     h.log,
		Cleaner: h.cleaner,
		Prices:  h.prices,
		State:   h.state,
		Sender:  h.sender,
		Metrics: h.metrics,
		Logger:  zerolog.Nop(),
	}, opts)
	return h
}

func alert(id, user, symbol string, dir models.Direction, threshold float64) models.Alert {
	return models.Alert{ID: id, UserID: user, Symbol: symbol, Direction: dir, Threshold: threshold, Status: models.AlertActive}
}

func TestRunFiresAndCommits(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "aapl", models.DirectionAbove, 150)},
		map[string]float64{"AAPL": 155},
		fakeTargets{"u1": {"phone", "tablet"}},
		Options{},
	)

	s, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, s.Noop)
	assert.Equal(t, 1, s.Notifications)
	assert.Equal(t, 2, s.Sent)
	assert.ElementsMatch(t, []string{"phone", "tablet"}, h.sender.sentTo())
	assert.Equal(t, 1, h.sender.resets)
	assert.Len(t, h.log.byAlert("a1"), 2)
	assert.True(t, s.Flush.Written)
	assert.Equal(t, 1, h.kv.Writes())
	assert.Equal(t, []string{"AAPL"}, h.prices.asked)

	row := h.log.byAlert("a1")[0]
	assert.True(t, row.Success)
	assert.Equal(t, "AAPL", row.Symbol)
	assert.Equal(t, "155", row.Payload["price"])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.DeliveriesTotal.WithLabelValues("sent", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StateFlushes.WithLabelValues("written")))
}

func TestRunEdgeTriggeredAndCoalesced(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		map[string]float64{"AAPL": 155},
		fakeTargets{"u1": {"phone"}},
		Options{},
	)
	ctx := context.Background()

	first, err := h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sent)

	h.clock.Advance(5 * time.Minute)
	h.prices.prices["AAPL"] = 156

	second, err := h.runner.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Notifications)
	assert.Equal(t, 1, second.SkippedByReason[evaluator.SkipAlreadyMet])
	assert.True(t, second.Flush.Deferred)

	// Two passes inside the flush interval cost one physical write.
	assert.Equal(t, 1, h.kv.Writes())
	assert.Len(t, h.sender.sentTo(), 1)

	// The deferred snapshot is still what the next pass sees.
	states, err := h.state.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 156.0, *states["a1"].LastPrice)
}

func TestRunRearmsAfterLeavingZone(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		map[string]float64{"AAPL": 155},
		fakeTargets{"u1": {"phone"}},
		Options{},
	)
	ctx := context.Background()

	for _, price := range []float64{155, 145, 151} {
		h.prices.prices["AAPL"] = price
		_, err := h.runner.Run(ctx)
		require.NoError(t, err)
		h.clock.Advance(5 * time.Minute)
	}
	assert.Len(t, h.sender.sentTo(), 2)
}

func TestRunPerAlertIsolation(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{
			alert("a", "ua", "AAPL", models.DirectionAbove, 150),
			alert("b", "ub", "MSFT", models.DirectionBelow, 400),
		},
		map[string]float64{"AAPL": 155, "MSFT": 390},
		fakeTargets{"ua": {"tok-a"}, "ub": {"tok-b"}},
		Options{},
	)
	h.sender.respond["tok-a"] = func() notify.Result { panic("malformed token") }

	s, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Sent)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Panics)

	rowsB := h.log.byAlert("b")
	require.Len(t, rowsB, 1)
	assert.True(t, rowsB[0].Success)

	rowsA := h.log.byAlert("a")
	require.Len(t, rowsA, 1)
	assert.False(t, rowsA[0].Success)
	assert.Equal(t, string(notify.KindUnknown), rowsA[0].ErrorKind)
	assert.Contains(t, rowsA[0].ErrorMessage, "malformed token")

	assert.True(t, s.Flush.Written)
	persisted, err := statestore.New(h.kv, statestore.Config{Logger: zerolog.Nop()}).LoadAll(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted["a"].LastConditionMet)
	assert.True(t, persisted["b"].LastConditionMet)
}

func TestRunCleansUpDeadTokens(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		map[string]float64{"AAPL": 155},
		fakeTargets{"u1": {"dead", "alive"}},
		Options{},
	)
	h.sender.respond["dead"] = func() notify.Result {
		return notify.Result{Attempts: 1, ErrorKind: notify.KindNotFound, Permanent: true, ShouldCleanupToken: true}
	}
	h.sender.respond["alive"] = func() notify.Result {
		return notify.Result{Attempts: 3, ErrorKind: notify.KindUnavailable}
	}

	s, err := h.runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"dead"}, h.cleaner.tokens)
	assert.Equal(t, 1, s.TokensCleaned)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TokensCleaned))
}

func TestRunSystemicPriceFailure(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		nil,
		fakeTargets{"u1": {"phone"}},
		Options{},
	)
	h.prices.err = apperrors.NewPriceError([]string{"AAPL"}, "down", apperrors.ErrPriceSourceUnavailable)

	_, err := h.runner.Run(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsSystemic(err))
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)

	var se *apperrors.SystemicError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "fetch_prices", se.Stage)

	assert.Empty(t, h.sender.sentTo())
	assert.Equal(t, 0, h.state.Pending())
	assert.Equal(t, 0, h.kv.Writes())
	assert.True(t, h.runner.LastSuccess().IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("systemic")))
}

func TestRunEmptyPricesIsSystemic(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		map[string]float64{},
		nil,
		Options{},
	)

	_, err := h.runner.Run(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoPrices)
	assert.Equal(t, 0, h.kv.Writes())
}

func TestRunLoadAlertsFailure(t *testing.T) {
	h := newHarness(t, nil, nil, nil, Options{})
	h.alerts.err = errors.New("database is locked")

	_, err := h.runner.Run(context.Background())
	assert.True(t, apperrors.IsSystemic(err))
	assert.Equal(t, 0, h.prices.calls)
}

func TestRunNoopGates(t *testing.T) {
	alerts := []models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)}
	prices := map[string]float64{"AAPL": 155}

	t.Run("no alerts", func(t *testing.T) {
		h := newHarness(t, nil, prices, nil, Options{})
		s, err := h.runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NoopNoAlerts, s.Noop)
		assert.Equal(t, 0, h.prices.calls)
	})

	t.Run("quiet hours", func(t *testing.T) {
		quiet, err := utils.ParseQuietHours("13:30", "15:00", time.UTC)
		require.NoError(t, err)
		h := newHarness(t, alerts, prices, nil, Options{QuietHours: quiet})
		s, err := h.runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NoopQuietHours, s.Noop)
		assert.Equal(t, 0, h.prices.calls)
	})

	t.Run("market closed", func(t *testing.T) {
		h := newHarness(t, alerts, prices, nil, Options{MarketHoursOnly: true})
		h.clock.t = time.Date(2024, 3, 16, 15, 0, 0, 0, time.UTC) // Saturday
		s, err := h.runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NoopMarketClosed, s.Noop)
		assert.Equal(t, time.Monday, s.NextOpen.Weekday())
		assert.True(t, s.NextOpen.After(h.clock.t))
	})

	t.Run("kv not configured", func(t *testing.T) {
		h := newHarness(t, alerts, prices, nil, Options{})
		h.runner.deps.State = statestore.New(nil, statestore.Config{})
		s, err := h.runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, NoopNotConfigured, s.Noop)
		assert.Equal(t, 0, h.prices.calls)
	})
}

func TestRunDeliveryLogFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		map[string]float64{"AAPL": 155},
		fakeTargets{"u1": {"phone"}},
		Options{},
	)
	h.log.err = errors.New("disk full")

	s, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Sent)
	assert.Equal(t, 1, s.LogFailures)
	assert.True(t, s.Flush.Written)
	assert.False(t, h.runner.LastSuccess().IsZero())
}

func TestRunUserWithoutTargets(t *testing.T) {
	h := newHarness(t,
		[]models.Alert{alert("a1", "u1", "AAPL", models.DirectionAbove, 150)},
		map[string]float64{"AAPL": 155},
		fakeTargets{},
		Options{},
	)

	s, err := h.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Notifications)
	assert.Equal(t, 0, s.Sent)
	assert.True(t, s.Flush.Written, "state is committed even when nobody is notified")
}
