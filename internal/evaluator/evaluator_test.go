package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockly/internal/models"
)

var t0 = time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)

func alert(id, symbol string, dir models.Direction, threshold float64) models.Alert {
	return models.Alert{
		ID:        id,
		UserID:    "u1",
		Symbol:    symbol,
		Direction: dir,
		Threshold: threshold,
		Status:    models.AlertActive,
	}
}

// pass runs Evaluate and feeds the state updates into states, the way the
// cron runner does between passes.
func pass(alerts []models.Alert, prices map[string]float64, states map[string]models.AlertStateSnapshot, now time.Time) Result {
	r := Evaluate(alerts, prices, states, now)
	for id, s := range r.StateUpdates {
		states[id] = s
	}
	return r
}

func TestEdgeTriggerFiresOnce(t *testing.T) {
	alerts := []models.Alert{alert("a1", "AAPL", models.DirectionAbove, 100)}
	states := map[string]models.AlertStateSnapshot{"a1": {LastConditionMet: false}}

	r := pass(alerts, map[string]float64{"AAPL": 105}, states, t0)
	require.Len(t, r.Notifications, 1)
	assert.Equal(t, 105.0, r.Notifications[0].Price)
	assert.True(t, states["a1"].LastConditionMet)
	require.NotNil(t, states["a1"].LastTriggeredAt)
	assert.Equal(t, t0, *states["a1"].LastTriggeredAt)

	r = pass(alerts, map[string]float64{"AAPL": 105}, states, t0.Add(5*time.Minute))
	assert.Empty(t, r.Notifications)
	require.Len(t, r.Skipped, 1)
	assert.Equal(t, SkipAlreadyMet, r.Skipped[0].Reason)
	// Trigger time is carried forward, not refreshed.
	assert.Equal(t, t0, *states["a1"].LastTriggeredAt)
}

func TestRearmAfterLeavingZone(t *testing.T) {
	alerts := []models.Alert{alert("a1", "AAPL", models.DirectionAbove, 100)}
	states := map[string]models.AlertStateSnapshot{}

	assert.Len(t, pass(alerts, map[string]float64{"AAPL": 105}, states, t0).Notifications, 1)

	r := pass(alerts, map[string]float64{"AAPL": 95}, states, t0.Add(5*time.Minute))
	assert.Empty(t, r.Notifications)
	assert.Equal(t, SkipConditionNotMet, r.Skipped[0].Reason)
	assert.False(t, states["a1"].LastConditionMet)

	later := t0.Add(10 * time.Minute)
	r = pass(alerts, map[string]float64{"AAPL": 105}, states, later)
	require.Len(t, r.Notifications, 1)
	assert.Equal(t, later, *states["a1"].LastTriggeredAt)
}

func TestMissingPriceLeavesStateUntouched(t *testing.T) {
	alerts := []models.Alert{
		alert("a1", "AAPL", models.DirectionAbove, 100),
		alert("a2", "MSFT", models.DirectionAbove, 100),
	}
	prev := models.AlertStateSnapshot{LastConditionMet: true}
	states := map[string]models.AlertStateSnapshot{"a2": prev}

	r := Evaluate(alerts, map[string]float64{"AAPL": 101}, states, t0)

	_, touched := r.StateUpdates["a2"]
	assert.False(t, touched)
	assert.Contains(t, r.StateUpdates, "a1")
	assert.Equal(t, 1, r.SkipCounts()[SkipNoPrice])
	assert.Equal(t, prev, states["a2"])
}

func TestBelowDirection(t *testing.T) {
	alerts := []models.Alert{alert("b1", "TSLA", models.DirectionBelow, 50)}
	states := map[string]models.AlertStateSnapshot{}

	r := pass(alerts, map[string]float64{"TSLA": 55}, states, t0)
	assert.Empty(t, r.Notifications)

	r = pass(alerts, map[string]float64{"TSLA": 45}, states, t0.Add(time.Minute))
	require.Len(t, r.Notifications, 1)
	assert.Equal(t, 45.0, r.Notifications[0].Price)

	r = pass(alerts, map[string]float64{"TSLA": 45}, states, t0.Add(2*time.Minute))
	assert.Empty(t, r.Notifications)
	assert.Equal(t, SkipAlreadyMet, r.Skipped[0].Reason)
}

func TestThresholdIsInclusive(t *testing.T) {
	assert.True(t, ConditionMet(alert("x", "X", models.DirectionAbove, 100), 100))
	assert.True(t, ConditionMet(alert("x", "X", models.DirectionBelow, 100), 100))
	assert.False(t, ConditionMet(alert("x", "X", models.Direction("sideways"), 100), 100))
}

func TestSymbolLookupIsCaseInsensitive(t *testing.T) {
	alerts := []models.Alert{alert("a1", " aapl ", models.DirectionAbove, 100)}
	r := Evaluate(alerts, map[string]float64{"AAPL": 120}, nil, t0)
	assert.Len(t, r.Notifications, 1)
}

func TestInactiveAndInvalidAlertsAreSkipped(t *testing.T) {
	paused := alert("p1", "AAPL", models.DirectionAbove, 100)
	paused.Status = models.AlertPaused
	broken := alert("x1", "AAPL", models.Direction(""), 100)

	r := Evaluate([]models.Alert{paused, broken}, map[string]float64{"AAPL": 200}, nil, t0)

	assert.Empty(t, r.Notifications)
	assert.Empty(t, r.StateUpdates)
	counts := r.SkipCounts()
	assert.Equal(t, 1, counts[SkipInactive])
	assert.Equal(t, 1, counts[SkipInvalidDirection])
}

func TestSharedSymbolFansOutPerAlert(t *testing.T) {
	alerts := []models.Alert{
		alert("a1", "NVDA", models.DirectionAbove, 100),
		alert("a2", "NVDA", models.DirectionAbove, 150),
		alert("a3", "NVDA", models.DirectionBelow, 90),
	}

	r := Evaluate(alerts, map[string]float64{"NVDA": 120}, nil, t0)

	require.Len(t, r.Notifications, 1)
	assert.Equal(t, "a1", r.Notifications[0].Alert.ID)
	assert.Len(t, r.StateUpdates, 3)
	assert.Equal(t, 120.0, *r.StateUpdates["a2"].LastPrice)
}
