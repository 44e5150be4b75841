// Package evaluator decides which price alerts fire on a pass.
//
// Alerts are edge-triggered: an alert fires only when its condition goes
// from false on the previous pass to true on this one. Evaluate is pure;
// persisting the returned state is the caller's job.
package evaluator

import (
	"time"

	"stockly/internal/models"
)

// SkipReason explains why an examined alert did not fire.
type SkipReason string

const (
	SkipNoPrice          SkipReason = "no_price"
	SkipConditionNotMet  SkipReason = "condition_not_met"
	SkipAlreadyMet       SkipReason = "already_met"
	SkipInactive         SkipReason = "inactive"
	SkipInvalidDirection SkipReason = "invalid_direction"
)

// Notification is an alert that fires on this pass.
type Notification struct {
	Alert models.Alert
	Price float64
}

// Skipped is an alert that was examined but did not fire.
type Skipped struct {
	Alert  models.Alert
	Reason SkipReason
	Price  *float64
}

// Result is the outcome of one evaluation pass.
type Result struct {
	Notifications []Notification
	Skipped       []Skipped
	// StateUpdates holds one snapshot per alert that had a price.
	StateUpdates map[string]models.AlertStateSnapshot
}

// SkipCounts groups skipped alerts by reason.
func (r Result) SkipCounts() map[SkipReason]int {
	counts := make(map[SkipReason]int)
	for _, s := range r.Skipped {
		counts[s.Reason]++
	}
	return counts
}

// ConditionMet reports whether price satisfies the alert's direction and threshold.
func ConditionMet(alert models.Alert, price float64) bool {
	switch alert.Direction {
	case models.DirectionAbove:
		return price >= alert.Threshold
	case models.DirectionBelow:
		return price <= alert.Threshold
	}
	return false
}

// Evaluate runs one pass over alerts. prices maps upper-case symbols to the
// latest price; states maps alert IDs to their previous snapshot. Missing
// entries in either map are normal.
func Evaluate(alerts []models.Alert, prices map[string]float64, states map[string]models.AlertStateSnapshot, now time.Time) Result {
	result := Result{
		StateUpdates: make(map[string]models.AlertStateSnapshot, len(alerts)),
	}

	for _, alert := range alerts {
		if !alert.IsActive() {
			result.Skipped = append(result.Skipped, Skipped{Alert: alert, Reason: SkipInactive})
			continue
		}
		if !alert.Direction.Valid() {
			result.Skipped = append(result.Skipped, Skipped{Alert: alert, Reason: SkipInvalidDirection})
			continue
		}

		price, ok := prices[models.NormalizeSymbol(alert.Symbol)]
		if !ok {
			// Missing data must not read as "condition not met".
			result.Skipped = append(result.Skipped, Skipped{Alert: alert, Reason: SkipNoPrice})
			continue
		}

		prev := states[alert.ID]
		met := ConditionMet(alert, price)
		fired := met && !prev.LastConditionMet

		observed := price
		next := models.AlertStateSnapshot{
			LastConditionMet: met,
			LastPrice:        &observed,
			LastTriggeredAt:  prev.LastTriggeredAt,
		}
		if fired {
			triggeredAt := now
			next.LastTriggeredAt = &triggeredAt
		}
		result.StateUpdates[alert.ID] = next

		switch {
		case fired:
			result.Notifications = append(result.Notifications, Notification{Alert: alert, Price: price})
		case met:
			result.Skipped = append(result.Skipped, Skipped{Alert: alert, Reason: SkipAlreadyMet, Price: &observed})
		default:
			result.Skipped = append(result.Skipped, Skipped{Alert: alert, Reason: SkipConditionNotMet, Price: &observed})
		}
	}

	return result
}
