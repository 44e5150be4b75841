package evaluator

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"stockly/internal/models"
)

// Property: over any price sequence, an alert fires exactly as many times as
// its condition flips from false to true, and the persisted state always
// matches the condition at the last observed price.
func TestProperty_FiresOncePerRisingEdge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	dirGen := gen.OneConstOf(models.DirectionAbove, models.DirectionBelow)

	properties.Property("fires once per false-to-true transition", prop.ForAll(
		func(dir models.Direction, threshold float64, sequence []float64) bool {
			a := alert("p1", "SPY", dir, threshold)
			states := map[string]models.AlertStateSnapshot{}

			fires := 0
			edges := 0
			prevMet := false
			now := t0

			for _, price := range sequence {
				r := pass([]models.Alert{a}, map[string]float64{"SPY": price}, states, now)
				fires += len(r.Notifications)

				met := ConditionMet(a, price)
				if met && !prevMet {
					edges++
				}
				prevMet = met

				if states["p1"].LastConditionMet != met {
					t.Logf("state mismatch at price %.2f", price)
					return false
				}
				now = now.Add(5 * time.Minute)
			}

			return fires == edges
		},
		dirGen,
		gen.Float64Range(50, 150),
		gen.SliceOf(gen.Float64Range(0, 200)),
	))

	properties.Property("gaps in price data never change state", prop.ForAll(
		func(dir models.Direction, threshold, price float64, met bool) bool {
			a := alert("p2", "QQQ", dir, threshold)
			prev := models.AlertStateSnapshot{LastConditionMet: met, LastPrice: &price}
			states := map[string]models.AlertStateSnapshot{"p2": prev}

			r := Evaluate([]models.Alert{a}, map[string]float64{}, states, t0)

			_, updated := r.StateUpdates["p2"]
			return !updated && len(r.Notifications) == 0 && r.Skipped[0].Reason == SkipNoPrice
		},
		dirGen,
		gen.Float64Range(1, 1000),
		gen.Float64Range(1, 1000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
