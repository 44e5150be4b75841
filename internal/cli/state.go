package cli

import (
	"context"
	"sort"
	"time"

	"github.com/spf13/cobra"

	apperrors "stockly/internal/errors"
	"stockly/internal/models"
	"stockly/internal/statestore"
	"stockly/pkg/utils"
)

func newStateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect persisted alert state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [alert-id...]",
		Short: "Show the edge-trigger state of alerts",
		Long: `Show the persisted edge-trigger state: whether each alert's condition was
met on the last pass, the last observed price and when it last fired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			kv, closer, err := app.OpenKV(ctx)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}

			states, err := statestore.New(kv, statestore.Config{
				Key:    app.Config.KV.StateKey,
				Logger: app.Logger,
			}).LoadAll(ctx)
			if err != nil {
				if apperrors.Is(err, apperrors.ErrNotConfigured) {
					output.Warning("No state backend configured (kv.backend = %q)", app.Config.KV.Backend)
					return nil
				}
				return err
			}

			states = selectStates(states, args)

			if output.IsJSON() {
				return output.JSON(states)
			}
			if len(states) == 0 {
				output.Dim("No alert state recorded")
				return nil
			}

			ids := make([]string, 0, len(states))
			for id := range states {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			table := NewTable(output, "ALERT", "MET", "LAST PRICE", "LAST FIRED")
			for _, id := range ids {
				s := states[id]
				met := output.DimText("no")
				if s.LastConditionMet {
					met = output.Green("yes")
				}
				price := "-"
				if s.LastPrice != nil {
					price = utils.FormatUSD(*s.LastPrice)
				}
				fired := "-"
				if s.LastTriggeredAt != nil {
					fired = s.LastTriggeredAt.Local().Format("2006-01-02 15:04:05")
				}
				table.AddRow(id, met, price, fired)
			}
			table.Render()
			output.Dim("%d alerts", len(ids))
			return nil
		},
	})

	return cmd
}

// selectStates narrows states to ids. Unknown ids show as never evaluated.
func selectStates(states map[string]models.AlertStateSnapshot, ids []string) map[string]models.AlertStateSnapshot {
	if len(ids) == 0 {
		return states
	}
	out := make(map[string]models.AlertStateSnapshot, len(ids))
	for _, id := range ids {
		out[id] = states[id]
	}
	return out
}
