package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stockly/internal/models"
	"stockly/internal/store"
	"stockly/pkg/utils"
)

func newAlertsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Manage price alerts",
	}

	cmd.AddCommand(newAlertsAddCmd(app))
	cmd.AddCommand(newAlertsListCmd(app))
	cmd.AddCommand(newAlertStatusCmd(app, "pause", models.AlertPaused))
	cmd.AddCommand(newAlertStatusCmd(app, "resume", models.AlertActive))
	cmd.AddCommand(newAlertStatusCmd(app, "delete", models.AlertDeleted))

	return cmd
}

func newAlertsAddCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <symbol> <above|below> <price>",
		Short: "Create a price alert",
		Example: `  stockly alerts add AAPL above 150 --user u_123
  stockly alerts add TSLA below 180.5 --user u_123 --notes "buy the dip"`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}

			threshold, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", args[2], err)
			}
			userID, _ := cmd.Flags().GetString("user")
			target, _ := cmd.Flags().GetString("target")
			notes, _ := cmd.Flags().GetString("notes")

			alert := &models.Alert{
				UserID:    userID,
				Symbol:    args[0],
				Direction: models.Direction(strings.ToLower(args[1])),
				Threshold: threshold,
				Target:    target,
				Notes:     notes,
			}
			if err := st.SaveAlert(ctx, alert); err != nil {
				output.Error("Failed to create alert: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(alert)
			}
			output.Success("✓ Alert %s: %s %s %s", alert.ID, alert.Symbol, alert.Direction, utils.FormatUSD(alert.Threshold))
			return nil
		},
	}

	cmd.Flags().String("user", "", "owning user ID (required)")
	cmd.Flags().String("target", "", "legacy push token used when the user has no devices")
	cmd.Flags().String("notes", "", "free-form notes")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newAlertsListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		Example: `  stockly alerts list
  stockly alerts list --user u_123 --status paused`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}

			filter := store.AlertFilter{}
			filter.UserID, _ = cmd.Flags().GetString("user")
			filter.Symbol, _ = cmd.Flags().GetString("symbol")
			status, _ := cmd.Flags().GetString("status")
			filter.Status = models.AlertStatus(status)
			filter.Limit, _ = cmd.Flags().GetInt("limit")

			alerts, err := st.ListAlerts(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(alerts)
			}
			if len(alerts) == 0 {
				output.Dim("No alerts")
				return nil
			}

			table := NewTable(output, "ID", "USER", "SYMBOL", "CONDITION", "STATUS", "CREATED")
			for _, a := range alerts {
				table.AddRow(
					a.ID,
					a.UserID,
					a.Symbol,
					fmt.Sprintf("%s %s", a.Direction, utils.FormatUSD(a.Threshold)),
					statusText(output, a.Status),
					a.CreatedAt.Local().Format("2006-01-02 15:04"),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().String("user", "", "filter by user ID")
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("status", "", "filter by status (active, paused, deleted)")
	cmd.Flags().Int("limit", 100, "maximum rows")

	return cmd
}

func newAlertStatusCmd(app *App, verb string, status models.AlertStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <alert-id>",
		Short: fmt.Sprintf("Set an alert's status to %s", status),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}
			if err := st.SetAlertStatus(ctx, args[0], status); err != nil {
				output.Error("Failed to %s alert: %v", verb, err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"id": args[0], "status": string(status)})
			}
			output.Success("✓ Alert %s is now %s", args[0], status)
			return nil
		},
	}
}

func statusText(output *Output, status models.AlertStatus) string {
	switch status {
	case models.AlertActive:
		return output.Green(string(status))
	case models.AlertPaused:
		return output.Yellow(string(status))
	default:
		return output.DimText(string(status))
	}
}

func newDevicesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage push device registrations",
	}

	register := &cobra.Command{
		Use:     "register <token>",
		Short:   "Register or refresh a device token",
		Example: `  stockly devices register fcm-token-abc --user u_123 --platform ios`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}

			userID, _ := cmd.Flags().GetString("user")
			platform, _ := cmd.Flags().GetString("platform")
			target := &models.PushTarget{Token: args[0], UserID: userID, Platform: platform}
			if err := st.RegisterPushTarget(ctx, target); err != nil {
				output.Error("Failed to register device: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(target)
			}
			output.Success("✓ Device registered for %s", userID)
			return nil
		},
	}
	register.Flags().String("user", "", "owning user ID (required)")
	register.Flags().String("platform", "android", "device platform (ios, android, web)")
	_ = register.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}

			all, _ := cmd.Flags().GetBool("all")
			targets, err := st.ListUserTargets(ctx, args[0], all)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(targets)
			}
			if len(targets) == 0 {
				output.Dim("No devices for %s", args[0])
				return nil
			}

			table := NewTable(output, "TOKEN", "PLATFORM", "ACTIVE", "LAST SEEN")
			for _, t := range targets {
				active := output.Green("yes")
				if !t.Active {
					active = output.Red("no")
				}
				table.AddRow(t.Token, t.Platform, active, t.LastSeenAt.Local().Format("2006-01-02 15:04"))
			}
			table.Render()
			return nil
		},
	}
	list.Flags().Bool("all", false, "include deactivated devices")

	deactivate := &cobra.Command{
		Use:   "deactivate <token>",
		Short: "Deactivate a device token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}
			if err := st.DeactivatePushTarget(ctx, args[0]); err != nil {
				output.Error("Failed to deactivate device: %v", err)
				return err
			}
			output.Success("✓ Device deactivated")
			return nil
		},
	}

	cmd.AddCommand(register, list, deactivate)
	return cmd
}

func newDeliveriesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Inspect the push delivery log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent delivery attempts",
		Example: `  stockly deliveries list --failed
  stockly deliveries list --alert 6b1f... --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := app.OpenStore()
			if err != nil {
				return err
			}

			filter := store.DeliveryFilter{}
			filter.AlertID, _ = cmd.Flags().GetString("alert")
			filter.UserID, _ = cmd.Flags().GetString("user")
			filter.FailuresOnly, _ = cmd.Flags().GetBool("failed")
			filter.Limit, _ = cmd.Flags().GetInt("limit")
			if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			attempts, err := st.ListDeliveryAttempts(ctx, filter)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(attempts)
			}
			if len(attempts) == 0 {
				output.Dim("No delivery attempts")
				return nil
			}

			table := NewTable(output, "TIME", "ALERT", "SYMBOL", "RESULT", "KIND", "TRIES", "CLEANUP")
			for _, a := range attempts {
				result := output.Green("sent")
				if !a.Success {
					result = output.Red("failed")
				}
				cleanup := ""
				if a.ShouldCleanupToken {
					cleanup = output.Yellow("yes")
				}
				table.AddRow(
					a.CreatedAt.Local().Format("01-02 15:04:05"),
					a.AlertID,
					a.Symbol,
					result,
					a.ErrorKind,
					strconv.Itoa(a.Attempts),
					cleanup,
				)
			}
			table.Render()
			return nil
		},
	}
	list.Flags().String("alert", "", "filter by alert ID")
	list.Flags().String("user", "", "filter by user ID")
	list.Flags().Bool("failed", false, "only failed attempts")
	list.Flags().Duration("since", 0, "only attempts newer than this")
	list.Flags().Int("limit", 50, "maximum rows")

	cmd.AddCommand(list)
	return cmd
}
