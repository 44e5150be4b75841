// Package cli provides the command-line interface for the alert pipeline.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stockly/internal/config"
	"stockly/internal/logging"
	"stockly/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies. Collaborators are built lazily so
// that alert management commands work without price or push credentials.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
	Store     *store.SQLiteStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "stockly",
		Short: "Stockly - price alert evaluation and push delivery",
		Long: `Stockly evaluates users' price alerts against live quotes and delivers
push notifications when a threshold is crossed.

Alerts are edge-triggered: a notification goes out when the condition becomes
true, and the alert re-arms once the price leaves the zone.

Use 'stockly cron run' from an external scheduler, or 'stockly cron serve'
to run the scheduler in-process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/stockly)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newCronCmd(app))
	rootCmd.AddCommand(newAlertsCmd(app))
	rootCmd.AddCommand(newDevicesCmd(app))
	rootCmd.AddCommand(newDeliveriesCmd(app))
	rootCmd.AddCommand(newStateCmd(app))

	return rootCmd
}

// load reads configuration and sets up logging. It runs before every command.
func (a *App) load(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	dir, _ := cmd.Flags().GetString("config")
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.ConfigDir = dir

	logCfg := logging.DefaultLogConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.JSON = cfg.Logging.JSON
	logCfg.File = cfg.Logging.File != ""
	logCfg.FilePath = cfg.Logging.File
	a.Logger = logging.NewLoggerWithConfig(logCfg)

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		logging.SetDebugLevel()
		a.Logger = a.Logger.Level(zerolog.DebugLevel)
	}
	return nil
}

// OpenStore opens the SQLite store on first use.
func (a *App) OpenStore() (*store.SQLiteStore, error) {
	if a.Store != nil {
		return a.Store, nil
	}
	s, err := store.NewSQLiteStore(a.Config.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.Store = s
	a.Logger.Debug().Str("path", a.Config.Store.SQLitePath).Msg("SQLite store initialized")
	return s, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Stockly v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.ConfigDir})
			} else {
				output.Println(app.ConfigDir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Cron")
	output.Printf("  Enabled:          %v\n", cfg.Cron.Enabled)
	output.Printf("  Interval:         %s\n", cfg.Cron.Interval)
	output.Printf("  Flush interval:   %s\n", cfg.Cron.MinFlushInterval())
	output.Printf("  Timezone:         %s\n", cfg.Cron.Timezone)
	if cfg.Cron.QuietHoursStart != "" {
		output.Printf("  Quiet hours:      %s-%s\n", cfg.Cron.QuietHoursStart, cfg.Cron.QuietHoursEnd)
	}
	output.Printf("  Market hours only: %v\n", cfg.Cron.MarketHoursOnly)
	output.Println()

	output.Bold("State")
	output.Printf("  Backend:          %s\n", cfg.KV.Backend)
	if cfg.KV.Backend == config.KVBackendRedis {
		output.Printf("  Redis:            %s (db %d)\n", cfg.KV.RedisAddr, cfg.KV.RedisDB)
	}
	output.Printf("  Key:              %s\n", cfg.KV.StateKey)
	output.Println()

	output.Bold("Prices")
	output.Printf("  Base URL:         %s\n", cfg.Prices.BaseURL)
	if key := cfg.Credentials.FMP.APIKey; key != "" {
		output.Printf("  API key:          %s\n", logging.MaskCredential(key))
	} else {
		output.Printf("  API key:          %s\n", configured(false))
	}
	output.Printf("  Batch size:       %d\n", cfg.Prices.BatchSize)
	output.Println()

	output.Bold("Push")
	output.Printf("  Endpoint:         %s\n", cfg.Push.Endpoint)
	output.Printf("  Project:          %s\n", cfg.Push.ProjectID)
	output.Printf("  Credentials:      %s\n", configured(cfg.Credentials.Push.ServiceAccountJSON != "" || cfg.Credentials.Push.ServiceAccountFile != ""))
	output.Println()

	output.Bold("Store")
	output.Printf("  SQLite:           %s\n", filepath.Clean(cfg.Store.SQLitePath))
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "not set"
}
