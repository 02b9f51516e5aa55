package cli

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradesim/internal/broker"
	"tradesim/internal/config"
	"tradesim/internal/logging"
	"tradesim/internal/store"
	"tradesim/internal/trading"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *broker.Registry
	Catalog  *trading.Catalog

	storeOnce sync.Once
	store     store.FeedStore
	storeErr  error
}

// NewApp wires the application dependencies.
func NewApp(cfg *config.Config, logger zerolog.Logger, registry *broker.Registry) *App {
	return &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Catalog:  trading.DefaultCatalog(logger),
	}
}

// Store opens the feed store on first use.
func (a *App) Store(ctx context.Context) (store.FeedStore, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = store.OpenSQLiteStore(ctx, a.Config.Store.Path)
		if a.storeErr == nil {
			a.Logger.Debug().Str("path", a.Config.Store.Path).Msg("SQLite store initialized")
		}
	})
	return a.store, a.storeErr
}

// SetStore installs an already opened store.
func (a *App) SetStore(st store.FeedStore) {
	a.storeOnce.Do(func() {})
	a.store, a.storeErr = st, nil
}

// Close releases the store if it was opened.
func (a *App) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// engineConfig builds an engine configuration from the engine section.
func (a *App) engineConfig() (broker.EngineConfig, error) {
	return a.Config.NewEngineConfig(a.Logger)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tradesim",
		Short: "Market simulation and backtesting engine",
		Long: `tradesim replays recorded ticks and candles against simulated
accounts on a virtual clock.

Import CSV feeds into the local store, backtest the built-in strategies,
and replay ticks through the stream hub with price alerts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				cfg, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.Logger = logging.NewLoggerWithConfig(cfg.LogConfig())
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/tradesim)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addDataCommands(rootCmd, app)
	addJournalCommands(rootCmd, app)
	rootCmd.AddCommand(newBacktestCmd(app))
	rootCmd.AddCommand(newReplayCmd(app))
	rootCmd.AddCommand(newStrategiesCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("tradesim v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the simulator configuration.",
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
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := app.Config.Path
			if path == "" {
				path = config.ConfigPath(config.DefaultConfigDir())
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	orNone := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}

	output.Bold("Engine")
	output.Printf("  Local date:        %s\n", orNone(cfg.Engine.LocalDate))
	output.Printf("  Wait confirmation: %v\n", cfg.Engine.WaitFeedConfirmation)
	output.Printf("  Latency:           %gs\n", cfg.Engine.LatencySeconds)
	switch {
	case cfg.Engine.FixedCommission != "":
		output.Printf("  Commission:        %s %s per fill\n", cfg.Engine.FixedCommission, orNone(cfg.Engine.CommissionAsset))
	case cfg.Engine.CommissionRate != "":
		output.Printf("  Commission:        %s of notional\n", cfg.Engine.CommissionRate)
	default:
		output.Printf("  Commission:        none\n")
	}
	output.Println()

	output.Bold("Account")
	output.Printf("  Primary asset:     %s\n", cfg.Account.PrimaryAsset)
	for _, asset := range cfg.Assets() {
		output.Printf("  %-18s %s\n", asset+":", cfg.Account.BalanceSheet[asset])
	}
	output.Println()

	output.Bold("Store")
	output.Printf("  Path:              %s\n", cfg.Store.Path)
	output.Println()

	output.Bold("Backtest")
	output.Printf("  Strategy:          %s\n", cfg.Backtest.Strategy)
	output.Printf("  Symbols:           %v\n", cfg.Backtest.Symbols)
	output.Printf("  Timeframe:         %s\n", cfg.Backtest.Timeframe)
	output.Printf("  Window:            %s .. %s\n", orNone(cfg.Backtest.From), orNone(cfg.Backtest.To))
	names := make([]string, 0, len(cfg.Backtest.Params))
	for name := range cfg.Backtest.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		output.Printf("  %-18s %s\n", name+":", cfg.Backtest.Params[name])
	}
}

func newStrategiesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the built-in strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			names := app.Catalog.Names()
			if output.IsJSON() {
				return output.JSON(names)
			}
			for _, name := range names {
				marker := " "
				if name == app.Config.Backtest.Strategy {
					marker = "*"
				}
				output.Println(fmt.Sprintf("%s %s", marker, name))
			}
			return nil
		},
	}
}
