// Command tradesim replays recorded market data against simulated accounts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tradesim/internal/broker"
	"tradesim/internal/cli"
	"tradesim/internal/config"
	"tradesim/internal/logging"
)

func main() {
	os.Exit(run())
}

func run() int {
	configDir := os.Getenv(config.EnvPrefix + "_CONFIG_DIR")
	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := logging.NewLoggerWithConfig(cfg.LogConfig())
	app := cli.NewApp(cfg, logger, broker.NewRegistry())
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(app).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
