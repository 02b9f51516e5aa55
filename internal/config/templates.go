package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# tradesim configuration
# Every key can be overridden with TRADESIM_<SECTION>_<KEY>, e.g. TRADESIM_STORE_PATH.

[engine]
# Initial virtual clock (RFC3339 or YYYY-MM-DD). Empty starts at the first recorded tick.
local_date = ""
# Hold each feed event until the consumer acknowledges it
wait_feed_confirmation = false
# Virtual delay applied before every order placement
latency_seconds = 0.0
# Commission charged on every fill: either a fixed amount or a rate of the notional
commission_asset = "USD"
fixed_commission = ""
commission_rate = ""

[account]
primary_asset = "USD"

[account.balance_sheet]
USD = "10000"

[store]
# SQLite database holding imported feeds and backtest journals
path = "~/.config/tradesim/tradesim.db"

[logging]
# trace, debug, info, warn, error
level = "info"
console = true
file = false
path = "~/.config/tradesim/logs/tradesim.log"
# Rotation: megabytes per file, files kept, days kept
max_size = 100
max_backups = 7
max_age = 30

[backtest]
# sma_crossover, rsi_reversion, buy_and_hold
strategy = "sma_crossover"
symbols = []
# Bar timeframe for strategies and the equity curve
timeframe = "D1"
from = ""
to = ""

[backtest.params]
fast = "10"
slow = "20"
volume = "1"
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}
