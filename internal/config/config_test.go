package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644))
	return dir
}

func TestLoadCreatesTemplate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "fresh")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.FileExists(t, ConfigPath(dir))
	assert.Equal(t, ConfigPath(dir), cfg.Path)

	assert.Equal(t, "USD", cfg.Account.PrimaryAsset)
	balances, err := cfg.Balances()
	require.NoError(t, err)
	assert.Equal(t, "10000", balances["USD"].String())
	assert.Equal(t, "sma_crossover", cfg.Backtest.Strategy)
	assert.Equal(t, "10", cfg.Backtest.Params["fast"])
	assert.NotContains(t, cfg.Store.Path, "~")
}

func TestLoadReadsSectionsAndEnv(t *testing.T) {
	dir := writeConfig(t, `
[engine]
local_date = "2022-01-01"
latency_seconds = 1.5
commission_rate = "0.001"

[account]
primary_asset = "eur"

[account.balance_sheet]
EUR = 5000
BTC = "0.5"

[store]
path = "/tmp/feeds.db"

[backtest]
symbols = ["ethusd", " btcusd"]
timeframe = "H4"
from = "2022-01-01"
to = "2022-02-01"
`)
	t.Setenv("TRADESIM_STORE_PATH", "/var/lib/tradesim.db")
	t.Setenv("TRADESIM_LOGGING_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tradesim.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "EUR", cfg.Account.PrimaryAsset)
	assert.Equal(t, []string{"BTC", "EUR"}, cfg.Assets())
	assert.Equal(t, []string{"ETHUSD", "BTCUSD"}, cfg.Backtest.Symbols)
	assert.Equal(t, 1500*time.Millisecond, cfg.Latency())

	balances, err := cfg.Balances()
	require.NoError(t, err)
	assert.Equal(t, "0.5", balances["BTC"].String())

	from, to, err := cfg.BacktestWindow()
	require.NoError(t, err)
	assert.Equal(t, 31*24*time.Hour, to.Sub(from))

	engineCfg, err := cfg.NewEngineConfig(zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, engineCfg.LocalDate.Equal(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, engineCfg.Commission)
	require.NotNil(t, engineCfg.Latency)

	asset, amount := engineCfg.Commission(&models.Order{}, broker.ExecutionInfo{
		Volume: decimal.FromInt(2), ExecutionPrice: decimal.FromInt(100),
	})
	assert.Equal(t, "EUR", asset)
	assert.Equal(t, "0.2", amount.String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing primary asset", func(c *Config) { c.Account.PrimaryAsset = "" }},
		{"bad balance", func(c *Config) { c.Account.BalanceSheet["USD"] = "lots" }},
		{"negative balance", func(c *Config) { c.Account.BalanceSheet["USD"] = "-1" }},
		{"bad local date", func(c *Config) { c.Engine.LocalDate = "someday" }},
		{"negative latency", func(c *Config) { c.Engine.LatencySeconds = -1 }},
		{"both commissions", func(c *Config) { c.Engine.FixedCommission, c.Engine.CommissionRate = "1", "0.1" }},
		{"negative commission", func(c *Config) { c.Engine.FixedCommission = "-1" }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"timeframe", func(c *Config) { c.Backtest.Timeframe = "daily" }},
		{"window", func(c *Config) { c.Backtest.From, c.Backtest.To = "2022-02-01", "2022-01-01" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *errors.ValidationError
			assert.True(t, errors.As(err, &verr), "got %T", err)
		})
	}
}

func TestFixedCommissionAndNoCommission(t *testing.T) {
	cfg := Default()
	commission, err := cfg.Commission()
	require.NoError(t, err)
	assert.Nil(t, commission)

	cfg.Engine.FixedCommission = "2.5"
	cfg.Engine.CommissionAsset = "USDT"
	commission, err = cfg.Commission()
	require.NoError(t, err)
	asset, amount := commission(&models.Order{}, broker.ExecutionInfo{})
	assert.Equal(t, "USDT", asset)
	assert.Equal(t, "2.5", amount.String())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x.db"), ExpandHome("~/x.db"))
	assert.Equal(t, "/abs/x.db", ExpandHome("/abs/x.db"))
}
