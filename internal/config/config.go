// Package config provides configuration management for the simulator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/logging"
	"tradesim/internal/models"
	"tradesim/internal/store"
)

// EnvPrefix prefixes environment overrides, e.g. TRADESIM_STORE_PATH.
const EnvPrefix = "TRADESIM"

// Config holds all application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Account  AccountConfig  `mapstructure:"account"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Backtest BacktestConfig `mapstructure:"backtest"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
}

// EngineConfig holds simulation engine settings. Amounts are decimal strings.
type EngineConfig struct {
	LocalDate            string  `mapstructure:"local_date"`
	WaitFeedConfirmation bool    `mapstructure:"wait_feed_confirmation"`
	LatencySeconds       float64 `mapstructure:"latency_seconds"`
	CommissionAsset      string  `mapstructure:"commission_asset"`
	FixedCommission      string  `mapstructure:"fixed_commission"`
	CommissionRate       string  `mapstructure:"commission_rate"`
}

// AccountConfig holds the simulated account funding.
type AccountConfig struct {
	PrimaryAsset string            `mapstructure:"primary_asset"`
	BalanceSheet map[string]string `mapstructure:"balance_sheet"`
}

// StoreConfig holds the SQLite store location.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// BacktestConfig holds defaults for the backtest command.
type BacktestConfig struct {
	Strategy  string            `mapstructure:"strategy"`
	Symbols   []string          `mapstructure:"symbols"`
	Timeframe string            `mapstructure:"timeframe"`
	From      string            `mapstructure:"from"`
	To        string            `mapstructure:"to"`
	Params    map[string]string `mapstructure:"params"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradesim"
	}
	return filepath.Join(home, ".config", "tradesim")
}

// ConfigPath returns the config file path inside configDir.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A template is
// written when config.toml is missing.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env files are optional; real environment variables win.
	for _, path := range []string{".env", filepath.Join(configDir, ".env")} {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	cfg.normalize()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	// Unmarshalling defaults alone cannot fail.
	_ = newViper("").Unmarshal(cfg)
	cfg.normalize()
	return cfg
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	if configDir != "" {
		v.AddConfigPath(configDir)
	}

	// Set defaults
	v.SetDefault("engine.local_date", "")
	v.SetDefault("engine.wait_feed_confirmation", false)
	v.SetDefault("engine.latency_seconds", 0.0)
	v.SetDefault("engine.commission_asset", "")
	v.SetDefault("engine.fixed_commission", "")
	v.SetDefault("engine.commission_rate", "")
	v.SetDefault("account.primary_asset", "USD")
	v.SetDefault("account.balance_sheet", map[string]string{"USD": "10000"})
	v.SetDefault("store.path", filepath.Join(DefaultConfigDir(), "tradesim.db"))
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.path", filepath.Join(DefaultConfigDir(), "logs", "tradesim.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("backtest.strategy", "sma_crossover")
	v.SetDefault("backtest.symbols", []string{})
	v.SetDefault("backtest.timeframe", "D1")
	v.SetDefault("backtest.from", "")
	v.SetDefault("backtest.to", "")
	v.SetDefault("backtest.params", map[string]string{})

	// Environment overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// normalize upper-cases asset and symbol names, which viper lowercases in map
// keys.
func (c *Config) normalize() {
	c.Account.PrimaryAsset = strings.ToUpper(c.Account.PrimaryAsset)
	c.Engine.CommissionAsset = strings.ToUpper(c.Engine.CommissionAsset)

	sheet := make(map[string]string, len(c.Account.BalanceSheet))
	for asset, amount := range c.Account.BalanceSheet {
		sheet[strings.ToUpper(asset)] = amount
	}
	c.Account.BalanceSheet = sheet

	for i, s := range c.Backtest.Symbols {
		c.Backtest.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	c.Store.Path = ExpandHome(c.Store.Path)
	c.Logging.Path = ExpandHome(c.Logging.Path)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(field string, value interface{}, msg string) error {
		return errors.NewValidationError(field, value, msg, errors.ErrConfigInvalid)
	}

	// Validate account
	if c.Account.PrimaryAsset == "" {
		return invalid("account.primary_asset", c.Account.PrimaryAsset, "primary asset is required")
	}
	if _, err := c.Balances(); err != nil {
		return err
	}

	// Validate engine
	if _, err := c.LocalDate(); err != nil {
		return err
	}
	if c.Engine.LatencySeconds < 0 {
		return invalid("engine.latency_seconds", c.Engine.LatencySeconds, "must be non-negative")
	}
	if _, err := c.Commission(); err != nil {
		return err
	}

	// Validate logging
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		return invalid("logging.level", c.Logging.Level, "unknown log level")
	}

	// Validate backtest defaults
	if c.Backtest.Timeframe != "" {
		if _, err := models.ParseTimeframe(c.Backtest.Timeframe); err != nil {
			return err
		}
	}
	from, to, err := c.BacktestWindow()
	if err != nil {
		return err
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return invalid("backtest.to", c.Backtest.To, "must be after backtest.from")
	}

	return nil
}

// Balances parses the balance sheet.
func (c *Config) Balances() (map[string]decimal.Decimal, error) {
	balances := make(map[string]decimal.Decimal, len(c.Account.BalanceSheet))
	for asset, raw := range c.Account.BalanceSheet {
		amount, err := decimal.New(raw)
		if err != nil {
			return nil, errors.NewValidationError("account.balance_sheet."+asset, raw, "not a decimal", err)
		}
		if amount.IsNegative() {
			return nil, errors.NewValidationError("account.balance_sheet."+asset, raw, "must be non-negative", errors.ErrConfigInvalid)
		}
		balances[asset] = amount
	}
	return balances, nil
}

// Assets returns the funded assets in name order.
func (c *Config) Assets() []string {
	assets := make([]string, 0, len(c.Account.BalanceSheet))
	for asset := range c.Account.BalanceSheet {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// LocalDate parses engine.local_date. It is zero when unset.
func (c *Config) LocalDate() (time.Time, error) {
	return parseOptionalDate("engine.local_date", c.Engine.LocalDate)
}

// BacktestWindow parses backtest.from and backtest.to. Unset bounds are zero.
func (c *Config) BacktestWindow() (time.Time, time.Time, error) {
	from, err := parseOptionalDate("backtest.from", c.Backtest.From)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseOptionalDate("backtest.to", c.Backtest.To)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func parseOptionalDate(field, raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := store.ParseDate(raw)
	if err != nil {
		return time.Time{}, errors.NewValidationError(field, raw, err.Error(), errors.ErrConfigInvalid)
	}
	return t, nil
}

// Latency returns the order latency.
func (c *Config) Latency() time.Duration {
	return time.Duration(c.Engine.LatencySeconds * float64(time.Second))
}

// Commission builds the commission customizer. It is nil when no commission
// is configured.
func (c *Config) Commission() (broker.CommissionCustomizer, error) {
	asset := c.Engine.CommissionAsset
	if asset == "" {
		asset = c.Account.PrimaryAsset
	}

	fixed, rate := strings.TrimSpace(c.Engine.FixedCommission), strings.TrimSpace(c.Engine.CommissionRate)
	if fixed != "" && rate != "" {
		return nil, errors.NewValidationError("engine.commission_rate", rate,
			"fixed_commission and commission_rate are exclusive", errors.ErrConfigInvalid)
	}

	parse := func(field, raw string) (decimal.Decimal, error) {
		d, err := decimal.New(raw)
		if err != nil {
			return decimal.Zero, errors.NewValidationError(field, raw, "not a decimal", err)
		}
		if d.IsNegative() {
			return decimal.Zero, errors.NewValidationError(field, raw, "must be non-negative", errors.ErrConfigInvalid)
		}
		return d, nil
	}

	switch {
	case fixed != "":
		amount, err := parse("engine.fixed_commission", fixed)
		if err != nil {
			return nil, err
		}
		return broker.FixedCommission(asset, amount), nil
	case rate != "":
		r, err := parse("engine.commission_rate", rate)
		if err != nil {
			return nil, err
		}
		return broker.RateCommission(asset, r), nil
	}
	return nil, nil
}

// NewEngineConfig assembles the engine configuration.
func (c *Config) NewEngineConfig(logger zerolog.Logger) (broker.EngineConfig, error) {
	localDate, err := c.LocalDate()
	if err != nil {
		return broker.EngineConfig{}, err
	}
	commission, err := c.Commission()
	if err != nil {
		return broker.EngineConfig{}, err
	}

	cfg := broker.EngineConfig{
		LocalDate:            localDate,
		WaitFeedConfirmation: c.Engine.WaitFeedConfirmation,
		Commission:           commission,
		Logger:               logger,
	}
	if latency := c.Latency(); latency > 0 {
		cfg.Latency = broker.FixedLatency(latency)
	}
	return cfg, nil
}

// LogConfig converts the logging section.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    c.Logging.Console,
		File:       c.Logging.File,
		FilePath:   c.Logging.Path,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}
