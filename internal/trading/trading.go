// Package trading provides strategy backtesting on top of the simulation
// engine: feed loading, strategy catalog, runner and performance metrics.
package trading

import (
	"context"
	"time"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/models"
)

// Strategy reacts to replayed market data on behalf of an account.
type Strategy interface {
	Name() string
	OnTick(ctx context.Context, account broker.Account, tick models.Tick) error
	OnPeriodClose(ctx context.Context, account broker.Account, period models.Period) error
}

// Feed is the recorded market data of one symbol.
type Feed struct {
	Ticks   []models.Tick
	Periods []models.Period
}

// FeedSource provides recorded market data.
type FeedSource interface {
	GetTicks(ctx context.Context, symbol string, from, to time.Time) ([]models.Tick, error)
	GetPeriods(ctx context.Context, symbol string, timeframe models.Timeframe, from, to time.Time) ([]models.Period, error)
}

// BacktestConfig represents backtesting configuration.
type BacktestConfig struct {
	Symbols      []models.SymbolParams
	Feeds        map[string]Feed
	From         time.Time
	To           time.Time
	PrimaryAsset string
	BalanceSheet map[string]decimal.Decimal
	Commission   broker.CommissionCustomizer
	Latency      time.Duration
	Strategy     Strategy
	// EquityTimeframe selects the period closes that sample the equity curve.
	// Defaults to D1.
	EquityTimeframe models.Timeframe
	// Step is the clock advance per replay iteration. Defaults to the
	// shortest period timeframe in the feeds, or EquityTimeframe.
	Step time.Duration
}

// BacktestResult represents backtesting results.
type BacktestResult struct {
	Strategy    string
	Account     *broker.PaperAccount
	Engine      *broker.Engine
	StartEquity decimal.Decimal
	FinalEquity decimal.Decimal
	EquityCurve []EquityPoint
	Trades      []*models.Trade
	RoundTrips  []RoundTrip
	Metrics     Metrics
	// StrategyErrors counts strategy callbacks that returned an error.
	StrategyErrors int
}

// EquityPoint represents a point on the equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// RoundTrip is the realized outcome of one closing trade.
type RoundTrip struct {
	PositionID string
	Symbol     string
	Direction  models.PositionDirection
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Volume     decimal.Decimal
	ExitTime   time.Time
	PnL        decimal.Decimal
}

// Metrics summarizes backtest performance. Percentages are in [0, 100] units.
type Metrics struct {
	TotalReturn      float64
	AnnualizedReturn float64
	MaxDrawdown      float64
	SharpeRatio      float64
	WinRate          float64
	ProfitFactor     float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	AvgWin           float64
	AvgLoss          float64
}
