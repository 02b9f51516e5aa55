// Package store persists recorded market data and backtest results.
package store

import (
	"context"
	"time"

	"tradesim/internal/decimal"
	"tradesim/internal/models"
)

// FeedStore defines the interface for market data and journal persistence.
type FeedStore interface {
	// Market data
	SaveTicks(ctx context.Context, symbol string, ticks []models.Tick) error
	GetTicks(ctx context.Context, symbol string, from, to time.Time) ([]models.Tick, error)
	SavePeriods(ctx context.Context, symbol string, periods []models.Period) error
	GetPeriods(ctx context.Context, symbol string, timeframe models.Timeframe, from, to time.Time) ([]models.Period, error)
	GetFreshness(ctx context.Context, symbol string) (time.Time, error)
	ListSymbols(ctx context.Context) ([]SymbolSummary, error)

	// Backtest journal
	SaveRun(ctx context.Context, run *Run) error
	GetRuns(ctx context.Context, limit int) ([]Run, error)
	LogTrades(ctx context.Context, runID string, trades []*models.Trade) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]*models.Trade, error)
	SaveEquityCurve(ctx context.Context, runID string, points []EquityPoint) error
	GetEquityCurve(ctx context.Context, runID string) ([]EquityPoint, error)

	// Sync
	GetLastSync(dataType string) time.Time
	SetLastSync(dataType string, t time.Time) error

	// Lifecycle
	Close() error
}

// SymbolSummary describes the stored data of one symbol.
type SymbolSummary struct {
	Symbol     string
	Ticks      int
	Periods    int
	Timeframes []models.Timeframe
	First      time.Time
	Last       time.Time
}

// Run is the header of a stored backtest.
type Run struct {
	ID          string
	Strategy    string
	Symbols     []string
	From        time.Time
	To          time.Time
	StartEquity decimal.Decimal
	FinalEquity decimal.Decimal
	CreatedAt   time.Time
}

// EquityPoint is one sample of a stored equity curve.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
}

// TradeFilter represents filters for querying journal trades.
type TradeFilter struct {
	RunID     string
	Symbol    string
	StartDate time.Time
	EndDate   time.Time
	Direction models.OrderDirection
	Limit     int
}
