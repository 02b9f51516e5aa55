// Package broker provides the trading account contract and its simulated
// implementation backed by the replay engine.
package broker

import (
	"context"
	"time"

	"tradesim/internal/decimal"
	"tradesim/internal/models"
)

// Funding is the balance interface the engine debits and credits.
type Funding interface {
	Deposit(ctx context.Context, asset string, amount decimal.Decimal) error
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal) error
	GetAssetBalance(ctx context.Context, asset string) (models.AssetBalance, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
}

// Account defines the interface for trading account operations.
type Account interface {
	Funding

	// Identity
	ID() string
	PrimaryAsset() string

	// Balances
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetBalanceSheet(ctx context.Context) ([]models.AssetBalance, error)

	// Market Data
	GetSymbol(ctx context.Context, symbol string) (models.SymbolParams, error)
	GetSymbols(ctx context.Context) ([]string, error)
	GetSymbolBid(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetSymbolAsk(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetDate() time.Time

	// Orders
	PlaceOrder(ctx context.Context, directives models.OrderDirectives) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrders(ctx context.Context, symbol string) ([]*models.Order, error)
	GetPendingOrders(ctx context.Context) ([]*models.Order, error)

	// Positions & Trades
	GetOpenPositions(ctx context.Context) ([]*models.Position, error)
	GetTrades(ctx context.Context, symbol string) ([]*models.Trade, error)
}

// ExecutionInfo describes a fill for commission calculation.
type ExecutionInfo struct {
	Volume         decimal.Decimal
	ExecutionPrice decimal.Decimal
	ExecutionDate  time.Time
}

// CommissionCustomizer returns the asset and amount charged for a fill.
type CommissionCustomizer func(order *models.Order, info ExecutionInfo) (asset string, amount decimal.Decimal)

// LatencyCustomizer returns the virtual delay applied before an account's order placement.
type LatencyCustomizer func(account Account) time.Duration

// FixedCommission charges amount of asset on every fill.
func FixedCommission(asset string, amount decimal.Decimal) CommissionCustomizer {
	return func(*models.Order, ExecutionInfo) (string, decimal.Decimal) {
		return asset, amount
	}
}

// RateCommission charges rate times the traded notional in asset.
func RateCommission(asset string, rate decimal.Decimal) CommissionCustomizer {
	return func(_ *models.Order, info ExecutionInfo) (string, decimal.Decimal) {
		return asset, info.Volume.Mul(info.ExecutionPrice).Mul(rate)
	}
}

// FixedLatency delays every placement by d.
func FixedLatency(d time.Duration) LatencyCustomizer {
	return func(Account) time.Duration { return d }
}
