package models

import (
	"time"

	"tradesim/internal/decimal"
)

// TradeStatus tells whether a fill happened.
type TradeStatus string

const (
	TradeStatusExecuted TradeStatus = "EXECUTED"
	TradeStatusRejected TradeStatus = "REJECTED"
)

// TradePurpose mirrors the purpose of the originating order.
type TradePurpose string

const (
	TradePurposeOpen  TradePurpose = "OPEN"
	TradePurposeClose TradePurpose = "CLOSE"
)

// Trade is an immutable execution record.
type Trade struct {
	ID               string          `json:"id"`
	OrderID          string          `json:"order_id"`
	PositionID       string          `json:"position_id"`
	AccountID        string          `json:"account_id"`
	Symbol           string          `json:"symbol"`
	Volume           decimal.Decimal `json:"volume"`
	Direction        OrderDirection  `json:"direction"`
	Status           TradeStatus     `json:"status"`
	Purpose          TradePurpose    `json:"purpose"`
	ExecutionPrice   decimal.Decimal `json:"execution_price"`
	GrossProfit      decimal.Decimal `json:"gross_profit"`
	GrossProfitAsset string          `json:"gross_profit_asset"`
	Commission       decimal.Decimal `json:"commission"`
	CommissionAsset  string          `json:"commission_asset"`
	Swap             decimal.Decimal `json:"swap"`
	SwapAsset        string          `json:"swap_asset"`
	ExecutionDate    time.Time       `json:"execution_date,omitempty"`
	RejectionDate    time.Time       `json:"rejection_date,omitempty"`
	Rejection        *OrderRejection `json:"rejection,omitempty"`
}

// IsOpening reports whether the trade added exposure.
func (t *Trade) IsOpening() bool {
	return t.Purpose == TradePurposeOpen
}

// IsClosing reports whether the trade reduced exposure.
func (t *Trade) IsClosing() bool {
	return t.Purpose == TradePurposeClose
}

// Date returns the execution or rejection date.
func (t *Trade) Date() time.Time {
	if t.Status == TradeStatusRejected {
		return t.RejectionDate
	}
	return t.ExecutionDate
}
