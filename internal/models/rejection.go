package models

import "fmt"

// RejectionReason is the typed cause of a rejected order.
type RejectionReason string

const (
	RejectionMarketClosed          RejectionReason = "MARKET_CLOSED"
	RejectionSymbolNotFound        RejectionReason = "SYMBOL_NOT_FOUND"
	RejectionSymbolTradingDisabled RejectionReason = "SYMBOL_TRADING_DISABLED"
	RejectionPositionNotFound      RejectionReason = "POSITION_NOT_FOUND"
	RejectionNotEnoughMoney        RejectionReason = "NOT_ENOUGH_MONEY"
	RejectionNoLiquidity           RejectionReason = "NO_LIQUIDITY"
	RejectionInvalidVolume         RejectionReason = "INVALID_VOLUME"
	RejectionInvalidTakeProfit     RejectionReason = "INVALID_TAKE_PROFIT"
	RejectionInvalidStopLoss       RejectionReason = "INVALID_STOP_LOSS"
	RejectionInvalidExpiration     RejectionReason = "INVALID_EXPIRATION"
	RejectionUnknown               RejectionReason = "UNKNOWN"
)

// OrderRejection explains why an order was rejected.
type OrderRejection struct {
	Reason  RejectionReason `json:"reason"`
	Message string          `json:"message,omitempty"`
}

func (r OrderRejection) String() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}
