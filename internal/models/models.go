// Package models provides domain models for the trading simulator.
package models

import (
	"time"

	"tradesim/internal/decimal"
)

// TickMovement tells which side of the quote changed.
type TickMovement string

const (
	TickMovementBid     TickMovement = "BID"
	TickMovementAsk     TickMovement = "ASK"
	TickMovementBidAsk  TickMovement = "BID_ASK"
	TickMovementUnknown TickMovement = "UNKNOWN"
)

// QuotationPrice selects which side of the quote a period is built from.
type QuotationPrice string

const (
	QuotationBid QuotationPrice = "BID"
	QuotationAsk QuotationPrice = "ASK"
)

// Tick is a single bid/ask observation.
type Tick struct {
	Symbol   string          `json:"symbol"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Date     time.Time       `json:"date"`
	Movement TickMovement    `json:"movement,omitempty"`
}

// Spread returns ask - bid.
func (t Tick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}

// Mid returns the midpoint of bid and ask.
func (t Tick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).MustDiv(decimal.FromInt(2))
}

// Price returns the side of the quote selected by q.
func (t Tick) Price(q QuotationPrice) decimal.Decimal {
	if q == QuotationAsk {
		return t.Ask
	}
	return t.Bid
}

// Period is an OHLCV bar over a fixed timeframe.
type Period struct {
	Symbol         string          `json:"symbol"`
	Timeframe      Timeframe       `json:"timeframe"`
	StartDate      time.Time       `json:"start_date"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Close          decimal.Decimal `json:"close"`
	Volume         decimal.Decimal `json:"volume"`
	QuotationPrice QuotationPrice  `json:"quotation_price,omitempty"`
	// InProgress marks a bar that is still forming. The zero value is a closed bar.
	InProgress bool   `json:"in_progress,omitempty"`
	Ticks      []Tick `json:"-"`
}

// EndDate returns StartDate + Timeframe.
func (p Period) EndDate() time.Time {
	return p.StartDate.Add(p.Timeframe.Duration())
}

// Closed reports whether the bar is final.
func (p Period) Closed() bool {
	return !p.InProgress
}

// Body returns close - open.
func (p Period) Body() decimal.Decimal {
	return p.Close.Sub(p.Open)
}

// TickFromPeriod synthesizes the closing tick of a period.
func TickFromPeriod(p Period) Tick {
	return Tick{
		Symbol:   p.Symbol,
		Bid:      p.Close,
		Ask:      p.Close,
		Date:     p.EndDate(),
		Movement: TickMovementBidAsk,
	}
}

// SymbolParams describes a tradable symbol.
type SymbolParams struct {
	Symbol          string          `json:"symbol" mapstructure:"symbol"`
	BaseAsset       string          `json:"base_asset" mapstructure:"base_asset"`
	QuoteAsset      string          `json:"quote_asset" mapstructure:"quote_asset"`
	Description     string          `json:"description,omitempty" mapstructure:"description"`
	LotUnits        decimal.Decimal `json:"lot_units" mapstructure:"-"`
	MinLots         decimal.Decimal `json:"min_lots" mapstructure:"-"`
	MaxLots         decimal.Decimal `json:"max_lots" mapstructure:"-"`
	Leverage        decimal.Decimal `json:"leverage" mapstructure:"-"`
	TradingDisabled bool            `json:"trading_disabled,omitempty" mapstructure:"trading_disabled"`
}

// AssetBalance is one row of an account balance sheet.
type AssetBalance struct {
	Asset    string          `json:"asset"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
	Borrowed decimal.Decimal `json:"borrowed"`
}

// Total returns free + locked.
func (b AssetBalance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Protection holds the stop-loss and take-profit directives of a position.
type Protection struct {
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	TrailingStopLoss bool             `json:"trailing_stop_loss,omitempty"`
}

// IsEmpty reports whether no directive is set.
func (p Protection) IsEmpty() bool {
	return p.StopLoss == nil && p.TakeProfit == nil && !p.TrailingStopLoss
}

// DecimalPtr returns a pointer to d.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
