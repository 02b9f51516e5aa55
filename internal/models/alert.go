package models

import (
	"time"

	"tradesim/internal/decimal"
)

// Alert is a price level watched on the mid quote of a symbol.
type Alert struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Condition string          `json:"condition"`
	Price     decimal.Decimal `json:"price"`
	Triggered bool            `json:"triggered"`
	// CreatedAt and TriggeredAt are virtual clock dates.
	CreatedAt   time.Time `json:"created_at"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
}
