package models

import (
	"context"

	"github.com/rs/zerolog"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/events"
)

// PositionDirection is the side of an exposure.
type PositionDirection string

const (
	PositionDirectionLong  PositionDirection = "LONG"
	PositionDirectionShort PositionDirection = "SHORT"
	PositionDirectionNone  PositionDirection = ""
)

// Opposite returns the other side.
func (d PositionDirection) Opposite() PositionDirection {
	switch d {
	case PositionDirectionLong:
		return PositionDirectionShort
	case PositionDirectionShort:
		return PositionDirectionLong
	}
	return PositionDirectionNone
}

// PositionStatus is derived from volume.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

// PositionTrader places orders on behalf of a position.
type PositionTrader interface {
	PlaceOrder(ctx context.Context, directives OrderDirectives) (*Order, error)
}

// PositionParams holds the fields of a new position.
type PositionParams struct {
	ID         string
	AccountID  string
	Symbol     string
	Direction  PositionDirection
	Protection Protection
	Trader     PositionTrader
	Logger     zerolog.Logger
}

// Position is the aggregate exposure of one account on one symbol.
type Position struct {
	ID        string
	AccountID string
	Symbol    string

	volume       decimal.Decimal
	direction    PositionDirection
	averagePrice decimal.Decimal
	protection   Protection
	trades       []*Trade

	bus    *events.Bus
	trader PositionTrader
	logger zerolog.Logger
}

// NewPosition creates a flat position that opens with its first trade.
func NewPosition(p PositionParams) *Position {
	return &Position{
		ID:         p.ID,
		AccountID:  p.AccountID,
		Symbol:     p.Symbol,
		direction:  p.Direction,
		protection: p.Protection,
		bus:        events.NewBus(events.WithLogger(p.Logger)),
		trader:     p.Trader,
		logger:     p.Logger.With().Str("position_id", p.ID).Logger(),
	}
}

func (p *Position) Volume() decimal.Decimal       { return p.volume }
func (p *Position) AveragePrice() decimal.Decimal { return p.averagePrice }
func (p *Position) Protection() Protection        { return p.protection }

// Direction returns LONG or SHORT, or none while flat.
func (p *Position) Direction() PositionDirection {
	if p.volume.IsZero() {
		return PositionDirectionNone
	}
	return p.direction
}

// Status is CLOSED exactly when the volume is zero.
func (p *Position) Status() PositionStatus {
	if p.volume.IsZero() {
		return PositionStatusClosed
	}
	return PositionStatusOpen
}

// Trades returns a copy of the trades applied to the position.
func (p *Position) Trades() []*Trade {
	return append([]*Trade(nil), p.trades...)
}

// On subscribes to a position event.
func (p *Position) On(eventType string, listener events.Listener) string {
	return p.bus.Subscribe(eventType, listener)
}

// RemoveListener removes a subscription made with On.
func (p *Position) RemoveListener(id string) bool {
	return p.bus.Unsubscribe(id)
}

// ApplyTrade mutates volume and direction from a fill.
func (p *Position) ApplyTrade(trade *Trade) {
	p.trades = append(p.trades, trade)

	if trade.IsClosing() {
		diff := trade.Volume.Sub(p.volume)
		p.volume = diff.Abs()

		switch {
		case diff.IsPositive():
			p.direction = p.direction.Opposite()
			p.averagePrice = trade.ExecutionPrice
			p.logger.Info().Str("direction", string(p.direction)).Str("volume", p.volume.String()).Msg("Position reversed")
			p.bus.Publish(EventReverse, PositionEvent{Position: p})
		case diff.IsZero():
			p.averagePrice = decimal.Zero
			p.logger.Info().Msg("Position closed")
			p.bus.Publish(EventClose, PositionEvent{Position: p})
		}

		p.bus.Publish(EventVolumeClose, VolumeEvent{Position: p, Volume: trade.Volume})
	} else {
		total := p.volume.Add(trade.Volume)
		if total.IsPositive() {
			cost := p.averagePrice.Mul(p.volume).Add(trade.ExecutionPrice.Mul(trade.Volume))
			p.averagePrice = cost.MustDiv(total)
		}
		p.volume = total
		p.bus.Publish(EventVolumeOpen, VolumeEvent{Position: p, Volume: trade.Volume})
	}

	p.bus.Publish(EventTrade, TradeEvent{Trade: trade})
}

// OnProtectionChange replaces the protection and emits "protection-change".
func (p *Position) OnProtectionChange(protection Protection) {
	previous := p.protection
	p.protection = protection
	p.bus.Publish(EventProtectionChange, ProtectionChangeEvent{
		Position:           p,
		Protection:         protection,
		PreviousProtection: previous,
	})
}

// ChangeProtection is not available on simulated positions.
func (p *Position) ChangeProtection(ctx context.Context, protection Protection) error {
	return errors.Wrapf(errors.ErrUnsupportedOperation, "changing protection of position %s", p.ID)
}

func (p *Position) orderDirection(adding bool) OrderDirection {
	buy := p.direction == PositionDirectionLong
	if !adding {
		buy = !buy
	}
	if buy {
		return OrderDirectionBuy
	}
	return OrderDirectionSell
}

func (p *Position) place(ctx context.Context, volume decimal.Decimal, adding bool) (*Order, error) {
	if p.trader == nil {
		return nil, errors.Wrapf(errors.ErrUnsupportedOperation, "position %s has no trader", p.ID)
	}
	return p.trader.PlaceOrder(ctx, OrderDirectives{
		Symbol:     p.Symbol,
		PositionID: p.ID,
		Direction:  p.orderDirection(adding),
		Volume:     volume,
	})
}

// AddVolume places an order in the position's direction.
func (p *Position) AddVolume(ctx context.Context, volume decimal.Decimal) (*Order, error) {
	return p.place(ctx, volume, true)
}

// SubtractVolume places an order against the position's direction.
func (p *Position) SubtractVolume(ctx context.Context, volume decimal.Decimal) (*Order, error) {
	return p.place(ctx, volume, false)
}

// Close subtracts the whole volume.
func (p *Position) Close(ctx context.Context) (*Order, error) {
	return p.SubtractVolume(ctx, p.volume)
}

// Reverse subtracts twice the volume, leaving the same volume on the other side.
func (p *Position) Reverse(ctx context.Context) (*Order, error) {
	return p.SubtractVolume(ctx, p.volume.Mul(decimal.FromInt(2)))
}

// UnrealizedGrossProfit marks the open volume against the given quote.
func (p *Position) UnrealizedGrossProfit(bid, ask decimal.Decimal) decimal.Decimal {
	switch p.Direction() {
	case PositionDirectionLong:
		return bid.Sub(p.averagePrice).Mul(p.volume)
	case PositionDirectionShort:
		return p.averagePrice.Sub(ask).Mul(p.volume)
	}
	return decimal.Zero
}

// FilterOpenPositions returns the positions with non-zero volume.
func FilterOpenPositions(positions []*Position) []*Position {
	var open []*Position
	for _, p := range positions {
		if p.Status() == PositionStatusOpen {
			open = append(open, p)
		}
	}
	return open
}
