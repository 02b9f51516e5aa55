package models

import "tradesim/internal/decimal"

// Engine feed events.
const (
	EventTick         = "tick"
	EventPeriodUpdate = "period-update"
	EventPeriodClose  = "period-close"
)

// Order lifecycle events.
const (
	EventStatusChange = "status-change"
	EventAccept       = "accept"
	EventPending      = "pending"
	EventExecute      = "execute"
	EventReject       = "reject"
	EventCancel       = "cancel"
	EventExpire       = "expire"
	EventTrade        = "trade"

	EventPendingPriceChange  = "pending-price-change"
	EventPendingVolumeChange = "pending-volume-change"
)

// Position lifecycle events.
const (
	EventVolumeOpen       = "volume-open"
	EventVolumeClose      = "volume-close"
	EventReverse          = "reverse"
	EventClose            = "close"
	EventProtectionChange = "protection-change"
)

// TickEvent is the payload of "tick".
type TickEvent struct {
	Tick Tick
}

// PeriodEvent is the payload of "period-update" and "period-close".
type PeriodEvent struct {
	Period Period
}

// OrderEvent is the payload of the specialized order events.
type OrderEvent struct {
	Order *Order
}

// StatusChangeEvent is the payload of "status-change".
type StatusChangeEvent struct {
	Order          *Order
	Status         OrderStatus
	PreviousStatus OrderStatus
}

// RejectEvent is the payload of "reject".
type RejectEvent struct {
	Order     *Order
	Rejection OrderRejection
}

// PriceChangeEvent is the payload of "pending-price-change".
type PriceChangeEvent struct {
	Order         *Order
	Price         decimal.Decimal
	PreviousPrice decimal.Decimal
}

// VolumeChangeEvent is the payload of "pending-volume-change".
type VolumeChangeEvent struct {
	Order          *Order
	Volume         decimal.Decimal
	PreviousVolume decimal.Decimal
}

// TradeEvent is the payload of "trade" on orders and positions.
type TradeEvent struct {
	Trade *Trade
}

// VolumeEvent is the payload of "volume-open" and "volume-close".
type VolumeEvent struct {
	Position *Position
	Volume   decimal.Decimal
}

// PositionEvent is the payload of "reverse" and "close".
type PositionEvent struct {
	Position *Position
}

// ProtectionChangeEvent is the payload of "protection-change".
type ProtectionChangeEvent struct {
	Position           *Position
	Protection         Protection
	PreviousProtection Protection
}
