package models

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/events"
)

// OrderDirection represents the side of an order.
type OrderDirection string

const (
	OrderDirectionBuy  OrderDirection = "BUY"
	OrderDirectionSell OrderDirection = "SELL"
)

// Opposite returns the other side.
func (d OrderDirection) Opposite() OrderDirection {
	if d == OrderDirectionBuy {
		return OrderDirectionSell
	}
	return OrderDirectionBuy
}

// PositionDirection returns the position direction an opening order of this side creates.
func (d OrderDirection) PositionDirection() PositionDirection {
	if d == OrderDirectionBuy {
		return PositionDirectionLong
	}
	return PositionDirectionShort
}

// OrderPurpose tells whether an order opens or reduces exposure.
type OrderPurpose string

const (
	OrderPurposeOpen  OrderPurpose = "OPEN"
	OrderPurposeClose OrderPurpose = "CLOSE"
)

// OrderStatus is a state of the order state machine.
type OrderStatus string

const (
	OrderStatusRequested OrderStatus = "REQUESTED"
	OrderStatusAccepted  OrderStatus = "ACCEPTED"
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusExecuted, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusRequested: {OrderStatusAccepted, OrderStatusRejected},
	OrderStatusAccepted:  {OrderStatusPending, OrderStatusExecuted, OrderStatusRejected},
	OrderStatusPending:   {OrderStatusExecuted, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderExecution is the execution type derived from the requested prices.
type OrderExecution string

const (
	OrderExecutionMarket OrderExecution = "MARKET"
	OrderExecutionLimit  OrderExecution = "LIMIT"
	OrderExecutionStop   OrderExecution = "STOP"
)

// OrderFill tells whether the requested volume was fully filled.
type OrderFill string

const (
	OrderFillFull    OrderFill = "FULL"
	OrderFillPartial OrderFill = "PARTIAL"
)

// TimeInForce controls how long a pending order rests.
type TimeInForce string

const (
	TimeInForceGoodTillCancel TimeInForce = "GOOD_TILL_CANCEL"
	TimeInForceGoodTillDate   TimeInForce = "GOOD_TILL_DATE"
)

// OrderDirectives is an order placement request.
type OrderDirectives struct {
	Symbol         string
	PositionID     string
	Direction      OrderDirection
	Volume         decimal.Decimal
	LimitPrice     *decimal.Decimal
	StopPrice      *decimal.Decimal
	Protection     *Protection
	TimeInForce    TimeInForce
	ExpirationDate time.Time
	Label          string
	// Listeners are attached to the order before it is accepted.
	Listeners map[string]events.Listener
}

// Validate checks the fields that do not depend on market state.
func (d OrderDirectives) Validate() error {
	if d.Symbol == "" && d.PositionID == "" {
		return errors.NewValidationError("symbol", d.Symbol, "symbol or position id is required", errors.ErrInvalidOrder)
	}
	if d.Direction != OrderDirectionBuy && d.Direction != OrderDirectionSell {
		return errors.NewValidationError("direction", d.Direction, "must be BUY or SELL", errors.ErrInvalidOrder)
	}
	return nil
}

// OrderCanceller cancels orders on behalf of Order.Cancel.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderParams holds the immutable fields of a new order.
type OrderParams struct {
	ID              string
	AccountID       string
	Symbol          string
	Direction       OrderDirection
	Purpose         OrderPurpose
	RequestedVolume decimal.Decimal
	LimitPrice      *decimal.Decimal
	StopPrice       *decimal.Decimal
	Protection      *Protection
	TimeInForce     TimeInForce
	ExpirationDate  time.Time
	PositionID      string
	Label           string
	CreationDate    time.Time
	Canceller       OrderCanceller
	Logger          zerolog.Logger
}

// Order is a trading intent and its lifecycle state machine.
type Order struct {
	ID                  string
	AccountID           string
	Symbol              string
	Direction           OrderDirection
	Purpose             OrderPurpose
	TimeInForce         TimeInForce
	ExpirationDate      time.Time
	RequestedProtection *Protection
	Label               string
	CreationDate        time.Time

	requestedVolume decimal.Decimal
	limitPrice      *decimal.Decimal
	stopPrice       *decimal.Decimal
	status          OrderStatus
	lastUpdateDate  time.Time
	trades          []*Trade
	positionID      string
	rejection       *OrderRejection

	bus       *events.Bus
	canceller OrderCanceller
	logger    zerolog.Logger
}

// NewOrder creates an order in the REQUESTED state.
func NewOrder(p OrderParams) *Order {
	tif := p.TimeInForce
	if tif == "" {
		tif = TimeInForceGoodTillCancel
	}
	return &Order{
		ID:                  p.ID,
		AccountID:           p.AccountID,
		Symbol:              p.Symbol,
		Direction:           p.Direction,
		Purpose:             p.Purpose,
		TimeInForce:         tif,
		ExpirationDate:      p.ExpirationDate,
		RequestedProtection: p.Protection,
		Label:               p.Label,
		CreationDate:        p.CreationDate,
		requestedVolume:     p.RequestedVolume,
		limitPrice:          p.LimitPrice,
		stopPrice:           p.StopPrice,
		status:              OrderStatusRequested,
		lastUpdateDate:      p.CreationDate,
		positionID:          p.PositionID,
		bus:                 events.NewBus(events.WithLogger(p.Logger)),
		canceller:           p.Canceller,
		logger:              p.Logger.With().Str("order_id", p.ID).Logger(),
	}
}

func (o *Order) RequestedVolume() decimal.Decimal { return o.requestedVolume }
func (o *Order) LimitPrice() *decimal.Decimal     { return o.limitPrice }
func (o *Order) StopPrice() *decimal.Decimal      { return o.stopPrice }
func (o *Order) Status() OrderStatus              { return o.status }
func (o *Order) LastUpdateDate() time.Time        { return o.lastUpdateDate }
func (o *Order) PositionID() string               { return o.positionID }
func (o *Order) Rejection() *OrderRejection       { return o.rejection }

// Trades returns a copy of the trades list.
func (o *Order) Trades() []*Trade {
	return append([]*Trade(nil), o.trades...)
}

func (o *Order) IsExecuted() bool { return o.status == OrderStatusExecuted }
func (o *Order) IsRejected() bool { return o.status == OrderStatusRejected }
func (o *Order) IsTerminal() bool { return o.status.IsTerminal() }
func (o *Order) IsOpening() bool  { return o.Purpose == OrderPurposeOpen }
func (o *Order) IsClosing() bool  { return o.Purpose == OrderPurposeClose }

// Execution derives MARKET, LIMIT or STOP from the requested prices.
func (o *Order) Execution() OrderExecution {
	if o.limitPrice != nil {
		return OrderExecutionLimit
	}
	if o.stopPrice != nil {
		return OrderExecutionStop
	}
	return OrderExecutionMarket
}

// ExecutedTrades returns the trades with status EXECUTED.
func (o *Order) ExecutedTrades() []*Trade {
	var executed []*Trade
	for _, t := range o.trades {
		if t.Status == TradeStatusExecuted {
			executed = append(executed, t)
		}
	}
	return executed
}

// FilledVolume sums the volume of executed trades.
func (o *Order) FilledVolume() decimal.Decimal {
	filled := decimal.Zero
	for _, t := range o.ExecutedTrades() {
		filled = filled.Add(t.Volume)
	}
	return filled
}

// Fill returns FULL or PARTIAL, and false when nothing was executed.
func (o *Order) Fill() (OrderFill, bool) {
	if len(o.ExecutedTrades()) == 0 {
		return "", false
	}
	if o.FilledVolume().Equal(o.requestedVolume) {
		return OrderFillFull, true
	}
	return OrderFillPartial, true
}

// ExecutionPrice returns the volume-weighted price of the executed trades.
func (o *Order) ExecutionPrice() (decimal.Decimal, bool) {
	executed := o.ExecutedTrades()
	if len(executed) == 0 {
		return decimal.Zero, false
	}
	product := decimal.Zero
	for _, t := range executed {
		product = product.Add(t.ExecutionPrice.Mul(t.Volume))
	}
	price, err := product.Div(o.FilledVolume())
	if err != nil {
		return decimal.Zero, false
	}
	return price, true
}

// On subscribes to an order event.
func (o *Order) On(eventType string, listener events.Listener) string {
	return o.bus.Subscribe(eventType, listener)
}

// Once subscribes to the next occurrence of an order event.
func (o *Order) Once(eventType string, listener events.Listener) string {
	return o.bus.SubscribeOnce(eventType, listener)
}

// RemoveListener removes a subscription made with On or Once.
func (o *Order) RemoveListener(id string) bool {
	return o.bus.Unsubscribe(id)
}

// Cancel asks the owning engine to cancel the order.
func (o *Order) Cancel(ctx context.Context) error {
	if o.canceller == nil {
		return errors.Wrapf(errors.ErrUnsupportedOperation, "cancelling order %s", o.ID)
	}
	return o.canceller.CancelOrder(ctx, o.ID)
}

// OnStatusChange moves the state machine. It is a no-op when the status is unchanged
// and fails on edges the state machine does not have.
func (o *Order) OnStatusChange(status OrderStatus, date time.Time) error {
	previous := o.status
	if previous == status {
		return nil
	}
	if !CanTransition(previous, status) {
		return errors.NewOrderError(o.ID, o.Symbol, "status-change",
			fmt.Sprintf("invalid transition %s -> %s", previous, status), errors.ErrInvalidOrder)
	}

	o.status = status
	o.lastUpdateDate = date
	o.logger.Info().
		Str("previous_status", string(previous)).
		Str("status", string(status)).
		Msg("Order status changed")

	o.bus.Publish(EventStatusChange, StatusChangeEvent{Order: o, Status: status, PreviousStatus: previous})

	switch status {
	case OrderStatusRejected:
		var rejection OrderRejection
		if o.rejection != nil {
			rejection = *o.rejection
		}
		o.bus.Publish(EventReject, RejectEvent{Order: o, Rejection: rejection})
	case OrderStatusAccepted:
		o.bus.Publish(EventAccept, OrderEvent{Order: o})
	case OrderStatusPending:
		o.bus.Publish(EventPending, OrderEvent{Order: o})
	case OrderStatusCancelled:
		o.bus.Publish(EventCancel, OrderEvent{Order: o})
	case OrderStatusExecuted:
		o.bus.Publish(EventExecute, OrderEvent{Order: o})
	case OrderStatusExpired:
		o.bus.Publish(EventExpire, OrderEvent{Order: o})
	}
	return nil
}

// Reject records the rejection and moves the order to REJECTED.
func (o *Order) Reject(rejection OrderRejection, date time.Time) error {
	if !CanTransition(o.status, OrderStatusRejected) {
		return errors.NewOrderError(o.ID, o.Symbol, "reject",
			fmt.Sprintf("cannot reject order in status %s", o.status), errors.ErrInvalidOrder)
	}
	o.rejection = &rejection
	return o.OnStatusChange(OrderStatusRejected, date)
}

// OnTrade appends a fill and emits "trade".
func (o *Order) OnTrade(trade *Trade) {
	o.trades = append(o.trades, trade)
	if trade.PositionID != "" {
		o.positionID = trade.PositionID
	}
	o.logger.Info().Str("trade_id", trade.ID).Msg("Order trade executed")
	o.bus.Publish(EventTrade, TradeEvent{Trade: trade})
}

// OnPendingPriceChange moves the limit or stop price of a resting order.
func (o *Order) OnPendingPriceChange(price decimal.Decimal, date time.Time) {
	var target **decimal.Decimal
	switch {
	case o.limitPrice != nil:
		target = &o.limitPrice
	case o.stopPrice != nil:
		target = &o.stopPrice
	default:
		return
	}
	previous := **target
	if previous.Equal(price) {
		return
	}
	*target = DecimalPtr(price)
	o.lastUpdateDate = date
	o.bus.Publish(EventPendingPriceChange, PriceChangeEvent{Order: o, Price: price, PreviousPrice: previous})
}

// OnPendingVolumeChange changes the requested volume of a resting order.
func (o *Order) OnPendingVolumeChange(volume decimal.Decimal, date time.Time) {
	previous := o.requestedVolume
	if previous.Equal(volume) {
		return
	}
	o.requestedVolume = volume
	o.lastUpdateDate = date
	o.bus.Publish(EventPendingVolumeChange, VolumeChangeEvent{Order: o, Volume: volume, PreviousVolume: previous})
}

// FilterPendingOrders returns the orders in PENDING.
func FilterPendingOrders(orders []*Order) []*Order {
	var pending []*Order
	for _, o := range orders {
		if o.status == OrderStatusPending {
			pending = append(pending, o)
		}
	}
	return pending
}

// FilterExecutedOrders returns the orders in EXECUTED.
func FilterExecutedOrders(orders []*Order) []*Order {
	var executed []*Order
	for _, o := range orders {
		if o.IsExecuted() {
			executed = append(executed, o)
		}
	}
	return executed
}
