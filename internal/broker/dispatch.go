package broker

import (
	"time"

	"github.com/rs/zerolog"

	"tradesim/internal/events"
	"tradesim/internal/models"
)

// Order events published on the engine bus.
const (
	EventOrderAccept  = "order-accept"
	EventOrderPending = "order-pending"
	EventOrderExecute = "order-execute"
	EventOrderReject  = "order-reject"
	EventOrderCancel  = "order-cancel"
	EventOrderExpire  = "order-expire"
	EventTrade        = "trade"
)

var orderEvents = []string{
	EventOrderAccept,
	EventOrderPending,
	EventOrderExecute,
	EventOrderReject,
	EventOrderCancel,
	EventOrderExpire,
	EventTrade,
}

// OrderDispatch is the payload of the order events on the engine bus.
type OrderDispatch struct {
	OrderID   string
	Order     *models.Order
	Date      time.Time
	Rejection *models.OrderRejection
	Trade     *models.Trade
}

// dispatchTable routes engine order events to the order they target.
// An entry lives until its order reaches a terminal status.
type dispatchTable struct {
	entries map[string]*models.Order
	logger  zerolog.Logger
}

func newDispatchTable(bus *events.Bus, logger zerolog.Logger) *dispatchTable {
	t := &dispatchTable{
		entries: make(map[string]*models.Order),
		logger:  logger,
	}
	for _, eventType := range orderEvents {
		bus.Subscribe(eventType, t.route)
	}
	return t
}

func (t *dispatchTable) track(order *models.Order) {
	t.entries[order.ID] = order
}

func (t *dispatchTable) tracked(orderID string) bool {
	_, ok := t.entries[orderID]
	return ok
}

func (t *dispatchTable) route(event events.Event) {
	msg, ok := event.Payload.(OrderDispatch)
	if !ok {
		return
	}
	order, ok := t.entries[msg.OrderID]
	if !ok {
		t.logger.Debug().Str("order_id", msg.OrderID).Str("event", event.Type).Msg("No dispatch entry for order")
		return
	}

	var err error
	switch event.Type {
	case EventOrderAccept:
		err = order.OnStatusChange(models.OrderStatusAccepted, msg.Date)
	case EventOrderPending:
		err = order.OnStatusChange(models.OrderStatusPending, msg.Date)
	case EventOrderExecute:
		err = order.OnStatusChange(models.OrderStatusExecuted, msg.Date)
	case EventOrderCancel:
		err = order.OnStatusChange(models.OrderStatusCancelled, msg.Date)
	case EventOrderExpire:
		err = order.OnStatusChange(models.OrderStatusExpired, msg.Date)
	case EventOrderReject:
		rejection := models.OrderRejection{Reason: models.RejectionUnknown}
		if msg.Rejection != nil {
			rejection = *msg.Rejection
		}
		err = order.Reject(rejection, msg.Date)
	case EventTrade:
		if msg.Trade != nil {
			order.OnTrade(msg.Trade)
		}
	}
	if err != nil {
		t.logger.Error().Err(err).Str("order_id", order.ID).Str("event", event.Type).Msg("Order dispatch failed")
	}

	if order.IsTerminal() {
		delete(t.entries, msg.OrderID)
	}
}
