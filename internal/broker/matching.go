package broker

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/logging"
	"tradesim/internal/models"
)

// PlaceOrder submits directives on behalf of account. Validation failures
// end in a REJECTED order, never in an error. Errors are returned only for a
// nil account, malformed directives or a cancelled context.
func (e *Engine) PlaceOrder(ctx context.Context, account *PaperAccount, d models.OrderDirectives) (*models.Order, error) {
	if account == nil {
		return nil, errors.NewValidationError("account", nil, "account is required", errors.ErrInvalidOrder)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	symbol := d.Symbol
	purpose := models.OrderPurposeOpen
	var rejection *models.OrderRejection

	if d.PositionID != "" {
		position := e.openPosition(account.ID(), d.PositionID)
		if position == nil {
			rejection = &models.OrderRejection{
				Reason:  models.RejectionPositionNotFound,
				Message: fmt.Sprintf("no open position %s", d.PositionID),
			}
		} else {
			symbol = position.Symbol
			if d.Direction.PositionDirection() != position.Direction() {
				purpose = models.OrderPurposeClose
			}
		}
	}

	order := models.NewOrder(models.OrderParams{
		ID:              e.nextID(func(id string) bool { _, ok := e.orders[id]; return ok }),
		AccountID:       account.ID(),
		Symbol:          symbol,
		Direction:       d.Direction,
		Purpose:         purpose,
		RequestedVolume: d.Volume,
		LimitPrice:      d.LimitPrice,
		StopPrice:       d.StopPrice,
		Protection:      d.Protection,
		TimeInForce:     d.TimeInForce,
		ExpirationDate:  d.ExpirationDate,
		PositionID:      d.PositionID,
		Label:           d.Label,
		CreationDate:    e.localDate,
		Canceller:       e,
		Logger:          account.logger,
	})

	eventTypes := make([]string, 0, len(d.Listeners))
	for eventType := range d.Listeners {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)
	for _, eventType := range eventTypes {
		order.On(eventType, d.Listeners[eventType])
	}

	e.orders[order.ID] = order
	e.orderSeq = append(e.orderSeq, order)
	e.dispatch.track(order)

	logging.LogOrder(account.logger, order.ID, order.Symbol, string(order.Direction), string(order.Execution()))
	e.publishOrder(EventOrderAccept, OrderDispatch{OrderID: order.ID, Order: order, Date: e.localDate})

	if rejection == nil {
		rejection = e.validatePlacement(order)
	}
	if rejection != nil {
		e.rejectOrder(order, *rejection)
		return order, nil
	}

	if order.Execution() == models.OrderExecutionMarket {
		e.tryExecuteOrder(ctx, order)
		return order, nil
	}

	e.publishOrder(EventOrderPending, OrderDispatch{OrderID: order.ID, Order: order, Date: e.localDate})
	if tick, ok := e.lastTicks[order.Symbol]; ok {
		e.updatePendingOrder(ctx, order, tick)
	}
	return order, nil
}

func (e *Engine) validatePlacement(order *models.Order) *models.OrderRejection {
	if !order.RequestedVolume().IsPositive() {
		return &models.OrderRejection{
			Reason:  models.RejectionInvalidVolume,
			Message: fmt.Sprintf("volume %s is not positive", order.RequestedVolume()),
		}
	}
	if order.TimeInForce == models.TimeInForceGoodTillDate && !order.ExpirationDate.After(e.localDate) {
		return &models.OrderRejection{
			Reason:  models.RejectionInvalidExpiration,
			Message: "expiration date must be after the current date",
		}
	}
	return nil
}

// CancelOrder cancels a pending order.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	order, ok := e.orders[orderID]
	if !ok {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", orderID)
	}
	if order.Status() != models.OrderStatusPending {
		return errors.NewOrderError(orderID, order.Symbol, "cancel",
			fmt.Sprintf("cannot cancel order with status %s", order.Status()), errors.ErrInvalidOrder)
	}
	e.publishOrder(EventOrderCancel, OrderDispatch{OrderID: orderID, Order: order, Date: e.localDate})
	return nil
}

// ModifyOrder changes the trigger price and/or volume of a pending order
// and re-evaluates it against the last tick.
func (e *Engine) ModifyOrder(ctx context.Context, orderID string, price, volume *decimal.Decimal) error {
	order, ok := e.orders[orderID]
	if !ok {
		return errors.Wrapf(errors.ErrOrderNotFound, "order %s", orderID)
	}
	if order.Status() != models.OrderStatusPending {
		return errors.NewOrderError(orderID, order.Symbol, "modify",
			fmt.Sprintf("cannot modify order with status %s", order.Status()), errors.ErrInvalidOrder)
	}
	if volume != nil && !volume.IsPositive() {
		return errors.NewValidationError("volume", volume.String(), "must be positive", errors.ErrInvalidOrder)
	}

	if price != nil {
		order.OnPendingPriceChange(*price, e.localDate)
	}
	if volume != nil {
		order.OnPendingVolumeChange(*volume, e.localDate)
	}
	if tick, ok := e.lastTicks[order.Symbol]; ok {
		e.updatePendingOrder(ctx, order, tick)
	}
	return nil
}

func (e *Engine) publishOrder(eventType string, msg OrderDispatch) {
	e.bus.Publish(eventType, msg)
}

func (e *Engine) rejectOrder(order *models.Order, rejection models.OrderRejection) {
	logging.LogRejection(e.accountLogger(order.AccountID), order.ID, order.Symbol, string(rejection.Reason), rejection.Message)
	e.publishOrder(EventOrderReject, OrderDispatch{
		OrderID:   order.ID,
		Order:     order,
		Date:      e.localDate,
		Rejection: &rejection,
	})
}

func (e *Engine) accountLogger(accountID string) zerolog.Logger {
	if account, ok := e.accounts[accountID]; ok {
		return account.logger
	}
	return e.logger
}

func (e *Engine) updatePendingOrders(ctx context.Context, tick models.Tick) {
	for _, order := range e.GetPendingOrders() {
		if order.Symbol == tick.Symbol {
			e.updatePendingOrder(ctx, order, tick)
		}
	}
}

// updatePendingOrder expires lapsed GOOD_TILL_DATE orders and executes the
// ones whose trigger the tick crosses.
func (e *Engine) updatePendingOrder(ctx context.Context, order *models.Order, tick models.Tick) {
	if order.Status() != models.OrderStatusPending {
		return
	}
	if order.TimeInForce == models.TimeInForceGoodTillDate && tick.Date.After(order.ExpirationDate) {
		e.publishOrder(EventOrderExpire, OrderDispatch{OrderID: order.ID, Order: order, Date: tick.Date})
		return
	}

	sell := order.Direction == models.OrderDirectionSell
	triggered := false
	if limit := order.LimitPrice(); limit != nil {
		triggered = (sell && tick.Bid.GreaterThanOrEqual(*limit)) ||
			(!sell && tick.Ask.LessThanOrEqual(*limit))
	} else if stop := order.StopPrice(); stop != nil {
		triggered = (sell && tick.Bid.LessThanOrEqual(*stop)) ||
			(!sell && tick.Ask.GreaterThanOrEqual(*stop))
	}

	if triggered {
		e.tryExecuteOrder(ctx, order)
	}
}

// updateOpenPositions closes the positions on the ticked symbol whose stop
// loss or take profit the tick crosses, then closes every open position of
// any account whose equity is no longer positive.
func (e *Engine) updateOpenPositions(ctx context.Context, tick models.Tick) {
	for _, position := range e.GetOpenPositions() {
		if position.Symbol != tick.Symbol || position.Status() != models.PositionStatusOpen {
			continue
		}
		if reason := protectionReason(position, tick); reason != "" {
			e.closePosition(ctx, position, reason)
		}
	}

	for _, account := range e.accountsWithOpenPositions() {
		equity, err := account.GetEquity(ctx)
		if err != nil || equity.IsPositive() {
			continue
		}
		for _, position := range e.GetOpenPositionsByAccount(account.ID()) {
			if position.Status() == models.PositionStatusOpen {
				e.closePosition(ctx, position, "negative balance protection")
			}
		}
	}
}

func protectionReason(position *models.Position, tick models.Tick) string {
	long := position.Direction() == models.PositionDirectionLong
	protection := position.Protection()

	if sl := protection.StopLoss; sl != nil {
		if (long && tick.Bid.LessThanOrEqual(*sl)) || (!long && tick.Ask.GreaterThanOrEqual(*sl)) {
			return "stop loss"
		}
	}
	if tp := protection.TakeProfit; tp != nil {
		if (long && tick.Bid.GreaterThanOrEqual(*tp)) || (!long && tick.Ask.LessThanOrEqual(*tp)) {
			return "take profit"
		}
	}
	return ""
}

// accountsWithOpenPositions lists the accounts holding an open position, in
// creation order.
func (e *Engine) accountsWithOpenPositions() []*PaperAccount {
	holding := make(map[string]bool)
	for _, position := range e.GetOpenPositions() {
		holding[position.AccountID] = true
	}
	var accounts []*PaperAccount
	for _, account := range e.accountOrder {
		if holding[account.ID()] {
			accounts = append(accounts, account)
		}
	}
	return accounts
}

// closePosition sends a market order against position through its account,
// so the account latency applies. A position already being closed is skipped.
func (e *Engine) closePosition(ctx context.Context, position *models.Position, reason string) {
	account, ok := e.accounts[position.AccountID]
	if !ok || e.closing[position.ID] {
		return
	}
	direction := models.OrderDirectionSell
	if position.Direction() == models.PositionDirectionShort {
		direction = models.OrderDirectionBuy
	}

	account.logger.Info().
		Str("position_id", position.ID).
		Str("symbol", position.Symbol).
		Str("reason", reason).
		Msg("Closing position")

	e.closing[position.ID] = true
	defer delete(e.closing, position.ID)

	_, err := account.PlaceOrder(ctx, models.OrderDirectives{
		Symbol:     position.Symbol,
		PositionID: position.ID,
		Direction:  direction,
		Volume:     position.Volume(),
	})
	if err != nil {
		account.logger.Error().Err(err).Str("position_id", position.ID).Msg("Failed to close position")
	}
}

func validateProtection(order *models.Order, bid, ask decimal.Decimal) *models.OrderRejection {
	protection := order.RequestedProtection
	if protection == nil {
		return nil
	}
	sl, tp := protection.StopLoss, protection.TakeProfit

	if order.Direction == models.OrderDirectionBuy {
		if sl != nil && sl.GreaterThanOrEqual(bid) {
			return &models.OrderRejection{
				Reason:  models.RejectionInvalidStopLoss,
				Message: fmt.Sprintf("stop loss %s must be below bid %s", sl, bid),
			}
		}
		if tp != nil && tp.LessThanOrEqual(bid) {
			return &models.OrderRejection{
				Reason:  models.RejectionInvalidTakeProfit,
				Message: fmt.Sprintf("take profit %s must be above bid %s", tp, bid),
			}
		}
		return nil
	}

	if sl != nil && sl.LessThanOrEqual(ask) {
		return &models.OrderRejection{
			Reason:  models.RejectionInvalidStopLoss,
			Message: fmt.Sprintf("stop loss %s must be above ask %s", sl, ask),
		}
	}
	if tp != nil && tp.GreaterThanOrEqual(ask) {
		return &models.OrderRejection{
			Reason:  models.RejectionInvalidTakeProfit,
			Message: fmt.Sprintf("take profit %s must be below ask %s", tp, ask),
		}
	}
	return nil
}

func validateVolume(params models.SymbolParams, volume decimal.Decimal) *models.OrderRejection {
	if params.MinLots.IsPositive() && volume.LessThan(params.MinLots) {
		return &models.OrderRejection{
			Reason:  models.RejectionInvalidVolume,
			Message: fmt.Sprintf("volume %s is below the minimum %s", volume, params.MinLots),
		}
	}
	if params.MaxLots.IsPositive() && volume.GreaterThan(params.MaxLots) {
		return &models.OrderRejection{
			Reason:  models.RejectionInvalidVolume,
			Message: fmt.Sprintf("volume %s is above the maximum %s", volume, params.MaxLots),
		}
	}
	return nil
}

// tryExecuteOrder fills the whole order at the current quote or rejects it.
func (e *Engine) tryExecuteOrder(ctx context.Context, order *models.Order) {
	account, ok := e.accounts[order.AccountID]
	if !ok {
		e.rejectOrder(order, models.OrderRejection{Reason: models.RejectionUnknown, Message: "account not found"})
		return
	}

	params, ok := account.symbols[order.Symbol]
	if !ok {
		e.rejectOrder(order, models.OrderRejection{
			Reason:  models.RejectionSymbolNotFound,
			Message: fmt.Sprintf("symbol %s is not available on the account", order.Symbol),
		})
		return
	}
	if params.TradingDisabled {
		e.rejectOrder(order, models.OrderRejection{Reason: models.RejectionSymbolTradingDisabled})
		return
	}

	volume := order.RequestedVolume()
	if rejection := validateVolume(params, volume); rejection != nil {
		e.rejectOrder(order, *rejection)
		return
	}

	tick, err := e.GetSymbolLastTick(order.Symbol)
	if err != nil {
		e.rejectOrder(order, models.OrderRejection{Reason: models.RejectionNoLiquidity, Message: err.Error()})
		return
	}
	bid, ask := tick.Bid, tick.Ask

	if rejection := validateProtection(order, bid, ask); rejection != nil {
		e.rejectOrder(order, *rejection)
		return
	}

	var position *models.Position
	if id := order.PositionID(); id != "" {
		if position = e.openPosition(order.AccountID, id); position == nil {
			e.rejectOrder(order, models.OrderRejection{
				Reason:  models.RejectionPositionNotFound,
				Message: fmt.Sprintf("no open position %s", id),
			})
			return
		}
	}

	buy := order.Direction == models.OrderDirectionBuy
	price := bid
	if buy {
		price = ask
	}
	notional := volume.Mul(price)

	debitAsset, debit := params.BaseAsset, volume
	creditAsset, credit := params.QuoteAsset, notional
	if buy {
		debitAsset, debit = params.QuoteAsset, notional
		creditAsset, credit = params.BaseAsset, volume
	}

	balance := account.balance(debitAsset)
	if balance.Free.LessThan(debit) {
		e.rejectOrder(order, models.OrderRejection{
			Reason:  models.RejectionNotEnoughMoney,
			Message: fmt.Sprintf("free %s %s is below %s", debitAsset, balance.Free, debit),
		})
		return
	}

	account.withdraw(debitAsset, debit)
	account.deposit(creditAsset, credit)

	executionDate := e.localDate
	commissionAsset, commission := e.commissionFor(account, order, ExecutionInfo{
		Volume:         volume,
		ExecutionPrice: price,
		ExecutionDate:  executionDate,
	})
	account.withdraw(commissionAsset, commission)

	swapAsset, swap := account.PrimaryAsset(), decimal.Zero
	account.deposit(swapAsset, swap)

	if position == nil {
		position = models.NewPosition(models.PositionParams{
			ID:         e.nextID(func(id string) bool { _, ok := e.positions[id]; return ok }),
			AccountID:  account.ID(),
			Symbol:     order.Symbol,
			Direction:  order.Direction.PositionDirection(),
			Protection: requestedProtection(order),
			Trader:     account,
			Logger:     account.logger,
		})
		e.positions[position.ID] = position
		e.positionSeq = append(e.positionSeq, position)
	}

	purpose := models.TradePurposeOpen
	if order.IsClosing() {
		purpose = models.TradePurposeClose
	}
	trade := &models.Trade{
		ID:               e.newID(),
		OrderID:          order.ID,
		PositionID:       position.ID,
		AccountID:        account.ID(),
		Symbol:           order.Symbol,
		Volume:           volume,
		Direction:        order.Direction,
		Status:           models.TradeStatusExecuted,
		Purpose:          purpose,
		ExecutionPrice:   price,
		GrossProfit:      credit,
		GrossProfitAsset: creditAsset,
		Commission:       commission,
		CommissionAsset:  commissionAsset,
		Swap:             swap,
		SwapAsset:        swapAsset,
		ExecutionDate:    executionDate,
	}
	e.trades = append(e.trades, trade)

	logging.LogTrade(account.logger, trade.ID, trade.Symbol, string(trade.Direction), volume.String(), price.String())

	position.ApplyTrade(trade)
	e.publishOrder(EventTrade, OrderDispatch{OrderID: order.ID, Order: order, Date: executionDate, Trade: trade})
	e.publishOrder(EventOrderExecute, OrderDispatch{OrderID: order.ID, Order: order, Date: executionDate})
}

func requestedProtection(order *models.Order) models.Protection {
	if order.RequestedProtection == nil {
		return models.Protection{}
	}
	return *order.RequestedProtection
}

// commissionFor runs the commission hook, charging nothing when it is unset
// or panics.
func (e *Engine) commissionFor(account *PaperAccount, order *models.Order, info ExecutionInfo) (asset string, amount decimal.Decimal) {
	asset, amount = account.PrimaryAsset(), decimal.Zero
	if e.commission == nil {
		return asset, amount
	}

	defer func() {
		if r := recover(); r != nil {
			account.logger.Error().
				Err(errors.Recovered(r)).
				Str("order_id", order.ID).
				Msg("Commission customizer failed")
			asset, amount = account.PrimaryAsset(), decimal.Zero
		}
	}()

	customAsset, customAmount := e.commission(order, info)
	if customAsset != "" {
		asset = customAsset
	}
	return asset, customAmount
}
