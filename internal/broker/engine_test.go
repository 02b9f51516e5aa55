package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/events"
	"tradesim/internal/models"
)

var (
	seriesStart = time.Date(2022, 1, 1, 14, 0, 0, 0, time.UTC)
	ethusd      = models.SymbolParams{Symbol: "ETHUSD", BaseAsset: "ETH", QuoteAsset: "USD"}
)

func quote(sec int, bid, ask string) models.Tick {
	return models.Tick{
		Symbol:   "ETHUSD",
		Bid:      decimal.Must(bid),
		Ask:      decimal.Must(ask),
		Date:     seriesStart.Add(time.Duration(sec) * time.Second),
		Movement: models.TickMovementBidAsk,
	}
}

// series returns n ticks one second apart with a 0.5 spread.
func series(n int) []models.Tick {
	ticks := make([]models.Tick, n)
	for i := range ticks {
		bid := decimal.FromInt(3700).Add(decimal.FromInt(int64(i % 7)))
		ticks[i] = models.Tick{
			Symbol: "ETHUSD",
			Bid:    bid,
			Ask:    bid.Add(decimal.Must("0.5")),
			Date:   seriesStart.Add(time.Duration(i) * time.Second),
		}
	}
	return ticks
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(EngineConfig{LocalDate: time.Date(2022, 4, 4, 4, 4, 4, 4_000_000, time.UTC)})
}

func newTestAccount(t *testing.T, e *Engine, usd decimal.Decimal) *PaperAccount {
	t.Helper()
	account, err := e.CreateAccount(AccountConfig{
		BalanceSheet: map[string]decimal.Decimal{"USD": usd},
		Symbols:      []models.SymbolParams{ethusd},
	})
	require.NoError(t, err)
	return account
}

func buy(volume string) models.OrderDirectives {
	return models.OrderDirectives{Symbol: "ETHUSD", Direction: models.OrderDirectionBuy, Volume: decimal.Must(volume)}
}

func sell(volume string) models.OrderDirectives {
	return models.OrderDirectives{Symbol: "ETHUSD", Direction: models.OrderDirectionSell, Volume: decimal.Must(volume)}
}

func TestElapseTimeUpdatesLocalDate(t *testing.T) {
	e := NewEngine(EngineConfig{LocalDate: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)})

	_, err := e.ElapseTime(context.Background(), 10*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2022, 1, 11, 0, 0, 0, 0, time.UTC), e.LocalDate())

	elapsed, err := e.ElapseTime(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, elapsed.Ticks)
	assert.Equal(t, time.Date(2022, 1, 11, 0, 0, 0, 0, time.UTC), e.LocalDate())
}

func TestElapseTimeDispatchesTicksInOrder(t *testing.T) {
	ticks := series(30)
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", ticks)
	e.SetLocalDate(ticks[0].Date.Add(-time.Second))

	var emitted []models.Tick
	e.On(models.EventTick, func(ev events.Event) {
		emitted = append(emitted, ev.Payload.(models.TickEvent).Tick)
	})

	elapsed, err := e.ElapseTime(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, elapsed.Ticks, len(ticks))
	assert.Equal(t, elapsed.Ticks, emitted)

	last := ticks[len(ticks)-1]
	bid, err := e.GetSymbolBid("ETHUSD")
	require.NoError(t, err)
	ask, err := e.GetSymbolAsk("ETHUSD")
	require.NoError(t, err)
	assert.True(t, bid.Equal(last.Bid))
	assert.True(t, ask.Equal(last.Ask))
}

func TestElapseTimeMergesSymbolsByDate(t *testing.T) {
	e := newTestEngine(t)
	e.SetLocalDate(seriesStart)
	eth := []models.Tick{quote(1, "1", "2"), quote(4, "1", "2")}
	btc := []models.Tick{quote(2, "5", "6"), quote(3, "5", "6")}
	e.AddSymbolTicks("ETHUSD", eth)
	e.AddSymbolTicks("BTCUSD", btc)

	var order []int64
	e.On(models.EventTick, func(ev events.Event) {
		order = append(order, ev.Payload.(models.TickEvent).Tick.Date.Unix()-seriesStart.Unix())
	})

	_, err := e.ElapseTime(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, order)
}

func TestElapseTicksWithoutTicksKeepsDate(t *testing.T) {
	e := newTestEngine(t)
	before := e.LocalDate()

	elapsed, err := e.ElapseTicks(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, elapsed)
	assert.Equal(t, before, e.LocalDate())
}

func TestElapseTicksStartsAtFirstTick(t *testing.T) {
	ticks := series(12)
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", ticks)

	first, err := e.ElapseTicks(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, ticks[0].Date, first[0].Date)

	rest, err := e.ElapseTicks(context.Background(), len(ticks))
	require.NoError(t, err)
	assert.Len(t, rest, len(ticks)-1)

	last := ticks[len(ticks)-1]
	bid, err := e.GetSymbolBid("ETHUSD")
	require.NoError(t, err)
	assert.True(t, bid.Equal(last.Bid))

	none, err := e.ElapseTicks(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNoQuotesBeforeHistory(t *testing.T) {
	e := NewEngine(EngineConfig{LocalDate: seriesStart.Add(-time.Hour)})
	e.AddSymbolTicks("ETHUSD", series(3))

	_, err := e.GetSymbolBid("ETHUSD")
	assert.True(t, errors.Is(err, errors.ErrNoQuotes))

	e.SetLocalDate(seriesStart.Add(time.Second))
	bid, err := e.GetSymbolBid("ETHUSD")
	require.NoError(t, err)
	assert.Equal(t, "3701", bid.String())
}

func TestSpreadOnlyProfitAndLoss(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", series(10))
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)

	ask, err := e.GetSymbolAsk("ETHUSD")
	require.NoError(t, err)
	bid, err := e.GetSymbolBid("ETHUSD")
	require.NoError(t, err)
	account := newTestAccount(t, e, ask)

	_, err = account.PlaceOrder(ctx, buy("1"))
	require.NoError(t, err)
	balance, err := account.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = account.PlaceOrder(ctx, sell("1"))
	require.NoError(t, err)

	balance, err = account.GetBalance(ctx)
	require.NoError(t, err)
	expected := ask.Sub(ask.Sub(bid))
	assert.True(t, balance.Equal(expected), "balance %s, expected %s", balance, expected)
}

func TestSpreadAndCommissionProfitAndLoss(t *testing.T) {
	ctx := context.Background()
	fixed := decimal.FromInt(10)
	e := newTestEngine(t)
	e.SetCommissionCustomizer(FixedCommission("USD", fixed))
	e.AddSymbolTicks("ETHUSD", series(10))
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)

	ask, _ := e.GetSymbolAsk("ETHUSD")
	bid, _ := e.GetSymbolBid("ETHUSD")
	account := newTestAccount(t, e, ask)

	order, err := account.PlaceOrder(ctx, buy("1"))
	require.NoError(t, err)
	balance, _ := account.GetBalance(ctx)
	assert.True(t, balance.Equal(fixed.Neg()))
	require.Len(t, order.Trades(), 1)
	assert.True(t, order.Trades()[0].Commission.Equal(fixed))
	assert.Equal(t, "USD", order.Trades()[0].CommissionAsset)

	_, err = account.PlaceOrder(ctx, sell("1"))
	require.NoError(t, err)

	balance, _ = account.GetBalance(ctx)
	expected := ask.Sub(ask.Sub(bid)).Sub(fixed.Mul(decimal.FromInt(2)))
	assert.True(t, balance.Equal(expected), "balance %s, expected %s", balance, expected)
}

func TestBuyLimitExecutesAtTrigger(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{
		quote(0, "10.4", "10.5"),
		quote(1, "10.9", "11"),
		quote(2, "10.7", "10.8"),
		quote(3, "9.9", "10"),
		quote(4, "9.4", "9.5"),
	})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(100000))

	d := buy("1")
	d.LimitPrice = models.DecimalPtr(decimal.FromInt(10))
	order, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status())

	_, err = e.ElapseTicks(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, order.Status())
	price, ok := order.ExecutionPrice()
	require.True(t, ok)
	assert.Equal(t, "10", price.String())
}

func TestBuyStopExecutesAtTrigger(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{
		quote(0, "9.4", "9.5"),
		quote(1, "9.5", "9.6"),
		quote(2, "10", "10.1"),
		quote(3, "11", "11.1"),
	})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(100000))

	d := buy("1")
	d.StopPrice = models.DecimalPtr(decimal.Must("10.1"))
	order, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, order.Status())
	price, _ := order.ExecutionPrice()
	assert.Equal(t, "10.1", price.String())
}

func TestRejectsWhenFundsAreShort(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", series(3))
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.Zero)

	for _, d := range []models.OrderDirectives{buy("1"), sell("1")} {
		order, err := account.PlaceOrder(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusRejected, order.Status())
		require.NotNil(t, order.Rejection())
		assert.Equal(t, models.RejectionNotEnoughMoney, order.Rejection().Reason)
		assert.Empty(t, order.Trades())
	}

	trades, _ := account.GetTrades(ctx, "")
	assert.Empty(t, trades)
}

func TestPlacementRejections(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(0, "100", "101")})
	e.AddSymbolTicks("XRPUSD", []models.Tick{quote(0, "1", "1.1")})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(1000))
	require.NoError(t, account.AddSymbol(models.SymbolParams{Symbol: "ADAUSD", BaseAsset: "ADA", QuoteAsset: "USD", TradingDisabled: true}))

	badStop := buy("1")
	badStop.Protection = &models.Protection{StopLoss: models.DecimalPtr(decimal.FromInt(100))}
	badTake := sell("1")
	badTake.Protection = &models.Protection{TakeProfit: models.DecimalPtr(decimal.FromInt(102))}
	gtd := buy("1")
	gtd.LimitPrice = models.DecimalPtr(decimal.FromInt(50))
	gtd.TimeInForce = models.TimeInForceGoodTillDate
	gtd.ExpirationDate = e.LocalDate()

	cases := map[models.RejectionReason]models.OrderDirectives{
		models.RejectionInvalidStopLoss:       badStop,
		models.RejectionInvalidTakeProfit:     badTake,
		models.RejectionInvalidVolume:         buy("0"),
		models.RejectionInvalidExpiration:     gtd,
		models.RejectionSymbolNotFound:        {Symbol: "XRPUSD", Direction: models.OrderDirectionBuy, Volume: decimal.One},
		models.RejectionSymbolTradingDisabled: {Symbol: "ADAUSD", Direction: models.OrderDirectionBuy, Volume: decimal.One},
		models.RejectionPositionNotFound:      {PositionID: "missing", Direction: models.OrderDirectionSell, Volume: decimal.One},
	}
	for reason, d := range cases {
		order, err := account.PlaceOrder(ctx, d)
		require.NoError(t, err, reason)
		assert.Equal(t, models.OrderStatusRejected, order.Status(), reason)
		require.NotNil(t, order.Rejection(), reason)
		assert.Equal(t, reason, order.Rejection().Reason)
	}

	balance, _ := account.GetBalance(ctx)
	assert.Equal(t, "1000", balance.String())
}

func TestPlaceOrderErrorsOnMalformedInput(t *testing.T) {
	e := newTestEngine(t)
	account := newTestAccount(t, e, decimal.One)

	_, err := e.PlaceOrder(context.Background(), nil, buy("1"))
	assert.True(t, errors.Is(err, errors.ErrInvalidOrder))

	_, err = account.PlaceOrder(context.Background(), models.OrderDirectives{Symbol: "ETHUSD", Direction: "HOLD"})
	assert.True(t, errors.Is(err, errors.ErrInvalidOrder))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = account.PlaceOrder(ctx, buy("1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopLossClosesPosition(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{
		quote(0, "100", "101"),
		quote(1, "99", "100"),
		quote(2, "94", "95"),
	})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(1000))

	d := buy("2")
	d.Protection = &models.Protection{StopLoss: models.DecimalPtr(decimal.FromInt(95))}
	order, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusExecuted, order.Status())

	position, ok := e.GetPosition(order.PositionID())
	require.True(t, ok)
	var closed bool
	position.On(models.EventClose, func(events.Event) { closed = true })

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PositionStatusOpen, position.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, models.PositionStatusClosed, position.Status())
	require.Len(t, position.Trades(), 2)
	assert.Equal(t, models.TradePurposeClose, position.Trades()[1].Purpose)
	assert.Equal(t, "94", position.Trades()[1].ExecutionPrice.String())

	balance, _ := account.GetBalance(ctx)
	assert.Equal(t, "986", balance.String())
}

func TestTakeProfitClosesShort(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{
		quote(0, "100", "101"),
		quote(1, "89", "90"),
	})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account, err := e.CreateAccount(AccountConfig{
		BalanceSheet: map[string]decimal.Decimal{"ETH": decimal.One, "USD": decimal.Zero},
		Symbols:      []models.SymbolParams{ethusd},
	})
	require.NoError(t, err)

	d := sell("1")
	d.Protection = &models.Protection{TakeProfit: models.DecimalPtr(decimal.FromInt(90))}
	order, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusExecuted, order.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)

	positions, _ := account.GetOpenPositions(ctx)
	assert.Empty(t, positions)
	eth, _ := account.GetAssetBalance(ctx, "ETH")
	usd, _ := account.GetAssetBalance(ctx, "USD")
	assert.Equal(t, "1", eth.Free.String())
	assert.Equal(t, "10", usd.Free.String())
}

func TestNegativeBalanceProtection(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{
		quote(0, "9", "10"),
		quote(1, "0", "0.5"),
	})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(10))

	order, err := account.PlaceOrder(ctx, buy("1"))
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusExecuted, order.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)

	positions, _ := account.GetOpenPositions(ctx)
	assert.Empty(t, positions)
	trades, _ := account.GetTrades(ctx, "ETHUSD")
	assert.Len(t, trades, 2)
}

func TestPeriodsDispatchCloseTickThenEvents(t *testing.T) {
	e := NewEngine(EngineConfig{LocalDate: seriesStart})
	e.AddSymbolPeriods("ETHUSD", []models.Period{
		{Timeframe: models.M1, StartDate: seriesStart, Open: decimal.One, High: decimal.FromInt(3), Low: decimal.One, Close: decimal.FromInt(2)},
		{Timeframe: models.M1, StartDate: seriesStart.Add(time.Minute), Open: decimal.FromInt(2), High: decimal.FromInt(2), Low: decimal.One, Close: decimal.One, InProgress: true},
	})

	var seen []string
	e.On(events.Wildcard, func(ev events.Event) { seen = append(seen, ev.Type) })

	elapsed, err := e.ElapseTime(context.Background(), 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, elapsed.Periods, 2)
	assert.Empty(t, elapsed.Ticks)
	assert.Equal(t, []string{
		models.EventTick, models.EventPeriodUpdate, models.EventPeriodClose,
		models.EventTick, models.EventPeriodUpdate,
	}, seen)

	bid, err := e.GetSymbolBid("ETHUSD")
	require.NoError(t, err)
	assert.Equal(t, "1", bid.String())
	assert.Len(t, e.GetSymbolPeriods("ETHUSD", models.M1), 2)
}

func TestCancelAndModifyPendingOrders(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(0, "100", "101"), quote(1, "97", "98")})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(1000))

	d := buy("1")
	d.LimitPrice = models.DecimalPtr(decimal.FromInt(90))
	first, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	second, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)

	require.NoError(t, first.Cancel(ctx))
	assert.Equal(t, models.OrderStatusCancelled, first.Status())
	assert.True(t, errors.Is(account.CancelOrder(ctx, first.ID), errors.ErrInvalidOrder))
	assert.True(t, errors.Is(account.CancelOrder(ctx, "missing"), errors.ErrOrderNotFound))

	require.NoError(t, account.ModifyOrder(ctx, second.ID, models.DecimalPtr(decimal.FromInt(98)), nil))
	assert.Equal(t, models.OrderStatusPending, second.Status())

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, second.Status())

	pending, _ := account.GetPendingOrders(ctx)
	assert.Empty(t, pending)
	assert.Error(t, account.ModifyOrder(ctx, second.ID, nil, models.DecimalPtr(decimal.One)))
}

func TestGoodTillDateOrderExpires(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart})
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(1, "100", "101"), quote(10, "100", "101")})
	account := newTestAccount(t, e, decimal.FromInt(1000))

	d := buy("1")
	d.LimitPrice = models.DecimalPtr(decimal.FromInt(50))
	d.TimeInForce = models.TimeInForceGoodTillDate
	d.ExpirationDate = seriesStart.Add(5 * time.Second)
	order, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, order.Status())

	_, err = e.ElapseTime(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, order.Status())

	_, err = e.ElapseTime(ctx, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExpired, order.Status())
}

func TestLatencyElapsesVirtualTime(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart, Latency: FixedLatency(3 * time.Second)})
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(0, "100", "101"), quote(2, "200", "201")})
	account := newTestAccount(t, e, decimal.FromInt(1000))

	order, err := account.PlaceOrder(ctx, buy("1"))
	require.NoError(t, err)
	assert.Equal(t, seriesStart.Add(3*time.Second), e.LocalDate())
	price, ok := order.ExecutionPrice()
	require.True(t, ok)
	assert.Equal(t, "201", price.String())
}

func TestCustomizerPanicsAreRecovered(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{
		LocalDate:  seriesStart,
		Commission: func(*models.Order, ExecutionInfo) (string, decimal.Decimal) { panic("boom") },
		Latency:    func(Account) time.Duration { panic("boom") },
	})
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(0, "100", "101")})
	account := newTestAccount(t, e, decimal.FromInt(1000))

	order, err := account.PlaceOrder(ctx, buy("1"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusExecuted, order.Status())
	assert.True(t, order.Trades()[0].Commission.IsZero())
}

func TestDispatchTableDeliversToEachOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(0, "100", "101"), quote(1, "89", "90")})
	_, err := e.ElapseTicks(ctx, 1)
	require.NoError(t, err)
	account := newTestAccount(t, e, decimal.FromInt(1000))

	statuses := map[string][]models.OrderStatus{}
	record := func(ev events.Event) {
		change := ev.Payload.(models.StatusChangeEvent)
		statuses[change.Order.ID] = append(statuses[change.Order.ID], change.Status)
	}

	var orders []*models.Order
	for i := 0; i < 3; i++ {
		d := buy("1")
		d.LimitPrice = models.DecimalPtr(decimal.FromInt(95))
		d.Listeners = map[string]events.Listener{models.EventStatusChange: record}
		o, err := account.PlaceOrder(ctx, d)
		require.NoError(t, err)
		orders = append(orders, o)
	}
	for _, o := range orders {
		assert.True(t, e.dispatch.tracked(o.ID))
	}

	_, err = e.ElapseTicks(ctx, 1)
	require.NoError(t, err)

	for _, o := range orders {
		assert.Equal(t, []models.OrderStatus{
			models.OrderStatusAccepted, models.OrderStatusPending, models.OrderStatusExecuted,
		}, statuses[o.ID])
		assert.False(t, e.dispatch.tracked(o.ID))
	}
}

func TestFeedConfirmationParksDispatch(t *testing.T) {
	e := NewEngine(EngineConfig{LocalDate: seriesStart})
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(1, "1", "2"), quote(2, "1", "2")})
	e.SetWaitFeedConfirmation(true)

	seen := make(chan time.Time, 2)
	e.On(models.EventTick, func(ev events.Event) {
		seen <- ev.Payload.(models.TickEvent).Tick.Date
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.ElapseTime(context.Background(), 5*time.Second)
		done <- err
	}()

	<-seen
	select {
	case <-seen:
		t.Fatal("second tick dispatched before confirmation")
	case <-time.After(50 * time.Millisecond):
	}

	e.NextFeed()
	<-seen
	e.NextFeed()
	require.NoError(t, <-done)
}

func TestFeedConfirmationHonoursContext(t *testing.T) {
	e := NewEngine(EngineConfig{LocalDate: seriesStart, WaitFeedConfirmation: true})
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(1, "1", "2")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.ElapseTime(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProcessTickDropsStaleTicks(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart})

	var count int
	e.On(models.EventTick, func(events.Event) { count++ })

	require.NoError(t, e.ProcessTick(ctx, quote(2, "1", "2")))
	require.NoError(t, e.ProcessTick(ctx, quote(1, "1", "2")))
	require.NoError(t, e.ProcessTick(ctx, quote(3, "1", "2")))

	assert.Equal(t, 2, count)
	assert.Equal(t, seriesStart.Add(3*time.Second), e.LocalDate())

	elapsed, err := e.ElapseTime(ctx, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, elapsed.Ticks)
}

func TestEquityValuesAssetsAtBid(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart})
	e.AddSymbolTicks("ETHUSD", []models.Tick{quote(0, "100", "101")})
	account, err := e.CreateAccount(AccountConfig{
		BalanceSheet: map[string]decimal.Decimal{"USD": decimal.FromInt(50), "ETH": decimal.FromInt(2), "DOGE": decimal.FromInt(7)},
	})
	require.NoError(t, err)

	equity, err := account.GetEquity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "250", equity.String())

	sheet, _ := account.GetBalanceSheet(ctx)
	require.Len(t, sheet, 3)
	assert.Equal(t, "USD", sheet[0].Asset)

	assert.True(t, errors.Is(account.Withdraw(ctx, "USD", decimal.FromInt(51)), errors.ErrInsufficientFunds))
	require.NoError(t, account.Deposit(ctx, "USD", decimal.One))
	require.NoError(t, account.Withdraw(ctx, "USD", decimal.FromInt(51)))
	balance, _ := account.GetBalance(ctx)
	assert.True(t, balance.IsZero())
}

func TestCreateAccountRejectsDuplicates(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.CreateAccount(AccountConfig{ID: "a"})
	require.NoError(t, err)
	_, err = e.CreateAccount(AccountConfig{ID: "a"})
	assert.True(t, errors.Is(err, errors.ErrAlreadyRegistered))

	_, err = e.GetAccount("b")
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))
}

func TestProcessPeriodInProgressQuotesAtCurrentDate(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart})
	require.NoError(t, e.ProcessTick(ctx, quote(30, "100", "101")))

	bar := models.Period{Symbol: "ETHUSD", Timeframe: models.M1, StartDate: seriesStart, Close: decimal.FromInt(102), InProgress: true}
	require.NoError(t, e.ProcessPeriod(ctx, bar))
	assert.Equal(t, seriesStart.Add(30*time.Second), e.LocalDate())
	assert.Empty(t, e.GetSymbolPeriods("ETHUSD", models.M1))

	bar.InProgress = false
	require.NoError(t, e.ProcessPeriod(ctx, bar))
	assert.Equal(t, seriesStart.Add(time.Minute), e.LocalDate())
	assert.Len(t, e.GetSymbolPeriods("ETHUSD", models.M1), 1)
}

func TestNegativeEquityClosesPositionsOnEverySymbol(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart})
	account, err := e.CreateAccount(AccountConfig{
		BalanceSheet: map[string]decimal.Decimal{"USD": decimal.FromInt(20)},
		Symbols: []models.SymbolParams{
			{Symbol: "AAAUSD", BaseAsset: "AAA", QuoteAsset: "USD"},
			{Symbol: "BBBUSD", BaseAsset: "BBB", QuoteAsset: "USD"},
		},
	})
	require.NoError(t, err)

	at := func(symbol string, sec int, bid, ask string) models.Tick {
		tick := quote(sec, bid, ask)
		tick.Symbol = symbol
		return tick
	}
	require.NoError(t, e.ProcessTick(ctx, at("AAAUSD", 1, "9", "10")))
	require.NoError(t, e.ProcessTick(ctx, at("BBBUSD", 1, "9", "10")))
	for _, symbol := range []string{"AAAUSD", "BBBUSD"} {
		order, err := account.PlaceOrder(ctx, models.OrderDirectives{Symbol: symbol, Direction: models.OrderDirectionBuy, Volume: decimal.One})
		require.NoError(t, err)
		require.Equal(t, models.OrderStatusExecuted, order.Status())
	}

	require.NoError(t, e.ProcessTick(ctx, at("BBBUSD", 2, "0", "0.5")))
	positions, _ := account.GetOpenPositions(ctx)
	require.Len(t, positions, 2)

	// Only AAAUSD ticks, but the whole account is flattened.
	require.NoError(t, e.ProcessTick(ctx, at("AAAUSD", 3, "0", "0.5")))
	positions, _ = account.GetOpenPositions(ctx)
	assert.Empty(t, positions)

	trades, _ := account.GetTrades(ctx, "BBBUSD")
	require.Len(t, trades, 2)
	assert.Equal(t, models.TradePurposeClose, trades[1].Purpose)
	assert.Equal(t, seriesStart.Add(3*time.Second), trades[1].ExecutionDate)
}

func TestInterruptedElapseKeepsUndispatchedTicks(t *testing.T) {
	e := NewEngine(EngineConfig{LocalDate: seriesStart, WaitFeedConfirmation: true})
	ticks := []models.Tick{quote(1, "1", "2"), quote(2, "3", "4"), quote(3, "5", "6")}
	e.AddSymbolTicks("ETHUSD", ticks)

	var seen []time.Time
	e.On(models.EventTick, func(ev events.Event) {
		seen = append(seen, ev.Payload.(models.TickEvent).Tick.Date)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	elapsed, err := e.ElapseTime(ctx, 10*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, elapsed.Ticks, 1)

	e.SetWaitFeedConfirmation(false)
	elapsed, err = e.ElapseTime(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, elapsed.Ticks, 2)
	assert.Equal(t, []time.Time{ticks[0].Date, ticks[1].Date, ticks[2].Date}, seen)

	rest, err := e.ElapseTicks(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestProtectionCloseAppliesLatency(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(EngineConfig{LocalDate: seriesStart, Latency: FixedLatency(3 * time.Second)})
	e.AddSymbolTicks("ETHUSD", []models.Tick{
		quote(0, "100", "101"),
		quote(5, "94", "95"),
		quote(7, "90", "91"),
	})
	account := newTestAccount(t, e, decimal.FromInt(1000))

	d := buy("1")
	d.Protection = &models.Protection{StopLoss: models.DecimalPtr(decimal.FromInt(95))}
	order, err := account.PlaceOrder(ctx, d)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusExecuted, order.Status())
	position, ok := e.GetPosition(order.PositionID())
	require.True(t, ok)

	// The stop triggers at 5s and the close lands after the account latency.
	_, err = e.ElapseTime(ctx, 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, models.PositionStatusClosed, position.Status())
	require.Len(t, position.Trades(), 2)
	closing := position.Trades()[1]
	assert.Equal(t, "90", closing.ExecutionPrice.String())
	assert.Equal(t, seriesStart.Add(8*time.Second), closing.ExecutionDate)
	assert.Equal(t, seriesStart.Add(8*time.Second), e.LocalDate())

	var rejected int
	for _, o := range e.GetOrdersByAccount(account.ID()) {
		if o.Status() == models.OrderStatusRejected {
			rejected++
		}
	}
	assert.Zero(t, rejected)
}
