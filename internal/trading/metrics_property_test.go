package trading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradesim/internal/decimal"
	"tradesim/internal/models"
)

// Property: For any equity curve of positive values and any set of round
// trips, the drawdown stays within [0, 100], wins and losses partition the
// round trips, and the win rate stays within [0, 100].
func TestProperty_MetricsStayInRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("metrics are bounded", prop.ForAll(
		func(equities []int64, pnls []int64) bool {
			curve := make([]EquityPoint, len(equities))
			for i, e := range equities {
				curve[i] = EquityPoint{
					Timestamp: backtestStart.Add(time.Duration(i) * 24 * time.Hour),
					Equity:    decimal.FromInt(e),
				}
			}
			trips := make([]RoundTrip, len(pnls))
			for i, p := range pnls {
				trips[i] = RoundTrip{PnL: decimal.FromInt(p)}
			}

			start, final := decimal.FromInt(1), decimal.FromInt(1)
			if len(equities) > 0 {
				start, final = curve[0].Equity, curve[len(curve)-1].Equity
			}
			m := CalculateMetrics(start, final, curve, trips)

			return m.MaxDrawdown >= 0 && m.MaxDrawdown <= 100 &&
				m.WinningTrades+m.LosingTrades == len(trips) &&
				m.TotalTrades == len(trips) &&
				m.WinRate >= 0 && m.WinRate <= 100 &&
				m.ProfitFactor >= 0
		},
		gen.SliceOf(gen.Int64Range(1, 1_000_000)),
		gen.SliceOf(gen.Int64Range(-1000, 1000)),
	))

	properties.TestingRun(t)
}

// Property: For any sequence of opening fills followed by one full close,
// the single round trip's profit equals the close proceeds minus the total
// entry cost.
func TestProperty_RoundTripMatchesCashFlow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("round trip pnl equals cash flow", prop.ForAll(
		func(prices []int64, exit int64) bool {
			var trades []*models.Trade
			cost, volume := decimal.Zero, decimal.Zero
			for _, p := range prices {
				price := decimal.FromInt(p)
				trades = append(trades, &models.Trade{
					PositionID: "p", Status: models.TradeStatusExecuted, Purpose: models.TradePurposeOpen,
					Direction: models.OrderDirectionBuy, Volume: decimal.One, ExecutionPrice: price,
				})
				cost = cost.Add(price)
				volume = volume.Add(decimal.One)
			}
			exitPrice := decimal.FromInt(exit)
			trades = append(trades, &models.Trade{
				PositionID: "p", Status: models.TradeStatusExecuted, Purpose: models.TradePurposeClose,
				Direction: models.OrderDirectionSell, Volume: volume, ExecutionPrice: exitPrice,
			})

			trips := BuildRoundTrips(trades)
			if len(trips) != 1 {
				return false
			}
			want := exitPrice.Mul(volume).Sub(cost)
			diff := trips[0].PnL.Sub(want).Abs()
			return diff.LessThan(decimal.Must("0.000001"))
		},
		gen.SliceOfN(5, gen.Int64Range(1, 10_000)).SuchThat(func(v []int64) bool { return len(v) > 0 }),
		gen.Int64Range(1, 10_000),
	))

	properties.TestingRun(t)
}

type staticSource struct {
	ticks map[string][]models.Tick
	fail  string
}

func (s staticSource) GetTicks(_ context.Context, symbol string, _, _ time.Time) ([]models.Tick, error) {
	if symbol == s.fail {
		return nil, fmt.Errorf("read %s", symbol)
	}
	return s.ticks[symbol], nil
}

func (s staticSource) GetPeriods(_ context.Context, symbol string, tf models.Timeframe, _, _ time.Time) ([]models.Period, error) {
	return []models.Period{{Symbol: symbol, Timeframe: tf}}, nil
}

func TestLoadFeeds(t *testing.T) {
	source := staticSource{ticks: map[string][]models.Tick{
		"ETHUSD": {{Bid: decimal.One, Ask: decimal.One}},
		"BTCUSD": {{Bid: decimal.One, Ask: decimal.One}, {Bid: decimal.One, Ask: decimal.One}},
	}}

	feeds, err := LoadFeeds(context.Background(), source, []string{"ETHUSD", "BTCUSD"}, models.D1, backtestStart, backtestStart)
	if err != nil {
		t.Fatal(err)
	}
	if len(feeds["ETHUSD"].Ticks) != 1 || len(feeds["BTCUSD"].Ticks) != 2 || len(feeds["BTCUSD"].Periods) != 1 {
		t.Fatalf("unexpected feeds: %+v", feeds)
	}

	noPeriods, err := LoadFeeds(context.Background(), source, []string{"ETHUSD"}, 0, backtestStart, backtestStart)
	if err != nil || noPeriods["ETHUSD"].Periods != nil {
		t.Fatalf("periods loaded without a timeframe: %+v %v", noPeriods, err)
	}

	source.fail = "BTCUSD"
	if _, err := LoadFeeds(context.Background(), source, []string{"ETHUSD", "BTCUSD"}, models.D1, backtestStart, backtestStart); err == nil {
		t.Fatal("expected the failing symbol to abort loading")
	}
}
