package models

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"tradesim/internal/decimal"
)

func testTrade(purpose TradePurpose, volume, price decimal.Decimal) *Trade {
	return &Trade{
		ID:             "t",
		Symbol:         "EURUSD",
		Volume:         volume,
		Status:         TradeStatusExecuted,
		Purpose:        purpose,
		ExecutionPrice: price,
	}
}

func lots(hundredths int64) decimal.Decimal {
	return decimal.FromInt(hundredths).MustDiv(decimal.FromInt(100))
}

// Property: For any opening volume v and closing volume c on the same position,
// the resulting volume is |c - v|, the direction flips iff c > v, and the
// position is CLOSED iff c == v.
func TestProperty_PositionAggregation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("closing trades reduce, close or reverse", prop.ForAll(
		func(open, close int64, long bool) bool {
			direction := PositionDirectionShort
			if long {
				direction = PositionDirectionLong
			}
			p := NewPosition(PositionParams{ID: "p", Symbol: "EURUSD", Direction: direction})

			p.ApplyTrade(testTrade(TradePurposeOpen, lots(open), decimal.One))
			p.ApplyTrade(testTrade(TradePurposeClose, lots(close), decimal.One))

			want := lots(close - open).Abs()
			if !p.Volume().Equal(want) {
				return false
			}
			switch {
			case close > open:
				return p.Direction() == direction.Opposite() && p.Status() == PositionStatusOpen
			case close == open:
				return p.Direction() == PositionDirectionNone && p.Status() == PositionStatusClosed
			default:
				return p.Direction() == direction && p.Status() == PositionStatusOpen
			}
		},
		gen.Int64Range(1, 10_000),
		gen.Int64Range(1, 10_000),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Property: For any sequence of opening trades, the volume is their sum and
// the average price is their volume-weighted price.
func TestProperty_PositionAveragePrice(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("average price is volume weighted", prop.ForAll(
		func(volumes []int64, price int64) bool {
			if len(volumes) == 0 {
				return true
			}
			p := NewPosition(PositionParams{ID: "p", Symbol: "BTCUSD", Direction: PositionDirectionLong})
			total := decimal.Zero
			cost := decimal.Zero
			for i, v := range volumes {
				px := decimal.FromInt(price + int64(i))
				p.ApplyTrade(testTrade(TradePurposeOpen, lots(v), px))
				total = total.Add(lots(v))
				cost = cost.Add(px.Mul(lots(v)))
			}
			if !p.Volume().Equal(total) {
				return false
			}
			tolerance := decimal.Must("1e-25")
			return p.AveragePrice().Sub(cost.MustDiv(total)).Abs().LessThanOrEqual(tolerance)
		},
		gen.SliceOf(gen.Int64Range(1, 1000)),
		gen.Int64Range(1, 100_000),
	))

	properties.TestingRun(t)
}
