package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
)

// Timeframe is a bar length in seconds.
type Timeframe int64

const (
	S1  Timeframe = 1
	M1  Timeframe = 60
	M5  Timeframe = 300
	M15 Timeframe = 900
	M30 Timeframe = 1800
	H1  Timeframe = 3600
	H4  Timeframe = 14400
	D1  Timeframe = 86400
	W1  Timeframe = 604800
	MO1 Timeframe = 2592000
	Y1  Timeframe = 31536000
)

// Duration converts the timeframe to a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf) * time.Second
}

func (tf Timeframe) String() string {
	return FormatTimeframe(tf)
}

type timeframeUnit struct {
	prefix  string
	seconds int64
}

// Longest prefixes first so that "MO" wins over "M".
var timeframeUnits = []timeframeUnit{
	{"MO", 2592000},
	{"S", 1},
	{"M", 60},
	{"H", 3600},
	{"D", 86400},
	{"W", 604800},
	{"Y", 31536000},
}

// ParseTimeframe parses labels such as "M5", "H1" or "MO1".
func ParseTimeframe(label string) (Timeframe, error) {
	s := strings.ToUpper(strings.TrimSpace(label))
	for _, unit := range timeframeUnits {
		if !strings.HasPrefix(s, unit.prefix) {
			continue
		}
		n, err := strconv.ParseInt(s[len(unit.prefix):], 10, 64)
		if err != nil || n <= 0 {
			break
		}
		return Timeframe(n * unit.seconds), nil
	}
	return 0, errors.NewValidationError("timeframe", label, "unknown timeframe label", errors.ErrInvalidTimeframe)
}

// FormatTimeframe renders the largest unit that divides tf exactly.
func FormatTimeframe(tf Timeframe) string {
	if tf <= 0 {
		return fmt.Sprintf("%ds", int64(tf))
	}
	order := []timeframeUnit{
		{"Y", 31536000},
		{"MO", 2592000},
		{"W", 604800},
		{"D", 86400},
		{"H", 3600},
		{"M", 60},
		{"S", 1},
	}
	for _, unit := range order {
		if int64(tf)%unit.seconds == 0 {
			return fmt.Sprintf("%s%d", unit.prefix, int64(tf)/unit.seconds)
		}
	}
	return fmt.Sprintf("S%d", int64(tf))
}

// ComposePeriods aggregates ticks into bars of the given timeframe, starting at
// start. Ticks before the current bar are skipped; a tick exactly on a bar's
// end belongs to that bar. A non-negative limit caps the number of bars.
func ComposePeriods(ticks []Tick, start time.Time, tf Timeframe, quotation QuotationPrice, limit int) []Period {
	if len(ticks) == 0 || tf <= 0 {
		return nil
	}
	if quotation == "" {
		quotation = QuotationBid
	}

	var (
		periods     []Period
		bucket      []Tick
		periodStart = start
		periodEnd   = start.Add(tf.Duration())
	)

	flush := func() {
		if len(bucket) == 0 {
			return
		}
		prices := make([]decimal.Decimal, len(bucket))
		for i, t := range bucket {
			prices[i] = t.Price(quotation)
		}
		periods = append(periods, Period{
			Symbol:         ticks[0].Symbol,
			Timeframe:      tf,
			StartDate:      periodStart,
			Open:           prices[0],
			High:           decimal.Max(prices[0], prices[1:]...),
			Low:            decimal.Min(prices[0], prices[1:]...),
			Close:          prices[len(prices)-1],
			Volume:         decimal.Zero,
			QuotationPrice: quotation,
			Ticks:          bucket,
		})
		bucket = nil
	}

	for _, tick := range ticks {
		if limit > -1 && len(periods) == limit {
			return periods
		}
		if tick.Date.Before(periodStart) {
			continue
		}
		if tick.Date.After(periodEnd) {
			flush()
			for tick.Date.After(periodEnd) {
				periodStart = periodEnd
				periodEnd = periodStart.Add(tf.Duration())
			}
		}
		bucket = append(bucket, tick)
	}
	if limit < 0 || len(periods) < limit {
		flush()
	}

	return periods
}
