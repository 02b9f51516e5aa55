package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// Accepted date layouts besides epoch milliseconds.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDate parses an RFC3339 date, a plain "2006-01-02[ 15:04:05]" date in
// UTC, or epoch milliseconds.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// ReadTicks reads "date,bid,ask" rows. A header row is skipped. Dates must
// not decrease.
func ReadTicks(r io.Reader, symbol string) ([]models.Tick, error) {
	var ticks []models.Tick
	err := readRows(r, symbol, "ticks", 3, 3, func(line int, record []string) error {
		date, err := ParseDate(record[0])
		if err != nil {
			return err
		}
		bid, err := decimal.New(record[1])
		if err != nil {
			return err
		}
		ask, err := decimal.New(record[2])
		if err != nil {
			return err
		}
		if bid.GreaterThan(ask) {
			return fmt.Errorf("bid %s above ask %s", bid, ask)
		}
		if n := len(ticks); n > 0 && date.Before(ticks[n-1].Date) {
			return fmt.Errorf("date %s before previous row", date.Format(time.RFC3339))
		}
		ticks = append(ticks, models.Tick{
			Symbol:   symbol,
			Bid:      bid,
			Ask:      ask,
			Date:     date,
			Movement: tickMovement(ticks, bid, ask),
		})
		return nil
	})
	return ticks, err
}

func tickMovement(prev []models.Tick, bid, ask decimal.Decimal) models.TickMovement {
	if len(prev) == 0 {
		return models.TickMovementUnknown
	}
	last := prev[len(prev)-1]
	bidMoved, askMoved := !last.Bid.Equal(bid), !last.Ask.Equal(ask)
	switch {
	case bidMoved && askMoved:
		return models.TickMovementBidAsk
	case bidMoved:
		return models.TickMovementBid
	case askMoved:
		return models.TickMovementAsk
	}
	return models.TickMovementUnknown
}

// ReadPeriods reads "date,open,high,low,close[,volume]" rows as closed bars of
// the given timeframe. A header row is skipped. Start dates must increase.
func ReadPeriods(r io.Reader, symbol string, timeframe models.Timeframe) ([]models.Period, error) {
	if timeframe <= 0 {
		return nil, errors.NewDataError("periods", symbol, "missing timeframe", errors.ErrInvalidTimeframe)
	}

	var periods []models.Period
	err := readRows(r, symbol, "periods", 5, 6, func(line int, record []string) error {
		date, err := ParseDate(record[0])
		if err != nil {
			return err
		}
		values := make([]decimal.Decimal, 5)
		for i := 1; i < len(record); i++ {
			if values[i-1], err = decimal.New(record[i]); err != nil {
				return err
			}
		}
		p := models.Period{
			Symbol:         symbol,
			Timeframe:      timeframe,
			StartDate:      date,
			Open:           values[0],
			High:           values[1],
			Low:            values[2],
			Close:          values[3],
			Volume:         values[4],
			QuotationPrice: models.QuotationBid,
		}
		if p.High.LessThan(decimal.Max(p.Open, p.Close, p.Low)) || p.Low.GreaterThan(decimal.Min(p.Open, p.Close)) {
			return fmt.Errorf("inconsistent OHLC %s/%s/%s/%s", p.Open, p.High, p.Low, p.Close)
		}
		if n := len(periods); n > 0 && !date.After(periods[n-1].StartDate) {
			return fmt.Errorf("date %s not after previous row", date.Format(time.RFC3339))
		}
		periods = append(periods, p)
		return nil
	})
	return periods, err
}

// readRows iterates CSV records, skipping blank lines, '#' comments and a
// leading header whose first column is not a date.
func readRows(r io.Reader, symbol, dataType string, minFields, maxFields int, fn func(line int, record []string) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewDataError(dataType, symbol, "malformed csv", err)
		}
		line, _ := reader.FieldPos(0)
		isFirst := first
		first = false

		if isFirst {
			if _, err := ParseDate(record[0]); err != nil {
				continue
			}
		}
		if len(record) < minFields || len(record) > maxFields {
			return errors.NewDataError(dataType, symbol,
				fmt.Sprintf("line %d: expected %d to %d fields, got %d", line, minFields, maxFields, len(record)), nil)
		}
		if err := fn(line, record); err != nil {
			return errors.NewDataError(dataType, symbol, fmt.Sprintf("line %d", line), err)
		}
	}
}

// ReadTicksFile reads a tick CSV file.
func ReadTicksFile(path, symbol string) ([]models.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadTicks(f, symbol)
}

// ReadPeriodsFile reads a period CSV file.
func ReadPeriodsFile(path, symbol string, timeframe models.Timeframe) ([]models.Period, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadPeriods(f, symbol, timeframe)
}

// WriteTicks writes ticks in the format ReadTicks accepts.
func WriteTicks(w io.Writer, ticks []models.Tick) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "bid", "ask"}); err != nil {
		return err
	}
	for _, t := range ticks {
		if err := cw.Write([]string{t.Date.UTC().Format(time.RFC3339Nano), t.Bid.String(), t.Ask.String()}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WritePeriods writes periods in the format ReadPeriods accepts.
func WritePeriods(w io.Writer, periods []models.Period) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, p := range periods {
		record := []string{
			p.StartDate.UTC().Format(time.RFC3339Nano),
			p.Open.String(), p.High.String(), p.Low.String(), p.Close.String(), p.Volume.String(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
