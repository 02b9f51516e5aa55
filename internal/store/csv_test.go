package store

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/errors"
	"tradesim/internal/models"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2022-01-01T10:00:00Z", storeStart.Add(10 * time.Hour)},
		{"2022-01-01T12:00:00+02:00", storeStart.Add(10 * time.Hour)},
		{"2022-01-01 10:00:00", storeStart.Add(10 * time.Hour)},
		{"2022-01-01", storeStart},
		{"1640995200000", storeStart},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(tt.want), "%s parsed to %s", tt.in, got)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, err := ParseDate("yesterday")
	assert.Error(t, err)
}

func TestReadTicks(t *testing.T) {
	input := `date,bid,ask
# recorded feed
2022-01-01T00:00:00Z,3700.5,3701
2022-01-01T00:00:01Z,3700.5,3701.5
1640995202000,3702,3703
`
	ticks, err := ReadTicks(strings.NewReader(input), "ETHUSD")
	require.NoError(t, err)
	require.Len(t, ticks, 3)

	assert.Equal(t, "ETHUSD", ticks[0].Symbol)
	assert.Equal(t, "3700.5", ticks[0].Bid.String())
	assert.Equal(t, models.TickMovementUnknown, ticks[0].Movement)
	assert.Equal(t, models.TickMovementAsk, ticks[1].Movement)
	assert.Equal(t, models.TickMovementBidAsk, ticks[2].Movement)
	assert.True(t, ticks[2].Date.Equal(storeStart.Add(2*time.Second)))
}

func TestReadTicksRejectsBadRows(t *testing.T) {
	tests := map[string]string{
		"bid above ask":   "2022-01-01,2,1\n",
		"bad number":      "2022-01-01,x,1\n",
		"field count":     "2022-01-01,1\n2022-01-02,1\n",
		"dates backwards": "2022-01-02,1,1\n2022-01-01,1,1\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadTicks(strings.NewReader(input), "ETHUSD")
			var derr *errors.DataError
			require.True(t, errors.As(err, &derr), "got %v", err)
			assert.Equal(t, "ticks", derr.DataType)
			assert.Equal(t, "ETHUSD", derr.Symbol)
		})
	}
}

func TestReadPeriods(t *testing.T) {
	input := `date,open,high,low,close,volume
2022-01-01,10,12,9,11,100
2022-01-02,11,11,10,10
`
	periods, err := ReadPeriods(strings.NewReader(input), "ETHUSD", models.D1)
	require.NoError(t, err)
	require.Len(t, periods, 2)

	assert.Equal(t, models.D1, periods[0].Timeframe)
	assert.False(t, periods[0].InProgress)
	assert.Equal(t, "100", periods[0].Volume.String())
	assert.True(t, periods[1].Volume.IsZero())
	assert.True(t, periods[1].StartDate.Equal(storeStart.AddDate(0, 0, 1)))

	_, err = ReadPeriods(strings.NewReader("2022-01-01,10,9,9,11\n"), "ETHUSD", models.D1)
	assert.Error(t, err, "high below close")

	_, err = ReadPeriods(strings.NewReader("2022-01-01,1,1,1,1\n2022-01-01,1,1,1,1\n"), "ETHUSD", models.D1)
	assert.Error(t, err, "duplicate start date")

	_, err = ReadPeriods(strings.NewReader(""), "ETHUSD", 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidTimeframe))
}

func TestWriteThenReadCSV(t *testing.T) {
	ticks, err := ReadTicks(strings.NewReader("2022-01-01T00:00:00.250Z,1.25,1.5\n"), "ETHUSD")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteTicks(&buf, ticks))
	again, err := ReadTicks(&buf, "ETHUSD")
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.True(t, again[0].Date.Equal(ticks[0].Date))
	assert.True(t, again[0].Ask.Equal(ticks[0].Ask))

	periods, err := ReadPeriods(strings.NewReader("2022-01-01,10,12,9,11,100\n"), "ETHUSD", models.H4)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, WritePeriods(&buf, periods))
	assert.Equal(t, "date,open,high,low,close,volume\n2022-01-01T00:00:00Z,10,12,9,11,100\n", buf.String())
}
