package trading

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

func TestDefaultCatalogNames(t *testing.T) {
	c := DefaultCatalog(zerolog.Nop())
	assert.Equal(t, []string{"buy_and_hold", "rsi_reversion", "sma_crossover"}, c.Names())
}

func TestCatalogAppliesOverrides(t *testing.T) {
	c := DefaultCatalog(zerolog.Nop())

	s, err := c.New("SMA_Crossover", map[string]interface{}{"fast": "3", "slow": 5.0, "timeframe": "H1"})
	require.NoError(t, err)
	sma := s.(*smaCrossover)
	assert.Equal(t, 3, sma.fast)
	assert.Equal(t, 5, sma.slow)
	assert.Equal(t, models.H1, sma.timeframe)
	assert.True(t, sma.volume.Equal(decimal.One))
}

func TestCatalogRejectsBadParameters(t *testing.T) {
	c := DefaultCatalog(zerolog.Nop())

	tests := []struct {
		name      string
		strategy  string
		overrides map[string]interface{}
	}{
		{"unknown strategy", "martingale", nil},
		{"unknown parameter", "sma_crossover", map[string]interface{}{"window": 3}},
		{"fractional int", "sma_crossover", map[string]interface{}{"fast": 1.5}},
		{"bad timeframe", "sma_crossover", map[string]interface{}{"timeframe": "fortnight"}},
		{"fast not below slow", "sma_crossover", map[string]interface{}{"fast": 20, "slow": 20}},
		{"zero volume", "sma_crossover", map[string]interface{}{"volume": "0"}},
		{"short rsi period", "rsi_reversion", map[string]interface{}{"period": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.New(tt.strategy, tt.overrides)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfigInvalid))
		})
	}
}

func TestStrategyParamsDefaults(t *testing.T) {
	p := NewStrategyParams(rsiReversionSpecs...)
	assert.Equal(t, 14, p.Int("period"))
	assert.True(t, p.Decimal("oversold").Equal(decimal.FromInt(30)))
	assert.Equal(t, models.D1, p.Timeframe("timeframe"))
	assert.Equal(t, []string{"overbought", "oversold", "period", "timeframe", "volume"}, p.Names())

	require.NoError(t, p.Set("volume", "0.25"))
	assert.Equal(t, "0.25", p.Decimal("volume").String())
}

func TestSMA(t *testing.T) {
	values := []decimal.Decimal{decimal.FromInt(1), decimal.FromInt(2), decimal.FromInt(3), decimal.FromInt(6)}
	assert.True(t, sma(values, 3, 2).Equal(decimal.Must("4.5")))
	assert.True(t, sma(values, 3, 4).Equal(decimal.Must("3")))
	assert.True(t, sma(values, 1, 3).IsZero())
}

func TestRSI(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5}
	falling := []float64{5, 4, 3, 2, 1}

	assert.Equal(t, 100.0, rsi(rising, 4, 3))
	assert.Equal(t, 0.0, rsi(falling, 4, 3))
	assert.Equal(t, 50.0, rsi(rising, 2, 3))
	assert.InDelta(t, 50.0, rsi([]float64{1, 2, 1, 2, 1}, 4, 4), 1e-9)
}
