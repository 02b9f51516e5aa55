package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatting(t *testing.T) {
	assert.Equal(t, "1,234,567.89 USD", FormatAmount(1234567.891, "USD"))
	assert.Equal(t, "-999.50", FormatAmount(-999.5, ""))
	assert.Equal(t, "+12.00 USD", FormatPnL(12, "USD"))
	assert.Equal(t, "-3.10 USD", FormatPnL(-3.1, "USD"))
	assert.Equal(t, "+1.50%", FormatPercent(1.5))
	assert.Equal(t, "-2.25%", FormatPercent(-2.25))
	assert.Equal(t, "1.50M", FormatCompact(1_500_000))
	assert.Equal(t, "-2.00K", FormatCompact(-2000))
	assert.Equal(t, "999.00", FormatCompact(999))
}

func TestFormatSpan(t *testing.T) {
	assert.Equal(t, "30s", FormatSpan(30*time.Second))
	assert.Equal(t, "1h 30m", FormatSpan(90*time.Minute))
	assert.Equal(t, "3d 4h", FormatSpan(76*time.Hour+10*time.Minute))
	assert.Equal(t, "1d", FormatSpan(24*time.Hour))
}

func TestRetry(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	fatal := errors.New("fatal")
	cfg.ShouldRetry = func(err error) bool { return err != fatal }
	calls = 0
	_, err = RetryWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, fatal
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.ShouldRetry = nil
	cfg.InitialDelay, cfg.MaxDelay = time.Hour, time.Hour
	err = Retry(ctx, cfg, func() error { return errors.New("busy") })
	assert.Equal(t, context.Canceled, err)
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(5, 100*time.Millisecond, time.Second, 2))
}
