package cli

import (
	"strings"
	"time"

	"tradesim/internal/decimal"
	"tradesim/internal/models"
	"tradesim/pkg/utils"
)

// FormatMoney formats a decimal amount with thousands separators.
func FormatMoney(amount decimal.Decimal, asset string) string {
	return utils.FormatAmount(amount.Float64(), asset)
}

// FormatPnL formats a decimal profit with sign.
func FormatPnL(pnl decimal.Decimal, asset string) string {
	return utils.FormatPnL(pnl.Float64(), asset)
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	return utils.FormatPercent(value)
}

// FormatPrice formats a quote keeping up to five decimals and dropping
// trailing zeros past the second.
func FormatPrice(price decimal.Decimal) string {
	s := price.StringFixed(5)
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return s
	}
	trimmed := strings.TrimRight(s, "0")
	if len(trimmed) < dot+3 {
		trimmed = s[:dot+3]
	}
	return trimmed
}

// FormatVolume formats a volume without trailing zeros.
func FormatVolume(volume decimal.Decimal) string {
	return volume.String()
}

// FormatDate formats a virtual clock date.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

// FormatDateTime formats a virtual clock date with time of day.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatTimeframes joins timeframe labels.
func FormatTimeframes(timeframes []models.Timeframe) string {
	if len(timeframes) == 0 {
		return "-"
	}
	labels := make([]string, len(timeframes))
	for i, tf := range timeframes {
		labels[i] = tf.String()
	}
	return strings.Join(labels, ",")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	return utils.FormatSpan(d)
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// ShortID returns the first block of a uuid.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return TruncateString(id, 8)
}
