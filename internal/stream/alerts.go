package stream

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// AlertCondition represents the type of alert condition.
type AlertCondition string

const (
	// AlertConditionAbove triggers when price goes above the target.
	AlertConditionAbove AlertCondition = "above"
	// AlertConditionBelow triggers when price goes below the target.
	AlertConditionBelow AlertCondition = "below"
	// AlertConditionPercentChange triggers when price moves by Price percent
	// from the first observed quote.
	AlertConditionPercentChange AlertCondition = "percent_change"
	// AlertConditionCrossAbove triggers when price crosses above the target.
	AlertConditionCrossAbove AlertCondition = "cross_above"
	// AlertConditionCrossBelow triggers when price crosses below the target.
	AlertConditionCrossBelow AlertCondition = "cross_below"
)

// ParseAlertCondition validates a condition label.
func ParseAlertCondition(s string) (AlertCondition, error) {
	switch c := AlertCondition(strings.ToLower(strings.TrimSpace(s))); c {
	case AlertConditionAbove, AlertConditionBelow, AlertConditionPercentChange,
		AlertConditionCrossAbove, AlertConditionCrossBelow:
		return c, nil
	}
	return "", errors.NewValidationError("condition", s, "unknown alert condition", errors.ErrConfigInvalid)
}

// ParseAlert parses "SYMBOL:condition:price", e.g. "ETHUSD:cross_above:3705".
func ParseAlert(spec string) (*models.Alert, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 || parts[0] == "" {
		return nil, errors.NewValidationError("alert", spec, "expected SYMBOL:condition:price", errors.ErrConfigInvalid)
	}
	condition, err := ParseAlertCondition(parts[1])
	if err != nil {
		return nil, err
	}
	price, err := decimal.New(parts[2])
	if err != nil {
		return nil, fmt.Errorf("alert %q: %w", spec, err)
	}
	return &models.Alert{
		ID:        uuid.NewString(),
		Symbol:    strings.ToUpper(parts[0]),
		Condition: string(condition),
		Price:     price,
	}, nil
}

// AlertMonitor watches processed ticks for alert conditions. It is a hub
// Consumer.
type AlertMonitor struct {
	mu     sync.Mutex
	alerts map[string][]*models.Alert // symbol -> active alerts
	prev   map[string]decimal.Decimal
	first  map[string]decimal.Decimal

	onTrigger func(*models.Alert, models.Tick)
	logger    zerolog.Logger
}

// NewAlertMonitor creates an alert monitor.
func NewAlertMonitor(logger zerolog.Logger) *AlertMonitor {
	return &AlertMonitor{
		alerts: make(map[string][]*models.Alert),
		prev:   make(map[string]decimal.Decimal),
		first:  make(map[string]decimal.Decimal),
		logger: logger,
	}
}

// SetOnTrigger sets a callback function to be called when an alert triggers.
func (m *AlertMonitor) SetOnTrigger(fn func(*models.Alert, models.Tick)) {
	m.mu.Lock()
	m.onTrigger = fn
	m.mu.Unlock()
}

// AddAlert adds a new alert to monitor.
func (m *AlertMonitor) AddAlert(alert *models.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[alert.Symbol] = append(m.alerts[alert.Symbol], alert)
}

// RemoveAlert removes an alert by ID.
func (m *AlertMonitor) RemoveAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for symbol, alerts := range m.alerts {
		for i, alert := range alerts {
			if alert.ID == alertID {
				m.drop(symbol, i)
				return true
			}
		}
	}
	return false
}

func (m *AlertMonitor) drop(symbol string, i int) {
	alerts := m.alerts[symbol]
	m.alerts[symbol] = append(alerts[:i], alerts[i+1:]...)
	if len(m.alerts[symbol]) == 0 {
		delete(m.alerts, symbol)
	}
}

// GetAlerts returns the active alerts, ordered by symbol.
func (m *AlertMonitor) GetAlerts() []*models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.alerts))
	for symbol := range m.alerts {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var alerts []*models.Alert
	for _, symbol := range symbols {
		alerts = append(alerts, m.alerts[symbol]...)
	}
	return alerts
}

// OnTick implements Consumer.
func (m *AlertMonitor) OnTick(tick models.Tick) {
	m.Check(tick)
}

// Symbols implements Consumer.
func (m *AlertMonitor) Symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.alerts))
	for symbol := range m.alerts {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// Check evaluates every active alert of the tick's symbol against its mid
// quote. Triggered alerts are removed and reported.
func (m *AlertMonitor) Check(tick models.Tick) {
	mid := tick.Mid()

	m.mu.Lock()
	prev, hasPrev := m.prev[tick.Symbol]
	m.prev[tick.Symbol] = mid
	if _, ok := m.first[tick.Symbol]; !ok {
		m.first[tick.Symbol] = mid
	}
	first := m.first[tick.Symbol]

	var fired []*models.Alert
	alerts := m.alerts[tick.Symbol]
	for i := len(alerts) - 1; i >= 0; i-- {
		alert := alerts[i]
		if !isTriggered(alert, mid, prev, hasPrev, first) {
			continue
		}
		alert.Triggered = true
		alert.TriggeredAt = tick.Date
		fired = append(fired, alert)
		m.drop(tick.Symbol, i)
	}
	onTrigger := m.onTrigger
	m.mu.Unlock()

	for i := len(fired) - 1; i >= 0; i-- {
		alert := fired[i]
		m.logger.Info().
			Str("alert_id", alert.ID).
			Str("symbol", alert.Symbol).
			Str("condition", alert.Condition).
			Str("price", alert.Price.String()).
			Str("mid", mid.String()).
			Time("date", tick.Date).
			Msg("Alert triggered")
		if onTrigger != nil {
			onTrigger(alert, tick)
		}
	}
}

// isTriggered checks if an alert condition is met.
func isTriggered(alert *models.Alert, mid, prev decimal.Decimal, hasPrev bool, first decimal.Decimal) bool {
	switch AlertCondition(alert.Condition) {
	case AlertConditionAbove:
		return mid.GreaterThanOrEqual(alert.Price)

	case AlertConditionBelow:
		return mid.LessThanOrEqual(alert.Price)

	case AlertConditionPercentChange:
		if first.IsZero() {
			return false
		}
		change := mid.Sub(first).MustDiv(first).Mul(decimal.FromInt(100)).Abs()
		return change.GreaterThanOrEqual(alert.Price)

	case AlertConditionCrossAbove:
		return hasPrev && prev.LessThan(alert.Price) && mid.GreaterThanOrEqual(alert.Price)

	case AlertConditionCrossBelow:
		return hasPrev && prev.GreaterThan(alert.Price) && mid.LessThanOrEqual(alert.Price)
	}
	return false
}

// GetAlertCount returns the number of active alerts.
func (m *AlertMonitor) GetAlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, alerts := range m.alerts {
		count += len(alerts)
	}
	return count
}

// CreateAlert is a helper to create and add an alert dated at the virtual clock.
func (m *AlertMonitor) CreateAlert(symbol string, condition AlertCondition, price decimal.Decimal, now time.Time) *models.Alert {
	alert := &models.Alert{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Condition: string(condition),
		Price:     price,
		CreatedAt: now,
	}
	m.AddAlert(alert)
	return alert
}
