package trading

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// ParamKind is the declared type of a strategy parameter.
type ParamKind int

const (
	ParamInt ParamKind = iota
	ParamDecimal
	ParamTimeframe
)

func (k ParamKind) String() string {
	switch k {
	case ParamInt:
		return "int"
	case ParamDecimal:
		return "decimal"
	case ParamTimeframe:
		return "timeframe"
	default:
		return "unknown"
	}
}

// ParamSpec declares a named, typed strategy parameter with its default.
type ParamSpec struct {
	Name    string
	Kind    ParamKind
	Default interface{}
}

// StrategyParams holds typed parameter values checked against their specs.
type StrategyParams struct {
	specs  map[string]ParamSpec
	values map[string]interface{}
}

// NewStrategyParams creates parameters initialized to their declared defaults.
func NewStrategyParams(specs ...ParamSpec) *StrategyParams {
	p := &StrategyParams{
		specs:  make(map[string]ParamSpec, len(specs)),
		values: make(map[string]interface{}, len(specs)),
	}
	for _, s := range specs {
		p.specs[s.Name] = s
		p.values[s.Name] = s.Default
	}
	return p
}

// Set converts value to the declared kind and stores it.
func (p *StrategyParams) Set(name string, value interface{}) error {
	spec, ok := p.specs[name]
	if !ok {
		return errors.NewValidationError(name, value, "unknown strategy parameter", errors.ErrConfigInvalid)
	}
	converted, err := convertParam(spec.Kind, value)
	if err != nil {
		return errors.NewValidationError(name, value, fmt.Sprintf("expected %s: %v", spec.Kind, err), errors.ErrConfigInvalid)
	}
	p.values[name] = converted
	return nil
}

func convertParam(kind ParamKind, value interface{}) (interface{}, error) {
	switch kind {
	case ParamInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("%v is not whole", v)
			}
			return int(v), nil
		case string:
			return strconv.Atoi(v)
		}
	case ParamDecimal:
		switch v := value.(type) {
		case decimal.Decimal:
			return v, nil
		case int:
			return decimal.FromInt(int64(v)), nil
		case int64:
			return decimal.FromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v)
		case string:
			return decimal.New(v)
		}
	case ParamTimeframe:
		switch v := value.(type) {
		case models.Timeframe:
			return v, nil
		case string:
			return models.ParseTimeframe(v)
		}
	}
	return nil, fmt.Errorf("unsupported value type %T", value)
}

// Int returns an int parameter.
func (p *StrategyParams) Int(name string) int {
	v, _ := p.values[name].(int)
	return v
}

// Decimal returns a decimal parameter.
func (p *StrategyParams) Decimal(name string) decimal.Decimal {
	v, _ := p.values[name].(decimal.Decimal)
	return v
}

// Timeframe returns a timeframe parameter.
func (p *StrategyParams) Timeframe(name string) models.Timeframe {
	v, _ := p.values[name].(models.Timeframe)
	return v
}

// Names returns the declared parameter names, sorted.
func (p *StrategyParams) Names() []string {
	names := make([]string, 0, len(p.specs))
	for name := range p.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrategyFactory builds a strategy from its parameters.
type StrategyFactory func(params *StrategyParams, logger zerolog.Logger) (Strategy, error)

type catalogEntry struct {
	specs   []ParamSpec
	factory StrategyFactory
}

// Catalog maps strategy names to their parameter specs and factories.
type Catalog struct {
	entries map[string]catalogEntry
	logger  zerolog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger zerolog.Logger) *Catalog {
	return &Catalog{entries: make(map[string]catalogEntry), logger: logger}
}

// DefaultCatalog returns a catalog with the built-in strategies.
func DefaultCatalog(logger zerolog.Logger) *Catalog {
	c := NewCatalog(logger)
	c.Register("sma_crossover", smaCrossoverSpecs, newSMACrossover)
	c.Register("rsi_reversion", rsiReversionSpecs, newRSIReversion)
	c.Register("buy_and_hold", buyAndHoldSpecs, newBuyAndHold)
	return c
}

// Register adds a strategy to the catalog, replacing any with the same name.
func (c *Catalog) Register(name string, specs []ParamSpec, factory StrategyFactory) {
	c.entries[strings.ToLower(name)] = catalogEntry{specs: specs, factory: factory}
}

// Names returns the registered strategy names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the parameter declarations of the named strategy.
func (c *Catalog) Specs(name string) ([]ParamSpec, bool) {
	entry, ok := c.entries[strings.ToLower(name)]
	return entry.specs, ok
}

// New builds the named strategy with overrides applied over the defaults.
func (c *Catalog) New(name string, overrides map[string]interface{}) (Strategy, error) {
	entry, ok := c.entries[strings.ToLower(name)]
	if !ok {
		return nil, errors.NewValidationError("strategy", name, "unknown strategy", errors.ErrConfigInvalid)
	}
	params := NewStrategyParams(entry.specs...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := params.Set(k, overrides[k]); err != nil {
			return nil, err
		}
	}
	return entry.factory(params, c.logger.With().Str("strategy", name).Logger())
}

func openPositionOn(ctx context.Context, account broker.Account, symbol string) (*models.Position, error) {
	positions, err := account.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p, nil
		}
	}
	return nil, nil
}

func placeLong(ctx context.Context, account broker.Account, symbol string, volume decimal.Decimal, label string, logger zerolog.Logger) error {
	order, err := account.PlaceOrder(ctx, models.OrderDirectives{
		Symbol:    symbol,
		Direction: models.OrderDirectionBuy,
		Volume:    volume,
		Label:     label,
	})
	if err != nil {
		return err
	}
	if order.IsRejected() {
		logger.Debug().Str("symbol", symbol).Str("rejection", order.Rejection().String()).Msg("Entry rejected")
	}
	return nil
}

// smaCrossover goes long when the fast SMA of period closes crosses above
// the slow SMA and exits on the opposite cross.
type smaCrossover struct {
	fast, slow int
	volume     decimal.Decimal
	timeframe  models.Timeframe
	closes     map[string][]decimal.Decimal
	logger     zerolog.Logger
}

var smaCrossoverSpecs = []ParamSpec{
	{Name: "fast", Kind: ParamInt, Default: 10},
	{Name: "slow", Kind: ParamInt, Default: 20},
	{Name: "volume", Kind: ParamDecimal, Default: decimal.One},
	{Name: "timeframe", Kind: ParamTimeframe, Default: models.D1},
}

func newSMACrossover(params *StrategyParams, logger zerolog.Logger) (Strategy, error) {
	fast, slow := params.Int("fast"), params.Int("slow")
	if fast <= 0 || slow <= fast {
		return nil, errors.NewValidationError("fast", fast, "need 0 < fast < slow", errors.ErrConfigInvalid)
	}
	if !params.Decimal("volume").IsPositive() {
		return nil, errors.NewValidationError("volume", params.Decimal("volume").String(), "must be positive", errors.ErrConfigInvalid)
	}
	return &smaCrossover{
		fast:      fast,
		slow:      slow,
		volume:    params.Decimal("volume"),
		timeframe: params.Timeframe("timeframe"),
		closes:    make(map[string][]decimal.Decimal),
		logger:    logger,
	}, nil
}

func (s *smaCrossover) Name() string { return "sma_crossover" }

func (s *smaCrossover) OnTick(context.Context, broker.Account, models.Tick) error { return nil }

func (s *smaCrossover) OnPeriodClose(ctx context.Context, account broker.Account, period models.Period) error {
	if period.Timeframe != s.timeframe {
		return nil
	}
	closes := append(s.closes[period.Symbol], period.Close)
	if len(closes) > s.slow+1 {
		closes = closes[1:]
	}
	s.closes[period.Symbol] = closes
	if len(closes) < s.slow+1 {
		return nil
	}

	last := len(closes) - 1
	fastNow, slowNow := sma(closes, last, s.fast), sma(closes, last, s.slow)
	fastPrev, slowPrev := sma(closes, last-1, s.fast), sma(closes, last-1, s.slow)

	position, err := openPositionOn(ctx, account, period.Symbol)
	if err != nil {
		return err
	}

	switch {
	case fastPrev.LessThanOrEqual(slowPrev) && fastNow.GreaterThan(slowNow) && position == nil:
		return placeLong(ctx, account, period.Symbol, s.volume, s.Name(), s.logger)
	case fastPrev.GreaterThanOrEqual(slowPrev) && fastNow.LessThan(slowNow) && position != nil:
		_, err := position.Close(ctx)
		return err
	}
	return nil
}

// sma averages the period values ending at index.
func sma(values []decimal.Decimal, index, period int) decimal.Decimal {
	if index < period-1 {
		return decimal.Zero
	}
	return decimal.Sum(values[index-period+1 : index+1]...).MustDiv(decimal.FromInt(int64(period)))
}

// rsiReversion buys when RSI crosses up through the oversold level and
// exits when it crosses down through the overbought level.
type rsiReversion struct {
	period     int
	oversold   float64
	overbought float64
	volume     decimal.Decimal
	timeframe  models.Timeframe
	closes     map[string][]float64
	logger     zerolog.Logger
}

var rsiReversionSpecs = []ParamSpec{
	{Name: "period", Kind: ParamInt, Default: 14},
	{Name: "oversold", Kind: ParamDecimal, Default: decimal.FromInt(30)},
	{Name: "overbought", Kind: ParamDecimal, Default: decimal.FromInt(70)},
	{Name: "volume", Kind: ParamDecimal, Default: decimal.One},
	{Name: "timeframe", Kind: ParamTimeframe, Default: models.D1},
}

func newRSIReversion(params *StrategyParams, logger zerolog.Logger) (Strategy, error) {
	period := params.Int("period")
	if period <= 1 {
		return nil, errors.NewValidationError("period", period, "must be greater than 1", errors.ErrConfigInvalid)
	}
	return &rsiReversion{
		period:     period,
		oversold:   params.Decimal("oversold").Float64(),
		overbought: params.Decimal("overbought").Float64(),
		volume:     params.Decimal("volume"),
		timeframe:  params.Timeframe("timeframe"),
		closes:     make(map[string][]float64),
		logger:     logger,
	}, nil
}

func (s *rsiReversion) Name() string { return "rsi_reversion" }

func (s *rsiReversion) OnTick(context.Context, broker.Account, models.Tick) error { return nil }

func (s *rsiReversion) OnPeriodClose(ctx context.Context, account broker.Account, period models.Period) error {
	if period.Timeframe != s.timeframe {
		return nil
	}
	closes := append(s.closes[period.Symbol], period.Close.Float64())
	if len(closes) > s.period+2 {
		closes = closes[1:]
	}
	s.closes[period.Symbol] = closes
	if len(closes) < s.period+2 {
		return nil
	}

	last := len(closes) - 1
	now, prev := rsi(closes, last, s.period), rsi(closes, last-1, s.period)

	position, err := openPositionOn(ctx, account, period.Symbol)
	if err != nil {
		return err
	}

	switch {
	case prev <= s.oversold && now > s.oversold && position == nil:
		return placeLong(ctx, account, period.Symbol, s.volume, s.Name(), s.logger)
	case prev >= s.overbought && now < s.overbought && position != nil:
		_, err := position.Close(ctx)
		return err
	}
	return nil
}

func rsi(closes []float64, index, period int) float64 {
	if index < period {
		return 50
	}

	var gains, losses float64
	for i := index - period + 1; i <= index; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	if losses == 0 {
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - (100 / (1 + rs))
}

// buyAndHold buys once on the first tick of each symbol.
type buyAndHold struct {
	volume decimal.Decimal
	bought map[string]bool
	logger zerolog.Logger
}

var buyAndHoldSpecs = []ParamSpec{
	{Name: "volume", Kind: ParamDecimal, Default: decimal.One},
}

func newBuyAndHold(params *StrategyParams, logger zerolog.Logger) (Strategy, error) {
	return &buyAndHold{volume: params.Decimal("volume"), bought: make(map[string]bool), logger: logger}, nil
}

func (s *buyAndHold) Name() string { return "buy_and_hold" }

func (s *buyAndHold) OnTick(ctx context.Context, account broker.Account, tick models.Tick) error {
	if s.bought[tick.Symbol] {
		return nil
	}
	s.bought[tick.Symbol] = true
	return placeLong(ctx, account, tick.Symbol, s.volume, s.Name(), s.logger)
}

func (s *buyAndHold) OnPeriodClose(context.Context, broker.Account, models.Period) error { return nil }
