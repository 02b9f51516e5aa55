package trading

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/events"
	"tradesim/internal/logging"
	"tradesim/internal/models"
)

// Backtester replays recorded feeds through a fresh engine per run.
type Backtester struct {
	logger zerolog.Logger
}

// NewBacktester creates a backtester.
func NewBacktester(logger zerolog.Logger) *Backtester {
	return &Backtester{logger: logging.WithOperation(logger, "backtest")}
}

// Run executes a backtest with the given configuration.
func (b *Backtester) Run(ctx context.Context, config BacktestConfig) (*BacktestResult, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.EquityTimeframe == 0 {
		config.EquityTimeframe = models.D1
	}
	step := config.Step
	if step <= 0 {
		step = defaultStep(config)
	}

	logger := b.logger.With().Str("strategy", config.Strategy.Name()).Logger()

	engineCfg := broker.EngineConfig{
		LocalDate:  config.From,
		Commission: config.Commission,
		Logger:     logger,
	}
	if config.Latency > 0 {
		engineCfg.Latency = broker.FixedLatency(config.Latency)
	}
	engine := broker.NewEngine(engineCfg)

	account, err := engine.CreateAccount(broker.AccountConfig{
		ID:           "backtest",
		OwnerName:    config.Strategy.Name(),
		PrimaryAsset: config.PrimaryAsset,
		BalanceSheet: config.BalanceSheet,
		Symbols:      config.Symbols,
	})
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	symbols := make([]string, 0, len(config.Feeds))
	for symbol := range config.Feeds {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		feed := config.Feeds[symbol]
		engine.AddSymbolTicks(symbol, feed.Ticks)
		engine.AddSymbolPeriods(symbol, feed.Periods)
	}

	startEquity, err := account.GetEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("start equity: %w", err)
	}

	result := &BacktestResult{
		Strategy:    config.Strategy.Name(),
		Account:     account,
		Engine:      engine,
		StartEquity: startEquity,
		EquityCurve: []EquityPoint{{Timestamp: config.From, Equity: startEquity}},
	}

	strategy := config.Strategy
	fail := func(kind string, err error) {
		result.StrategyErrors++
		logger.Warn().Err(err).Str("callback", kind).Time("date", engine.LocalDate()).Msg("Strategy callback failed")
	}

	// Each listener acknowledges its event once the strategy has returned.
	engine.SetWaitFeedConfirmation(true)
	subscriptions := []string{
		engine.On(models.EventTick, func(ev events.Event) {
			defer engine.NextFeed()
			tick := ev.Payload.(models.TickEvent).Tick
			if err := strategy.OnTick(ctx, account, tick); err != nil {
				fail("tick", err)
			}
		}),
		engine.On(models.EventPeriodUpdate, func(events.Event) {
			engine.NextFeed()
		}),
		engine.Handle(models.EventPeriodClose, func(ev events.Event) error {
			defer engine.NextFeed()
			period := ev.Payload.(models.PeriodEvent).Period
			if err := strategy.OnPeriodClose(ctx, account, period); err != nil {
				fail("period-close", err)
			}
			if period.Timeframe != config.EquityTimeframe {
				return nil
			}
			equity, err := account.GetEquity(ctx)
			if err != nil {
				return errors.Wrap(err, "equity curve")
			}
			result.EquityCurve = append(result.EquityCurve, EquityPoint{Timestamp: period.EndDate(), Equity: equity})
			return nil
		}),
	}
	defer func() {
		for _, id := range subscriptions {
			engine.Unsubscribe(id)
		}
		engine.SetWaitFeedConfirmation(false)
	}()

	for engine.LocalDate().Before(config.To) {
		advance := config.To.Sub(engine.LocalDate())
		if advance > step {
			advance = step
		}
		if _, err := engine.ElapseTime(ctx, advance); err != nil {
			return nil, fmt.Errorf("replaying feeds: %w", err)
		}
	}

	finalEquity, err := account.GetEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("final equity: %w", err)
	}
	result.FinalEquity = finalEquity
	if last := result.EquityCurve[len(result.EquityCurve)-1]; last.Timestamp.Before(config.To) {
		result.EquityCurve = append(result.EquityCurve, EquityPoint{Timestamp: config.To, Equity: finalEquity})
	}

	result.Trades, err = account.GetTrades(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing trades: %w", err)
	}
	result.RoundTrips = BuildRoundTrips(result.Trades)
	result.Metrics = CalculateMetrics(result.StartEquity, result.FinalEquity, result.EquityCurve, result.RoundTrips)

	logger.Info().
		Str("start_equity", startEquity.StringFixed(2)).
		Str("final_equity", finalEquity.StringFixed(2)).
		Int("trades", len(result.Trades)).
		Int("round_trips", len(result.RoundTrips)).
		Float64("total_return", result.Metrics.TotalReturn).
		Msg("Backtest complete")
	return result, nil
}

// RunAll runs one backtest per strategy concurrently over the same feeds.
// Results are returned in the order of strategies.
func (b *Backtester) RunAll(ctx context.Context, config BacktestConfig, strategies []Strategy) ([]*BacktestResult, error) {
	results := make([]*BacktestResult, len(strategies))
	g, ctx := errgroup.WithContext(ctx)
	for i, strategy := range strategies {
		i, strategy := i, strategy
		cfg := config
		cfg.Strategy = strategy
		g.Go(func() error {
			result, err := b.Run(ctx, cfg)
			if err != nil {
				return fmt.Errorf("%s: %w", strategy.Name(), err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// validateConfig validates the backtest configuration.
func validateConfig(config BacktestConfig) error {
	if config.Strategy == nil {
		return errors.NewValidationError("strategy", nil, "strategy is required", errors.ErrConfigInvalid)
	}
	if len(config.Symbols) == 0 {
		return errors.NewValidationError("symbols", nil, "at least one symbol is required", errors.ErrConfigInvalid)
	}
	if config.From.IsZero() {
		return errors.NewValidationError("from", config.From, "start date is required", errors.ErrConfigInvalid)
	}
	if config.To.IsZero() {
		return errors.NewValidationError("to", config.To, "end date is required", errors.ErrConfigInvalid)
	}
	if !config.To.After(config.From) {
		return errors.NewValidationError("to", config.To, "end date must be after start date", errors.ErrConfigInvalid)
	}
	funded := false
	for asset, amount := range config.BalanceSheet {
		if amount.IsNegative() {
			return errors.NewValidationError("balance_sheet", asset, "balances must not be negative", errors.ErrConfigInvalid)
		}
		if amount.IsPositive() {
			funded = true
		}
	}
	if !funded {
		return errors.NewValidationError("balance_sheet", nil, "initial capital must be positive", errors.ErrConfigInvalid)
	}
	return nil
}

func defaultStep(config BacktestConfig) time.Duration {
	var shortest models.Timeframe
	for _, feed := range config.Feeds {
		for _, p := range feed.Periods {
			if shortest == 0 || p.Timeframe < shortest {
				shortest = p.Timeframe
			}
		}
	}
	if shortest == 0 {
		shortest = config.EquityTimeframe
	}
	return shortest.Duration()
}

type openLeg struct {
	symbol    string
	direction models.PositionDirection
	volume    decimal.Decimal
	average   decimal.Decimal
}

// BuildRoundTrips replays trades per position and emits one round trip per
// closing trade, priced against the running average entry.
func BuildRoundTrips(trades []*models.Trade) []RoundTrip {
	legs := make(map[string]*openLeg)
	var trips []RoundTrip

	for _, trade := range trades {
		if trade.Status != models.TradeStatusExecuted {
			continue
		}
		leg, ok := legs[trade.PositionID]
		if !ok {
			leg = &openLeg{symbol: trade.Symbol, direction: trade.Direction.PositionDirection()}
			legs[trade.PositionID] = leg
		}

		if !trade.IsClosing() {
			total := leg.volume.Add(trade.Volume)
			leg.average = leg.average.Mul(leg.volume).Add(trade.ExecutionPrice.Mul(trade.Volume)).MustDiv(total)
			leg.volume = total
			continue
		}

		closed := decimal.Min(trade.Volume, leg.volume)
		move := trade.ExecutionPrice.Sub(leg.average)
		if leg.direction == models.PositionDirectionShort {
			move = move.Neg()
		}
		trips = append(trips, RoundTrip{
			PositionID: trade.PositionID,
			Symbol:     leg.symbol,
			Direction:  leg.direction,
			EntryPrice: leg.average,
			ExitPrice:  trade.ExecutionPrice,
			Volume:     closed,
			ExitTime:   trade.ExecutionDate,
			PnL:        move.Mul(closed).Sub(trade.Commission),
		})

		if rest := trade.Volume.Sub(leg.volume); rest.IsPositive() {
			leg.direction = leg.direction.Opposite()
			leg.volume = rest
			leg.average = trade.ExecutionPrice
		} else {
			leg.volume = leg.volume.Sub(closed)
			if leg.volume.IsZero() {
				leg.average = decimal.Zero
			}
		}
	}
	return trips
}

// CalculateMetrics derives performance metrics from the equity curve and
// the realized round trips.
func CalculateMetrics(startEquity, finalEquity decimal.Decimal, curve []EquityPoint, trips []RoundTrip) Metrics {
	var m Metrics
	start, final := startEquity.Float64(), finalEquity.Float64()

	if start > 0 {
		m.TotalReturn = (final - start) / start * 100
	}

	if len(curve) > 1 && start > 0 && final > 0 {
		days := curve[len(curve)-1].Timestamp.Sub(curve[0].Timestamp).Hours() / 24
		if days > 0 {
			years := days / 365
			m.AnnualizedReturn = (math.Pow(final/start, 1/years) - 1) * 100
		}
	}

	m.MaxDrawdown = maxDrawdown(curve) * 100
	m.SharpeRatio = sharpeRatio(curve)

	m.TotalTrades = len(trips)
	if m.TotalTrades == 0 {
		return m
	}

	var totalWins, totalLosses float64
	for _, trip := range trips {
		pnl := trip.PnL.Float64()
		if pnl > 0 {
			m.WinningTrades++
			totalWins += pnl
		} else {
			m.LosingTrades++
			totalLosses += pnl
		}
	}

	m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	if m.WinningTrades > 0 {
		m.AvgWin = totalWins / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses / float64(m.LosingTrades)
	}
	if totalLosses < 0 {
		m.ProfitFactor = totalWins / math.Abs(totalLosses)
	}
	return m
}

// maxDrawdown returns the largest peak-to-trough decline as a fraction.
func maxDrawdown(curve []EquityPoint) float64 {
	var peak, worst float64
	for i, point := range curve {
		equity := point.Equity.Float64()
		if i == 0 || equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpeRatio annualizes the per-sample returns of the equity curve
// assuming daily samples.
func sharpeRatio(curve []EquityPoint) float64 {
	if len(curve) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (curve[i].Equity.Float64()-prev)/prev)
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	stdDev := math.Sqrt(variance)

	if stdDev == 0 {
		return 0
	}

	riskFreeRate := 0.05 / 252 // 5% annual risk-free rate
	return (mean - riskFreeRate) / stdDev * math.Sqrt(252)
}

// GenerateEquityCurveASCII renders the equity curve as a terminal chart.
func GenerateEquityCurveASCII(curve []EquityPoint, width, height int) string {
	if len(curve) == 0 || width <= 0 || height <= 0 {
		return "No data to display"
	}

	minEquity := curve[0].Equity.Float64()
	maxEquity := minEquity
	for _, point := range curve {
		equity := point.Equity.Float64()
		minEquity = math.Min(minEquity, equity)
		maxEquity = math.Max(maxEquity, equity)
	}

	equityRange := maxEquity - minEquity
	if equityRange == 0 {
		equityRange = 1
	}
	minEquity -= equityRange * 0.05
	maxEquity += equityRange * 0.05
	equityRange = maxEquity - minEquity

	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}

	step := len(curve) / width
	if step == 0 {
		step = 1
	}

	for x := 0; x < width && x*step < len(curve); x++ {
		y := int((curve[x*step].Equity.Float64() - minEquity) / equityRange * float64(height-1))
		if y >= 0 && y < height {
			grid[height-1-y][x] = '█'
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Equity Curve (%.0f - %.0f)\n", minEquity, maxEquity))
	sb.WriteString(strings.Repeat("─", width+2) + "\n")
	for _, row := range grid {
		sb.WriteRune('│')
		sb.WriteString(string(row))
		sb.WriteRune('│')
		sb.WriteRune('\n')
	}
	sb.WriteString(strings.Repeat("─", width+2) + "\n")

	return sb.String()
}

// StrategyComparison represents a comparison of strategy performance.
type StrategyComparison struct {
	Strategy         string
	TotalReturn      float64
	AnnualizedReturn float64
	WinRate          float64
	MaxDrawdown      float64
	SharpeRatio      float64
	TotalTrades      int
	ProfitFactor     float64
}

// CompareStrategies ranks backtest results by Sharpe ratio, best first.
func CompareStrategies(results []*BacktestResult) []StrategyComparison {
	comparisons := make([]StrategyComparison, 0, len(results))
	for _, result := range results {
		comparisons = append(comparisons, StrategyComparison{
			Strategy:         result.Strategy,
			TotalReturn:      result.Metrics.TotalReturn,
			AnnualizedReturn: result.Metrics.AnnualizedReturn,
			WinRate:          result.Metrics.WinRate,
			MaxDrawdown:      result.Metrics.MaxDrawdown,
			SharpeRatio:      result.Metrics.SharpeRatio,
			TotalTrades:      result.Metrics.TotalTrades,
			ProfitFactor:     result.Metrics.ProfitFactor,
		})
	}

	sort.SliceStable(comparisons, func(i, j int) bool {
		return comparisons[i].SharpeRatio > comparisons[j].SharpeRatio
	})
	return comparisons
}
