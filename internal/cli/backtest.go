package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/internal/store"
	"tradesim/internal/trading"
)

// backtestPlan is a fully resolved backtest request.
type backtestPlan struct {
	strategies []string
	symbols    []string
	timeframe  models.Timeframe
	from       time.Time
	to         time.Time
	params     map[string]string
	csvFiles   []string
	step       time.Duration
}

func newBacktestCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest strategies on recorded data",
		Long: `Replay recorded feeds through a fresh engine and report performance.

Feeds come from the store, or from CSV files given with --csv. Strategy,
symbols, timeframe, window and parameters default to the [backtest] section
of the configuration.`,
		Example: `  tradesim backtest --symbols ETHUSD --from 2022-01-01 --to 2022-06-01
  tradesim backtest --strategy rsi_reversion --param period=10 --param volume=0.5
  tradesim backtest --csv ETHUSD_H1.csv --timeframe H1 --compare all
  tradesim backtest --symbols BTCUSD --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			plan, err := resolveBacktestPlan(cmd, app)
			if err != nil {
				output.Error("%v", err)
				return err
			}

			feeds, err := loadBacktestFeeds(ctx, app, plan)
			if err != nil {
				output.Error("Loading feeds failed: %v", err)
				return err
			}
			if plan.from.IsZero() || plan.to.IsZero() {
				first, last := feedWindow(feeds)
				if plan.from.IsZero() {
					plan.from = first
				}
				if plan.to.IsZero() {
					plan.to = last
				}
			}
			composeMissingPeriods(feeds, plan.timeframe, plan.from)

			config, err := app.backtestConfig(plan, feeds)
			if err != nil {
				return err
			}
			strategies, err := app.buildStrategies(plan)
			if err != nil {
				output.Error("%v", err)
				return err
			}

			backtester := trading.NewBacktester(app.Logger)
			var results []*trading.BacktestResult
			if len(strategies) == 1 {
				config.Strategy = strategies[0]
				result, err := backtester.Run(ctx, config)
				if err != nil {
					output.Error("Backtest failed: %v", err)
					return err
				}
				results = []*trading.BacktestResult{result}
			} else {
				results, err = backtester.RunAll(ctx, config, strategies)
				if err != nil {
					output.Error("Backtest failed: %v", err)
					return err
				}
			}

			var runIDs []string
			if save, _ := cmd.Flags().GetBool("save"); save {
				runIDs, err = saveResults(ctx, app, plan, results)
				if err != nil {
					output.Error("Saving runs failed: %v", err)
					return err
				}
			}

			if output.IsJSON() {
				return output.JSON(backtestReport(results, runIDs))
			}

			if len(results) > 1 {
				displayComparison(output, trading.CompareStrategies(results))
			} else {
				showTrades, _ := cmd.Flags().GetBool("trades")
				displayResult(output, results[0], config.PrimaryAsset, showTrades)
			}
			for _, id := range runIDs {
				output.Dim("Saved run %s", id)
			}
			return nil
		},
	}

	cmd.Flags().String("strategy", "", "strategy name (default from config)")
	cmd.Flags().StringSlice("compare", nil, "run several strategies side by side; 'all' runs the catalog")
	cmd.Flags().StringSlice("symbols", nil, "symbols to trade (default from config)")
	cmd.Flags().String("timeframe", "", "bar timeframe (default from config)")
	addWindowFlags(cmd)
	cmd.Flags().StringArray("param", nil, "strategy parameter override, name=value")
	cmd.Flags().StringSlice("csv", nil, "read feeds from CSV files instead of the store")
	cmd.Flags().Duration("step", 0, "clock advance per replay iteration (default: shortest timeframe)")
	cmd.Flags().Bool("save", false, "save runs, trades and equity curves to the journal")
	cmd.Flags().Bool("trades", false, "list every trade")
	return cmd
}

func resolveBacktestPlan(cmd *cobra.Command, app *App) (*backtestPlan, error) {
	bt := app.Config.Backtest
	plan := &backtestPlan{params: make(map[string]string)}

	strategy, _ := cmd.Flags().GetString("strategy")
	if strategy == "" {
		strategy = bt.Strategy
	}
	compare, _ := cmd.Flags().GetStringSlice("compare")
	switch {
	case len(compare) == 1 && strings.EqualFold(compare[0], "all"):
		plan.strategies = app.Catalog.Names()
	case len(compare) > 0:
		plan.strategies = compare
	default:
		plan.strategies = []string{strategy}
	}

	plan.csvFiles, _ = cmd.Flags().GetStringSlice("csv")
	plan.symbols, _ = cmd.Flags().GetStringSlice("symbols")
	if len(plan.symbols) == 0 && len(plan.csvFiles) == 0 {
		plan.symbols = append([]string(nil), bt.Symbols...)
	}
	for i, s := range plan.symbols {
		plan.symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	label, _ := cmd.Flags().GetString("timeframe")
	if label == "" {
		label = bt.Timeframe
	}
	tf, err := models.ParseTimeframe(label)
	if err != nil {
		return nil, err
	}
	plan.timeframe = tf

	plan.from, plan.to, err = app.Config.BacktestWindow()
	if err != nil {
		return nil, err
	}
	from, to, err := windowFlags(cmd)
	if err != nil {
		return nil, err
	}
	if !from.IsZero() {
		plan.from = from
	}
	if !to.IsZero() {
		plan.to = to
	}

	for name, value := range bt.Params {
		plan.params[name] = value
	}
	overrides, _ := cmd.Flags().GetStringArray("param")
	for _, kv := range overrides {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, errors.NewValidationError("param", kv, "expected name=value", errors.ErrConfigInvalid)
		}
		plan.params[strings.ToLower(name)] = value
	}

	plan.step, _ = cmd.Flags().GetDuration("step")
	return plan, nil
}

// loadBacktestFeeds reads feeds from CSV files when given, the store otherwise.
func loadBacktestFeeds(ctx context.Context, app *App, plan *backtestPlan) (map[string]trading.Feed, error) {
	if len(plan.csvFiles) > 0 {
		return loadCSVFeeds(plan)
	}
	if len(plan.symbols) == 0 {
		return nil, errors.NewValidationError("symbols", nil, "no symbols given", errors.ErrConfigInvalid)
	}
	st, err := app.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	feeds, err := trading.LoadFeeds(ctx, st, plan.symbols, plan.timeframe, plan.from, plan.to)
	if err != nil {
		return nil, err
	}
	for _, symbol := range plan.symbols {
		if feed := feeds[symbol]; len(feed.Ticks) == 0 && len(feed.Periods) == 0 {
			return nil, errors.NewDataError("feed", symbol, "no stored data in the window", errors.ErrDataNotFound)
		}
	}
	return feeds, nil
}

func loadCSVFeeds(plan *backtestPlan) (map[string]trading.Feed, error) {
	wanted := make(map[string]bool, len(plan.symbols))
	for _, s := range plan.symbols {
		wanted[s] = true
	}

	feeds := make(map[string]trading.Feed)
	for _, path := range plan.csvFiles {
		file, err := store.ParseImportPath(path)
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[file.Symbol] {
			continue
		}
		feed := feeds[file.Symbol]
		switch file.Kind {
		case store.ImportTicks:
			ticks, err := store.ReadTicksFile(file.Path, file.Symbol)
			if err != nil {
				return nil, err
			}
			feed.Ticks = append(feed.Ticks, inWindow(ticks, plan.from, plan.to, func(t models.Tick) time.Time { return t.Date })...)
		case store.ImportPeriods:
			periods, err := store.ReadPeriodsFile(file.Path, file.Symbol, file.Timeframe)
			if err != nil {
				return nil, err
			}
			feed.Periods = append(feed.Periods, inWindow(periods, plan.from, plan.to, func(p models.Period) time.Time { return p.StartDate })...)
		}
		feeds[file.Symbol] = feed
	}
	if len(feeds) == 0 {
		return nil, errors.NewDataError("feed", strings.Join(plan.symbols, ","), "no CSV file matches the symbols", errors.ErrDataNotFound)
	}

	plan.symbols = plan.symbols[:0]
	for symbol := range feeds {
		plan.symbols = append(plan.symbols, symbol)
	}
	sort.Strings(plan.symbols)
	return feeds, nil
}

// inWindow keeps items dated in [from, to). Zero bounds are open.
func inWindow[T any](items []T, from, to time.Time, date func(T) time.Time) []T {
	kept := items[:0:0]
	for _, item := range items {
		d := date(item)
		if (!from.IsZero() && d.Before(from)) || (!to.IsZero() && !d.Before(to)) {
			continue
		}
		kept = append(kept, item)
	}
	return kept
}

// feedWindow returns the first date and the end of the last data point.
func feedWindow(feeds map[string]trading.Feed) (time.Time, time.Time) {
	var first, last time.Time
	observe := func(start, end time.Time) {
		if first.IsZero() || start.Before(first) {
			first = start
		}
		if end.After(last) {
			last = end
		}
	}
	for _, feed := range feeds {
		for _, t := range feed.Ticks {
			observe(t.Date, t.Date.Add(time.Nanosecond))
		}
		for _, p := range feed.Periods {
			observe(p.StartDate, p.EndDate())
		}
	}
	return first, last
}

// composeMissingPeriods builds bars from ticks for symbols that have no bars
// of the timeframe.
func composeMissingPeriods(feeds map[string]trading.Feed, timeframe models.Timeframe, from time.Time) {
	if timeframe == 0 {
		return
	}
	for symbol, feed := range feeds {
		if len(feed.Ticks) == 0 {
			continue
		}
		hasTimeframe := false
		for _, p := range feed.Periods {
			if p.Timeframe == timeframe {
				hasTimeframe = true
				break
			}
		}
		if hasTimeframe {
			continue
		}
		start := from.Truncate(timeframe.Duration())
		feed.Periods = append(feed.Periods, models.ComposePeriods(feed.Ticks, start, timeframe, models.QuotationBid, -1)...)
		feeds[symbol] = feed
	}
}

// SplitSymbol derives the base and quote assets of a symbol. A known asset
// suffix wins; otherwise the last three letters are the quote.
func SplitSymbol(symbol string, knownAssets ...string) models.SymbolParams {
	params := models.SymbolParams{Symbol: symbol}
	for _, asset := range knownAssets {
		if asset != "" && len(symbol) > len(asset) && strings.HasSuffix(symbol, asset) {
			params.BaseAsset, params.QuoteAsset = strings.TrimSuffix(symbol, asset), asset
			return params
		}
	}
	if len(symbol) > 3 {
		params.BaseAsset, params.QuoteAsset = symbol[:len(symbol)-3], symbol[len(symbol)-3:]
	}
	return params
}

func (a *App) backtestConfig(plan *backtestPlan, feeds map[string]trading.Feed) (trading.BacktestConfig, error) {
	balances, err := a.Config.Balances()
	if err != nil {
		return trading.BacktestConfig{}, err
	}
	commission, err := a.Config.Commission()
	if err != nil {
		return trading.BacktestConfig{}, err
	}

	known := append([]string{a.Config.Account.PrimaryAsset}, a.Config.Assets()...)
	symbols := make([]models.SymbolParams, len(plan.symbols))
	for i, s := range plan.symbols {
		symbols[i] = SplitSymbol(s, known...)
	}

	return trading.BacktestConfig{
		Symbols:         symbols,
		Feeds:           feeds,
		From:            plan.from,
		To:              plan.to,
		PrimaryAsset:    a.Config.Account.PrimaryAsset,
		BalanceSheet:    balances,
		Commission:      commission,
		Latency:         a.Config.Latency(),
		EquityTimeframe: plan.timeframe,
		Step:            plan.step,
	}, nil
}

// buildStrategies instantiates the planned strategies. Each receives the
// parameters it declares; a declared timeframe follows the backtest one
// unless overridden.
func (a *App) buildStrategies(plan *backtestPlan) ([]trading.Strategy, error) {
	strategies := make([]trading.Strategy, 0, len(plan.strategies))
	for _, name := range plan.strategies {
		specs, ok := a.Catalog.Specs(name)
		if !ok {
			return nil, errors.NewValidationError("strategy", name, "unknown strategy", errors.ErrConfigInvalid)
		}
		overrides := make(map[string]interface{})
		for _, spec := range specs {
			if value, ok := plan.params[spec.Name]; ok {
				overrides[spec.Name] = value
			} else if spec.Kind == trading.ParamTimeframe {
				overrides[spec.Name] = plan.timeframe
			}
		}
		if len(plan.strategies) == 1 {
			for name, value := range plan.params {
				if _, ok := overrides[name]; !ok {
					a.Logger.Warn().Str("param", name).Str("value", value).Msg("Parameter ignored by strategy")
				}
			}
		}
		strategy, err := a.Catalog.New(name, overrides)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		strategies = append(strategies, strategy)
	}
	return strategies, nil
}

func saveResults(ctx context.Context, app *App, plan *backtestPlan, results []*trading.BacktestResult) ([]string, error) {
	st, err := app.Store(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	ids := make([]string, 0, len(results))
	for _, result := range results {
		run := &store.Run{
			ID:          uuid.NewString(),
			Strategy:    result.Strategy,
			Symbols:     plan.symbols,
			From:        plan.from,
			To:          plan.to,
			StartEquity: result.StartEquity,
			FinalEquity: result.FinalEquity,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.SaveRun(ctx, run); err != nil {
			return nil, err
		}
		if err := st.LogTrades(ctx, run.ID, result.Trades); err != nil {
			return nil, err
		}
		points := make([]store.EquityPoint, len(result.EquityCurve))
		for i, p := range result.EquityCurve {
			points[i] = store.EquityPoint{Timestamp: p.Timestamp, Equity: p.Equity}
		}
		if err := st.SaveEquityCurve(ctx, run.ID, points); err != nil {
			return nil, err
		}
		app.Logger.Info().Str("run_id", run.ID).Str("strategy", run.Strategy).Int("trades", len(result.Trades)).Msg("Run saved")
		ids = append(ids, run.ID)
	}
	return ids, nil
}

type backtestSummary struct {
	RunID          string                `json:"run_id,omitempty"`
	Strategy       string                `json:"strategy"`
	StartEquity    decimal.Decimal       `json:"start_equity"`
	FinalEquity    decimal.Decimal       `json:"final_equity"`
	Metrics        trading.Metrics       `json:"metrics"`
	Trades         []*models.Trade       `json:"trades"`
	EquityCurve    []trading.EquityPoint `json:"equity_curve"`
	StrategyErrors int                   `json:"strategy_errors"`
}

func backtestReport(results []*trading.BacktestResult, runIDs []string) []backtestSummary {
	report := make([]backtestSummary, len(results))
	for i, r := range results {
		report[i] = backtestSummary{
			Strategy:       r.Strategy,
			StartEquity:    r.StartEquity,
			FinalEquity:    r.FinalEquity,
			Metrics:        r.Metrics,
			Trades:         r.Trades,
			EquityCurve:    r.EquityCurve,
			StrategyErrors: r.StrategyErrors,
		}
		if i < len(runIDs) {
			report[i].RunID = runIDs[i]
		}
	}
	return report
}

func displayResult(output *Output, result *trading.BacktestResult, asset string, showTrades bool) {
	output.Bold("Backtest: %s", result.Strategy)
	output.Println()
	displayMetrics(output, result.StartEquity, result.FinalEquity, asset, result.Metrics)
	if result.StrategyErrors > 0 {
		output.Warning("%d strategy callbacks failed, see the log", result.StrategyErrors)
	}
	output.Println()
	if len(result.EquityCurve) > 1 {
		output.Println(trading.GenerateEquityCurveASCII(result.EquityCurve, 60, 10))
	}
	if showTrades {
		displayTrades(output, result.Trades)
	}
}

func displayMetrics(output *Output, start, final decimal.Decimal, asset string, m trading.Metrics) {
	output.Box("Performance", []string{
		fmt.Sprintf("Start equity:   %s", FormatMoney(start, asset)),
		fmt.Sprintf("Final equity:   %s", FormatMoney(final, asset)),
		fmt.Sprintf("Total return:   %s", output.FormatPercent(m.TotalReturn)),
		fmt.Sprintf("Annualized:     %s", output.FormatPercent(m.AnnualizedReturn)),
		fmt.Sprintf("Max drawdown:   %.2f%%", m.MaxDrawdown),
		fmt.Sprintf("Sharpe ratio:   %.2f", m.SharpeRatio),
		fmt.Sprintf("Round trips:    %d (%d won, %d lost)", m.TotalTrades, m.WinningTrades, m.LosingTrades),
		fmt.Sprintf("Win rate:       %.1f%%", m.WinRate),
		fmt.Sprintf("Profit factor:  %.2f", m.ProfitFactor),
	})
}

func displayComparison(output *Output, comparisons []trading.StrategyComparison) {
	output.Bold("Strategy comparison")
	table := NewTable(output, "#", "Strategy", "Return", "Annual", "Drawdown", "Sharpe", "Win rate", "Trips", "PF")
	for i, c := range comparisons {
		table.AddRow(
			fmt.Sprintf("%d", i+1),
			c.Strategy,
			output.FormatPercent(c.TotalReturn),
			output.FormatPercent(c.AnnualizedReturn),
			fmt.Sprintf("%.2f%%", c.MaxDrawdown),
			fmt.Sprintf("%.2f", c.SharpeRatio),
			fmt.Sprintf("%.1f%%", c.WinRate),
			fmt.Sprintf("%d", c.TotalTrades),
			fmt.Sprintf("%.2f", c.ProfitFactor),
		)
	}
	table.Render()
}
