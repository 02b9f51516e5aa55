package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tradesim/internal/broker"
	"tradesim/internal/decimal"
	"tradesim/internal/errors"
	"tradesim/internal/events"
	"tradesim/internal/models"
	"tradesim/internal/store"
	"tradesim/internal/stream"
	"tradesim/internal/trading"
)

const replayEngine = "replay"

func newReplayCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [symbol]...",
		Short: "Replay recorded ticks through the stream hub",
		Long: `Publish recorded ticks from one producer per symbol into the stream hub,
which serializes them into a live engine. Optional bars are built on the
fly and published as in-progress updates, alerts watch the mid quote, and
market buys are placed on the first quote of their symbol. Without
symbols every stored symbol with ticks is replayed.`,
		Example: `  tradesim replay ETHUSD --from 2022-01-03 --to 2022-01-04 --speed 3600
  tradesim replay ETHUSD BTCUSD --timeframe M5 --alert ETHUSD:cross_above:3705
  tradesim replay ETHUSD --buy ETHUSD:0.5 --print`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			opts, err := resolveReplayOptions(cmd, args)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			if len(opts.symbols) == 0 {
				summaries, err := st.ListSymbols(ctx)
				if err != nil {
					return err
				}
				if opts.symbols = replayableSymbols(summaries); len(opts.symbols) == 0 {
					output.Info("No stored ticks to replay.")
					return nil
				}
			}
			feeds, err := trading.LoadFeeds(ctx, st, opts.symbols, 0, opts.from, opts.to)
			if err != nil {
				return err
			}

			report, err := app.replay(ctx, output, feeds, opts)
			if err != nil {
				output.Error("Replay failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(report)
			}
			displayReplayReport(output, report)
			return nil
		},
	}

	addWindowFlags(cmd)
	cmd.Flags().Float64("speed", 0, "virtual seconds per wall-clock second; 0 replays without pacing")
	cmd.Flags().String("timeframe", "", "build bars of this timeframe from the ticks")
	cmd.Flags().StringArray("alert", nil, "price alert, SYMBOL:condition:price")
	cmd.Flags().StringArray("buy", nil, "market buy on the first quote, SYMBOL:volume")
	cmd.Flags().Bool("print", false, "print every processed tick")
	return cmd
}

type replayOptions struct {
	symbols   []string
	from, to  time.Time
	speed     float64
	timeframe models.Timeframe
	alerts    []*models.Alert
	buys      map[string]decimal.Decimal
	print     bool
}

func resolveReplayOptions(cmd *cobra.Command, args []string) (*replayOptions, error) {
	opts := &replayOptions{buys: make(map[string]decimal.Decimal)}
	for _, s := range args {
		opts.symbols = append(opts.symbols, strings.ToUpper(s))
	}

	var err error
	if opts.from, opts.to, err = windowFlags(cmd); err != nil {
		return nil, err
	}
	if opts.timeframe, err = timeframeFlag(cmd); err != nil {
		return nil, err
	}
	opts.speed, _ = cmd.Flags().GetFloat64("speed")
	opts.print, _ = cmd.Flags().GetBool("print")

	specs, _ := cmd.Flags().GetStringArray("alert")
	for _, spec := range specs {
		alert, err := stream.ParseAlert(spec)
		if err != nil {
			return nil, err
		}
		opts.alerts = append(opts.alerts, alert)
	}

	buys, _ := cmd.Flags().GetStringArray("buy")
	for _, spec := range buys {
		symbol, raw, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, errors.NewValidationError("buy", spec, "expected SYMBOL:volume", errors.ErrConfigInvalid)
		}
		volume, err := decimal.New(raw)
		if err != nil || !volume.IsPositive() {
			return nil, errors.NewValidationError("buy", spec, "volume must be a positive decimal", errors.ErrConfigInvalid)
		}
		opts.buys[strings.ToUpper(symbol)] = volume
	}
	return opts, nil
}

// ReplayReport summarizes a replay.
type ReplayReport struct {
	Metrics   stream.HubMetrics `json:"metrics"`
	LastTicks []models.Tick     `json:"last_ticks"`
	Alerts    []*models.Alert   `json:"alerts"`
	Trades    []*models.Trade   `json:"trades"`
	Bars      int               `json:"bars"`
	Equity    decimal.Decimal   `json:"equity"`
	LocalDate time.Time         `json:"local_date"`
}

// replay pumps the feeds into a hub-driven engine, one producer per symbol.
func (a *App) replay(ctx context.Context, output *Output, feeds map[string]trading.Feed, opts *replayOptions) (*ReplayReport, error) {
	engineCfg, err := a.engineConfig()
	if err != nil {
		return nil, err
	}
	if !opts.from.IsZero() {
		engineCfg.LocalDate = opts.from
	}
	// Hub workers never wait for acknowledgments.
	engineCfg.WaitFeedConfirmation = false
	engine := a.Registry.EngineOrCreate(replayEngine, engineCfg)

	balances, err := a.Config.Balances()
	if err != nil {
		return nil, err
	}
	known := append([]string{a.Config.Account.PrimaryAsset}, a.Config.Assets()...)
	symbols := make([]models.SymbolParams, len(opts.symbols))
	for i, s := range opts.symbols {
		symbols[i] = SplitSymbol(s, known...)
	}
	account, err := engine.CreateAccount(broker.AccountConfig{
		ID:           fmt.Sprintf("%s-%d", replayEngine, len(a.Registry.Accounts())+1),
		OwnerName:    "replay",
		PrimaryAsset: a.Config.Account.PrimaryAsset,
		BalanceSheet: balances,
		Symbols:      symbols,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Registry.RegisterAccount(account); err != nil {
		return nil, err
	}

	var (
		tradesMu sync.Mutex
		trades   []*models.Trade
		bars     int
	)
	onTrade := func(ev events.Event) {
		if msg, ok := ev.Payload.(broker.OrderDispatch); ok && msg.Trade != nil {
			tradesMu.Lock()
			trades = append(trades, msg.Trade)
			tradesMu.Unlock()
		}
	}
	onClose := func(ev events.Event) {
		p := ev.Payload.(models.PeriodEvent).Period
		tradesMu.Lock()
		bars++
		tradesMu.Unlock()
		if opts.print && !output.IsJSON() {
			output.Printf("%s %s %s bar O %s H %s L %s C %s\n", FormatDateTime(p.StartDate), p.Symbol, p.Timeframe,
				FormatPrice(p.Open), FormatPrice(p.High), FormatPrice(p.Low), FormatPrice(p.Close))
		}
	}
	subscriptions := []string{
		engine.On(broker.EventTrade, onTrade),
		engine.On(models.EventPeriodClose, onClose),
	}
	defer func() {
		for _, id := range subscriptions {
			engine.Unsubscribe(id)
		}
	}()

	hub := stream.NewHubWithConfig(engine, stream.HubConfig{Logger: a.Logger})
	hub.Start(ctx)
	defer hub.Stop()

	monitor := stream.NewAlertMonitor(a.Logger)
	for _, alert := range opts.alerts {
		alert.CreatedAt = engine.LocalDate()
		monitor.AddAlert(alert)
	}
	monitor.SetOnTrigger(func(alert *models.Alert, tick models.Tick) {
		if !output.IsJSON() {
			output.Warning("🔔 %s %s %s hit at %s (bid %s, ask %s)", alert.Symbol, alert.Condition,
				FormatPrice(alert.Price), FormatDateTime(tick.Date), FormatPrice(tick.Bid), FormatPrice(tick.Ask))
		}
	})
	hub.RegisterConsumer(monitor)
	hub.RegisterConsumer(&buyOnFirstQuote{hub: hub, account: account, pending: opts.buys, logger: a.Logger})
	if opts.print && !output.IsJSON() {
		hub.RegisterConsumer(tickPrinter{output: output})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range opts.symbols {
		ticks := feeds[symbol].Ticks
		if len(ticks) == 0 {
			a.Logger.Warn().Str("symbol", symbol).Msg("No recorded ticks to replay")
			continue
		}
		g.Go(func() error {
			if opts.timeframe == 0 {
				return stream.PumpTicks(gctx, hub, ticks, opts.speed)
			}
			return pumpWithBars(gctx, hub, ticks, opts.timeframe, opts.speed)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := hub.Wait(ctx); err != nil {
		return nil, err
	}

	report := &ReplayReport{Metrics: hub.GetMetrics(), Alerts: opts.alerts}
	var equityErr error
	hub.Do(func() {
		for _, symbol := range opts.symbols {
			if tick, err := engine.GetSymbolLastTick(symbol); err == nil {
				report.LastTicks = append(report.LastTicks, tick)
			}
		}
		report.LocalDate = engine.LocalDate()
		report.Equity, equityErr = account.GetEquity(ctx)
		tradesMu.Lock()
		report.Trades = append(report.Trades, trades...)
		report.Bars = bars
		tradesMu.Unlock()
	})
	return report, equityErr
}

// pumpWithBars publishes ticks along with the in-progress bar they update
// and each bar once it closes.
func pumpWithBars(ctx context.Context, hub *stream.Hub, ticks []models.Tick, tf models.Timeframe, speed float64) error {
	var bar *models.Period
	for i, tick := range ticks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bar != nil && !tick.Date.Before(bar.EndDate()) {
			closed := *bar
			closed.InProgress = false
			hub.PublishPeriod(closed)
			bar = nil
		}
		hub.Publish(tick)
		if bar == nil {
			bar = &models.Period{
				Symbol:         tick.Symbol,
				Timeframe:      tf,
				StartDate:      tick.Date.Truncate(tf.Duration()),
				Open:           tick.Bid,
				High:           tick.Bid,
				Low:            tick.Bid,
				Volume:         decimal.Zero,
				QuotationPrice: models.QuotationBid,
			}
		}
		bar.High = decimal.Max(bar.High, tick.Bid)
		bar.Low = decimal.Min(bar.Low, tick.Bid)
		bar.Close = tick.Bid
		bar.InProgress = true
		hub.PublishPeriod(*bar)

		if speed > 0 && i+1 < len(ticks) {
			if err := sleepCtx(ctx, time.Duration(float64(ticks[i+1].Date.Sub(tick.Date))/speed)); err != nil {
				return err
			}
		}
	}
	if bar != nil {
		closed := *bar
		closed.InProgress = false
		hub.PublishPeriod(closed)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// buyOnFirstQuote places the requested market buys once their symbol has
// a quote.
type buyOnFirstQuote struct {
	hub     *stream.Hub
	account *broker.PaperAccount
	pending map[string]decimal.Decimal
	logger  zerolog.Logger
}

func (b *buyOnFirstQuote) OnTick(tick models.Tick) {
	volume, ok := b.pending[tick.Symbol]
	if !ok {
		return
	}
	delete(b.pending, tick.Symbol)

	var (
		order *models.Order
		err   error
	)
	b.hub.Do(func() {
		order, err = b.account.PlaceOrder(context.Background(), models.OrderDirectives{
			Symbol:    tick.Symbol,
			Direction: models.OrderDirectionBuy,
			Volume:    volume,
			Label:     "replay",
		})
	})
	switch {
	case err != nil:
		b.logger.Error().Err(err).Str("symbol", tick.Symbol).Msg("Replay order failed")
	case order.IsRejected():
		b.logger.Warn().Str("symbol", tick.Symbol).Str("rejection", order.Rejection().String()).Msg("Replay order rejected")
	}
}

func (b *buyOnFirstQuote) Symbols() []string {
	symbols := make([]string, 0, len(b.pending))
	for s := range b.pending {
		symbols = append(symbols, s)
	}
	return symbols
}

type tickPrinter struct {
	output *Output
}

func (p tickPrinter) OnTick(tick models.Tick) {
	p.output.Printf("%s %s bid %s ask %s\n", FormatDateTime(tick.Date), tick.Symbol, FormatPrice(tick.Bid), FormatPrice(tick.Ask))
}

func (p tickPrinter) Symbols() []string { return nil }

func displayReplayReport(output *Output, report *ReplayReport) {
	m := report.Metrics
	output.Println()
	output.Bold("Replay finished at %s", FormatDateTime(report.LocalDate))
	output.Printf("  Ticks:    %d received, %d processed, %d dropped\n", m.TicksReceived, m.TicksProcessed, m.Dropped)
	output.Printf("  Bars:     %d updates received, %d replaced, %d stale, %d closed\n",
		m.PeriodsReceived, m.UpdatesReplaced, m.StaleUpdates, report.Bars)
	output.Printf("  Equity:   %s\n", FormatMoney(report.Equity, ""))
	output.Println()

	if len(report.LastTicks) > 0 {
		table := NewTable(output, "Symbol", "Bid", "Ask", "Date")
		for _, t := range report.LastTicks {
			table.AddRow(t.Symbol, FormatPrice(t.Bid), FormatPrice(t.Ask), FormatDateTime(t.Date))
		}
		table.Render()
		output.Println()
	}

	if len(report.Alerts) > 0 {
		sort.SliceStable(report.Alerts, func(i, j int) bool { return report.Alerts[i].Symbol < report.Alerts[j].Symbol })
		output.Bold("Alerts")
		for _, alert := range report.Alerts {
			state := output.DimText("waiting")
			if alert.Triggered {
				state = output.Yellow("triggered " + FormatDateTime(alert.TriggeredAt))
			}
			output.Printf("  %s %s %s: %s\n", alert.Symbol, alert.Condition, FormatPrice(alert.Price), state)
		}
		output.Println()
	}

	if len(report.Trades) > 0 {
		displayTrades(output, report.Trades)
	}
}

// replayableSymbols lists the stored symbols that have ticks.
func replayableSymbols(summaries []store.SymbolSummary) []string {
	var symbols []string
	for _, s := range summaries {
		if s.Ticks > 0 {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols
}
