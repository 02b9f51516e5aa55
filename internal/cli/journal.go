package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"tradesim/internal/errors"
	"tradesim/internal/models"
	"tradesim/internal/store"
	"tradesim/internal/trading"
)

// addJournalCommands adds journal commands.
func addJournalCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Saved backtest runs",
		Long:  "Review the runs, trades and equity curves saved with 'backtest --save'.",
	}

	cmd.AddCommand(newJournalRunsCmd(app))
	cmd.AddCommand(newJournalShowCmd(app))
	cmd.AddCommand(newJournalTradesCmd(app))

	rootCmd.AddCommand(cmd)
}

func newJournalRunsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List saved runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			limit, _ := cmd.Flags().GetInt("limit")

			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			runs, err := st.GetRuns(ctx, limit)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(runs)
			}
			if len(runs) == 0 {
				output.Info("No saved runs.")
				output.Dim("Tip: Runs are recorded with 'tradesim backtest --save'.")
				return nil
			}

			table := NewTable(output, "Run", "Strategy", "Symbols", "Window", "Start", "Final", "Return")
			for _, r := range runs {
				table.AddRow(
					ShortID(r.ID),
					r.Strategy,
					TruncateString(strings.Join(r.Symbols, ","), 24),
					FormatDate(r.From)+" .. "+FormatDate(r.To),
					FormatMoney(r.StartEquity, ""),
					FormatMoney(r.FinalEquity, ""),
					output.FormatPercent(runReturn(r)),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().Int("limit", 20, "runs listed")
	return cmd
}

func runReturn(r store.Run) float64 {
	start := r.StartEquity.Float64()
	if start == 0 {
		return 0
	}
	return (r.FinalEquity.Float64() - start) / start * 100
}

// findRun resolves a full run id or a unique prefix of one.
func findRun(ctx context.Context, st store.FeedStore, id string) (store.Run, error) {
	runs, err := st.GetRuns(ctx, 0)
	if err != nil {
		return store.Run{}, err
	}
	var matches []store.Run
	for _, r := range runs {
		if r.ID == id {
			return r, nil
		}
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return store.Run{}, errors.NewDataError("run", id, "no saved run", errors.ErrDataNotFound)
	case 1:
		return matches[0], nil
	}
	return store.Run{}, errors.NewValidationError("run", id, fmt.Sprintf("prefix matches %d runs", len(matches)), errors.ErrConfigInvalid)
}

func newJournalShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run>",
		Short: "Show the metrics, trades and equity curve of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			run, err := findRun(ctx, st, args[0])
			if err != nil {
				output.Error("%v", err)
				return err
			}
			trades, err := st.GetTrades(ctx, store.TradeFilter{RunID: run.ID})
			if err != nil {
				return err
			}
			stored, err := st.GetEquityCurve(ctx, run.ID)
			if err != nil {
				return err
			}

			curve := make([]trading.EquityPoint, len(stored))
			for i, p := range stored {
				curve[i] = trading.EquityPoint{Timestamp: p.Timestamp, Equity: p.Equity}
			}
			trips := trading.BuildRoundTrips(trades)
			metrics := trading.CalculateMetrics(run.StartEquity, run.FinalEquity, curve, trips)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"run":     run,
					"metrics": metrics,
					"trades":  trades,
					"equity":  stored,
				})
			}

			output.Bold("Run %s: %s on %s", ShortID(run.ID), run.Strategy, strings.Join(run.Symbols, ", "))
			output.Dim("%s .. %s, saved %s", FormatDateTime(run.From), FormatDateTime(run.To), FormatDateTime(run.CreatedAt))
			output.Println()
			displayMetrics(output, run.StartEquity, run.FinalEquity, app.Config.Account.PrimaryAsset, metrics)
			output.Println()
			if len(curve) > 1 {
				output.Bold("Equity")
				output.Println(trading.GenerateEquityCurveASCII(curve, 60, 10))
			}
			displayTrades(output, trades)
			return nil
		},
	}
}

func newJournalTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Search journal trades",
		Example: `  tradesim journal trades --symbol ETHUSD --side BUY
  tradesim journal trades --run 1b2c --from 2022-03-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			from, to, err := windowFlags(cmd)
			if err != nil {
				return err
			}
			symbol, _ := cmd.Flags().GetString("symbol")
			side, _ := cmd.Flags().GetString("side")
			runID, _ := cmd.Flags().GetString("run")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := store.TradeFilter{
				Symbol:    strings.ToUpper(symbol),
				StartDate: from,
				EndDate:   to,
				Limit:     limit,
			}
			if side != "" {
				filter.Direction = models.OrderDirection(strings.ToUpper(side))
				if filter.Direction != models.OrderDirectionBuy && filter.Direction != models.OrderDirectionSell {
					return errors.NewValidationError("side", side, "must be BUY or SELL", errors.ErrConfigInvalid)
				}
			}

			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			if runID != "" {
				run, err := findRun(ctx, st, runID)
				if err != nil {
					return err
				}
				filter.RunID = run.ID
			}

			trades, err := st.GetTrades(ctx, filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			displayTrades(output, trades)
			return nil
		},
	}

	addWindowFlags(cmd)
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().String("side", "", "filter by direction (BUY, SELL)")
	cmd.Flags().String("run", "", "filter by run id or prefix")
	cmd.Flags().Int("limit", 100, "trades listed")
	return cmd
}

func displayTrades(output *Output, trades []*models.Trade) {
	if len(trades) == 0 {
		output.Info("No trades.")
		return
	}

	output.Bold("Trades")
	table := NewTable(output, "Date", "Symbol", "Side", "Purpose", "Volume", "Price", "Profit", "Fee", "Status")
	for _, t := range trades {
		status := output.Green(string(t.Status))
		if t.Status == models.TradeStatusRejected {
			reason := ""
			if t.Rejection != nil {
				reason = " " + string(t.Rejection.Reason)
			}
			status = output.Red(string(t.Status) + reason)
		}
		profit := "-"
		if t.IsClosing() {
			profit = output.FormatPnL(t.GrossProfit, t.GrossProfitAsset)
		}
		table.AddRow(
			FormatDateTime(t.Date()),
			t.Symbol,
			string(t.Direction),
			string(t.Purpose),
			FormatVolume(t.Volume),
			FormatPrice(t.ExecutionPrice),
			profit,
			FormatVolume(t.Commission),
			status,
		)
	}
	table.Render()
}
