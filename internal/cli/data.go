package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tradesim/internal/models"
	"tradesim/internal/store"
)

// staleAfter marks imported data as stale in listings.
const staleAfter = 7 * 24 * time.Hour

// addDataCommands adds market data commands.
func addDataCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Recorded market data",
		Long: `Import, inspect and export the ticks and candles kept in the local store.

Files are named after their content: SYMBOL.csv holds ticks (date,bid,ask)
and SYMBOL_TF.csv holds candles of timeframe TF (date,open,high,low,close).`,
	}

	cmd.AddCommand(newDataImportCmd(app))
	cmd.AddCommand(newDataListCmd(app))
	cmd.AddCommand(newDataShowCmd(app))
	cmd.AddCommand(newDataExportCmd(app))

	rootCmd.AddCommand(cmd)
}

func newDataImportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import CSV feeds into the store",
		Example: `  tradesim data import ETHUSD.csv
  tradesim data import data/*_D1.csv --concurrency 8`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			concurrency, _ := cmd.Flags().GetInt("concurrency")

			files := make([]store.ImportFile, 0, len(args))
			for _, path := range args {
				file, err := store.ParseImportPath(path)
				if err != nil {
					output.Error("%v", err)
					return err
				}
				files = append(files, file)
			}

			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}

			result, err := store.ImportFiles(ctx, st, files, store.ImportOptions{
				Concurrency: concurrency,
				Logger:      app.Logger,
			})
			if err != nil {
				output.Error("Import failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(result)
			}

			table := NewTable(output, "File", "Symbol", "Kind", "Rows", "First", "Last")
			for _, f := range result.Files {
				kind := string(f.File.Kind)
				if f.File.Kind == store.ImportPeriods {
					kind += " " + f.File.Timeframe.String()
				}
				table.AddRow(f.File.Path, f.File.Symbol, kind, fmt.Sprintf("%d", f.Rows),
					FormatDateTime(f.First), FormatDateTime(f.Last))
			}
			table.Render()
			output.Println()
			output.Success("✓ Imported %d ticks and %d candles in %s", result.Ticks, result.Periods, FormatDuration(result.Duration))
			return nil
		},
	}

	cmd.Flags().Int("concurrency", 4, "files parsed in parallel")
	return cmd
}

func newDataListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored symbols",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			summaries, err := st.ListSymbols(ctx)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(summaries)
			}
			if len(summaries) == 0 {
				output.Info("The store is empty.")
				output.Dim("Tip: run 'tradesim data import SYMBOL.csv' first.")
				return nil
			}

			now := time.Now()
			table := NewTable(output, "Symbol", "Ticks", "Candles", "Timeframes", "First", "Last", "Status")
			for _, s := range summaries {
				freshness := store.GetDataFreshness(st, s.Symbol, now, staleAfter)
				status := FormatFreshnessColored(output, freshness)
				table.AddRow(s.Symbol, fmt.Sprintf("%d", s.Ticks), fmt.Sprintf("%d", s.Periods),
					FormatTimeframes(s.Timeframes), FormatDateTime(s.First), FormatDateTime(s.Last), status)
			}
			table.Render()
			return nil
		},
	}
}

// FormatFreshnessColored renders the import age, yellow when stale or missing.
func FormatFreshnessColored(output *Output, freshness store.DataFreshness) string {
	text := store.FormatFreshness(freshness)
	if freshness.LastUpdated.IsZero() || !freshness.IsFresh {
		return output.Yellow(text)
	}
	return output.Green(text)
}

// windowFlags reads --from and --to. Missing bounds are zero.
func windowFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	var bounds [2]time.Time
	for i, name := range []string{"from", "to"} {
		raw, _ := cmd.Flags().GetString(name)
		if raw == "" {
			continue
		}
		t, err := store.ParseDate(raw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--%s: %w", name, err)
		}
		bounds[i] = t
	}
	return bounds[0], bounds[1], nil
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("from", "", "first date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().String("to", "", "last date, exclusive")
}

// timeframeFlag parses --timeframe. An empty value yields zero.
func timeframeFlag(cmd *cobra.Command) (models.Timeframe, error) {
	raw, _ := cmd.Flags().GetString("timeframe")
	if raw == "" {
		return 0, nil
	}
	return models.ParseTimeframe(raw)
}

func newDataShowCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <symbol>",
		Short: "Show stored ticks or candles",
		Example: `  tradesim data show ETHUSD --limit 20
  tradesim data show ETHUSD --timeframe H1 --from 2022-01-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			symbol := strings.ToUpper(args[0])
			limit, _ := cmd.Flags().GetInt("limit")

			from, to, err := windowFlags(cmd)
			if err != nil {
				return err
			}
			timeframe, err := timeframeFlag(cmd)
			if err != nil {
				return err
			}
			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}

			if timeframe == 0 {
				ticks, err := st.GetTicks(ctx, symbol, from, to)
				if err != nil {
					return err
				}
				ticks = lastN(ticks, limit)
				if output.IsJSON() {
					return output.JSON(ticks)
				}
				table := NewTable(output, "Date", "Bid", "Ask", "Spread", "Move")
				for _, t := range ticks {
					table.AddRow(FormatDateTime(t.Date), FormatPrice(t.Bid), FormatPrice(t.Ask),
						FormatPrice(t.Ask.Sub(t.Bid)), string(t.Movement))
				}
				table.Render()
				return nil
			}

			periods, err := st.GetPeriods(ctx, symbol, timeframe, from, to)
			if err != nil {
				return err
			}
			periods = lastN(periods, limit)
			if output.IsJSON() {
				return output.JSON(periods)
			}
			table := NewTable(output, "Start", "Open", "High", "Low", "Close")
			for _, p := range periods {
				closeText := FormatPrice(p.Close)
				table.AddRow(FormatDateTime(p.StartDate), FormatPrice(p.Open), FormatPrice(p.High),
					FormatPrice(p.Low), output.Signed(p.Close.Sub(p.Open).Float64(), closeText))
			}
			table.Render()
			return nil
		},
	}

	addWindowFlags(cmd)
	cmd.Flags().String("timeframe", "", "candle timeframe (M1, H1, D1, ...); ticks when empty")
	cmd.Flags().Int("limit", 50, "rows shown, newest last; 0 shows all")
	return cmd
}

func lastN[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func newDataExportCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <symbol> <file>",
		Short: "Export stored ticks or candles to CSV",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			symbol := strings.ToUpper(args[0])

			from, to, err := windowFlags(cmd)
			if err != nil {
				return err
			}
			timeframe, err := timeframeFlag(cmd)
			if err != nil {
				return err
			}
			st, err := app.Store(ctx)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}

			rows, err := exportFeed(ctx, st, symbol, timeframe, from, to, args[1])
			if err != nil {
				output.Error("Export failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"file": args[1], "rows": rows})
			}
			output.Success("✓ Wrote %d rows to %s", rows, args[1])
			return nil
		},
	}

	addWindowFlags(cmd)
	cmd.Flags().String("timeframe", "", "candle timeframe; ticks when empty")
	return cmd
}

func exportFeed(ctx context.Context, st store.FeedStore, symbol string, timeframe models.Timeframe, from, to time.Time, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if timeframe == 0 {
		ticks, err := st.GetTicks(ctx, symbol, from, to)
		if err != nil {
			return 0, err
		}
		if err := store.WriteTicks(f, ticks); err != nil {
			return 0, err
		}
		return len(ticks), f.Close()
	}

	periods, err := st.GetPeriods(ctx, symbol, timeframe, from, to)
	if err != nil {
		return 0, err
	}
	if err := store.WritePeriods(f, periods); err != nil {
		return 0, err
	}
	return len(periods), f.Close()
}
