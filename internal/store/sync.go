package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradesim/internal/errors"
	"tradesim/internal/models"
)

// ImportKind tells what a CSV file holds.
type ImportKind string

const (
	ImportTicks   ImportKind = "ticks"
	ImportPeriods ImportKind = "periods"
)

// ImportFile describes one CSV file to import.
type ImportFile struct {
	Path      string
	Symbol    string
	Kind      ImportKind
	Timeframe models.Timeframe
}

// ParseImportPath derives the symbol and kind from a file name:
// "ETHUSD.csv" holds ticks and "ETHUSD_D1.csv" holds daily periods.
func ParseImportPath(path string) (ImportFile, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if name == "" {
		return ImportFile{}, errors.NewValidationError("path", path, "empty file name", errors.ErrConfigInvalid)
	}

	symbol, label, hasTimeframe := strings.Cut(name, "_")
	file := ImportFile{Path: path, Symbol: strings.ToUpper(symbol), Kind: ImportTicks}
	if !hasTimeframe {
		return file, nil
	}

	tf, err := models.ParseTimeframe(label)
	if err != nil {
		return ImportFile{}, fmt.Errorf("file %s: %w", path, err)
	}
	file.Kind = ImportPeriods
	file.Timeframe = tf
	return file, nil
}

// FileResult reports one imported file.
type FileResult struct {
	File  ImportFile
	Rows  int
	First time.Time
	Last  time.Time
}

// ImportResult represents the result of an import.
type ImportResult struct {
	Files    []FileResult
	Ticks    int
	Periods  int
	Duration time.Duration
}

// ImportOptions controls ImportFiles.
type ImportOptions struct {
	Concurrency int
	Logger      zerolog.Logger
}

// SyncKey is the sync-status key recording the last import of a symbol.
func SyncKey(symbol string) string {
	return "import:" + symbol
}

// ImportFiles parses CSV files concurrently and saves them into the store.
// The first failing file cancels the others. Results are ordered by path.
func ImportFiles(ctx context.Context, st FeedStore, files []ImportFile, opts ImportOptions) (*ImportResult, error) {
	started := time.Now()
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var (
		mu     sync.Mutex
		result = &ImportResult{}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, file := range files {
		file := file
		g.Go(func() error {
			fr, err := importFile(ctx, st, file)
			if err != nil {
				return fmt.Errorf("importing %s: %w", file.Path, err)
			}
			if err := st.SetLastSync(SyncKey(file.Symbol), time.Now()); err != nil {
				return err
			}

			opts.Logger.Info().
				Str("path", file.Path).
				Str("symbol", file.Symbol).
				Str("kind", string(file.Kind)).
				Int("rows", fr.Rows).
				Msg("Imported file")

			mu.Lock()
			result.Files = append(result.Files, fr)
			if file.Kind == ImportTicks {
				result.Ticks += fr.Rows
			} else {
				result.Periods += fr.Rows
			}
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].File.Path < result.Files[j].File.Path })
	result.Duration = time.Since(started)
	return result, err
}

func importFile(ctx context.Context, st FeedStore, file ImportFile) (FileResult, error) {
	fr := FileResult{File: file}
	if err := ctx.Err(); err != nil {
		return fr, err
	}

	switch file.Kind {
	case ImportTicks:
		ticks, err := ReadTicksFile(file.Path, file.Symbol)
		if err != nil {
			return fr, err
		}
		if len(ticks) > 0 {
			fr.Rows, fr.First, fr.Last = len(ticks), ticks[0].Date, ticks[len(ticks)-1].Date
		}
		return fr, st.SaveTicks(ctx, file.Symbol, ticks)

	case ImportPeriods:
		periods, err := ReadPeriodsFile(file.Path, file.Symbol, file.Timeframe)
		if err != nil {
			return fr, err
		}
		if len(periods) > 0 {
			fr.Rows, fr.First, fr.Last = len(periods), periods[0].StartDate, periods[len(periods)-1].EndDate()
		}
		return fr, st.SavePeriods(ctx, file.Symbol, periods)
	}
	return fr, errors.NewValidationError("kind", file.Kind, "unknown import kind", errors.ErrConfigInvalid)
}

// DataFreshness represents when a symbol was last imported.
type DataFreshness struct {
	Symbol      string
	LastUpdated time.Time
	IsFresh     bool
	Age         time.Duration
}

// GetDataFreshness reports the import age of symbol relative to now.
func GetDataFreshness(st FeedStore, symbol string, now time.Time, staleAfter time.Duration) DataFreshness {
	lastSync := st.GetLastSync(SyncKey(symbol))
	age := now.Sub(lastSync)
	return DataFreshness{
		Symbol:      symbol,
		LastUpdated: lastSync,
		IsFresh:     !lastSync.IsZero() && age < staleAfter,
		Age:         age,
	}
}

// FormatFreshness returns a human-readable freshness string.
func FormatFreshness(freshness DataFreshness) string {
	if freshness.LastUpdated.IsZero() {
		return "Never imported"
	}

	age := freshness.Age
	var ageStr string

	switch {
	case age < time.Minute:
		ageStr = "just now"
	case age < time.Hour:
		ageStr = fmt.Sprintf("%d minutes ago", int(age.Minutes()))
	case age < 24*time.Hour:
		ageStr = fmt.Sprintf("%d hours ago", int(age.Hours()))
	default:
		ageStr = fmt.Sprintf("%d days ago", int(age.Hours()/24))
	}

	if freshness.IsFresh {
		return fmt.Sprintf("Imported %s", ageStr)
	}
	return fmt.Sprintf("Stale, imported %s", ageStr)
}
