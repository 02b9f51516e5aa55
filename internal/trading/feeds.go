package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradesim/internal/models"
)

// maxFeedLoaders bounds concurrent reads against the feed source.
const maxFeedLoaders = 4

// LoadFeeds reads ticks and periods of every symbol concurrently. A zero
// timeframe skips periods.
func LoadFeeds(ctx context.Context, source FeedSource, symbols []string, timeframe models.Timeframe, from, to time.Time) (map[string]Feed, error) {
	var mu sync.Mutex
	feeds := make(map[string]Feed, len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFeedLoaders)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			ticks, err := source.GetTicks(ctx, symbol, from, to)
			if err != nil {
				return fmt.Errorf("loading ticks of %s: %w", symbol, err)
			}
			var periods []models.Period
			if timeframe != 0 {
				periods, err = source.GetPeriods(ctx, symbol, timeframe, from, to)
				if err != nil {
					return fmt.Errorf("loading periods of %s: %w", symbol, err)
				}
			}

			mu.Lock()
			feeds[symbol] = Feed{Ticks: ticks, Periods: periods}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return feeds, nil
}
