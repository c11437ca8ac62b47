// Package gather backfills market data into local storage.
package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/store"
)

// DailyOptions configures a DailyBarGatherer.
type DailyOptions struct {
	Symbols   []string
	StartDate string

	// BatchSize is the number of symbols per work item and per store
	// write. Defaults to 50.
	BatchSize int

	// MaxWorkers bounds concurrent batches. Defaults to 4.
	MaxWorkers int

	// StateDir holds the resume files. Required.
	StateDir string

	// EndDate returns the last day to fetch. Defaults to yesterday (UTC).
	EndDate func(ctx context.Context) (time.Time, error)
}

// DailyBarGatherer backfills daily bars for a symbol list from a provider
// into a BarStore. Each symbol is fetched from the day after its latest
// stored bar, so repeated runs only download new days. A pass is resumable
// after a crash and idempotent once its end date is complete.
type DailyBarGatherer struct {
	provider marketdata.Provider
	store    store.BarStore
	opts     DailyOptions
	log      *slog.Logger
}

// Stats summarizes a gathering pass.
type Stats struct {
	Symbols int
	Bars    int64
	Empty   int64
	Failed  int64
}

// NewDailyBarGatherer creates a gatherer writing provider bars into s.
func NewDailyBarGatherer(p marketdata.Provider, s store.BarStore, opts DailyOptions, log *slog.Logger) *DailyBarGatherer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.EndDate == nil {
		opts.EndDate = func(context.Context) (time.Time, error) {
			return domain.DateOf(time.Now()).AddDate(0, 0, -1), nil
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &DailyBarGatherer{provider: p, store: s, opts: opts, log: log.With("gatherer", "us-daily")}
}

// Gather fetches every configured symbol through the end date and writes
// the bars to the store. Per-batch failures are logged and counted; the
// pass is then left incomplete so the next run retries those symbols.
func (g *DailyBarGatherer) Gather(ctx context.Context) (Stats, error) {
	start, err := domain.ParseDate(g.opts.StartDate)
	if err != nil {
		return Stats{}, fmt.Errorf("parsing start date: %w", err)
	}
	end, err := g.opts.EndDate(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("determining end date: %w", err)
	}
	endStr := end.Format(domain.DateLayout)

	tracker, err := newProgressTracker(g.opts.StateDir)
	if err != nil {
		return Stats{}, fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	if tracker.LastCompleted() == endStr {
		g.log.Info("already completed", "endDate", endStr)
		return Stats{}, nil
	}
	if tracker.LastCompleted() != "" {
		// A previous pass finished for an older end date; start fresh.
		if err := tracker.Reset(); err != nil {
			return Stats{}, fmt.Errorf("resetting tracker: %w", err)
		}
	}

	symbols := marketdata.NormalizeSymbols(g.opts.Symbols)
	var remaining []string
	for _, sym := range symbols {
		if !tracker.Done(sym) {
			remaining = append(remaining, sym)
		}
	}

	var batches [][]string
	for i := 0; i < len(remaining); i += g.opts.BatchSize {
		batches = append(batches, remaining[i:min(i+g.opts.BatchSize, len(remaining))])
	}

	g.log.Info("starting us-daily",
		"endDate", endStr,
		"total", len(symbols),
		"remaining", len(remaining),
		"batches", len(batches),
	)

	batchCh := make(chan int, len(batches))
	for i := range batches {
		batchCh <- i
	}
	close(batchCh)

	var (
		wg       sync.WaitGroup
		bars     atomic.Int64
		empty    atomic.Int64
		failed   atomic.Int64
		runStart = time.Now()
	)

	workers := min(g.opts.MaxWorkers, len(batches))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batchIdx := range batchCh {
				if ctx.Err() != nil {
					return
				}
				got, misses, err := g.gatherBatch(ctx, batches[batchIdx], start, end)
				if err != nil {
					failed.Add(int64(len(batches[batchIdx])))
					g.log.Error("batch failed",
						"batch", fmt.Sprintf("%d/%d", batchIdx+1, len(batches)),
						"err", err,
					)
					continue
				}
				if err := tracker.MarkDone(batches[batchIdx]); err != nil {
					g.log.Error("marking done failed", "err", err)
				}
				bars.Add(int64(got))
				empty.Add(int64(misses))

				g.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", batchIdx+1, len(batches)),
					"bars", got,
					"empty", misses,
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	stats := Stats{Symbols: len(symbols), Bars: bars.Load(), Empty: empty.Load(), Failed: failed.Load()}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	if stats.Failed > 0 {
		return stats, fmt.Errorf("%d symbols failed; rerun to retry", stats.Failed)
	}
	if err := tracker.MarkCompleted(endStr); err != nil {
		return stats, fmt.Errorf("marking completed: %w", err)
	}

	g.log.Info("complete",
		"bars", stats.Bars,
		"empty", stats.Empty,
		"elapsed", time.Since(runStart).Round(time.Second),
	)
	return stats, nil
}

// gatherBatch fetches each symbol from the day after its newest stored bar
// and writes the batch in one call. Symbols with no new data count as
// misses.
func (g *DailyBarGatherer) gatherBatch(ctx context.Context, symbols []string, start, end time.Time) (int, int, error) {
	var out []domain.Bar
	misses := 0
	for _, sym := range symbols {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		from := start
		if last, ok, err := g.latest(ctx, sym, start, end); err != nil {
			return 0, 0, err
		} else if ok {
			from = last.AddDate(0, 0, 1)
		}
		if from.After(end) {
			misses++
			continue
		}

		bars, err := g.provider.GetHistoricalBars(ctx, sym, from, end)
		if errors.Is(err, marketdata.ErrDataUnavailable) {
			misses++
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("fetching %s: %w", sym, err)
		}
		out = append(out, bars...)
	}
	if len(out) > 0 {
		if err := g.store.WriteBars(ctx, out); err != nil {
			return 0, 0, fmt.Errorf("writing bars: %w", err)
		}
	}
	return len(out), misses, nil
}

// latestBarStore is implemented by stores that can find a symbol's newest
// bar without reading the whole range.
type latestBarStore interface {
	LatestBarDate(ctx context.Context, symbol, market string, before time.Time) (time.Time, bool, error)
}

// latest returns the date of the newest stored bar for symbol within
// [start, end]. Bars stored before start are ignored so a later start date
// is honoured.
func (g *DailyBarGatherer) latest(ctx context.Context, symbol string, start, end time.Time) (time.Time, bool, error) {
	market := string(domain.MarketUS)
	if ls, ok := g.store.(latestBarStore); ok {
		ts, found, err := ls.LatestBarDate(ctx, symbol, market, end.AddDate(0, 0, 1))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("reading %s: %w", symbol, err)
		}
		if !found || ts.Before(start) {
			return time.Time{}, false, nil
		}
		return domain.DateOf(ts), true, nil
	}

	existing, err := g.store.ReadBars(ctx, symbol, market, start, end.AddDate(0, 0, 1))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s: %w", symbol, err)
	}
	if len(existing) == 0 {
		return time.Time{}, false, nil
	}
	return domain.DateOf(existing[len(existing)-1].Timestamp), true, nil
}
