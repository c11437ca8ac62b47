package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"quantdesk/internal/domain"
)

// AlignMode selects how per-symbol series are merged onto one calendar.
type AlignMode string

const (
	// AlignIntersection keeps only days on which every symbol has a bar.
	AlignIntersection AlignMode = "intersection"

	// AlignForwardFill keeps the union of days and carries the previous
	// close over gaps. Days before a symbol's first bar stay unavailable.
	AlignForwardFill AlignMode = "forward_fill"
)

// ParseAlignMode accepts the mode names; empty means intersection.
func ParseAlignMode(s string) (AlignMode, error) {
	switch AlignMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AlignIntersection:
		return AlignIntersection, nil
	case AlignForwardFill, "ffill":
		return AlignForwardFill, nil
	}
	return "", fmt.Errorf("unknown align mode %q", s)
}

// Dataset is an aligned, read-only set of daily bars. All methods are safe
// for concurrent use; returned slices must not be modified.
type Dataset struct {
	symbols []string
	dates   []time.Time
	bars    map[string][]domain.Bar
	first   map[string]int
}

// loadConcurrency bounds the symbols fetched at once by Load.
const loadConcurrency = 8

// Load fetches each symbol once from p over [start, end] and aligns the
// series. Symbols are normalized, sorted and fetched concurrently; every
// fetch runs to completion so the error reported is always that of the
// first failing symbol in sorted order.
func Load(ctx context.Context, p Provider, symbols []string, start, end time.Time, mode AlignMode) (*Dataset, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, errors.New("marketdata.Load: no symbols")
	}

	fetched := make([][]domain.Bar, len(symbols))
	errs := make([]error, len(symbols))
	var g errgroup.Group
	g.SetLimit(loadConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			fetched[i], errs[i] = fetchOne(ctx, p, sym, start, end)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	series := make(map[string][]domain.Bar, len(symbols))
	for i, sym := range symbols {
		series[sym] = fetched[i]
	}
	ds, err := NewDataset(series, mode)
	if err != nil {
		return nil, err
	}
	if ds.Len() == 0 {
		return nil, fmt.Errorf("%w: %s to %s", ErrNoTradingDays,
			start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	}
	return ds, nil
}

// fetchOne fetches and normalizes one symbol. Missing data becomes a
// *DataError naming the symbol.
func fetchOne(ctx context.Context, p Provider, sym string, start, end time.Time) ([]domain.Bar, error) {
	bars, err := p.GetHistoricalBars(ctx, sym, start, end)
	if err != nil {
		var de *DataError
		if errors.As(err, &de) {
			return nil, err
		}
		if errors.Is(err, ErrDataUnavailable) {
			return nil, &DataError{Symbol: sym, Start: start, End: end, Err: err}
		}
		return nil, fmt.Errorf("fetch %s: %w", sym, err)
	}
	bars = normalize(sym, bars, start, end)
	if len(bars) == 0 {
		return nil, unavailable(sym, start, end)
	}
	return bars, nil
}

// NewDataset aligns already-fetched series. Each series must be sorted by
// date with one bar per day, as providers return them.
func NewDataset(series map[string][]domain.Bar, mode AlignMode) (*Dataset, error) {
	if mode == "" {
		mode = AlignIntersection
	}

	symbols := make([]string, 0, len(series))
	for sym := range series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	count := make(map[time.Time]int)
	for _, sym := range symbols {
		for _, b := range series[sym] {
			count[domain.DateOf(b.Timestamp)]++
		}
	}

	var dates []time.Time
	for d, n := range count {
		switch mode {
		case AlignIntersection:
			if n == len(symbols) {
				dates = append(dates, d)
			}
		case AlignForwardFill:
			dates = append(dates, d)
		default:
			return nil, fmt.Errorf("unknown align mode %q", mode)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	ds := &Dataset{
		symbols: symbols,
		dates:   dates,
		bars:    make(map[string][]domain.Bar, len(symbols)),
		first:   make(map[string]int, len(symbols)),
	}

	for _, sym := range symbols {
		src := series[sym]
		aligned := make([]domain.Bar, len(dates))
		first := len(dates)
		j := 0
		var prev *domain.Bar

		for i, d := range dates {
			for j < len(src) && domain.DateOf(src[j].Timestamp).Before(d) {
				prev = &src[j]
				j++
			}
			if j < len(src) && domain.DateOf(src[j].Timestamp).Equal(d) {
				b := src[j]
				b.Timestamp = d
				aligned[i] = b
				prev = &src[j]
				j++
				first = min(first, i)
				continue
			}
			if prev != nil {
				aligned[i] = domain.Bar{
					Symbol:    sym,
					Timestamp: d,
					Open:      prev.Close,
					High:      prev.Close,
					Low:       prev.Close,
					Close:     prev.Close,
					Filled:    true,
				}
				first = min(first, i)
			}
		}
		ds.bars[sym] = aligned
		ds.first[sym] = first
	}
	return ds, nil
}

// Symbols returns the sorted symbol list.
func (d *Dataset) Symbols() []string { return append([]string(nil), d.symbols...) }

// Dates returns the aligned calendar.
func (d *Dataset) Dates() []time.Time { return append([]time.Time(nil), d.dates...) }

// Len is the number of calendar days.
func (d *Dataset) Len() int { return len(d.dates) }

// Date returns the i-th calendar day.
func (d *Dataset) Date(i int) time.Time { return d.dates[i] }

// Has reports whether symbol is part of the dataset.
func (d *Dataset) Has(symbol string) bool {
	_, ok := d.bars[symbol]
	return ok
}

// Bar returns symbol's bar on day i. It is false before the symbol's first
// bar and for unknown symbols.
func (d *Dataset) Bar(symbol string, i int) (domain.Bar, bool) {
	bars, ok := d.bars[symbol]
	if !ok || i < d.first[symbol] || i < 0 || i >= len(bars) {
		return domain.Bar{}, false
	}
	return bars[i], true
}

// Window returns up to n available bars ending at day i inclusive.
func (d *Dataset) Window(symbol string, i, n int) []domain.Bar {
	bars, ok := d.bars[symbol]
	if !ok || n <= 0 || i < d.first[symbol] || i >= len(bars) {
		return nil
	}
	lo := max(i-n+1, d.first[symbol])
	return bars[lo : i+1 : i+1]
}

// Slice returns the index range [lo, hi) of calendar days within
// [start, end]. Days before lo remain readable through Window as warm-up
// history.
func (d *Dataset) Slice(start, end time.Time) (lo, hi int) {
	start, end = domain.DateOf(start), domain.DateOf(end)
	lo = sort.Search(len(d.dates), func(i int) bool { return !d.dates[i].Before(start) })
	hi = sort.Search(len(d.dates), func(i int) bool { return d.dates[i].After(end) })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
