package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"quantdesk/internal/domain"
)

var _ BarStore = (*ParquetStore)(nil)

// ParquetStore keeps daily bars as one Parquet file per symbol and year:
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// Writes merge into the existing file and replace it atomically. Writers to
// the same file are serialized, so gather workers and provider write-back
// can share a store.
type ParquetStore struct {
	DataDir string

	// Market is the directory WriteBars files bars under. Defaults to "us".
	Market string

	locks sync.Map // file path -> *sync.Mutex
}

// NewParquetStore creates a ParquetStore rooted at dataDir.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir, Market: string(domain.MarketUS)}
}

// barRow is the on-disk schema. Filled bars are never written, so the
// Filled flag has no column.
type barRow struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

func rowOf(b domain.Bar) barRow {
	return barRow{
		Symbol:     strings.ToUpper(b.Symbol),
		Timestamp:  b.Timestamp.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func (r barRow) toBar() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// WriteBars stores bars under s.Market.
func (s *ParquetStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	return s.WriteBarsForMarket(ctx, bars, cmp.Or(s.Market, string(domain.MarketUS)))
}

// WriteBarsForMarket stores bars under market. Incoming bars replace stored
// bars with the same timestamp; forward-filled bars are dropped.
func (s *ParquetStore) WriteBarsForMarket(ctx context.Context, bars []domain.Bar, market string) error {
	type fileKey struct {
		symbol string
		year   int
	}
	groups := make(map[fileKey][]barRow)
	for _, b := range bars {
		if b.Filled {
			continue
		}
		r := rowOf(b)
		k := fileKey{r.Symbol, b.Timestamp.UTC().Year()}
		groups[k] = append(groups[k], r)
	}

	keys := make([]fileKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b fileKey) int {
		return cmp.Or(strings.Compare(a.symbol, b.symbol), cmp.Compare(a.year, b.year))
	})

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.mergeInto(s.yearPath(k.symbol, market, k.year), groups[k]); err != nil {
			return fmt.Errorf("writing %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

func (s *ParquetStore) mergeInto(path string, incoming []barRow) error {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	existing, err := readRows(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeRows(path, mergeRows(existing, incoming))
}

// ReadBars returns the stored bars of symbol within [start, end], oldest
// first.
func (s *ParquetStore) ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error) {
	lo, hi := start.UnixMilli(), end.UnixMilli()
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := readRows(s.yearPath(symbol, market, year))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s/%d: %w", symbol, year, err)
		}
		for _, r := range rows {
			if r.Timestamp >= lo && r.Timestamp <= hi {
				bars = append(bars, r.toBar())
			}
		}
	}
	return bars, nil
}

// LatestBarDate returns the timestamp of the newest stored bar of symbol at
// or before the given time. It opens year files newest first and stops at
// the first hit.
func (s *ParquetStore) LatestBarDate(ctx context.Context, symbol, market string, before time.Time) (time.Time, bool, error) {
	years, err := s.years(symbol, market)
	if err != nil {
		return time.Time{}, false, err
	}
	limit := before.UnixMilli()
	for _, year := range slices.Backward(years) {
		if year > before.UTC().Year() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return time.Time{}, false, err
		}
		rows, err := readRows(s.yearPath(symbol, market, year))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("reading %s/%d: %w", symbol, year, err)
		}
		// Rows are stored sorted.
		for _, r := range slices.Backward(rows) {
			if r.Timestamp <= limit {
				return time.UnixMilli(r.Timestamp).UTC(), true, nil
			}
		}
	}
	return time.Time{}, false, nil
}

// ListSymbols lists the symbols with a bar directory in market.
func (s *ParquetStore) ListSymbols(_ context.Context, market string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, market, "daily"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	slices.Sort(symbols)
	return symbols, nil
}

// years lists the years stored for symbol, ascending.
func (s *ParquetStore) years(symbol, market string) ([]int, error) {
	entries, err := os.ReadDir(s.symbolDir(symbol, market))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var years []int
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".parquet")
		if !ok || e.IsDir() {
			continue
		}
		if y, err := strconv.Atoi(name); err == nil {
			years = append(years, y)
		}
	}
	slices.Sort(years)
	return years, nil
}

func (s *ParquetStore) symbolDir(symbol, market string) string {
	return filepath.Join(s.DataDir, market, "daily", strings.ToUpper(symbol))
}

func (s *ParquetStore) yearPath(symbol, market string, year int) string {
	return filepath.Join(s.symbolDir(symbol, market), strconv.Itoa(year)+".parquet")
}

// writeRows replaces path via a temp file and rename.
func writeRows(path string, rows []barRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// readRows reads path. A missing file yields an error matching
// fs.ErrNotExist.
func readRows(path string) ([]barRow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[barRow](path)
}

// mergeRows unions rows by timestamp, incoming winning, sorted by time.
// Files hold one symbol, so the timestamp is the key.
func mergeRows(existing, incoming []barRow) []barRow {
	byTS := make(map[int64]barRow, len(existing)+len(incoming))
	for _, r := range existing {
		byTS[r.Timestamp] = r
	}
	for _, r := range incoming {
		byTS[r.Timestamp] = r
	}
	out := make([]barRow, 0, len(byTS))
	for _, r := range byTS {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b barRow) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return out
}
