// Package marketdata supplies historical daily bars to the backtest engine.
// Providers fetch raw bars per symbol; Load aligns them onto a shared trading
// calendar and returns an immutable Dataset that simulations read
// concurrently without locking.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"quantdesk/internal/domain"
)

// Sentinel errors.
var (
	// ErrDataUnavailable means a provider has no bars for a symbol and range.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrNoTradingDays means the aligned calendar has no days in range.
	ErrNoTradingDays = errors.New("no trading days in range")
)

// DataError identifies the symbol and range that could not be served.
type DataError struct {
	Symbol string
	Start  time.Time
	End    time.Time
	Err    error
}

func (e *DataError) Error() string {
	msg := fmt.Sprintf("no data for %s between %s and %s",
		e.Symbol, e.Start.Format(domain.DateLayout), e.End.Format(domain.DateLayout))
	if e.Err != nil && !errors.Is(e.Err, ErrDataUnavailable) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes ErrDataUnavailable and any underlying cause.
func (e *DataError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDataUnavailable}
	}
	return []error{ErrDataUnavailable, e.Err}
}

func unavailable(symbol string, start, end time.Time) error {
	return &DataError{Symbol: symbol, Start: start, End: end}
}

// Provider fetches daily bars for one symbol over [start, end], inclusive by
// calendar date. Implementations return an error wrapping
// ErrDataUnavailable when nothing exists for the range.
type Provider interface {
	GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

// GetHistoricalBars calls f.
func (f ProviderFunc) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return f(ctx, symbol, start, end)
}

// normalize truncates timestamps to dates, drops unusable bars and bars
// outside the range, then sorts by date keeping the last bar seen per day.
func normalize(symbol string, bars []domain.Bar, start, end time.Time) []domain.Bar {
	start, end = domain.DateOf(start), domain.DateOf(end)
	byDay := make(map[time.Time]domain.Bar, len(bars))
	for _, b := range bars {
		if !b.Valid() {
			continue
		}
		d := domain.DateOf(b.Timestamp)
		if d.Before(start) || d.After(end) {
			continue
		}
		b.Timestamp = d
		b.Symbol = symbol
		b.Filled = false
		byDay[d] = b
	}

	out := make([]domain.Bar, 0, len(byDay))
	for _, b := range byDay {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// NormalizeSymbols upper-cases, trims, de-duplicates and sorts symbols.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// endOfDay returns the last instant of t's UTC date.
func endOfDay(t time.Time) time.Time {
	return domain.DateOf(t).Add(24*time.Hour - time.Nanosecond)
}
