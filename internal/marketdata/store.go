package marketdata

import (
	"context"
	"fmt"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/store"
)

var _ Provider = (*StoreProvider)(nil)

// StoreProvider reads bars from a BarStore.
type StoreProvider struct {
	store  store.BarStore
	market string
}

// NewStoreProvider reads bars of market from s.
func NewStoreProvider(s store.BarStore, market domain.Market) *StoreProvider {
	return &StoreProvider{store: s, market: string(market)}
}

// GetHistoricalBars reads [start, end] from the store. Bars are stamped with
// vendor timestamps inside the day, so the end date is widened to its last
// instant.
func (p *StoreProvider) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	bars, err := p.store.ReadBars(ctx, symbol, p.market, domain.DateOf(start), endOfDay(end))
	if err != nil {
		return nil, fmt.Errorf("read %s from store: %w", symbol, err)
	}
	out := normalize(symbol, bars, start, end)
	if len(out) == 0 {
		return nil, unavailable(symbol, start, end)
	}
	return out, nil
}
