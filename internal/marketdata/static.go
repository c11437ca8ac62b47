package marketdata

import (
	"context"
	"strings"
	"time"

	"quantdesk/internal/domain"
)

var _ Provider = (*StaticProvider)(nil)

// StaticProvider serves bars from memory.
type StaticProvider struct {
	bars map[string][]domain.Bar
}

// NewStaticProvider copies bars keyed by symbol.
func NewStaticProvider(bars map[string][]domain.Bar) *StaticProvider {
	p := &StaticProvider{bars: make(map[string][]domain.Bar, len(bars))}
	for sym, bs := range bars {
		p.bars[strings.ToUpper(sym)] = append([]domain.Bar(nil), bs...)
	}
	return p
}

// GetHistoricalBars returns the stored bars dated within [start, end].
func (p *StaticProvider) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := normalize(strings.ToUpper(symbol), p.bars[strings.ToUpper(symbol)], start, end)
	if len(out) == 0 {
		return nil, unavailable(symbol, start, end)
	}
	return out, nil
}
