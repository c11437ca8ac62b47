package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/store"
)

var _ Provider = (*ChainProvider)(nil)

// ChainProvider tries providers in order and falls through to the next only
// when one reports ErrDataUnavailable. Bars served by a later provider are
// optionally written back to a BarStore so the next read hits the first.
type ChainProvider struct {
	providers []Provider
	writeBack store.BarStore
	log       *slog.Logger
}

// NewChainProvider chains providers in priority order.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{
		providers: providers,
		log:       slog.Default().With("provider", "chain"),
	}
}

// WithWriteBack stores bars fetched from any provider after the first.
func (c *ChainProvider) WithWriteBack(s store.BarStore) *ChainProvider {
	c.writeBack = s
	return c
}

// GetHistoricalBars returns the first non-empty answer.
func (c *ChainProvider) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	for i, p := range c.providers {
		bars, err := p.GetHistoricalBars(ctx, symbol, start, end)
		if errors.Is(err, ErrDataUnavailable) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if i > 0 && c.writeBack != nil {
			if werr := c.writeBack.WriteBars(ctx, bars); werr != nil {
				c.log.Warn("write-back failed", "symbol", symbol, "err", werr)
			} else {
				c.log.Debug("wrote back bars", "symbol", symbol, "count", len(bars))
			}
		}
		return bars, nil
	}
	return nil, unavailable(symbol, start, end)
}
