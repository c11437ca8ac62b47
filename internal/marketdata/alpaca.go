package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"quantdesk/internal/domain"
	"quantdesk/internal/util"
)

var _ Provider = (*AlpacaProvider)(nil)

// BarsClient is the subset of the Alpaca market-data client used here.
// *alpacamd.Client satisfies it.
type BarsClient interface {
	GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error)
}

// AlpacaOptions configures an AlpacaProvider.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string

	// Feed is the Alpaca data feed, "sip" or "iex". Defaults to "sip".
	Feed string

	// RateLimitPerMin caps request throughput. Zero means 200/min.
	RateLimitPerMin int

	// Attempts is the number of tries per request. Zero means 3.
	Attempts int

	// RetryDelay is the first backoff delay. Zero means one second.
	RetryDelay time.Duration
}

// AlpacaProvider fetches split- and dividend-adjusted daily bars from the
// Alpaca market-data API.
type AlpacaProvider struct {
	client   BarsClient
	limiter  *rate.Limiter
	feed     alpacamd.Feed
	attempts int
	delay    time.Duration
	log      *slog.Logger
}

// NewAlpacaProvider builds a provider on the Alpaca SDK client.
func NewAlpacaProvider(opts AlpacaOptions) *AlpacaProvider {
	clientOpts := alpacamd.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return NewAlpacaProviderWithClient(alpacamd.NewClient(clientOpts), opts)
}

// NewAlpacaProviderWithClient is NewAlpacaProvider with an injected client.
func NewAlpacaProviderWithClient(client BarsClient, opts AlpacaOptions) *AlpacaProvider {
	perMin := opts.RateLimitPerMin
	if perMin <= 0 {
		perMin = 200
	}
	feed := opts.Feed
	if feed == "" {
		feed = "sip"
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &AlpacaProvider{
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 1),
		feed:     alpacamd.Feed(feed),
		attempts: attempts,
		delay:    delay,
		log:      slog.Default().With("provider", "alpaca"),
	}
}

// GetHistoricalBars fetches one symbol's daily bars. Transient API errors
// are retried with exponential backoff; an empty response is final.
func (p *AlpacaProvider) GetHistoricalBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)

	var raw []alpacamd.Bar
	err := util.Retry(ctx, p.attempts, p.delay, func(ctx context.Context) error {
		if err := p.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		bars, err := p.client.GetBars(symbol, alpacamd.GetBarsRequest{
			TimeFrame:  alpacamd.OneDay,
			Adjustment: alpacamd.All,
			Start:      domain.DateOf(start),
			End:        endOfDay(end),
			Feed:       p.feed,
		})
		if err != nil {
			p.log.Warn("GetBars failed", "symbol", symbol, "err", err)
			return err
		}
		raw = bars
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca GetBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp,
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}

	out := normalize(symbol, bars, start, end)
	if len(out) == 0 {
		return nil, unavailable(symbol, start, end)
	}
	return out, nil
}
