package benchmark

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/metrics"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func line(sym string, start, step float64, n int) []domain.Bar {
	out := make([]domain.Bar, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = domain.Bar{Symbol: sym, Timestamp: day(i + 1), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func newComparator() *Comparator {
	p := marketdata.NewStaticProvider(map[string][]domain.Bar{
		"AAA": line("AAA", 100, 1, 30),
		"BBB": line("BBB", 50, 0.5, 30),
		"SPY": line("SPY", 400, 2, 30),
	})
	runner := backtest.NewRunner(p, backtest.DefaultConfig(), util.Discard())
	return New(runner, builtins.DefaultRegistry(), util.Discard())
}

func TestCompareAgainstBuyAndHold(t *testing.T) {
	c := newComparator()
	report, err := c.Compare(context.Background(), Request{
		Backtest: backtest.Request{
			Strategy:    builtins.NewSMACross(),
			Params:      domain.ParameterSet{"short_sma": 3, "long_sma": 5},
			Symbols:     []string{"AAA", "BBB"},
			Start:       day(10),
			End:         day(30),
			InitialCash: 10000,
		},
		Baselines: []Baseline{{Strategy: BuyAndHold}, {Strategy: BuyAndHold, Index: "SPY"}, {Strategy: BuyAndHold, Index: "NOPE"}},
	})
	require.NoError(t, err)
	require.NotNil(t, report.Strategy)
	require.Len(t, report.Benchmarks, 3)

	bh := report.Benchmarks[0]
	require.Empty(t, bh.Error)
	assert.Equal(t, BuyAndHold, bh.Name)
	require.Len(t, bh.Result.Trades, 2)
	first := bh.Result.Trades[0].Notional()
	second := bh.Result.Trades[1].Notional()
	assert.InDelta(t, 5000, first, 200)
	assert.InDelta(t, 5000, second, 200)
	assert.Len(t, bh.Result.EquityCurve, len(report.Strategy.EquityCurve))

	for name, v := range bh.Outperformance {
		s, _ := report.Strategy.Metrics.Value(name)
		b, _ := bh.Result.Metrics.Value(name)
		assert.InDelta(t, s-b, v, 1e-12, name)
	}

	idx := report.Benchmarks[1]
	require.Empty(t, idx.Error)
	assert.Equal(t, "buy-and-hold:SPY", idx.Name)
	assert.Equal(t, []string{"SPY"}, idx.Result.Symbols)

	assert.NotEmpty(t, report.Benchmarks[2].Error)
	assert.Nil(t, report.Benchmarks[2].Result)
}

func TestCompareDefaultsAndFailures(t *testing.T) {
	c := newComparator()
	report, err := c.Compare(context.Background(), Request{
		Backtest: backtest.Request{
			Strategy:    builtins.NewBuyAndHold(),
			Symbols:     []string{"AAA"},
			Start:       day(1),
			End:         day(30),
			InitialCash: 1000,
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Benchmarks, 1)
	assert.Equal(t, BuyAndHold, report.Benchmarks[0].Name)

	_, err = c.Compare(context.Background(), Request{
		Backtest: backtest.Request{
			Strategy:    builtins.NewBuyAndHold(),
			Symbols:     []string{"NOPE"},
			Start:       day(1),
			End:         day(30),
			InitialCash: 1000,
		},
	})
	assert.ErrorIs(t, err, marketdata.ErrDataUnavailable)
}

func TestOutperformance(t *testing.T) {
	a := metrics.Summary{TotalReturn: 0.2, SharpeRatio: 1.5, TotalTrades: 4}
	b := metrics.Summary{TotalReturn: 0.1, SharpeRatio: 2, TotalTrades: 1}
	got := Outperformance(a, b)
	assert.InDelta(t, 0.1, got[metrics.TotalReturn], 1e-12)
	assert.InDelta(t, -0.5, got[metrics.SharpeRatio], 1e-12)
	assert.Equal(t, 3.0, got[metrics.TotalTrades])
	assert.Len(t, got, len(metrics.Names))
}
