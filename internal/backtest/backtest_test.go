package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

// series builds consecutive daily bars starting on Jan 1 with open == close.
func series(sym string, closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{Symbol: sym, Timestamp: day(i + 1), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return out
}

func dataset(t *testing.T, mode marketdata.AlignMode, s map[string][]domain.Bar) *marketdata.Dataset {
	t.Helper()
	ds, err := marketdata.NewDataset(s, mode)
	require.NoError(t, err)
	return ds
}

// scripted emits fixed actions keyed by "SYMBOL YYYY-MM-DD".
type scripted struct {
	actions  map[string]domain.Action
	errs     map[string]error
	panics   map[string]bool
	lookback int
	calls    map[string]int
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Params() []strategy.ParamSpec { return nil }

func (s *scripted) Lookback(domain.ParameterSet) int { return max(s.lookback, 1) }

func (s *scripted) key(b domain.Bar) string {
	return b.Symbol + " " + b.Timestamp.Format(domain.DateLayout)
}

func (s *scripted) Evaluate(window []domain.Bar, _ domain.ParameterSet) (strategy.Decision, error) {
	k := s.key(window[len(window)-1])
	if s.calls != nil {
		s.calls[k]++
	}
	if s.panics[k] {
		panic("boom")
	}
	if err, ok := s.errs[k]; ok {
		return strategy.Hold(), err
	}
	if a, ok := s.actions[k]; ok {
		return strategy.Decision{Action: a, Strength: 1}, nil
	}
	return strategy.Hold(), nil
}

func newEngine(cfg Config) *Engine { return NewEngine(cfg, util.Discard()) }

func request(s strategy.Strategy, cash float64, start, end int, symbols ...string) Request {
	return Request{Strategy: s, Symbols: symbols, Start: day(start), End: day(end), InitialCash: cash}
}

func TestEquityIdentity(t *testing.T) {
	closes := []float64{10, 11, 12, 11, 10, 9, 10, 12, 14, 13, 12, 11, 12, 13, 15, 16, 15, 14, 13, 12}
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", closes...),
		"BBB": series("BBB", closes[5:]...),
	})
	s := &scripted{actions: map[string]domain.Action{
		"AAA 2024-01-02": domain.ActionBuy,
		"BBB 2024-01-03": domain.ActionBuy,
		"AAA 2024-01-06": domain.ActionSell,
		"AAA 2024-01-08": domain.ActionBuy,
		"BBB 2024-01-10": domain.ActionSell,
	}}
	cfg := DefaultConfig()
	cfg.Commission = Commission{Model: CommissionPerShare, Amount: 0.01, Minimum: 1}

	res, err := newEngine(cfg).Run(context.Background(), request(s, 10000, 1, 15, "AAA", "BBB"), ds)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)
	require.NotEmpty(t, res.Trades)

	cash := res.InitialCash
	held := map[string]float64{}
	ti := 0
	lo, _ := ds.Slice(day(1), day(15))
	for n, pt := range res.EquityCurve {
		for ti < len(res.Trades) && res.Trades[ti].Date.Equal(pt.Date) {
			tr := res.Trades[ti]
			if tr.Side == domain.SideBuy {
				cash -= tr.Qty*tr.Price + tr.Commission
				held[tr.Symbol] += tr.Qty
			} else {
				cash += tr.Qty*tr.Price - tr.Commission
				held[tr.Symbol] -= tr.Qty
			}
			ti++
		}
		value := cash
		for sym, q := range held {
			b, ok := ds.Bar(sym, lo+n)
			require.True(t, ok)
			value += q * b.Close
		}
		assert.InDelta(t, cash, pt.Cash, 1e-6, "cash on %s", pt.Date)
		assert.InDelta(t, value, pt.Value, 1e-6, "value on %s", pt.Date)
		assert.GreaterOrEqual(t, pt.Cash, 0.0)
	}
	for _, dd := range res.Drawdowns {
		assert.LessOrEqual(t, dd.Drawdown, 0.0)
	}
	assert.InDelta(t, res.FinalValue, res.EquityCurve[len(res.EquityCurve)-1].Value, 1e-9)
}

func TestZeroTrades(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 10, 12, 9, 11, 13),
	})
	res, err := newEngine(DefaultConfig()).Run(context.Background(), request(&scripted{}, 5000, 1, 5, "AAA"), ds)
	require.NoError(t, err)

	assert.Len(t, res.EquityCurve, 5)
	for _, pt := range res.EquityCurve {
		assert.Equal(t, 5000.0, pt.Value)
	}
	assert.Empty(t, res.Trades)
	assert.Equal(t, 0, res.Metrics.TotalTrades)
	assert.Equal(t, 0.0, res.Metrics.SharpeRatio)
	assert.Equal(t, 0.0, res.Metrics.WinRate)
	assert.Equal(t, 0.0, res.Metrics.MaxDrawdown)
}

func TestInsufficientCash(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 150, 150),
	})
	cfg := DefaultConfig()
	cfg.Sizing = Sizing{Policy: SizingFixedQuantity, Quantity: 1}
	s := &scripted{actions: map[string]domain.Action{"AAA 2024-01-01": domain.ActionBuy}}

	res, err := newEngine(cfg).Run(context.Background(), request(s, 100, 1, 2, "AAA"), ds)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Equal(t, 100.0, res.FinalCash)
	require.Len(t, res.Annotations, 1)
	assert.Equal(t, domain.AnnotationInsufficientCash, res.Annotations[0].Kind)
	assert.Contains(t, res.Annotations[0].Message, ErrInsufficientCash.Error())
}

func TestSingleDay(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 140, 150, 160),
	})
	flat := DefaultConfig()
	flat.Commission = Commission{Model: CommissionFlat, Amount: 1}
	perShare := DefaultConfig()
	perShare.Commission = Commission{Model: CommissionPerShare, Amount: 0.01, Minimum: 1}
	nextOpen := DefaultConfig()
	nextOpen.Fill = FillNextOpen

	cases := map[string]Config{
		"no commission":        DefaultConfig(),
		"flat commission":      flat,
		"per-share commission": perShare,
		"next open":            nextOpen,
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := newEngine(cfg).Run(context.Background(),
				request(builtins.NewBuyAndHold(), 100000, 2, 2, "AAA"), ds)
			require.NoError(t, err)

			require.Len(t, res.EquityCurve, 1)
			assert.Equal(t, 100000.0, res.EquityCurve[0].Value)
			assert.Equal(t, 100000.0, res.FinalCash)
			assert.Empty(t, res.Trades)
			assert.Zero(t, res.Metrics.TotalTrades)
		})
	}
}

func TestSecondDayTrades(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 140, 150, 160),
	})
	cfg := DefaultConfig()
	cfg.Commission = Commission{Model: CommissionFlat, Amount: 1}
	res, err := newEngine(cfg).Run(context.Background(),
		request(builtins.NewBuyAndHold(), 100000, 2, 3, "AAA"), ds)
	require.NoError(t, err)

	require.Len(t, res.EquityCurve, 2)
	require.NotEmpty(t, res.Trades)
	assert.Equal(t, 150.0, res.Trades[0].Price)
	assert.Less(t, res.EquityCurve[0].Value, 100000.0, "commission is charged once trading is possible")
}

func TestIdempotentJSON(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/4)
	}
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", closes...),
		"BBB": series("BBB", closes[3:]...),
	})
	req := Request{
		Strategy:    builtins.NewSMACross(),
		Params:      domain.ParameterSet{"short_sma": 3, "long_sma": 8},
		Symbols:     []string{"BBB", "AAA"},
		Start:       day(10),
		End:         day(55),
		InitialCash: 25000,
	}
	eng := newEngine(DefaultConfig())

	a, err := eng.Run(context.Background(), req, ds)
	require.NoError(t, err)
	b, err := eng.Run(context.Background(), req, ds)
	require.NoError(t, err)
	require.NotEmpty(t, a.Trades)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, []string{"AAA", "BBB"}, a.Symbols)
}

func TestNextOpenFill(t *testing.T) {
	bars := series("AAA", 10, 10, 10, 10)
	bars[1].Open = 12
	bars[3].Open = 20
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{"AAA": bars})

	cfg := DefaultConfig()
	cfg.Fill = FillNextOpen
	cfg.Sizing = Sizing{Policy: SizingFixedQuantity, Quantity: 5}
	s := &scripted{actions: map[string]domain.Action{
		"AAA 2024-01-01": domain.ActionBuy,
		"AAA 2024-01-03": domain.ActionSell,
		"AAA 2024-01-04": domain.ActionBuy,
	}}

	res, err := newEngine(cfg).Run(context.Background(), request(s, 1000, 1, 4, "AAA"), ds)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, day(2), res.Trades[0].Date)
	assert.Equal(t, 12.0, res.Trades[0].Price)
	assert.Equal(t, day(4), res.Trades[1].Date)
	assert.Equal(t, 20.0, res.Trades[1].Price)
	assert.InDelta(t, 40.0, res.Trades[1].RealizedPnL, 1e-9)
	assert.Empty(t, res.Positions)
}

func TestCommissionPartialFill(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 10, 12),
	})
	cfg := DefaultConfig()
	cfg.Sizing = Sizing{Policy: SizingFixedQuantity, Quantity: 10}
	cfg.Commission = Commission{Model: CommissionFlat, Amount: 5}
	s := &scripted{actions: map[string]domain.Action{
		"AAA 2024-01-01": domain.ActionBuy,
		"AAA 2024-01-02": domain.ActionSell,
	}}

	res, err := newEngine(cfg).Run(context.Background(), request(s, 100, 1, 2, "AAA"), ds)
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	buy, sell := res.Trades[0], res.Trades[1]
	assert.Equal(t, 9.0, buy.Qty)
	assert.Equal(t, 5.0, buy.Commission)
	assert.InDelta(t, 5.0, res.EquityCurve[0].Cash, 1e-9)
	assert.InDelta(t, 8.0, sell.RealizedPnL, 1e-9)
	assert.InDelta(t, 108.0, res.FinalCash, 1e-9)

	require.Len(t, res.Annotations, 1)
	assert.Equal(t, domain.AnnotationPartialFill, res.Annotations[0].Kind)
}

func TestStrategyErrorsAreAnnotated(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 10, 11, 12, 13),
	})
	s := &scripted{
		errs:   map[string]error{"AAA 2024-01-02": errors.New("bad input"), "AAA 2024-01-01": strategy.ErrWarmup},
		panics: map[string]bool{"AAA 2024-01-03": true},
		actions: map[string]domain.Action{
			"AAA 2024-01-04": domain.ActionBuy,
		},
	}
	res, err := newEngine(DefaultConfig()).Run(context.Background(), request(s, 1000, 1, 4, "AAA"), ds)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	require.Len(t, res.Annotations, 2)
	for _, a := range res.Annotations {
		assert.Equal(t, domain.AnnotationStrategyError, a.Kind)
		assert.NotContains(t, a.Message, "\n")
	}
	assert.Contains(t, res.Annotations[1].Message, "panic: boom")
	assert.Len(t, res.Trades, 1)
}

func TestNoPyramidingAndPositionLimit(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 10, 10, 10),
	})
	buys := map[string]domain.Action{
		"AAA 2024-01-01": domain.ActionBuy,
		"AAA 2024-01-02": domain.ActionBuy,
		"AAA 2024-01-03": domain.ActionBuy,
	}

	cfg := DefaultConfig()
	cfg.Sizing = Sizing{Policy: SizingFixedQuantity, Quantity: 100, MaxPositionPct: 0.05}
	res, err := newEngine(cfg).Run(context.Background(), request(&scripted{actions: buys}, 10000, 1, 3, "AAA"), ds)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 50.0, res.Trades[0].Qty)

	cfg.Sizing.Pyramiding = true
	res, err = newEngine(cfg).Run(context.Background(), request(&scripted{actions: buys}, 10000, 1, 3, "AAA"), ds)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	require.Len(t, res.Annotations, 2)
	assert.Equal(t, domain.AnnotationPositionLimit, res.Annotations[0].Kind)
}

func TestForwardFilledBarsAreNotEvaluated(t *testing.T) {
	b := series("BBB", 20, 21, 22)
	b = append(b[:1], b[2:]...)
	ds := dataset(t, marketdata.AlignForwardFill, map[string][]domain.Bar{
		"AAA": series("AAA", 10, 11, 12),
		"BBB": b,
	})
	s := &scripted{
		actions: map[string]domain.Action{"BBB 2024-01-02": domain.ActionBuy},
		calls:   map[string]int{},
	}
	res, err := newEngine(DefaultConfig()).Run(context.Background(), request(s, 1000, 1, 3, "AAA", "BBB"), ds)
	require.NoError(t, err)

	assert.Empty(t, res.Trades)
	assert.Len(t, res.EquityCurve, 3)
	assert.Zero(t, s.calls["BBB 2024-01-02"])
	assert.Equal(t, 1, s.calls["AAA 2024-01-02"])
}

func TestRunFailures(t *testing.T) {
	ds := dataset(t, marketdata.AlignIntersection, map[string][]domain.Bar{
		"AAA": series("AAA", 10, 11, 12),
	})
	eng := newEngine(DefaultConfig())

	t.Run("end before start", func(t *testing.T) {
		res, err := eng.Run(context.Background(), request(&scripted{}, 100, 3, 1, "AAA"), ds)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageValidate, se.Stage)
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, StateFailed, res.State)
	})

	t.Run("non-positive cash", func(t *testing.T) {
		_, err := eng.Run(context.Background(), request(&scripted{}, 0, 1, 3, "AAA"), ds)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		_, err := eng.Run(context.Background(), request(&scripted{}, 100, 1, 3, "ZZZ"), ds)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageData, se.Stage)
		assert.Equal(t, "ZZZ", se.Symbol)
		assert.ErrorIs(t, err, marketdata.ErrDataUnavailable)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := eng.Run(ctx, request(&scripted{}, 100, 1, 3, "AAA"), ds)
		var se *StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, StageSimulate, se.Stage)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateFailed, res.State)
	})

	t.Run("unknown parameter", func(t *testing.T) {
		req := request(builtins.NewSMACross(), 100, 1, 3, "AAA")
		req.Params = domain.ParameterSet{"nope": 1}
		_, err := eng.Run(context.Background(), req, ds)
		assert.ErrorIs(t, err, strategy.ErrUnknownParam)
	})
}

func TestRunnerLoadsWarmup(t *testing.T) {
	closes := make([]float64, 31)
	for i := range closes {
		closes[i] = float64(100 + i)
	}
	p := marketdata.NewStaticProvider(map[string][]domain.Bar{"AAA": series("AAA", closes...)})
	r := NewRunner(p, DefaultConfig(), util.Discard())

	req := Request{
		Strategy:    builtins.NewSMACross(),
		Params:      domain.ParameterSet{"short_sma": 2, "long_sma": 5},
		Symbols:     []string{"aaa"},
		Start:       day(20),
		End:         day(31),
		InitialCash: 1000,
	}
	res, err := r.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, res.EquityCurve, 12)
	assert.Equal(t, day(20), res.EquityCurve[0].Date)

	req.Symbols = []string{"MISSING"}
	res, err = r.Run(context.Background(), req)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageData, se.Stage)
	assert.Equal(t, "MISSING", se.Symbol)
	assert.Equal(t, StateFailed, res.State)
}

func TestWarmupStart(t *testing.T) {
	start := day(31)
	assert.Equal(t, start, WarmupStart(start, 1, 0))
	assert.Equal(t, start.AddDate(0, 0, -24), WarmupStart(start, 11, 0))
	assert.Equal(t, start.AddDate(0, 0, -5), WarmupStart(start, 100, 5))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{}.WithDefaults().Validate())

	bad := DefaultConfig()
	bad.Sizing.Fraction = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Fill = "tomorrow"
	assert.Error(t, bad.Validate())

	p, err := ParseSizingPolicy("Equal_Weight")
	require.NoError(t, err)
	assert.Equal(t, SizingEqualWeight, p)
	_, err = ParseFillTiming("later")
	assert.Error(t, err)
}

func TestCommissionCost(t *testing.T) {
	flat := Commission{Model: CommissionFlat, Amount: 1, Minimum: 2}
	assert.Equal(t, 2.0, flat.Cost(10))
	assert.Equal(t, 0.0, flat.Cost(0))

	per := Commission{Model: CommissionPerShare, Amount: 0.01, Minimum: 1}
	assert.Equal(t, 1.0, per.Cost(10))
	assert.InDelta(t, 5.0, per.Cost(500), 1e-12)
}
