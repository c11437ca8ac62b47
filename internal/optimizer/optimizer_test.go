package optimizer

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/metrics"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
)

func day(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func rising(sym string, n int) []domain.Bar {
	out := make([]domain.Bar, n)
	for i := range out {
		c := 100 + float64(i) + 3*math.Sin(float64(i))
		out[i] = domain.Bar{Symbol: sym, Timestamp: day(i + 1), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

// knob buys every day with strength x; y has no effect.
type knob struct{}

func (knob) Name() string { return "knob" }

func (knob) Params() []strategy.ParamSpec {
	return []strategy.ParamSpec{{Name: "x", Default: 0.5}, {Name: "y", Default: 1}}
}

func (knob) Lookback(domain.ParameterSet) int { return 1 }

func (knob) Evaluate(_ []domain.Bar, p domain.ParameterSet) (strategy.Decision, error) {
	if p["x"] < 0 {
		return strategy.Hold(), errors.New("negative x")
	}
	return strategy.Decision{Action: domain.ActionBuy, Strength: p["x"]}, nil
}

// sluggish behaves like knob but stalls every evaluation when x equals slowX.
type sluggish struct {
	knob
	slowX float64
	delay time.Duration
}

func (s sluggish) Name() string { return "sluggish" }

func (s sluggish) Evaluate(bars []domain.Bar, p domain.ParameterSet) (strategy.Decision, error) {
	if p["x"] == s.slowX {
		time.Sleep(s.delay)
	}
	return s.knob.Evaluate(bars, p)
}

func newOptimizer(cfg Config) *Optimizer {
	p := marketdata.NewStaticProvider(map[string][]domain.Bar{
		"AAA": rising("AAA", 40),
		"BBB": rising("BBB", 40),
	})
	bcfg := backtest.DefaultConfig()
	bcfg.Sizing = backtest.Sizing{Policy: backtest.SizingStrengthScaled, Fraction: 1}
	return New(backtest.NewRunner(p, bcfg, util.Discard()), cfg, util.Discard())
}

func baseRequest() backtest.Request {
	return backtest.Request{Symbols: []string{"AAA"}, Start: day(5), End: day(30), InitialCash: 10000}
}

func TestGridEnumeration(t *testing.T) {
	g, err := NewGrid(map[string][]float64{"short_sma": {10, 20}, "long_sma": {5, 15, 25}})
	require.NoError(t, err)
	require.Equal(t, 6, g.Total())
	assert.Equal(t, []string{"long_sma", "short_sma"}, g.Names())

	want := []domain.ParameterSet{
		{"long_sma": 5, "short_sma": 10},
		{"long_sma": 5, "short_sma": 20},
		{"long_sma": 15, "short_sma": 10},
		{"long_sma": 15, "short_sma": 20},
		{"long_sma": 25, "short_sma": 10},
		{"long_sma": 25, "short_sma": 20},
	}
	for i, w := range want {
		assert.Equal(t, w, g.At(i), "combination %d", i)
	}
}

func TestGridValidation(t *testing.T) {
	cases := map[string]map[string][]float64{
		"empty map":  {},
		"empty list": {"a": {}},
		"nan":        {"a": {1, math.NaN()}},
		"inf":        {"a": {math.Inf(1)}},
		"duplicate":  {"a": {1, 2, 1}},
	}
	for name, ranges := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewGrid(ranges)
			assert.ErrorIs(t, err, ErrInvalidParameterRange)
		})
	}
}

func TestDirections(t *testing.T) {
	for _, name := range metrics.Names {
		_, ok := Directions[name]
		assert.True(t, ok, "no direction for %s", name)
	}

	m, d, err := DirectionFor("Sharpe")
	require.NoError(t, err)
	assert.Equal(t, metrics.SharpeRatio, m)
	assert.Equal(t, Maximize, d)

	_, d, err = DirectionFor("volatility")
	require.NoError(t, err)
	assert.Equal(t, Minimize, d)

	_, _, err = DirectionFor("alpha")
	assert.ErrorIs(t, err, ErrUnknownMetric)

	assert.False(t, Maximize.Better(math.NaN(), 1))
	assert.True(t, Maximize.Better(1, math.NaN()))
	assert.False(t, Maximize.Better(1, 1))
	assert.True(t, Minimize.Better(1, 2))
}

func TestOptimizeSMACrossGrid(t *testing.T) {
	o := newOptimizer(Config{Workers: 3})
	res, err := o.Optimize(context.Background(), Request{
		Strategy: builtins.NewSMACross(),
		Ranges:   map[string][]float64{"short_sma": {10, 20}, "long_sma": {5, 15, 25}},
		Metric:   "sharpe_ratio",
		Backtest: baseRequest(),
	})
	require.NoError(t, err)

	assert.Equal(t, 6, res.TotalCombinations)
	assert.Equal(t, 6, res.CompletedCombinations)
	assert.False(t, res.Cancelled)
	for i, e := range res.Results {
		assert.Equal(t, i, e.Index)
	}
}

func TestOptimizeBestAndTies(t *testing.T) {
	o := newOptimizer(Config{Workers: 4})
	req := Request{
		Strategy: knob{},
		Ranges:   map[string][]float64{"x": {0.2, 0.5, 0.8}, "y": {1, 2}},
		Metric:   "final_value",
		Backtest: baseRequest(),
	}

	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Results, 6)

	maxV := math.Inf(-1)
	for _, e := range res.Results {
		require.Empty(t, e.Error)
		maxV = math.Max(maxV, e.Value)
	}
	assert.Equal(t, maxV, res.BestValue)
	assert.Equal(t, 4, res.BestIndex)
	assert.Equal(t, domain.ParameterSet{"x": 0.8, "y": 1}, res.BestParams)
	require.NotNil(t, res.Best)
	assert.Equal(t, res.BestValue, res.Best.Metrics.FinalValue)
	assert.Equal(t, res.BestParams, res.Best.Params)

	req.Metric = "volatility"
	res, err = o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Minimize, res.Direction)
	assert.Equal(t, 0, res.BestIndex)
}

func TestOptimizeErroredCombinationsAreNotRanked(t *testing.T) {
	o := newOptimizer(Config{Workers: 2})
	res, err := o.Optimize(context.Background(), Request{
		Strategy: builtins.NewSMACross(),
		Ranges:   map[string][]float64{"short_sma": {0, 3}, "long_sma": {8}},
		Metric:   "total_return",
		Backtest: baseRequest(),
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	assert.NotEmpty(t, res.Results[0].Error)
	assert.False(t, res.Results[0].Ranked())
	assert.Empty(t, res.Results[1].Error)
	assert.Equal(t, 1, res.BestIndex)
	assert.Equal(t, domain.ParameterSet{"long_sma": 8, "short_sma": 3}, res.BestParams)

	// strategy errors are day-level annotations, not combination failures
	res, err = o.Optimize(context.Background(), Request{
		Strategy: knob{},
		Ranges:   map[string][]float64{"x": {-1, 0.3}},
		Metric:   "total_return",
		Backtest: baseRequest(),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Results[0].Error)
	assert.Equal(t, 0.0, res.Results[0].Value)
	assert.Equal(t, 1, res.BestIndex)
}

func TestRankSkipsNaN(t *testing.T) {
	entries := []Entry{{Index: 0, Value: math.NaN()}, {Index: 1, Value: 2}, {Index: 2, Value: 2}, {Index: 3, Value: 5, Error: "x"}}
	assert.Equal(t, 1, rank(entries, Maximize))
	assert.Equal(t, -1, rank(entries[:1], Maximize))
}

func TestOptimizeBudget(t *testing.T) {
	o := newOptimizer(Config{Workers: 2, MaxCombinations: 4})
	req := Request{
		Strategy: builtins.NewSMACross(),
		Ranges:   map[string][]float64{"short_sma": {10, 20}, "long_sma": {5, 15, 25}},
		Metric:   "sharpe",
		Backtest: baseRequest(),
	}
	_, err := o.Optimize(context.Background(), req)
	var be *BudgetError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 6, be.Total)
	assert.Equal(t, 4, be.Limit)
	assert.ErrorIs(t, err, ErrCombinationBudgetExceeded)

	req.Confirm = true
	res, err := o.Optimize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 6, res.CompletedCombinations)
}

func TestOptimizeRejectsBadRequests(t *testing.T) {
	o := newOptimizer(Config{})
	_, err := o.Optimize(context.Background(), Request{
		Strategy: builtins.NewSMACross(),
		Ranges:   map[string][]float64{"fast": {1}},
		Metric:   "sharpe",
		Backtest: baseRequest(),
	})
	var re *RangeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "fast", re.Param)

	_, err = o.Optimize(context.Background(), Request{
		Strategy: builtins.NewSMACross(),
		Ranges:   map[string][]float64{"short_sma": {1}},
		Metric:   "alpha",
		Backtest: baseRequest(),
	})
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = o.Optimize(context.Background(), Request{
		Strategy: builtins.NewSMACross(),
		Ranges:   map[string][]float64{"short_sma": {1}},
		Metric:   "sharpe",
		Backtest: backtest.Request{Symbols: []string{"ZZZ"}, Start: day(5), End: day(30), InitialCash: 1},
	})
	assert.ErrorIs(t, err, marketdata.ErrDataUnavailable)
}

func TestOptimizeCancellationReturnsPartial(t *testing.T) {
	o := newOptimizer(Config{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		events []Progress
	)
	res, err := o.Optimize(ctx, Request{
		Strategy: knob{},
		Ranges:   map[string][]float64{"x": {0.1, 0.2, 0.3, 0.4}},
		Metric:   "total_return",
		Backtest: baseRequest(),
		Progress: func(p Progress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
			cancel()
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 4, res.TotalCombinations)
	require.Equal(t, 1, res.CompletedCombinations)
	assert.Equal(t, 0, res.Results[0].Index)

	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Done)
	assert.Equal(t, 4, events[0].Total)
}

func TestOptimizeProgressCountsEveryCombination(t *testing.T) {
	o := newOptimizer(Config{Workers: 3})
	var dones []int
	res, err := o.Optimize(context.Background(), Request{
		Strategy: knob{},
		Ranges:   map[string][]float64{"x": {0.1, 0.2, 0.3}, "y": {1, 2, 3}},
		Metric:   "total_return",
		Backtest: baseRequest(),
		Progress: func(p Progress) { dones = append(dones, p.Done) },
	})
	require.NoError(t, err)
	assert.Equal(t, 9, res.CompletedCombinations)
	require.Len(t, dones, 9)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, dones)
}

func TestOptimizeRunTimeoutFailsOnlySlowCombination(t *testing.T) {
	o := newOptimizer(Config{Workers: 3, RunTimeout: 50 * time.Millisecond})
	res, err := o.Optimize(context.Background(), Request{
		Strategy: sluggish{slowX: 0.5, delay: 10 * time.Millisecond},
		Ranges:   map[string][]float64{"x": {0.2, 0.5, 0.8}},
		Metric:   "final_value",
		Backtest: baseRequest(),
	})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, 3, res.CompletedCombinations)
	require.Len(t, res.Results, 3)

	slow := res.Results[1]
	assert.Equal(t, 1, slow.Index)
	assert.Contains(t, slow.Error, context.DeadlineExceeded.Error())
	assert.False(t, slow.Ranked())

	assert.Empty(t, res.Results[0].Error)
	assert.Empty(t, res.Results[2].Error)
	assert.Equal(t, 2, res.BestIndex)
	require.NotNil(t, res.Best)
	assert.Equal(t, domain.ParameterSet{"x": 0.8, "y": 1}, res.Best.Params)
}

func TestOptimizeCancelledLargeSweepStopsEarly(t *testing.T) {
	o := newOptimizer(Config{Workers: 2, MaxCombinations: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	xs := make([]float64, 300)
	ys := make([]float64, 300)
	for i := range xs {
		xs[i] = float64(i+1) / 1000
		ys[i] = float64(i + 1)
	}
	res, err := o.Optimize(ctx, Request{
		Strategy: knob{},
		Ranges:   map[string][]float64{"x": xs, "y": ys},
		Metric:   "total_return",
		Backtest: baseRequest(),
		Confirm:  true,
		Progress: func(Progress) { cancel() },
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, 90000, res.TotalCombinations)
	assert.GreaterOrEqual(t, res.CompletedCombinations, 1)
	assert.LessOrEqual(t, res.CompletedCombinations, 2)
	assert.Len(t, res.Results, res.CompletedCombinations)
}

func TestLeaderKeepsLowestIndexOnTies(t *testing.T) {
	r0, r1, r2 := &backtest.Result{}, &backtest.Result{}, &backtest.Result{}
	l := leader{dir: Maximize}
	l.offer(Entry{Index: 3, Value: 2}, r2)
	l.offer(Entry{Index: 1, Value: 2}, r1)
	l.offer(Entry{Index: 0, Value: 9, Error: "boom"}, r0)
	l.offer(Entry{Index: 2, Value: 2}, r0)
	assert.Equal(t, 1, l.index)
	assert.Same(t, r1, l.res)

	l.offer(Entry{Index: 5, Value: 3}, r0)
	assert.Equal(t, 5, l.index)
	assert.Same(t, r0, l.res)
}
