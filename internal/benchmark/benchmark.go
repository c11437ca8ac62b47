// Package benchmark runs a strategy next to baseline strategies over the
// same data and reports the metric-by-metric difference.
package benchmark

import (
	"context"
	"fmt"
	"log/slog"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/metrics"
	"quantdesk/internal/strategy"
)

// BuyAndHold is the name of the default baseline strategy.
const BuyAndHold = "buy-and-hold"

// Baseline is a reference run. With Index set the baseline holds that symbol
// alone; otherwise it trades the request's symbols.
type Baseline struct {
	Name     string              `json:"name"`
	Strategy string              `json:"strategy"`
	Params   domain.ParameterSet `json:"params,omitempty"`
	Index    string              `json:"index,omitempty"`
}

func (b Baseline) label() string {
	switch {
	case b.Name != "":
		return b.Name
	case b.Index != "":
		return b.Strategy + ":" + b.Index
	}
	return b.Strategy
}

// DefaultBaselines is equal-weight buy-and-hold of the request's symbols.
func DefaultBaselines() []Baseline {
	return []Baseline{{Strategy: BuyAndHold}}
}

// Request pairs the strategy run with its baselines.
type Request struct {
	Backtest  backtest.Request
	Baselines []Baseline
}

// Comparison is one baseline's outcome. Outperformance is strategy minus
// baseline for every scalar metric.
type Comparison struct {
	Name           string             `json:"name"`
	Result         *backtest.Result   `json:"result"`
	Outperformance map[string]float64 `json:"outperformance,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Report is the full comparison.
type Report struct {
	Strategy   *backtest.Result `json:"strategy"`
	Benchmarks []Comparison     `json:"benchmarks"`
}

// Comparator runs comparisons through a backtest Runner.
type Comparator struct {
	runner   *backtest.Runner
	registry *strategy.Registry
	log      *slog.Logger
}

// New creates a Comparator resolving baseline strategies from registry.
func New(runner *backtest.Runner, registry *strategy.Registry, log *slog.Logger) *Comparator {
	if log == nil {
		log = slog.Default()
	}
	return &Comparator{runner: runner, registry: registry, log: log.With("component", "benchmark")}
}

// Compare runs the strategy, then every baseline over the same range and
// initial cash. A failing strategy run fails the comparison; a failing
// baseline is reported in its Comparison.
func (c *Comparator) Compare(ctx context.Context, req Request) (*Report, error) {
	res, err := c.runner.Run(ctx, req.Backtest)
	if err != nil {
		return nil, err
	}

	baselines := req.Baselines
	if len(baselines) == 0 {
		baselines = DefaultBaselines()
	}

	report := &Report{Strategy: res, Benchmarks: make([]Comparison, 0, len(baselines))}
	for _, b := range baselines {
		if err := ctx.Err(); err != nil {
			return nil, &backtest.StageError{Stage: backtest.StageSimulate, Err: err}
		}
		cmp := Comparison{Name: b.label()}
		base, err := c.runBaseline(ctx, req.Backtest, b)
		if err != nil {
			cmp.Error = err.Error()
			c.log.Warn("baseline failed", "baseline", cmp.Name, "err", err)
		} else {
			cmp.Result = base
			cmp.Outperformance = Outperformance(res.Metrics, base.Metrics)
		}
		report.Benchmarks = append(report.Benchmarks, cmp)
	}
	return report, nil
}

func (c *Comparator) runBaseline(ctx context.Context, req backtest.Request, b Baseline) (*backtest.Result, error) {
	name := b.Strategy
	if name == "" {
		name = BuyAndHold
	}
	s, err := c.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	req.Strategy = s
	req.Params = b.Params
	if b.Index != "" {
		req.Symbols = []string{b.Index}
	}

	runner := c.runner
	if name == BuyAndHold {
		cfg := runner.Engine().Config()
		cfg.Sizing = backtest.Sizing{Policy: backtest.SizingEqualWeight, AllowFractional: cfg.Sizing.AllowFractional}
		runner = runner.WithConfig(cfg)
	}
	res, err := runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("baseline %s: %w", b.label(), err)
	}
	return res, nil
}

// Outperformance returns a - b for every scalar metric.
func Outperformance(a, b metrics.Summary) map[string]float64 {
	am, bm := a.Map(), b.Map()
	out := make(map[string]float64, len(am))
	for name, v := range am {
		out[name] = v - bm[name]
	}
	return out
}
