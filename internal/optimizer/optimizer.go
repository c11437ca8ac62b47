// Package optimizer sweeps a strategy's parameter grid with a bounded worker
// pool, ranks every combination by one metric and reports the best.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"sync"
	"time"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

// ErrCombinationBudgetExceeded is returned when a sweep is larger than the
// configured budget and the caller has not confirmed it.
var ErrCombinationBudgetExceeded = errors.New("combination budget exceeded")

// BudgetError reports the requested and allowed combination counts.
type BudgetError struct {
	Total int
	Limit int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%v: %d combinations requested, limit is %d; confirm to proceed",
		ErrCombinationBudgetExceeded, e.Total, e.Limit)
}

func (e *BudgetError) Unwrap() error { return ErrCombinationBudgetExceeded }

// DefaultMaxCombinations is the sweep size allowed without confirmation.
const DefaultMaxCombinations = 1000

// Config bounds sweep resources.
type Config struct {
	// Workers is the pool size. Zero uses runtime.NumCPU.
	Workers int `yaml:"max_workers"`

	// MaxCombinations is the unconfirmed sweep limit. Zero uses
	// DefaultMaxCombinations.
	MaxCombinations int `yaml:"max_combinations"`

	// RunTimeout bounds each combination. Zero means no per-run limit.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxCombinations <= 0 {
		c.MaxCombinations = DefaultMaxCombinations
	}
	return c
}

// Request describes one sweep. Backtest carries the symbols, date range,
// initial cash and any fixed parameter overrides; the grid values win over
// fixed ones.
type Request struct {
	Strategy strategy.Strategy
	Ranges   map[string][]float64
	Metric   string
	Backtest backtest.Request

	// Confirm allows sweeps larger than MaxCombinations.
	Confirm bool

	// Progress, when set, is called once per completed combination. Calls
	// are serialized.
	Progress func(Progress)
}

// Progress reports one completed combination.
type Progress struct {
	Done   int                 `json:"done"`
	Total  int                 `json:"total"`
	Index  int                 `json:"index"`
	Params domain.ParameterSet `json:"params"`
	Value  float64             `json:"value"`
	Error  string              `json:"error,omitempty"`
}

// Entry is one evaluated combination.
type Entry struct {
	Index  int                 `json:"index"`
	Params domain.ParameterSet `json:"parameters"`
	Value  float64             `json:"metric_value"`
	Error  string              `json:"error,omitempty"`

	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Ranked reports whether the entry takes part in ranking.
func (e Entry) Ranked() bool { return e.Error == "" && !math.IsNaN(e.Value) }

// Result is the outcome of a sweep. Results lists completed combinations in
// enumeration order. BestIndex is -1 when nothing could be ranked.
type Result struct {
	Strategy              string              `json:"strategy"`
	Metric                string              `json:"optimization_metric"`
	Direction             Direction           `json:"direction"`
	TotalCombinations     int                 `json:"total_combinations"`
	CompletedCombinations int                 `json:"completed_combinations"`
	Cancelled             bool                `json:"cancelled"`
	BestIndex             int                 `json:"best_index"`
	BestParams            domain.ParameterSet `json:"best_parameters"`
	BestValue             float64             `json:"best_metric_value"`
	Best                  *backtest.Result    `json:"best_result,omitempty"`
	Results               []Entry             `json:"results"`
}

// Optimizer runs sweeps through a backtest Runner.
type Optimizer struct {
	runner *backtest.Runner
	cfg    Config
	log    *slog.Logger
}

// New creates an Optimizer.
func New(runner *backtest.Runner, cfg Config, log *slog.Logger) *Optimizer {
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{runner: runner, cfg: cfg.withDefaults(), log: log.With("component", "optimizer")}
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// Plan validates req without running anything and returns its grid.
func (o *Optimizer) Plan(req Request) (*Grid, string, Direction, error) {
	metric, dir, err := DirectionFor(req.Metric)
	if err != nil {
		return nil, "", "", err
	}
	if req.Strategy == nil {
		return nil, "", "", fmt.Errorf("%w: strategy is required", backtest.ErrInvalidRequest)
	}
	grid, err := NewGrid(req.Ranges)
	if err != nil {
		return nil, "", "", err
	}

	declared := make(map[string]bool)
	for _, p := range req.Strategy.Params() {
		declared[p.Name] = true
	}
	for _, name := range grid.Names() {
		if !declared[name] {
			return nil, "", "", &RangeError{Param: name, Reason: "not a parameter of " + req.Strategy.Name()}
		}
	}

	if grid.Total() > o.cfg.MaxCombinations && !req.Confirm {
		return nil, "", "", &BudgetError{Total: grid.Total(), Limit: o.cfg.MaxCombinations}
	}
	return grid, metric, dir, nil
}

// Optimize runs every combination of req's grid. The dataset is loaded once
// and shared read-only across workers. Cancelling ctx after the sweep has
// started returns the completed combinations with Cancelled set and a nil
// error.
func (o *Optimizer) Optimize(ctx context.Context, req Request) (*Result, error) {
	grid, metric, dir, err := o.Plan(req)
	if err != nil {
		return nil, err
	}

	base := req.Backtest
	base.Strategy = req.Strategy
	if err := base.Validate(); err != nil {
		return nil, &backtest.StageError{Stage: backtest.StageValidate, Err: err}
	}

	lookback := 1
	for i := 0; i < grid.Total(); i++ {
		if b, err := strategy.Bind(req.Strategy, base.Params.Merge(grid.At(i))); err == nil {
			lookback = max(lookback, b.Lookback())
		}
	}
	ds, err := o.runner.LoadRange(ctx, base.Symbols, base.Start, base.End, lookback)
	if err != nil {
		return nil, err
	}

	total := grid.Total()
	workers := min(o.cfg.Workers, total)
	o.log.Info("starting sweep",
		"strategy", req.Strategy.Name(),
		"metric", metric,
		"combinations", total,
		"workers", workers,
	)

	idxCh := make(chan int, workers)
	go func() {
		defer close(idxCh)
		for i := 0; i < total; i++ {
			select {
			case idxCh <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  []Entry
		lead     = leader{dir: dir}
		engine   = o.runner.Engine()
		runStart = time.Now()
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				if ctx.Err() != nil {
					return
				}

				params := base.Params.Merge(grid.At(i))
				breq := base
				breq.Params = params

				runCtx, cancel := ctx, context.CancelFunc(func() {})
				if o.cfg.RunTimeout > 0 {
					runCtx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
				}
				res, err := engine.Run(runCtx, breq, ds)
				cancel()

				if err != nil && ctx.Err() != nil {
					return
				}

				e := Entry{Index: i, Params: params}
				if err != nil {
					e.Error = err.Error()
				} else {
					e.Metrics = res.Metrics.Map()
					e.Value, _ = res.Metric(metric)
					if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
						e.Error = fmt.Sprintf("%s is not finite", metric)
						e.Value = 0
					}
				}
				if e.Error != "" {
					o.log.Debug("combination failed", "index", i, "params", params.String(), "err", e.Error)
				}

				mu.Lock()
				results = append(results, e)
				lead.offer(e, res)
				if req.Progress != nil {
					req.Progress(Progress{Done: len(results), Total: total, Index: i, Params: params.Clone(), Value: e.Value, Error: e.Error})
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	slices.SortFunc(results, func(a, b Entry) int { return a.Index - b.Index })
	out := &Result{
		Strategy:              req.Strategy.Name(),
		Metric:                metric,
		Direction:             dir,
		TotalCombinations:     total,
		CompletedCombinations: len(results),
		Cancelled:             ctx.Err() != nil,
		BestIndex:             -1,
		Results:               results,
	}
	if out.Results == nil {
		out.Results = []Entry{}
	}

	if best := rank(out.Results, dir); best >= 0 {
		e := out.Results[best]
		out.BestIndex = e.Index
		out.BestParams = e.Params.Clone()
		out.BestValue = e.Value
		if lead.index == e.Index {
			out.Best = lead.res
		}
	}

	o.log.Info("sweep done",
		"completed", out.CompletedCombinations,
		"total", total,
		"cancelled", out.Cancelled,
		"best", out.BestParams.String(),
		"value", out.BestValue,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return out, nil
}

// rank returns the position in entries of the best ranked entry, or -1.
// Entries are in enumeration order, so a strict comparison keeps the lowest
// index on ties.
func rank(entries []Entry, dir Direction) int {
	best := -1
	for i, e := range entries {
		if !e.Ranked() {
			continue
		}
		if best < 0 || dir.Better(e.Value, entries[best].Value) {
			best = i
		}
	}
	return best
}

// leader holds the full result of the best ranked entry seen so far, so a
// sweep retains one backtest result rather than one per combination.
type leader struct {
	dir   Direction
	index int
	value float64
	res   *backtest.Result
}

// offer replaces the leader when e ranks strictly better, or ties at a lower
// index.
func (l *leader) offer(e Entry, res *backtest.Result) {
	if res == nil || !e.Ranked() {
		return
	}
	if l.res == nil || l.dir.Better(e.Value, l.value) || (e.Value == l.value && e.Index < l.index) {
		l.index, l.value, l.res = e.Index, e.Value, res
	}
}
