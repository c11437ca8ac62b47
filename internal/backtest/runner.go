package backtest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/strategy"
)

// Runner loads the data a request needs through a Provider and runs it.
type Runner struct {
	provider marketdata.Provider
	engine   *Engine
	log      *slog.Logger
}

// NewRunner creates a Runner backed by p.
func NewRunner(p marketdata.Provider, cfg Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{provider: p, engine: NewEngine(cfg, log), log: log.With("component", "backtest-runner")}
}

// Engine returns the engine the runner simulates with.
func (r *Runner) Engine() *Engine { return r.engine }

// Provider returns the runner's data source.
func (r *Runner) Provider() marketdata.Provider { return r.provider }

// WithConfig returns a Runner sharing the provider with a different config.
func (r *Runner) WithConfig(cfg Config) *Runner {
	return &Runner{provider: r.provider, engine: NewEngine(cfg, r.log), log: r.log}
}

// Run validates req, loads bars from the warm-up start through req.End and
// simulates.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	ds, err := r.Load(ctx, req)
	if err != nil {
		res := &Result{
			Symbols:     marketdata.NormalizeSymbols(req.Symbols),
			Start:       domain.DateOf(req.Start),
			End:         domain.DateOf(req.End),
			State:       StateFailed,
			Error:       err.Error(),
			InitialCash: req.InitialCash,
		}
		if req.Strategy != nil {
			res.Strategy = req.Strategy.Name()
		}
		return res, err
	}
	return r.engine.Run(ctx, req, ds)
}

// Load fetches the dataset req needs, including warm-up history. Errors are
// *StageError.
func (r *Runner) Load(ctx context.Context, req Request) (*marketdata.Dataset, error) {
	if err := req.Validate(); err != nil {
		return nil, &StageError{Stage: StageValidate, Params: req.Params.Clone(), Err: err}
	}
	bound, err := strategy.Bind(req.Strategy, req.Params)
	if err != nil {
		return nil, &StageError{Stage: StageValidate, Params: req.Params.Clone(), Err: err}
	}
	return r.LoadRange(ctx, req.Symbols, req.Start, req.End, bound.Lookback())
}

// LoadRange fetches symbols over [start, end] plus enough calendar days
// before start to cover lookback trading days.
func (r *Runner) LoadRange(ctx context.Context, symbols []string, start, end time.Time, lookback int) (*marketdata.Dataset, error) {
	from := WarmupStart(start, lookback, r.engine.cfg.LookbackDays)
	ds, err := marketdata.Load(ctx, r.provider, symbols, from, end, r.engine.cfg.Align)
	if err != nil {
		se := &StageError{Stage: StageData, Err: err}
		var de *marketdata.DataError
		if errors.As(err, &de) {
			se.Symbol = de.Symbol
		}
		r.log.Warn("load dataset failed", "symbols", len(symbols), "err", err)
		return nil, se
	}
	return ds, nil
}

// WarmupStart returns the first calendar day to fetch so that lookback
// trading days precede start. An explicit lookbackDays wins.
func WarmupStart(start time.Time, lookback, lookbackDays int) time.Time {
	start = domain.DateOf(start)
	if lookbackDays > 0 {
		return start.AddDate(0, 0, -lookbackDays)
	}
	if lookback <= 1 {
		return start
	}
	days := int(math.Ceil(float64(lookback-1)*7/5)) + 10
	return start.AddDate(0, 0, -days)
}
