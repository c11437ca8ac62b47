package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/metrics"
	"quantdesk/internal/strategy"
)

// Engine simulates requests against a Dataset. An Engine holds only its
// configuration and may run many simulations concurrently.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// NewEngine returns an Engine with cfg filled from defaults.
func NewEngine(cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg.WithDefaults(), log: log.With("component", "backtest")}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

type order struct {
	signal domain.Signal
}

// Run simulates req over ds. Days before req.Start serve only as warm-up
// history. On failure the returned Result has State FAILED and the error is a
// *StageError.
func (e *Engine) Run(ctx context.Context, req Request, ds *marketdata.Dataset) (*Result, error) {
	res := &Result{
		Symbols:     marketdata.NormalizeSymbols(req.Symbols),
		Start:       domain.DateOf(req.Start),
		End:         domain.DateOf(req.End),
		State:       StateInitialized,
		InitialCash: req.InitialCash,
	}
	if req.Strategy != nil {
		res.Strategy = req.Strategy.Name()
	}
	fail := func(stage, symbol string, err error) (*Result, error) {
		res.State = StateFailed
		res.Error = err.Error()
		e.log.Debug("backtest state", "state", res.State, "stage", stage, "err", err)
		return res, &StageError{Stage: stage, Symbol: symbol, Params: req.Params.Clone(), Err: err}
	}

	if err := e.cfg.Validate(); err != nil {
		return fail(StageValidate, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if err := req.Validate(); err != nil {
		return fail(StageValidate, "", err)
	}
	bound, err := strategy.Bind(req.Strategy, req.Params)
	if err != nil {
		return fail(StageValidate, "", err)
	}
	res.Params = bound.Params()

	if ds == nil {
		return fail(StageData, "", errors.New("no dataset"))
	}
	for _, sym := range res.Symbols {
		if !ds.Has(sym) {
			return fail(StageData, sym, &marketdata.DataError{Symbol: sym, Start: res.Start, End: res.End})
		}
	}
	lo, hi := ds.Slice(res.Start, res.End)
	if lo >= hi {
		return fail(StageData, "", fmt.Errorf("%w: %s to %s", marketdata.ErrNoTradingDays,
			res.Start.Format(domain.DateLayout), res.End.Format(domain.DateLayout)))
	}

	res.State = StateRunning
	e.log.Debug("backtest state", "state", res.State, "strategy", res.Strategy,
		"params", res.Params.String(), "days", hi-lo, "symbols", len(res.Symbols))

	acct := newAccount(req.InitialCash)
	lookback := bound.Lookback()
	universe := len(res.Symbols)
	var pending []order
	singleDay := hi-lo == 1

	for i := lo; i < hi; i++ {
		if err := ctx.Err(); err != nil {
			return fail(StageSimulate, "", err)
		}
		date := ds.Date(i)

		if len(pending) > 0 {
			for _, sym := range res.Symbols {
				if bar, ok := ds.Bar(sym, i); ok {
					acct.mark(sym, bar.Open)
				}
			}
			for _, o := range pending {
				bar, ok := ds.Bar(o.signal.Symbol, i)
				if !ok || bar.Filled {
					acct.annotate(date, o.signal.Symbol, domain.AnnotationMissingBar,
						"no bar to fill order from "+o.signal.Date.Format(domain.DateLayout))
					continue
				}
				e.fill(acct, date, o.signal, bar.Open, universe)
			}
			pending = pending[:0]
		}

		for _, sym := range res.Symbols {
			if bar, ok := ds.Bar(sym, i); ok {
				acct.mark(sym, bar.Close)
			}
		}

		// A single-day run has no time to trade: its one equity point is
		// the initial cash regardless of commission.
		if !singleDay {
			for _, sym := range res.Symbols {
				bar, ok := ds.Bar(sym, i)
				if !ok || bar.Filled {
					continue
				}
				window := ds.Window(sym, i, lookback)
				if len(window) < lookback {
					continue
				}

				dec, err := bound.Evaluate(window)
				if err != nil {
					if errors.Is(err, strategy.ErrWarmup) {
						continue
					}
					ee := &strategy.EvalError{Date: date, Symbol: sym, Err: err}
					acct.annotate(date, sym, domain.AnnotationStrategyError, firstLine(ee.Error()))
					e.log.Debug("strategy error", "symbol", sym, "date", date.Format(domain.DateLayout), "err", err)
					continue
				}
				if dec.Action == domain.ActionHold {
					continue
				}

				sig := domain.Signal{Date: date, Symbol: sym, Action: dec.Action, Strength: dec.Strength}
				switch e.cfg.Fill {
				case FillNextOpen:
					if i+1 < hi {
						pending = append(pending, order{signal: sig})
					}
				default:
					e.fill(acct, date, sig, bar.Close, universe)
				}
			}
		}

		res.EquityCurve = append(res.EquityCurve, domain.EquityPoint{
			Date:  date,
			Value: acct.equity(),
			Cash:  acct.cash,
		})
	}

	res.State = StateCompleted
	res.Trades = nonNil(acct.trades)
	res.Annotations = nonNil(acct.annotations)
	res.Positions = acct.snapshot()
	res.FinalCash = acct.cash
	res.FinalValue = res.EquityCurve[len(res.EquityCurve)-1].Value
	res.Drawdowns = metrics.Drawdowns(res.EquityCurve)
	res.Metrics = metrics.Compute(res.EquityCurve, res.Trades)
	res.PerSymbol = metrics.PerSymbol(res.Trades)

	e.log.Debug("backtest state", "state", res.State, "strategy", res.Strategy,
		"trades", len(res.Trades), "final_value", res.FinalValue)
	return res, nil
}

func (e *Engine) fill(acct *account, date time.Time, sig domain.Signal, price float64, universe int) {
	if price <= 0 || math.IsNaN(price) {
		return
	}
	switch sig.Action {
	case domain.ActionBuy:
		e.buy(acct, date, sig, price, universe)
	case domain.ActionSell:
		e.sell(acct, date, sig, price)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
