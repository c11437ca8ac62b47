// Package service turns wire requests into engine runs. It resolves
// strategies, applies per-request engine overrides, persists run history,
// publishes sweep progress and records metrics. The HTTP and gRPC
// transports are thin adapters over it.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/backtest"
	"quantdesk/internal/benchmark"
	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/observability"
	"quantdesk/internal/optimizer"
	"quantdesk/internal/progress"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/dsl"
	"quantdesk/pkg/quantdesk"
)

// DefaultInitialCash is used when neither the request nor the options set
// a starting balance.
const DefaultInitialCash = 100000

// Options configures a Service. Runs, Hub and Metrics may be nil.
type Options struct {
	Registry    *strategy.Registry
	Runner      *backtest.Runner
	Optimizer   optimizer.Config
	Runs        store.RunStore
	Hub         *progress.Hub
	Metrics     *observability.Metrics
	InitialCash float64
	Logger      *slog.Logger
}

// Service executes backtests, sweeps and benchmark comparisons.
type Service struct {
	registry    *strategy.Registry
	runner      *backtest.Runner
	optCfg      optimizer.Config
	runs        store.RunStore
	hub         *progress.Hub
	metrics     *observability.Metrics
	initialCash float64
	log         *slog.Logger
}

// New creates a Service.
func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cash := opts.InitialCash
	if cash <= 0 {
		cash = DefaultInitialCash
	}
	if opts.Hub != nil && opts.Metrics != nil {
		opts.Hub.OnSubscribers(opts.Metrics.SetSubscribers)
	}
	return &Service{
		registry:    opts.Registry,
		runner:      opts.Runner,
		optCfg:      opts.Optimizer,
		runs:        opts.Runs,
		hub:         opts.Hub,
		metrics:     opts.Metrics,
		initialCash: cash,
		log:         log.With("component", "service"),
	}
}

// Hub returns the progress hub, or nil.
func (s *Service) Hub() *progress.Hub { return s.hub }

// Metrics returns the metrics set, or nil.
func (s *Service) Metrics() *observability.Metrics { return s.metrics }

// Strategies lists the registered strategies with their parameters.
func (s *Service) Strategies() []quantdesk.StrategyInfo {
	names := s.registry.List()
	out := make([]quantdesk.StrategyInfo, 0, len(names))
	for _, name := range names {
		st, ok := s.registry.Get(name)
		if !ok {
			continue
		}
		out = append(out, toWireStrategy(st))
	}
	return out
}

// Backtest runs one simulation. A run that fails after validation still
// returns its FAILED result alongside the error.
func (s *Service) Backtest(ctx context.Context, in quantdesk.BacktestRequest) (*quantdesk.BacktestResult, error) {
	started := time.Now()
	req, runner, err := s.prepare(in, "", nil)
	if err != nil {
		s.recordRun("backtest", backtest.StateFailed, started)
		return nil, Classify(err)
	}

	res, err := runner.Run(ctx, req)
	s.recordRun("backtest", stateOf(res), started)
	id := uuid.NewString()
	if res != nil {
		s.saveRun(ctx, id, store.RunKindBacktest, res, toWireResult(id, res))
	}
	if err != nil {
		return toWireResult(id, res), Classify(err)
	}
	s.log.Info("backtest complete", "run_id", id, "strategy", res.Strategy,
		"symbols", res.Symbols, "final_value", res.FinalValue, "elapsed", time.Since(started))
	return toWireResult(id, res), nil
}

// Optimize sweeps the parameter grid. Progress is published to the hub
// under the returned run ID. A cancelled sweep returns its partial result
// without error.
func (s *Service) Optimize(ctx context.Context, in quantdesk.OptimizeRequest) (*quantdesk.OptimizeResult, error) {
	name := in.Strategy
	if name == "" {
		name = in.BacktestConfig.Strategy
	}
	program := in.Program
	if len(program) == 0 {
		program = in.BacktestConfig.Program
	}
	req, runner, err := s.prepare(in.BacktestConfig, name, program)
	if err != nil {
		s.recordSweep("failed")
		return nil, Classify(err)
	}

	id := uuid.NewString()
	opt := optimizer.New(runner, s.optCfg, s.log)
	oreq := optimizer.Request{
		Strategy: req.Strategy,
		Ranges:   in.ParameterRanges,
		Metric:   in.OptimizationMetric,
		Backtest: req,
		Confirm:  in.Confirm,
		Progress: func(p optimizer.Progress) {
			if s.metrics != nil {
				s.metrics.RecordCombination(p.Error != "")
			}
			if s.hub != nil {
				s.hub.Publish(id, progress.Event{
					Done:   p.Done,
					Total:  p.Total,
					Index:  p.Index,
					Params: p.Params,
					Value:  p.Value,
					Error:  p.Error,
				})
			}
		},
	}

	started := time.Now()
	res, err := opt.Optimize(ctx, oreq)
	if err != nil {
		s.recordSweep("failed")
		if s.hub != nil {
			s.hub.Finish(id, 0, 0)
		}
		return nil, Classify(err)
	}
	if s.hub != nil {
		s.hub.Finish(id, res.CompletedCombinations, res.TotalCombinations)
	}

	status := "completed"
	if res.Cancelled {
		status = "cancelled"
	}
	s.recordSweep(status)
	if s.metrics != nil {
		s.metrics.RecordRun("optimize", status, time.Since(started))
	}

	out := toWireOptimization(id, res)
	s.saveOptimization(ctx, id, res, out)
	s.log.Info("optimization complete", "run_id", id, "strategy", res.Strategy,
		"metric", res.Metric, "completed", res.CompletedCombinations,
		"total", res.TotalCombinations, "best_index", res.BestIndex, "elapsed", time.Since(started))
	return out, nil
}

// Benchmark compares a strategy run against its baselines.
func (s *Service) Benchmark(ctx context.Context, in quantdesk.BenchmarkRequest) (*quantdesk.BenchmarkResult, error) {
	started := time.Now()
	req, runner, err := s.prepare(in.Backtest, "", nil)
	if err != nil {
		s.recordRun("benchmark", backtest.StateFailed, started)
		return nil, Classify(err)
	}

	cmp := benchmark.New(runner, s.registry, s.log)
	report, err := cmp.Compare(ctx, benchmark.Request{Backtest: req, Baselines: fromWireBaselines(in.Baselines)})
	if err != nil {
		s.recordRun("benchmark", backtest.StateFailed, started)
		return nil, Classify(err)
	}
	s.recordRun("benchmark", stateOf(report.Strategy), started)

	id := uuid.NewString()
	out := toWireBenchmark(id, report)
	s.saveRun(ctx, id, store.RunKindBenchmark, report.Strategy, out)
	return out, nil
}

// Runs lists persisted runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]quantdesk.RunSummary, error) {
	if s.runs == nil {
		return []quantdesk.RunSummary{}, nil
	}
	recs, err := s.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, Classify(fmt.Errorf("list runs: %w", err))
	}
	out := make([]quantdesk.RunSummary, len(recs))
	for i, rec := range recs {
		out[i] = toWireSummary(rec)
	}
	return out, nil
}

// Run returns a persisted backtest, benchmark or optimization by ID.
func (s *Service) Run(ctx context.Context, id string) (*quantdesk.Run, error) {
	if s.runs == nil {
		return nil, Classify(fmt.Errorf("run %q: %w", id, store.ErrNotFound))
	}
	rec, err := s.runs.GetRun(ctx, id)
	if err == nil {
		return &quantdesk.Run{RunSummary: toWireSummary(*rec), Result: rec.Payload}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, Classify(fmt.Errorf("get run %q: %w", id, err))
	}

	opt, err := s.runs.GetOptimization(ctx, id)
	if err != nil {
		return nil, Classify(fmt.Errorf("run %q: %w", id, err))
	}
	status := "completed"
	if opt.Cancelled {
		status = "cancelled"
	}
	return &quantdesk.Run{
		RunSummary: quantdesk.RunSummary{
			ID:        opt.ID,
			Kind:      "optimization",
			Strategy:  opt.Strategy,
			Params:    opt.BestParams,
			Symbols:   []string{},
			Status:    status,
			CreatedAt: opt.CreatedAt.UTC().Format(time.RFC3339),
		},
		Result: opt.Payload,
	}, nil
}

// prepare resolves the strategy and converts the wire request. name and
// program, when set, take precedence over the request's own fields.
func (s *Service) prepare(in quantdesk.BacktestRequest, name string, program json.RawMessage) (backtest.Request, *backtest.Runner, error) {
	if name == "" {
		name = in.Strategy
	}
	if len(program) == 0 {
		program = in.Program
	}
	st, err := s.resolveStrategy(name, program)
	if err != nil {
		return backtest.Request{}, nil, err
	}

	start, err := domain.ParseDate(in.StartDate)
	if err != nil {
		return backtest.Request{}, nil, invalidf("start_date: %v", err)
	}
	end, err := domain.ParseDate(in.EndDate)
	if err != nil {
		return backtest.Request{}, nil, invalidf("end_date: %v", err)
	}

	cash := in.InitialCash
	if cash == 0 {
		cash = s.initialCash
	}

	runner := s.runner
	if in.Config != nil {
		cfg, err := applyOverrides(runner.Engine().Config(), in.Config)
		if err != nil {
			return backtest.Request{}, nil, err
		}
		runner = runner.WithConfig(cfg)
	}

	req := backtest.Request{
		Strategy:    st,
		Params:      domain.ParameterSet(in.Params),
		Symbols:     in.Symbols,
		Start:       start,
		End:         end,
		InitialCash: cash,
	}
	return req, runner, nil
}

// resolveStrategy compiles an inline program or looks name up. A program
// is either a JSON object or a JSON string holding YAML source.
func (s *Service) resolveStrategy(name string, program json.RawMessage) (strategy.Strategy, error) {
	program = bytes.TrimSpace(program)
	if len(program) == 0 || bytes.Equal(program, []byte("null")) {
		if name == "" {
			return nil, invalidf("strategy or program is required")
		}
		st, err := s.registry.Lookup(name)
		if err != nil {
			return nil, &Error{Kind: KindInvalid, Stage: backtest.StageValidate, Err: err}
		}
		return st, nil
	}

	src := []byte(program)
	if program[0] == '"' {
		var text string
		if err := json.Unmarshal(program, &text); err != nil {
			return nil, invalidf("program: %v", err)
		}
		src = []byte(text)
	}
	st, err := dsl.ParseAndCompile(src)
	if err != nil {
		return nil, invalidf("program: %v", err)
	}
	return st, nil
}

func applyOverrides(cfg backtest.Config, o *quantdesk.EngineConfig) (backtest.Config, error) {
	if o.Sizing != "" {
		p, err := backtest.ParseSizingPolicy(o.Sizing)
		if err != nil {
			return cfg, invalidf("config.sizing: %v", err)
		}
		cfg.Sizing.Policy = p
	}
	if o.Fraction != 0 {
		cfg.Sizing.Fraction = o.Fraction
	}
	if o.Quantity != 0 {
		cfg.Sizing.Quantity = o.Quantity
	}
	if o.MaxPositionPct != 0 {
		cfg.Sizing.MaxPositionPct = o.MaxPositionPct
	}
	if o.AllowFractional != nil {
		cfg.Sizing.AllowFractional = *o.AllowFractional
	}
	if o.Pyramiding != nil {
		cfg.Sizing.Pyramiding = *o.Pyramiding
	}
	if o.CommissionModel != "" {
		m, err := backtest.ParseCommissionModel(o.CommissionModel)
		if err != nil {
			return cfg, invalidf("config.commission_model: %v", err)
		}
		cfg.Commission.Model = m
	}
	if o.CommissionAmount != 0 {
		cfg.Commission.Amount = o.CommissionAmount
	}
	if o.CommissionMinimum != 0 {
		cfg.Commission.Minimum = o.CommissionMinimum
	}
	if o.FillTiming != "" {
		f, err := backtest.ParseFillTiming(o.FillTiming)
		if err != nil {
			return cfg, invalidf("config.fill_timing: %v", err)
		}
		cfg.Fill = f
	}
	if o.Align != "" {
		a, err := marketdata.ParseAlignMode(o.Align)
		if err != nil {
			return cfg, invalidf("config.align: %v", err)
		}
		cfg.Align = a
	}
	if o.LookbackDays != 0 {
		cfg.LookbackDays = o.LookbackDays
	}
	if err := cfg.Validate(); err != nil {
		return cfg, invalidf("config: %v", err)
	}
	return cfg, nil
}

func stateOf(res *backtest.Result) backtest.State {
	if res == nil {
		return backtest.StateFailed
	}
	return res.State
}

func (s *Service) recordRun(kind string, state backtest.State, started time.Time) {
	if s.metrics != nil {
		s.metrics.RecordRun(kind, string(state), time.Since(started))
	}
}

func (s *Service) recordSweep(status string) {
	if s.metrics != nil {
		s.metrics.RecordSweep(status)
	}
}

func (s *Service) saveRun(ctx context.Context, id string, kind store.RunKind, res *backtest.Result, doc any) {
	if s.runs == nil || res == nil {
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		s.log.Warn("encode run", "run_id", id, "err", err)
		return
	}
	rec := &store.RunRecord{
		ID:          id,
		Kind:        kind,
		Strategy:    res.Strategy,
		Params:      res.Params.String(),
		Symbols:     res.Symbols,
		Start:       res.Start,
		End:         res.End,
		Status:      string(res.State),
		Error:       res.Error,
		TotalReturn: res.Metrics.TotalReturn,
		SharpeRatio: res.Metrics.SharpeRatio,
		MaxDrawdown: res.Metrics.MaxDrawdown,
		TotalTrades: res.Metrics.TotalTrades,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	// Persistence failures never fail the request.
	if err := s.runs.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Warn("save run", "run_id", id, "err", err)
	}
}

func (s *Service) saveOptimization(ctx context.Context, id string, res *optimizer.Result, doc *quantdesk.OptimizeResult) {
	if s.runs == nil {
		return
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		s.log.Warn("encode optimization", "run_id", id, "err", err)
		return
	}
	rec := &store.OptimizationRecord{
		ID:                    id,
		Strategy:              res.Strategy,
		Metric:                res.Metric,
		Direction:             string(res.Direction),
		TotalCombinations:     res.TotalCombinations,
		CompletedCombinations: res.CompletedCombinations,
		Cancelled:             res.Cancelled,
		BestParams:            res.BestParams.String(),
		BestValue:             res.BestValue,
		Payload:               payload,
		CreatedAt:             time.Now().UTC(),
	}
	if err := s.runs.SaveOptimization(context.WithoutCancel(ctx), rec); err != nil {
		s.log.Warn("save optimization", "run_id", id, "err", err)
	}
}
