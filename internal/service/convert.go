package service

import (
	"time"

	"quantdesk/internal/backtest"
	"quantdesk/internal/benchmark"
	"quantdesk/internal/domain"
	"quantdesk/internal/metrics"
	"quantdesk/internal/optimizer"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/pkg/quantdesk"
)

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(domain.DateLayout)
}

func toWireMetrics(s metrics.Summary) quantdesk.Metrics {
	return quantdesk.Metrics{
		TotalReturn:      s.TotalReturn,
		AnnualizedReturn: s.AnnualizedReturn,
		SharpeRatio:      s.SharpeRatio,
		SortinoRatio:     s.SortinoRatio,
		MaxDrawdown:      s.MaxDrawdown,
		WinRate:          s.WinRate,
		TotalTrades:      s.TotalTrades,
		ProfitFactor:     s.ProfitFactor,
		Volatility:       s.Volatility,
		CalmarRatio:      s.CalmarRatio,
		FinalValue:       s.FinalValue,
	}
}

func toWireResult(runID string, r *backtest.Result) *quantdesk.BacktestResult {
	if r == nil {
		return nil
	}
	out := &quantdesk.BacktestResult{
		RunID:       runID,
		Strategy:    r.Strategy,
		Params:      r.Params,
		Symbols:     r.Symbols,
		StartDate:   date(r.Start),
		EndDate:     date(r.End),
		Status:      string(r.State),
		Error:       r.Error,
		InitialCash: r.InitialCash,
		FinalCash:   r.FinalCash,
		Metrics:     toWireMetrics(r.Metrics),

		EquityCurve:         make([]quantdesk.EquityPoint, len(r.EquityCurve)),
		DrawdownSeries:      make([]quantdesk.DrawdownPoint, len(r.Drawdowns)),
		Trades:              make([]quantdesk.Trade, len(r.Trades)),
		Annotations:         make([]quantdesk.Annotation, len(r.Annotations)),
		Positions:           make([]quantdesk.Position, len(r.Positions)),
		PerStockPerformance: make([]quantdesk.SymbolPerformance, len(r.PerSymbol)),
	}
	if out.Params == nil {
		out.Params = map[string]float64{}
	}
	for i, p := range r.EquityCurve {
		out.EquityCurve[i] = quantdesk.EquityPoint{Date: date(p.Date), Value: p.Value, Cash: p.Cash}
	}
	for i, p := range r.Drawdowns {
		out.DrawdownSeries[i] = quantdesk.DrawdownPoint{Date: date(p.Date), Drawdown: p.Drawdown}
	}
	for i, t := range r.Trades {
		out.Trades[i] = quantdesk.Trade{
			Date:        date(t.Date),
			Symbol:      t.Symbol,
			Side:        string(t.Side),
			Price:       t.Price,
			Quantity:    t.Qty,
			Commission:  t.Commission,
			RealizedPnL: t.RealizedPnL,
		}
	}
	for i, a := range r.Annotations {
		out.Annotations[i] = quantdesk.Annotation{Date: date(a.Date), Symbol: a.Symbol, Kind: string(a.Kind), Message: a.Message}
	}
	for i, p := range r.Positions {
		out.Positions[i] = quantdesk.Position{Symbol: p.Symbol, Quantity: p.Qty, AvgPrice: p.AvgPrice}
	}
	for i, p := range r.PerSymbol {
		out.PerStockPerformance[i] = quantdesk.SymbolPerformance(p)
	}
	return out
}

func toWireOptimization(runID string, r *optimizer.Result) *quantdesk.OptimizeResult {
	out := &quantdesk.OptimizeResult{
		RunID:                 runID,
		Strategy:              r.Strategy,
		OptimizationMetric:    r.Metric,
		Direction:             string(r.Direction),
		TotalCombinations:     r.TotalCombinations,
		CompletedCombinations: r.CompletedCombinations,
		Cancelled:             r.Cancelled,
		BestIndex:             r.BestIndex,
		BestParameters:        r.BestParams,
		BestMetricValue:       r.BestValue,
		BestResult:            toWireResult("", r.Best),
		Results:               make([]quantdesk.OptimizationEntry, len(r.Results)),
	}
	for i, e := range r.Results {
		out.Results[i] = quantdesk.OptimizationEntry{
			Index:       e.Index,
			Parameters:  e.Params,
			MetricValue: e.Value,
			Metrics:     e.Metrics,
			Error:       e.Error,
		}
	}
	return out
}

func toWireBenchmark(runID string, r *benchmark.Report) *quantdesk.BenchmarkResult {
	out := &quantdesk.BenchmarkResult{
		RunID:      runID,
		Strategy:   toWireResult(runID, r.Strategy),
		Benchmarks: make([]quantdesk.BenchmarkComparison, len(r.Benchmarks)),
	}
	for i, c := range r.Benchmarks {
		out.Benchmarks[i] = quantdesk.BenchmarkComparison{
			Name:           c.Name,
			Result:         toWireResult("", c.Result),
			Outperformance: c.Outperformance,
			Error:          c.Error,
		}
	}
	return out
}

func fromWireBaselines(in []quantdesk.Baseline) []benchmark.Baseline {
	out := make([]benchmark.Baseline, len(in))
	for i, b := range in {
		out[i] = benchmark.Baseline{Name: b.Name, Strategy: b.Strategy, Params: b.Params, Index: b.Index}
	}
	return out
}

func toWireStrategy(s strategy.Strategy) quantdesk.StrategyInfo {
	info := quantdesk.StrategyInfo{Name: s.Name(), Params: []quantdesk.ParamInfo{}}
	for _, p := range s.Params() {
		info.Params = append(info.Params, quantdesk.ParamInfo{
			Name:        p.Name,
			Default:     p.Default,
			Description: p.Description,
			Required:    p.Required,
		})
	}
	return info
}

func toWireSummary(rec store.RunRecord) quantdesk.RunSummary {
	return quantdesk.RunSummary{
		ID:          rec.ID,
		Kind:        string(rec.Kind),
		Strategy:    rec.Strategy,
		Params:      rec.Params,
		Symbols:     rec.Symbols,
		StartDate:   date(rec.Start),
		EndDate:     date(rec.End),
		Status:      rec.Status,
		Error:       rec.Error,
		TotalReturn: rec.TotalReturn,
		SharpeRatio: rec.SharpeRatio,
		MaxDrawdown: rec.MaxDrawdown,
		TotalTrades: rec.TotalTrades,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}
