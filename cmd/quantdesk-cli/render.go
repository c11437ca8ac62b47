package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/olekukonko/tablewriter"

	"quantdesk/pkg/quantdesk"
)

func renderStrategies(w io.Writer, list []quantdesk.StrategyInfo) error {
	table := tablewriter.NewWriter(w)
	table.Header("Strategy", "Param", "Default", "Description")
	for _, s := range list {
		if len(s.Params) == 0 {
			table.Append(s.Name, "-", "-", "")
			continue
		}
		for _, p := range s.Params {
			table.Append(s.Name, p.Name, fmt.Sprintf("%g", p.Default), p.Description)
		}
	}
	return table.Render()
}

func renderBacktest(w io.Writer, res *quantdesk.BacktestResult) error {
	fmt.Fprintf(w, "\n%s %s  %s..%s  %s\n", res.Strategy, formatParams(res.Params),
		res.StartDate, res.EndDate, strings.Join(res.Symbols, ","))
	if res.RunID != "" {
		fmt.Fprintf(w, "run %s\n", res.RunID)
	}

	if err := renderMetrics(w, []string{"strategy"}, []quantdesk.Metrics{res.Metrics}); err != nil {
		return err
	}
	if len(res.PerStockPerformance) == 0 {
		return nil
	}

	tbl := tablewriter.NewWriter(w)
	tbl.Header("Symbol", "Buys", "Sells", "Avg buy", "Avg sell", "Comm", "Realized", "Win%")
	for _, p := range res.PerStockPerformance {
		tbl.Append(
			p.Symbol,
			fmt.Sprintf("%d", p.Buys),
			fmt.Sprintf("%d", p.Sells),
			fmt.Sprintf("%.2f", p.AvgBuyPrice),
			fmt.Sprintf("%.2f", p.AvgSellPrice),
			fmt.Sprintf("%.2f", p.Commission),
			fmt.Sprintf("%.2f", p.RealizedPnL),
			pct(p.WinRate),
		)
	}
	return tbl.Render()
}

// renderMetrics prints one metrics row per label.
func renderMetrics(w io.Writer, labels []string, rows []quantdesk.Metrics) error {
	table := tablewriter.NewWriter(w)
	table.Header("Run", "Return", "Ann.", "Sharpe", "Sortino", "Calmar", "MaxDD", "Vol", "Win%", "PF", "Trades", "Final")
	for i, m := range rows {
		table.Append(
			labels[i],
			pct(m.TotalReturn),
			pct(m.AnnualizedReturn),
			fmt.Sprintf("%.2f", m.SharpeRatio),
			fmt.Sprintf("%.2f", m.SortinoRatio),
			fmt.Sprintf("%.2f", m.CalmarRatio),
			pct(m.MaxDrawdown),
			pct(m.Volatility),
			pct(m.WinRate),
			fmt.Sprintf("%.2f", m.ProfitFactor),
			fmt.Sprintf("%d", m.TotalTrades),
			fmt.Sprintf("$%.2f", m.FinalValue),
		)
	}
	return table.Render()
}

func renderOptimization(w io.Writer, res *quantdesk.OptimizeResult, top int) error {
	fmt.Fprintf(w, "\n%s: %d/%d combinations, %s %s\n", res.Strategy,
		res.CompletedCombinations, res.TotalCombinations, res.Direction, res.OptimizationMetric)
	if res.Cancelled {
		fmt.Fprintln(w, "sweep cancelled; results are partial")
	}
	if res.BestIndex < 0 {
		fmt.Fprintln(w, "no combination could be ranked")
	} else {
		fmt.Fprintf(w, "best #%d %s = %.4f\n", res.BestIndex, formatParams(res.BestParameters), res.BestMetricValue)
	}

	entries := rankEntries(res.Results, res.Direction)
	if top > 0 && len(entries) > top {
		entries = entries[:top]
	}
	table := tablewriter.NewWriter(w)
	table.Header("#", "Params", res.OptimizationMetric, "Error")
	for _, e := range entries {
		value := fmt.Sprintf("%.4f", e.MetricValue)
		if e.Error != "" {
			value = "-"
		}
		table.Append(fmt.Sprintf("%d", e.Index), formatParams(e.Parameters), value, e.Error)
	}
	return table.Render()
}

// rankEntries orders entries best first. Failed combinations sort last.
func rankEntries(entries []quantdesk.OptimizationEntry, direction string) []quantdesk.OptimizationEntry {
	out := slices.Clone(entries)
	slices.SortStableFunc(out, func(a, b quantdesk.OptimizationEntry) int {
		switch {
		case a.Error != "" && b.Error != "":
			return a.Index - b.Index
		case a.Error != "":
			return 1
		case b.Error != "":
			return -1
		}
		x, y := a.MetricValue, b.MetricValue
		if direction == "minimize" {
			x, y = y, x
		}
		switch {
		case x > y:
			return -1
		case x < y:
			return 1
		}
		return a.Index - b.Index
	})
	return out
}

func renderBenchmark(w io.Writer, res *quantdesk.BenchmarkResult) error {
	labels := []string{"strategy"}
	rows := []quantdesk.Metrics{res.Strategy.Metrics}
	for _, b := range res.Benchmarks {
		if b.Result == nil {
			continue
		}
		labels = append(labels, b.Name)
		rows = append(rows, b.Result.Metrics)
	}
	if err := renderMetrics(w, labels, rows); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Baseline", "Return +/-", "Sharpe +/-", "MaxDD +/-", "Error")
	for _, b := range res.Benchmarks {
		table.Append(
			b.Name,
			pct(b.Outperformance["total_return"]),
			fmt.Sprintf("%.2f", b.Outperformance["sharpe_ratio"]),
			pct(b.Outperformance["max_drawdown"]),
			b.Error,
		)
	}
	return table.Render()
}

func formatParams(params map[string]float64) string {
	if len(params) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(params))
	for _, k := range slices.Sorted(maps.Keys(params)) {
		parts = append(parts, fmt.Sprintf("%s=%g", k, params[k]))
	}
	return strings.Join(parts, " ")
}

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v*100) }
