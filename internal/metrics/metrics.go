// Package metrics derives performance statistics from an equity curve and a
// trade log. Every function is pure.
package metrics

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"quantdesk/internal/domain"
)

// TradingDaysPerYear annualizes daily statistics.
const TradingDaysPerYear = 252

// Metric names as they appear on the wire.
const (
	SharpeRatio      = "sharpe_ratio"
	SortinoRatio     = "sortino_ratio"
	AnnualizedReturn = "annualized_return"
	MaxDrawdown      = "max_drawdown"
	WinRate          = "win_rate"
	TotalTrades      = "total_trades"
	TotalReturn      = "total_return"
	ProfitFactor     = "profit_factor"
	Volatility       = "volatility"
	CalmarRatio      = "calmar_ratio"
	FinalValue       = "final_value"
)

// Names lists every scalar metric in a fixed order.
var Names = []string{
	TotalReturn, AnnualizedReturn, SharpeRatio, SortinoRatio, MaxDrawdown,
	WinRate, TotalTrades, ProfitFactor, Volatility, CalmarRatio, FinalValue,
}

var aliases = map[string]string{
	"sharpe":  SharpeRatio,
	"sortino": SortinoRatio,
	"calmar":  CalmarRatio,
	"trades":  TotalTrades,
	"return":  TotalReturn,
}

// Canonical maps a metric name or alias to its wire name. It returns false
// for unknown names.
func Canonical(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if full, ok := aliases[name]; ok {
		return full, true
	}
	for _, n := range Names {
		if n == name {
			return n, true
		}
	}
	return "", false
}

// Summary holds the scalar metrics of one run. Ratios are decimals.
type Summary struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	SharpeRatio      float64 `json:"sharpe_ratio"`
	SortinoRatio     float64 `json:"sortino_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	WinRate          float64 `json:"win_rate"`
	TotalTrades      int     `json:"total_trades"`
	ProfitFactor     float64 `json:"profit_factor"`
	Volatility       float64 `json:"volatility"`
	CalmarRatio      float64 `json:"calmar_ratio"`
	FinalValue       float64 `json:"final_value"`
}

// Value returns the metric with the given wire name or alias.
func (s Summary) Value(name string) (float64, bool) {
	name, ok := Canonical(name)
	if !ok {
		return 0, false
	}
	switch name {
	case TotalReturn:
		return s.TotalReturn, true
	case AnnualizedReturn:
		return s.AnnualizedReturn, true
	case SharpeRatio:
		return s.SharpeRatio, true
	case SortinoRatio:
		return s.SortinoRatio, true
	case MaxDrawdown:
		return s.MaxDrawdown, true
	case WinRate:
		return s.WinRate, true
	case TotalTrades:
		return float64(s.TotalTrades), true
	case ProfitFactor:
		return s.ProfitFactor, true
	case Volatility:
		return s.Volatility, true
	case CalmarRatio:
		return s.CalmarRatio, true
	case FinalValue:
		return s.FinalValue, true
	}
	return 0, false
}

// Map returns every metric keyed by wire name.
func (s Summary) Map() map[string]float64 {
	out := make(map[string]float64, len(Names))
	for _, n := range Names {
		out[n], _ = s.Value(n)
	}
	return out
}

// Compute derives the summary from an equity curve and trade log.
func Compute(curve []domain.EquityPoint, trades []domain.Trade) Summary {
	var s Summary
	s.TotalTrades = len(trades)
	if len(curve) == 0 {
		return s
	}

	first, last := curve[0].Value, curve[len(curve)-1].Value
	s.FinalValue = last
	if first > 0 {
		s.TotalReturn = last/first - 1
	}

	returns := Returns(curve)
	if n := len(returns); n > 0 && s.TotalReturn > -1 {
		s.AnnualizedReturn = math.Pow(1+s.TotalReturn, float64(TradingDaysPerYear)/float64(n)) - 1
	}

	if len(returns) >= 2 {
		mean := stat.Mean(returns, nil)
		std := stat.StdDev(returns, nil)
		if std > 0 {
			s.SharpeRatio = mean / std * math.Sqrt(TradingDaysPerYear)
		}
		s.Volatility = std * math.Sqrt(TradingDaysPerYear)

		var downside []float64
		for _, r := range returns {
			if r < 0 {
				downside = append(downside, r)
			}
		}
		if len(downside) >= 2 {
			if dd := stat.StdDev(downside, nil); dd > 0 {
				s.SortinoRatio = mean / dd * math.Sqrt(TradingDaysPerYear)
			}
		}
	}

	for _, p := range Drawdowns(curve) {
		s.MaxDrawdown = math.Min(s.MaxDrawdown, p.Drawdown)
	}
	if s.MaxDrawdown < 0 {
		s.CalmarRatio = s.AnnualizedReturn / math.Abs(s.MaxDrawdown)
	}

	var sells, wins int
	var grossWin, grossLoss float64
	for _, t := range trades {
		if t.Side != domain.SideSell {
			continue
		}
		sells++
		switch {
		case t.RealizedPnL > 0:
			wins++
			grossWin += t.RealizedPnL
		case t.RealizedPnL < 0:
			grossLoss -= t.RealizedPnL
		}
	}
	if sells > 0 {
		s.WinRate = float64(wins) / float64(sells)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	return s
}

// Returns computes simple daily returns, skipping days whose previous value
// is zero.
func Returns(curve []domain.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev == 0 {
			continue
		}
		out = append(out, curve[i].Value/prev-1)
	}
	return out
}

// Drawdowns returns (value - peak) / peak for each point. Every value is
// <= 0; a non-positive peak yields 0.
func Drawdowns(curve []domain.EquityPoint) []domain.DrawdownPoint {
	out := make([]domain.DrawdownPoint, len(curve))
	peak := math.Inf(-1)
	for i, p := range curve {
		peak = math.Max(peak, p.Value)
		dd := 0.0
		if peak > 0 {
			dd = math.Min(0, (p.Value-peak)/peak)
		}
		out[i] = domain.DrawdownPoint{Date: p.Date, Drawdown: dd}
	}
	return out
}

// SymbolPerformance attributes trading activity to one symbol.
type SymbolPerformance struct {
	Symbol       string  `json:"symbol"`
	Buys         int     `json:"buys"`
	Sells        int     `json:"sells"`
	BuyQty       float64 `json:"buy_qty"`
	SellQty      float64 `json:"sell_qty"`
	AvgBuyPrice  float64 `json:"avg_buy_price"`
	AvgSellPrice float64 `json:"avg_sell_price"`
	Commission   float64 `json:"commission"`
	RealizedPnL  float64 `json:"realized_pnl"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
}

// PerSymbol aggregates the trade log by symbol, sorted by symbol.
func PerSymbol(trades []domain.Trade) []SymbolPerformance {
	acc := make(map[string]*SymbolPerformance)
	buyNotional := make(map[string]float64)
	sellNotional := make(map[string]float64)

	for _, t := range trades {
		p, ok := acc[t.Symbol]
		if !ok {
			p = &SymbolPerformance{Symbol: t.Symbol}
			acc[t.Symbol] = p
		}
		p.Commission += t.Commission
		switch t.Side {
		case domain.SideBuy:
			p.Buys++
			p.BuyQty += t.Qty
			buyNotional[t.Symbol] += t.Notional()
		case domain.SideSell:
			p.Sells++
			p.SellQty += t.Qty
			sellNotional[t.Symbol] += t.Notional()
			p.RealizedPnL += t.RealizedPnL
			switch {
			case t.RealizedPnL > 0:
				p.Wins++
			case t.RealizedPnL < 0:
				p.Losses++
			}
		}
	}

	out := make([]SymbolPerformance, 0, len(acc))
	for sym, p := range acc {
		if p.BuyQty > 0 {
			p.AvgBuyPrice = buyNotional[sym] / p.BuyQty
		}
		if p.SellQty > 0 {
			p.AvgSellPrice = sellNotional[sym] / p.SellQty
		}
		if p.Sells > 0 {
			p.WinRate = float64(p.Wins) / float64(p.Sells)
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
