// Package domain defines the core value types shared by the data, strategy,
// simulation and optimization layers.
package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// DateLayout is the calendar-date format used on the wire.
const DateLayout = "2006-01-02"

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// Bar is one daily OHLCV observation for a symbol.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	TradeCount int64     `json:"trade_count,omitempty"`
	VWAP       float64   `json:"vwap,omitempty"`

	// Filled marks a bar synthesized by forward-filling the previous close
	// over a day the symbol did not trade.
	Filled bool `json:"filled,omitempty"`
}

// Valid reports whether the bar's prices are usable for simulation.
func (b Bar) Valid() bool {
	for _, v := range [...]float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return b.Volume >= 0
}

// Action is the recommendation a strategy emits for one symbol on one day.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction normalizes a case-insensitive action name.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	case ActionHold:
		return ActionHold, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Signal is a dated strategy decision for a symbol.
type Signal struct {
	Date     time.Time `json:"date"`
	Symbol   string    `json:"symbol"`
	Action   Action    `json:"action"`
	Strength float64   `json:"strength"`
}

// Side is the direction of an executed trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is an executed simulated fill.
type Trade struct {
	Date       time.Time `json:"date"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"quantity"`
	Commission float64   `json:"commission"`

	// RealizedPnL is set on sells: proceeds net of commission minus the
	// cost basis of the shares sold.
	RealizedPnL float64 `json:"realized_pnl"`
}

// Notional returns price times quantity.
func (t Trade) Notional() float64 { return t.Price * t.Qty }

// Position is an open long holding. AvgPrice includes buy commissions.
type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// MarketValue marks the position at price.
func (p Position) MarketValue(price float64) float64 { return p.Qty * price }

// EquityPoint is the end-of-day portfolio valuation.
type EquityPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
	Cash  float64   `json:"cash"`
}

// DrawdownPoint is the fractional distance below the running peak (<= 0).
type DrawdownPoint struct {
	Date     time.Time `json:"date"`
	Drawdown float64   `json:"drawdown"`
}

// AnnotationKind classifies a non-fatal simulation event.
type AnnotationKind string

const (
	AnnotationInsufficientCash AnnotationKind = "insufficient_cash"
	AnnotationPartialFill      AnnotationKind = "partial_fill"
	AnnotationStrategyError    AnnotationKind = "strategy_error"
	AnnotationPositionLimit    AnnotationKind = "position_limit"
	AnnotationMissingBar       AnnotationKind = "missing_bar"
)

// Annotation records a skipped or adjusted action without failing the run.
type Annotation struct {
	Date    time.Time      `json:"date"`
	Symbol  string         `json:"symbol"`
	Kind    AnnotationKind `json:"kind"`
	Message string         `json:"message"`
}

// ParameterSet maps parameter names to numeric values.
type ParameterSet map[string]float64

// Clone returns an independent copy.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the parameter names in sorted order.
func (p ParameterSet) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Int returns the named value rounded to the nearest integer.
func (p ParameterSet) Int(name string) (int, bool) {
	v, ok := p[name]
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return int(math.Round(v)), true
}

// Merge returns a copy of p overlaid with over.
func (p ParameterSet) Merge(over ParameterSet) ParameterSet {
	out := p.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// String renders the set as "a=1,b=2" with sorted keys.
func (p ParameterSet) String() string {
	var sb strings.Builder
	for i, k := range p.Keys() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(p[k], 'g', -1, 64))
	}
	return sb.String()
}
