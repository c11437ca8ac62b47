package optimizer

import (
	"errors"
	"fmt"
	"math"

	"quantdesk/internal/metrics"
)

// ErrUnknownMetric is returned when the optimization metric has no direction.
var ErrUnknownMetric = errors.New("unknown optimization metric")

// Direction says whether larger or smaller metric values are better.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Directions maps every rankable metric to its direction. Max drawdown is
// stored as a non-positive number, so maximizing it prefers shallower
// drawdowns.
var Directions = map[string]Direction{
	metrics.SharpeRatio:      Maximize,
	metrics.SortinoRatio:     Maximize,
	metrics.AnnualizedReturn: Maximize,
	metrics.TotalReturn:      Maximize,
	metrics.MaxDrawdown:      Maximize,
	metrics.WinRate:          Maximize,
	metrics.TotalTrades:      Maximize,
	metrics.ProfitFactor:     Maximize,
	metrics.CalmarRatio:      Maximize,
	metrics.FinalValue:       Maximize,
	metrics.Volatility:       Minimize,
}

// DirectionFor resolves name (aliases allowed) to its canonical metric name
// and direction.
func DirectionFor(name string) (string, Direction, error) {
	canonical, ok := metrics.Canonical(name)
	if !ok {
		return "", "", fmt.Errorf("%w %q", ErrUnknownMetric, name)
	}
	d, ok := Directions[canonical]
	if !ok {
		return "", "", fmt.Errorf("%w %q", ErrUnknownMetric, name)
	}
	return canonical, d, nil
}

// Better reports whether a strictly beats b. NaN never beats anything.
func (d Direction) Better(a, b float64) bool {
	if math.IsNaN(a) {
		return false
	}
	if math.IsNaN(b) {
		return true
	}
	if d == Minimize {
		return a < b
	}
	return a > b
}
