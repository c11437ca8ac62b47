// Package indicators computes technical indicators over price series. Each
// function returns the value at the end of the series and false while the
// series is shorter than the indicator needs.
package indicators

import (
	"fmt"
	"math"

	"quantdesk/internal/domain"
)

// SMA is the arithmetic mean of the last p points.
func SMA(x []float64, p int) (float64, bool) {
	if p <= 0 || len(x) < p {
		return math.NaN(), false
	}
	var sum float64
	for _, v := range x[len(x)-p:] {
		sum += v
	}
	return sum / float64(p), true
}

// EMA uses standard 2/(p+1) smoothing seeded with the SMA of the first p
// points of x, so the result depends on how much history is supplied.
func EMA(x []float64, p int) (float64, bool) {
	if p <= 0 || len(x) < p {
		return math.NaN(), false
	}
	k := 2.0 / float64(p+1)

	var ema float64
	for _, v := range x[:p] {
		ema += v
	}
	ema /= float64(p)
	for _, v := range x[p:] {
		ema = (v-ema)*k + ema
	}
	return ema, true
}

// RSI is Wilder's relative strength index over p periods. It needs p+1
// points. A series without losses yields 100.
func RSI(x []float64, p int) (float64, bool) {
	if p <= 0 || len(x) < p+1 {
		return math.NaN(), false
	}

	var gain, loss float64
	for i := 1; i <= p; i++ {
		d := x[i] - x[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(p)
	loss /= float64(p)

	for i := p + 1; i < len(x); i++ {
		d := x[i] - x[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		gain = (gain*float64(p-1) + g) / float64(p)
		loss = (loss*float64(p-1) + l) / float64(p)
	}

	if loss == 0 {
		if gain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// Highest is the maximum of the last p points.
func Highest(x []float64, p int) (float64, bool) {
	if p <= 0 || len(x) < p {
		return math.NaN(), false
	}
	out := math.Inf(-1)
	for _, v := range x[len(x)-p:] {
		out = math.Max(out, v)
	}
	return out, true
}

// Lowest is the minimum of the last p points.
func Lowest(x []float64, p int) (float64, bool) {
	if p <= 0 || len(x) < p {
		return math.NaN(), false
	}
	out := math.Inf(1)
	for _, v := range x[len(x)-p:] {
		out = math.Min(out, v)
	}
	return out, true
}

// StdDev is the population standard deviation of the last p points.
func StdDev(x []float64, p int) (float64, bool) {
	m, ok := SMA(x, p)
	if !ok {
		return math.NaN(), false
	}
	var ss float64
	for _, v := range x[len(x)-p:] {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(p)), true
}

// Closes extracts closing prices.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Fields lists the bar fields accepted by Field.
var Fields = []string{"open", "high", "low", "close", "volume"}

// Field extracts the named bar field.
func Field(bars []domain.Bar, name string) ([]float64, error) {
	var pick func(domain.Bar) float64
	switch name {
	case "open":
		pick = func(b domain.Bar) float64 { return b.Open }
	case "high":
		pick = func(b domain.Bar) float64 { return b.High }
	case "low":
		pick = func(b domain.Bar) float64 { return b.Low }
	case "close", "":
		pick = func(b domain.Bar) float64 { return b.Close }
	case "volume":
		pick = func(b domain.Bar) float64 { return float64(b.Volume) }
	default:
		return nil, fmt.Errorf("unknown bar field %q", name)
	}
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = pick(b)
	}
	return out, nil
}
