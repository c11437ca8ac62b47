package optimizer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"quantdesk/internal/domain"
)

// ErrInvalidParameterRange is returned for malformed parameter ranges.
var ErrInvalidParameterRange = errors.New("invalid parameter range")

// maxGridSize bounds the index space so combination counts fit in an int on
// every platform.
const maxGridSize = math.MaxInt32

// RangeError names the offending parameter.
type RangeError struct {
	Param  string
	Reason string
}

func (e *RangeError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("%v: %s", ErrInvalidParameterRange, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrInvalidParameterRange, e.Param, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrInvalidParameterRange }

// Grid is the cartesian product of parameter value lists. Combinations are
// numbered lexicographically over the sorted parameter names with the last
// name varying fastest and values in list order.
type Grid struct {
	names  []string
	values [][]float64
	total  int
}

// NewGrid validates ranges and builds the grid. Value lists must be
// non-empty, finite and free of duplicates.
func NewGrid(ranges map[string][]float64) (*Grid, error) {
	if len(ranges) == 0 {
		return nil, &RangeError{Reason: "no parameters to sweep"}
	}

	names := make([]string, 0, len(ranges))
	for name := range ranges {
		names = append(names, name)
	}
	sort.Strings(names)

	g := &Grid{names: names, values: make([][]float64, len(names)), total: 1}
	for i, name := range names {
		vals := ranges[name]
		if len(vals) == 0 {
			return nil, &RangeError{Param: name, Reason: "empty value list"}
		}
		seen := make(map[float64]bool, len(vals))
		for _, v := range vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &RangeError{Param: name, Reason: fmt.Sprintf("non-finite value %v", v)}
			}
			if seen[v] {
				return nil, &RangeError{Param: name, Reason: fmt.Sprintf("duplicate value %v", v)}
			}
			seen[v] = true
		}
		if g.total > maxGridSize/len(vals) {
			return nil, &RangeError{Reason: "too many combinations"}
		}
		g.total *= len(vals)
		g.values[i] = append([]float64(nil), vals...)
	}
	return g, nil
}

// Names returns the sorted parameter names.
func (g *Grid) Names() []string { return append([]string(nil), g.names...) }

// Total is the number of combinations.
func (g *Grid) Total() int { return g.total }

// At decodes combination i as a mixed-radix number.
func (g *Grid) At(i int) domain.ParameterSet {
	ps := make(domain.ParameterSet, len(g.names))
	for k := len(g.names) - 1; k >= 0; k-- {
		n := len(g.values[k])
		ps[g.names[k]] = g.values[k][i%n]
		i /= n
	}
	return ps
}
