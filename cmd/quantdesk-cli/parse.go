package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"quantdesk/pkg/quantdesk"
)

// maxRangeValues bounds from:to:step expansions.
const maxRangeValues = 10000

// parseParams parses "a=1,b=2".
func parseParams(s string) (map[string]float64, error) {
	out := map[string]float64{}
	for _, kv := range splitList(s) {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("parameter %q: want name=value", kv)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", kv, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

// rangeFlags collects repeated -range flags.
type rangeFlags map[string][]float64

func (r *rangeFlags) String() string { return fmt.Sprint(map[string][]float64(*r)) }

func (r *rangeFlags) Set(s string) error {
	name, vals, err := parseRange(s)
	if err != nil {
		return err
	}
	if *r == nil {
		*r = rangeFlags{}
	}
	(*r)[name] = vals
	return nil
}

func (r rangeFlags) values() map[string][]float64 { return map[string][]float64(r) }

// parseRange parses "name=v1,v2,v3" or "name=from:to:step" (inclusive).
func parseRange(s string) (string, []float64, error) {
	name, spec, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("range %q: want name=values", s)
	}

	if parts := strings.Split(spec, ":"); len(parts) == 3 {
		var nums [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return "", nil, fmt.Errorf("range %q: %w", s, err)
			}
			nums[i] = v
		}
		from, to, step := nums[0], nums[1], nums[2]
		if step <= 0 || to < from {
			return "", nil, fmt.Errorf("range %q: need from <= to and step > 0", s)
		}
		n := int(math.Floor((to-from)/step+1e-9)) + 1
		if n > maxRangeValues {
			return "", nil, fmt.Errorf("range %q: %d values exceeds %d", s, n, maxRangeValues)
		}
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = from + float64(i)*step
		}
		return name, vals, nil
	}

	var vals []float64
	for _, p := range splitList(spec) {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return "", nil, fmt.Errorf("range %q: %w", s, err)
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return "", nil, fmt.Errorf("range %q: no values", s)
	}
	return name, vals, nil
}

// parseBaselines parses "buy-and-hold,index=SPY".
func parseBaselines(s string) []quantdesk.Baseline {
	var out []quantdesk.Baseline
	for _, item := range splitList(s) {
		if sym, ok := strings.CutPrefix(item, "index="); ok {
			out = append(out, quantdesk.Baseline{Index: strings.ToUpper(sym)})
			continue
		}
		out = append(out, quantdesk.Baseline{Strategy: item})
	}
	return out
}
