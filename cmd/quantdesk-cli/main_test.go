package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/pkg/quantdesk"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams("short_sma=5, long_sma=20")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"short_sma": 5, "long_sma": 20}, got)

	got, err = parseParams("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = parseParams("short_sma")
	assert.Error(t, err)
	_, err = parseParams("short_sma=x")
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	cases := map[string]struct {
		in   string
		name string
		want []float64
	}{
		"list":       {"short_sma=5,10,15", "short_sma", []float64{5, 10, 15}},
		"step":       {"long_sma=20:50:10", "long_sma", []float64{20, 30, 40, 50}},
		"fractional": {"threshold=0.1:0.3:0.1", "threshold", []float64{0.1, 0.2, 0.30000000000000004}},
		"single":     {"period=14", "period", []float64{14}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			gotName, got, err := parseRange(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.name, gotName)
			assert.InDeltaSlice(t, tc.want, got, 1e-9)
		})
	}

	for _, bad := range []string{"=1,2", "short_sma", "short_sma=", "x=5:1:1", "x=1:5:0", "x=1:a:1"} {
		_, _, err := parseRange(bad)
		assert.Error(t, err, bad)
	}
}

func TestRangeFlagsRepeat(t *testing.T) {
	var r rangeFlags
	require.NoError(t, r.Set("short_sma=5,10"))
	require.NoError(t, r.Set("long_sma=30"))
	assert.Equal(t, map[string][]float64{"short_sma": {5, 10}, "long_sma": {30}}, r.values())
}

func TestParseBaselines(t *testing.T) {
	got := parseBaselines("buy-and-hold, index=spy")
	assert.Equal(t, []quantdesk.Baseline{{Strategy: "buy-and-hold"}, {Index: "SPY"}}, got)
	assert.Nil(t, parseBaselines(""))
}

func TestRequestReadsProgram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: dip\n"), 0o644))

	f := runFlags{strategy: "sma-cross", program: path, symbols: "AAPL,MSFT", fill: "next_open"}
	req, err := f.request()
	require.NoError(t, err)
	assert.Empty(t, req.Strategy)
	assert.JSONEq(t, `"name: dip\n"`, string(req.Program))
	assert.Equal(t, []string{"AAPL", "MSFT"}, req.Symbols)
	require.NotNil(t, req.Config)
	assert.Equal(t, "next_open", req.Config.FillTiming)

	f.program = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = f.request()
	assert.Error(t, err)
}

func TestRankEntries(t *testing.T) {
	entries := []quantdesk.OptimizationEntry{
		{Index: 0, MetricValue: 1},
		{Index: 1, Error: "boom"},
		{Index: 2, MetricValue: 3},
		{Index: 3, MetricValue: 3},
	}
	idx := func(es []quantdesk.OptimizationEntry) []int {
		var out []int
		for _, e := range es {
			out = append(out, e.Index)
		}
		return out
	}
	assert.Equal(t, []int{2, 3, 0, 1}, idx(rankEntries(entries, "maximize")))
	assert.Equal(t, []int{0, 2, 3, 1}, idx(rankEntries(entries, "minimize")))
	assert.Equal(t, 1, entries[1].Index)
}

func TestRenderOptimization(t *testing.T) {
	var buf bytes.Buffer
	err := renderOptimization(&buf, &quantdesk.OptimizeResult{
		Strategy:              "sma-cross",
		OptimizationMetric:    "sharpe_ratio",
		Direction:             "maximize",
		TotalCombinations:     2,
		CompletedCombinations: 2,
		BestIndex:             1,
		BestParameters:        map[string]float64{"short_sma": 10},
		BestMetricValue:       1.5,
		Results: []quantdesk.OptimizationEntry{
			{Index: 0, Parameters: map[string]float64{"short_sma": 5}, MetricValue: 0.5},
			{Index: 1, Parameters: map[string]float64{"short_sma": 10}, MetricValue: 1.5},
		},
	}, 1)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "best #1 short_sma=10 = 1.5000")
	assert.Contains(t, out, "1.5000")
	assert.NotContains(t, out, "0.5000")
}

func TestFormatParams(t *testing.T) {
	assert.Equal(t, "{}", formatParams(nil))
	assert.Equal(t, "long_sma=30 short_sma=10", formatParams(map[string]float64{"short_sma": 10, "long_sma": 30}))
}
