package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/observability"
	"quantdesk/internal/optimizer"
	"quantdesk/internal/progress"
	"quantdesk/internal/service"
	"quantdesk/internal/strategy/builtins"
	"quantdesk/internal/util"
	"quantdesk/pkg/quantdesk"
)

func bars(sym string, n int) []domain.Bar {
	out := make([]domain.Bar, n)
	for i := range out {
		c := 50 + float64(i)/4 + 3*math.Sin(float64(i)/4)
		out[i] = domain.Bar{
			Symbol:    sym,
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    500,
		}
	}
	return out
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := util.Discard()
	provider := marketdata.NewStaticProvider(map[string][]domain.Bar{
		"AAPL": bars("AAPL", 150),
		"SPY":  bars("SPY", 150),
	})
	svc := service.New(service.Options{
		Registry:  builtins.DefaultRegistry(),
		Runner:    backtest.NewRunner(provider, backtest.DefaultConfig(), log),
		Optimizer: optimizer.Config{Workers: 2, MaxCombinations: 10},
		Hub:       progress.NewHub(log),
		Metrics:   observability.NewMetrics(""),
		Logger:    log,
	})
	ts := httptest.NewServer(NewServer(svc, log).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func backtestBody() quantdesk.BacktestRequest {
	return quantdesk.BacktestRequest{
		Strategy:    "sma-cross",
		Params:      map[string]float64{"short_sma": 5, "long_sma": 20},
		Symbols:     []string{"AAPL"},
		StartDate:   "2024-02-15",
		EndDate:     "2024-05-15",
		InitialCash: 10000,
	}
}

func post(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestBacktestEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, data := post(t, ts.URL+"/api/backtest", backtestBody())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"equity_curve", "drawdown_series", "trades", "per_stock_performance", "sharpe_ratio", "total_return", "max_drawdown"} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, "COMPLETED", doc["status"])
	assert.Equal(t, "2024-02-15", doc["start_date"])
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	unknownSymbol := backtestBody()
	unknownSymbol.Symbols = []string{"AAPL", "NOPE"}
	badDates := backtestBody()
	badDates.StartDate = "2024-13-01"

	cases := map[string]struct {
		path   string
		body   any
		status int
		stage  string
	}{
		"malformed json":  {"/api/backtest", `{"symbols": [`, http.StatusBadRequest, "validate"},
		"unknown field":   {"/api/backtest", `{"strategy": "sma-cross", "colour": 1}`, http.StatusBadRequest, "validate"},
		"bad dates":       {"/api/backtest", badDates, http.StatusBadRequest, "validate"},
		"unknown symbol":  {"/api/backtest", unknownSymbol, http.StatusNotFound, "data"},
		"empty ranges":    {"/api/optimize", quantdesk.OptimizeRequest{Strategy: "sma-cross", ParameterRanges: map[string][]float64{"short_sma": {}}, OptimizationMetric: "sharpe_ratio", BacktestConfig: backtestBody()}, http.StatusBadRequest, "validate"},
		"benchmark input": {"/api/benchmark", quantdesk.BenchmarkRequest{Backtest: badDates}, http.StatusBadRequest, "validate"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, data := post(t, ts.URL+tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode, string(data))

			var body quantdesk.ErrorResponse
			require.NoError(t, json.Unmarshal(data, &body))
			assert.NotEmpty(t, body.Error)
			assert.Equal(t, tc.stage, body.Stage)
		})
	}
}

func TestUnknownSymbolNamesSymbol(t *testing.T) {
	ts := newTestServer(t)
	req := backtestBody()
	req.Symbols = []string{"NOPE"}

	_, data := post(t, ts.URL+"/api/backtest", req)
	var body quantdesk.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "NOPE", body.Symbol)
}

func TestOptimizeBudgetConflict(t *testing.T) {
	ts := newTestServer(t)
	req := quantdesk.OptimizeRequest{
		Strategy:           "sma-cross",
		ParameterRanges:    map[string][]float64{"short_sma": {3, 4, 5, 6}, "long_sma": {15, 20, 25}},
		OptimizationMetric: "total_return",
		BacktestConfig:     backtestBody(),
	}

	resp, data := post(t, ts.URL+"/api/optimize", req)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))
	var body quantdesk.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, 12, body.Total)
	assert.Equal(t, 10, body.Limit)
	assert.Contains(t, body.Error, "confirm")

	req.Confirm = true
	resp, data = post(t, ts.URL+"/api/optimize", req)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var res quantdesk.OptimizeResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, 12, res.TotalCombinations)
	assert.Len(t, res.Results, 12)
}

func TestWireFieldNames(t *testing.T) {
	ts := newTestServer(t)

	resp, data := post(t, ts.URL+"/api/backtest", backtestBody())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var bt struct {
		Trades []map[string]any `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(data, &bt))
	require.NotEmpty(t, bt.Trades)
	assert.Contains(t, bt.Trades[0], "quantity")
	assert.NotContains(t, bt.Trades[0], "qty")

	resp, data = post(t, ts.URL+"/api/optimize", quantdesk.OptimizeRequest{
		Strategy:           "sma-cross",
		ParameterRanges:    map[string][]float64{"short_sma": {3, 5}},
		OptimizationMetric: "total_return",
		BacktestConfig:     backtestBody(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotContains(t, doc, "all_results")
	results, ok := doc["results"].([]any)
	require.True(t, ok, "results should be an array")
	require.Len(t, results, 2)
	entry, ok := results[0].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, entry, "parameters")
	assert.Contains(t, entry, "metrics")
	assert.NotContains(t, entry, "params")
}

func TestClientRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	client := quantdesk.NewClient(ts.URL + "/")
	ctx := context.Background()

	strategies, err := client.Strategies(ctx)
	require.NoError(t, err)
	require.Len(t, strategies, 3)
	assert.Equal(t, "buy-and-hold", strategies[0].Name)

	res, err := client.RunBacktest(ctx, backtestBody())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, res.InitialCash)
	assert.InDelta(t, res.EquityCurve[len(res.EquityCurve)-1].Value, res.FinalValue, 1e-6)

	cmp, err := client.Benchmark(ctx, quantdesk.BenchmarkRequest{Backtest: backtestBody()})
	require.NoError(t, err)
	require.Len(t, cmp.Benchmarks, 1)
	assert.Equal(t, "buy-and-hold", cmp.Benchmarks[0].Name)

	// No run store is configured.
	runs, err := client.Runs(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
	_, err = client.Run(ctx, "missing")
	var apiErr *quantdesk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	bad := backtestBody()
	bad.Strategy = "martingale"
	_, err = client.RunBacktest(ctx, bad)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "validate", apiErr.Stage)
}

func TestRunsLimitValidation(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/runs?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCORSAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/backtest", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	post(t, ts.URL+"/api/backtest", backtestBody())
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `quantdesk_backtest_runs_total{kind="backtest",status="COMPLETED"} 1`)
}

func TestProgressWebsocket(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/progress"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var snap quantdesk.ProgressEvent
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, "snapshot", snap.Type)
	assert.Empty(t, snap.Runs)

	body, err := json.Marshal(quantdesk.OptimizeRequest{
		Strategy:           "sma-cross",
		ParameterRanges:    map[string][]float64{"short_sma": {3, 5}, "long_sma": {15, 20}},
		OptimizationMetric: "sharpe",
		BacktestConfig:     backtestBody(),
	})
	require.NoError(t, err)
	done := make(chan quantdesk.OptimizeResult, 1)
	go func() {
		var res quantdesk.OptimizeResult
		defer func() { done <- res }()
		resp, err := http.Post(ts.URL+"/api/optimize", "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		_ = json.NewDecoder(resp.Body).Decode(&res)
	}()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var progressed int
	var runID string
	for {
		var e quantdesk.ProgressEvent
		require.NoError(t, conn.ReadJSON(&e))
		if runID == "" {
			runID = e.RunID
		}
		assert.Equal(t, runID, e.RunID)
		if e.Type == "done" {
			assert.Equal(t, 4, e.Done)
			assert.Equal(t, 4, e.Total)
			break
		}
		assert.Equal(t, "progress", e.Type)
		progressed++
	}
	assert.Equal(t, 4, progressed)

	res := <-done
	assert.Equal(t, runID, res.RunID)
}
