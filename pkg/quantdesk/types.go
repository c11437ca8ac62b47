package quantdesk

import "encoding/json"

// EngineConfig overrides the server's simulation defaults for one request.
// Zero fields keep the server default.
type EngineConfig struct {
	Sizing            string  `json:"sizing,omitempty"`
	Fraction          float64 `json:"fraction,omitempty"`
	Quantity          float64 `json:"quantity,omitempty"`
	MaxPositionPct    float64 `json:"max_position_pct,omitempty"`
	AllowFractional   *bool   `json:"allow_fractional,omitempty"`
	Pyramiding        *bool   `json:"pyramiding,omitempty"`
	CommissionModel   string  `json:"commission_model,omitempty"`
	CommissionAmount  float64 `json:"commission_amount,omitempty"`
	CommissionMinimum float64 `json:"commission_minimum,omitempty"`
	FillTiming        string  `json:"fill_timing,omitempty"`
	Align             string  `json:"align,omitempty"`
	LookbackDays      int     `json:"lookback_days,omitempty"`
}

// BacktestRequest runs one strategy. Program, when set, is an inline rule
// program (JSON object or YAML string) used instead of a named strategy.
type BacktestRequest struct {
	Strategy    string             `json:"strategy,omitempty"`
	Program     json.RawMessage    `json:"program,omitempty"`
	Params      map[string]float64 `json:"params,omitempty"`
	Symbols     []string           `json:"symbols"`
	StartDate   string             `json:"start_date"`
	EndDate     string             `json:"end_date"`
	InitialCash float64            `json:"initial_cash,omitempty"`
	Config      *EngineConfig      `json:"config,omitempty"`
}

// Metrics are the scalar performance figures of a run. Ratios are decimals.
type Metrics struct {
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

type EquityPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
	Cash  float64 `json:"cash"`
}

type DrawdownPoint struct {
	Date     string  `json:"date"`
	Drawdown float64 `json:"drawdown"`
}

type Trade struct {
	Date        string  `json:"date"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	Commission  float64 `json:"commission"`
	RealizedPnL float64 `json:"realized_pnl"`
}

type Annotation struct {
	Date    string `json:"date"`
	Symbol  string `json:"symbol"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// SymbolPerformance attributes trades to one symbol.
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

// BacktestResult is the outcome of one run. Metrics are inlined at the top
// level of the JSON object.
type BacktestResult struct {
	RunID       string             `json:"run_id,omitempty"`
	Strategy    string             `json:"strategy"`
	Params      map[string]float64 `json:"params"`
	Symbols     []string           `json:"symbols"`
	StartDate   string             `json:"start_date"`
	EndDate     string             `json:"end_date"`
	Status      string             `json:"status"`
	Error       string             `json:"error,omitempty"`
	InitialCash float64            `json:"initial_cash"`
	FinalCash   float64            `json:"final_cash"`

	Metrics

	EquityCurve         []EquityPoint       `json:"equity_curve"`
	DrawdownSeries      []DrawdownPoint     `json:"drawdown_series"`
	Trades              []Trade             `json:"trades"`
	Annotations         []Annotation        `json:"annotations"`
	Positions           []Position          `json:"positions"`
	PerStockPerformance []SymbolPerformance `json:"per_stock_performance"`
}

// OptimizeRequest sweeps ParameterRanges. BacktestConfig supplies symbols,
// dates, cash, engine overrides and fixed params.
type OptimizeRequest struct {
	Strategy           string               `json:"strategy,omitempty"`
	Program            json.RawMessage      `json:"program,omitempty"`
	ParameterRanges    map[string][]float64 `json:"parameter_ranges"`
	OptimizationMetric string               `json:"optimization_metric"`
	BacktestConfig     BacktestRequest      `json:"backtest_config"`
	Confirm            bool                 `json:"confirm,omitempty"`
}

// OptimizationEntry is one evaluated combination.
type OptimizationEntry struct {
	Index       int                `json:"index"`
	Parameters  map[string]float64 `json:"parameters"`
	MetricValue float64            `json:"metric_value"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// OptimizeResult is the outcome of a sweep. BestIndex is -1 when no
// combination could be ranked.
type OptimizeResult struct {
	RunID                 string              `json:"run_id,omitempty"`
	Strategy              string              `json:"strategy"`
	OptimizationMetric    string              `json:"optimization_metric"`
	Direction             string              `json:"direction"`
	TotalCombinations     int                 `json:"total_combinations"`
	CompletedCombinations int                 `json:"completed_combinations"`
	Cancelled             bool                `json:"cancelled"`
	BestIndex             int                 `json:"best_index"`
	BestParameters        map[string]float64  `json:"best_parameters"`
	BestMetricValue       float64             `json:"best_metric_value"`
	BestResult            *BacktestResult     `json:"best_result,omitempty"`
	Results               []OptimizationEntry `json:"results"`
}

// Baseline selects a benchmark. Index runs buy-and-hold on that symbol alone.
type Baseline struct {
	Name     string             `json:"name,omitempty"`
	Strategy string             `json:"strategy,omitempty"`
	Params   map[string]float64 `json:"params,omitempty"`
	Index    string             `json:"index,omitempty"`
}

// BenchmarkRequest compares Backtest against Baselines (default
// buy-and-hold).
type BenchmarkRequest struct {
	Backtest  BacktestRequest `json:"backtest"`
	Baselines []Baseline      `json:"baselines,omitempty"`
}

type BenchmarkComparison struct {
	Name           string             `json:"name"`
	Result         *BacktestResult    `json:"result,omitempty"`
	Outperformance map[string]float64 `json:"outperformance,omitempty"`
	Error          string             `json:"error,omitempty"`
}

type BenchmarkResult struct {
	RunID      string                `json:"run_id,omitempty"`
	Strategy   *BacktestResult       `json:"strategy"`
	Benchmarks []BenchmarkComparison `json:"benchmarks"`
}

type ParamInfo struct {
	Name        string  `json:"name"`
	Default     float64 `json:"default"`
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required,omitempty"`
}

type StrategyInfo struct {
	Name   string      `json:"name"`
	Params []ParamInfo `json:"params"`
}

// RunSummary is a persisted run without its payload.
type RunSummary struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Strategy    string   `json:"strategy"`
	Params      string   `json:"params"`
	Symbols     []string `json:"symbols"`
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
	TotalReturn float64  `json:"total_return"`
	SharpeRatio float64  `json:"sharpe_ratio"`
	MaxDrawdown float64  `json:"max_drawdown"`
	TotalTrades int      `json:"total_trades"`
	CreatedAt   string   `json:"created_at"`
}

// Run is a persisted run with its full result document.
type Run struct {
	RunSummary
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorResponse is the JSON error body. Total and Limit are set when a
// sweep exceeds the combination budget.
type ErrorResponse struct {
	Error      string             `json:"error"`
	Stage      string             `json:"stage,omitempty"`
	Symbol     string             `json:"symbol,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Total      int                `json:"total_combinations,omitempty"`
	Limit      int                `json:"max_combinations,omitempty"`
}

// ProgressEvent is streamed on the progress websocket. Type is "snapshot",
// "progress" or "done".
type ProgressEvent struct {
	Type   string             `json:"type"`
	RunID  string             `json:"run_id,omitempty"`
	Done   int                `json:"done,omitempty"`
	Total  int                `json:"total,omitempty"`
	Index  int                `json:"index,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`
	Value  float64            `json:"value,omitempty"`
	Error  string             `json:"error,omitempty"`

	Runs []ProgressEvent `json:"runs,omitempty"`
}
