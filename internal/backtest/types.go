// Package backtest replays a bound strategy over an aligned Dataset, sizing
// and filling orders against a simulated cash account, and returns the
// resulting equity curve, trade log and performance summary.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"quantdesk/internal/domain"
	"quantdesk/internal/metrics"
	"quantdesk/internal/strategy"
)

// ErrInsufficientCash marks a BUY that could not be afforded. It is recorded
// as an annotation and never fails a run.
var ErrInsufficientCash = errors.New("insufficient cash")

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid backtest request")

// State is the lifecycle of a single run.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateRunning     State = "RUNNING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
)

// Stages reported by StageError.
const (
	StageValidate = "validate"
	StageData     = "data"
	StageSimulate = "simulate"
	StageOptimize = "optimize"
)

// StageError attaches the pipeline stage, symbol and parameter set to a
// failure.
type StageError struct {
	Stage  string
	Symbol string
	Params domain.ParameterSet
	Err    error
}

func (e *StageError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Stage)
	if e.Symbol != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Symbol)
	}
	if len(e.Params) > 0 {
		sb.WriteString(" [")
		sb.WriteString(e.Params.String())
		sb.WriteString("]")
	}
	sb.WriteString(": ")
	sb.WriteString(e.Err.Error())
	return sb.String()
}

func (e *StageError) Unwrap() error { return e.Err }

// Request describes one backtest.
type Request struct {
	Strategy    strategy.Strategy
	Params      domain.ParameterSet
	Symbols     []string
	Start       time.Time
	End         time.Time
	InitialCash float64
}

// Validate rejects requests that cannot be simulated.
func (r Request) Validate() error {
	switch {
	case r.Strategy == nil:
		return fmt.Errorf("%w: strategy is required", ErrInvalidRequest)
	case len(r.Symbols) == 0:
		return fmt.Errorf("%w: at least one symbol is required", ErrInvalidRequest)
	case r.Start.IsZero() || r.End.IsZero():
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidRequest)
	case domain.DateOf(r.End).Before(domain.DateOf(r.Start)):
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidRequest,
			r.End.Format(domain.DateLayout), r.Start.Format(domain.DateLayout))
	case r.InitialCash <= 0 || math.IsNaN(r.InitialCash) || math.IsInf(r.InitialCash, 0):
		return fmt.Errorf("%w: initial cash must be positive, got %v", ErrInvalidRequest, r.InitialCash)
	}
	for _, s := range r.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
		}
	}
	return nil
}

// Result is the outcome of a run. Failed runs carry State FAILED and Error.
type Result struct {
	Strategy    string              `json:"strategy"`
	Params      domain.ParameterSet `json:"params"`
	Symbols     []string            `json:"symbols"`
	Start       time.Time           `json:"start_date"`
	End         time.Time           `json:"end_date"`
	State       State               `json:"status"`
	Error       string              `json:"error,omitempty"`
	InitialCash float64             `json:"initial_cash"`
	FinalCash   float64             `json:"final_cash"`
	FinalValue  float64             `json:"final_value"`

	EquityCurve []domain.EquityPoint        `json:"equity_curve"`
	Drawdowns   []domain.DrawdownPoint      `json:"drawdown_series"`
	Trades      []domain.Trade              `json:"trades"`
	Annotations []domain.Annotation         `json:"annotations"`
	Positions   []domain.Position           `json:"positions"`
	PerSymbol   []metrics.SymbolPerformance `json:"per_stock_performance"`
	Metrics     metrics.Summary             `json:"metrics"`
}

// Metric resolves a summary metric by wire name.
func (r *Result) Metric(name string) (float64, bool) {
	return r.Metrics.Value(name)
}
