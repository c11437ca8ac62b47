// Package strategy defines the Strategy interface evaluated by the backtest
// engine and provides a Registry for managing strategy implementations.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"quantdesk/internal/domain"
)

// Sentinel errors.
var (
	// ErrWarmup means the window is too short to evaluate. The engine treats
	// it as a silent HOLD.
	ErrWarmup = errors.New("insufficient history")

	// ErrEvaluation marks a strategy failure on a single day. The engine
	// recovers it as HOLD and records an annotation.
	ErrEvaluation = errors.New("strategy evaluation failed")

	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrUnknownParam    = errors.New("unknown parameter")
	ErrMissingParam    = errors.New("missing required parameter")
)

// EvalError carries the day and symbol a strategy failed on.
type EvalError struct {
	Date   time.Time
	Symbol string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate %s on %s: %v", e.Symbol, e.Date.Format(domain.DateLayout), e.Err)
}

// Unwrap exposes both ErrEvaluation and the underlying cause.
func (e *EvalError) Unwrap() []error { return []error{ErrEvaluation, e.Err} }

// Decision is a strategy's recommendation for the last bar of a window.
// Strength is in [0,1]; 0 means unspecified.
type Decision struct {
	Action   domain.Action
	Strength float64
}

// Hold is the no-op decision.
func Hold() Decision { return Decision{Action: domain.ActionHold} }

// ParamSpec describes one tunable parameter.
type ParamSpec struct {
	Name        string  `json:"name"`
	Default     float64 `json:"default"`
	Description string  `json:"description,omitempty"`

	// Required parameters have no usable default and must be supplied
	// when binding.
	Required bool `json:"required,omitempty"`
}

// Strategy is the interface that all trading strategies must implement.
// Implementations must be safe for concurrent use: parameters are passed on
// every call and no per-run state is kept on the receiver.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Params lists the parameters the strategy understands.
	Params() []ParamSpec

	// Lookback returns how many trailing bars Evaluate needs.
	Lookback(params domain.ParameterSet) int

	// Evaluate inspects a trailing window of bars ending at the day being
	// decided and returns an action for that day.
	Evaluate(window []domain.Bar, params domain.ParameterSet) (Decision, error)
}

// Validator is implemented by strategies that constrain parameter values.
type Validator interface {
	Validate(params domain.ParameterSet) error
}

// Registry holds a named collection of strategies for lookup and enumeration.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy to the registry, keyed by its Name(). A later
// registration under the same name replaces the earlier one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Lookup is Get with an ErrUnknownStrategy error.
func (r *Registry) Lookup(name string) (Strategy, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// clampStrength maps NaN and out-of-range values into [0,1].
func clampStrength(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
