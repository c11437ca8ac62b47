package dsl

import (
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

// DefaultStepBudget bounds the node evaluations of a single Evaluate call.
const DefaultStepBudget = 10_000

var (
	_ strategy.Strategy  = (*Strategy)(nil)
	_ strategy.Validator = (*Strategy)(nil)
)

type compiledRule struct {
	when     condExpr
	action   domain.Action
	strength numExpr
}

// Strategy is a compiled program. It is immutable and safe for concurrent
// use.
type Strategy struct {
	program *Program
	rules   []compiledRule
	budget  int
}

// WithStepBudget returns a copy using a different step budget. Zero
// disables the limit.
func (s *Strategy) WithStepBudget(n int) *Strategy {
	cp := *s
	cp.budget = n
	return &cp
}

// Program returns the source program.
func (s *Strategy) Program() *Program { return s.program }

// Name returns the program name.
func (s *Strategy) Name() string { return s.program.Name }

// Params lists declared parameters in name order.
func (s *Strategy) Params() []strategy.ParamSpec {
	names := domain.ParameterSet(s.program.Params).Keys()
	out := make([]strategy.ParamSpec, 0, len(names))
	for _, name := range names {
		out = append(out, strategy.ParamSpec{Name: name, Default: s.program.Params[name]})
	}
	return out
}

// Validate checks that every indicator period resolves to a usable value.
func (s *Strategy) Validate(params domain.ParameterSet) error {
	_, err := s.history(params)
	return err
}

func (s *Strategy) history(params domain.ParameterSet) (int, error) {
	out := 1
	for _, r := range s.rules {
		h, err := r.when.history(params)
		if err != nil {
			return 0, err
		}
		out = max(out, h)
		if r.strength != nil {
			h, err := r.strength.history(params)
			if err != nil {
				return 0, err
			}
			out = max(out, h)
		}
	}
	return out, nil
}

// Lookback is the longest history any rule reads.
func (s *Strategy) Lookback(params domain.ParameterSet) int {
	h, err := s.history(params)
	if err != nil {
		return 1
	}
	return h
}

// Evaluate returns the action of the first rule whose condition holds.
func (s *Strategy) Evaluate(window []domain.Bar, params domain.ParameterSet) (strategy.Decision, error) {
	c := &evalCtx{window: window, params: params, budget: s.budget}
	for _, r := range s.rules {
		ok, err := r.when.test(c)
		if err != nil {
			return strategy.Hold(), err
		}
		if !ok {
			continue
		}
		dec := strategy.Decision{Action: r.action}
		if r.strength != nil && r.action != domain.ActionHold {
			v, err := r.strength.eval(c)
			if err != nil {
				return strategy.Hold(), err
			}
			dec.Strength = v
		}
		return dec, nil
	}
	return strategy.Hold(), nil
}
