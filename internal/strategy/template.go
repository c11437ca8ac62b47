package strategy

import (
	"fmt"
	"runtime/debug"

	"quantdesk/internal/domain"
)

// Template is a strategy paired with its default parameter values.
type Template struct {
	Strategy Strategy
	Defaults domain.ParameterSet
}

// NewTemplate collects the defaults declared in s.Params().
func NewTemplate(s Strategy) Template {
	defaults := make(domain.ParameterSet)
	for _, p := range s.Params() {
		if !p.Required {
			defaults[p.Name] = p.Default
		}
	}
	return Template{Strategy: s, Defaults: defaults}
}

// Bind substitutes overrides into the template's placeholders. Unknown
// names and unset required parameters are rejected.
func (t Template) Bind(overrides domain.ParameterSet) (*Bound, error) {
	specs := t.Strategy.Params()
	known := make(map[string]bool, len(specs))
	for _, p := range specs {
		known[p.Name] = true
	}

	for _, name := range overrides.Keys() {
		if !known[name] {
			return nil, fmt.Errorf("%s: %w %q", t.Strategy.Name(), ErrUnknownParam, name)
		}
	}

	params := t.Defaults.Merge(overrides)
	for _, p := range specs {
		if _, ok := params[p.Name]; !ok {
			return nil, fmt.Errorf("%s: %w %q", t.Strategy.Name(), ErrMissingParam, p.Name)
		}
	}

	if v, ok := t.Strategy.(Validator); ok {
		if err := v.Validate(params); err != nil {
			return nil, fmt.Errorf("%s: %w", t.Strategy.Name(), err)
		}
	}

	lookback := t.Strategy.Lookback(params)
	if lookback < 1 {
		lookback = 1
	}
	return &Bound{strategy: t.Strategy, params: params, lookback: lookback}, nil
}

// Bind is shorthand for NewTemplate(s).Bind(overrides).
func Bind(s Strategy, overrides domain.ParameterSet) (*Bound, error) {
	return NewTemplate(s).Bind(overrides)
}

// Bound is a strategy with concrete parameter values.
type Bound struct {
	strategy Strategy
	params   domain.ParameterSet
	lookback int
}

// Name returns the underlying strategy name.
func (b *Bound) Name() string { return b.strategy.Name() }

// Params returns a copy of the bound parameters.
func (b *Bound) Params() domain.ParameterSet { return b.params.Clone() }

// Lookback returns the window length Evaluate expects.
func (b *Bound) Lookback() int { return b.lookback }

// Evaluate runs the strategy on window. Panics are recovered into errors and
// the returned strength is clamped to [0,1]. Non-HOLD decisions with an
// empty action are normalized to HOLD.
func (b *Bound) Evaluate(window []domain.Bar) (dec Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			dec = Hold()
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	dec, err = b.strategy.Evaluate(window, b.params)
	if err != nil {
		return Hold(), err
	}
	switch dec.Action {
	case domain.ActionBuy, domain.ActionSell:
	case domain.ActionHold, "":
		return Hold(), nil
	default:
		return Hold(), fmt.Errorf("invalid action %q", dec.Action)
	}
	dec.Strength = clampStrength(dec.Strength)
	return dec, nil
}
