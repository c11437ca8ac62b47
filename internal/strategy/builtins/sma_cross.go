package builtins

import (
	"quantdesk/internal/domain"
	"quantdesk/internal/indicators"
	"quantdesk/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy  = (*SMACross)(nil)
	_ strategy.Validator = (*SMACross)(nil)
)

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA and sells when
// it crosses below.
type SMACross struct{}

// NewSMACross creates the crossover strategy.
func NewSMACross() *SMACross { return &SMACross{} }

// Name returns "sma-cross".
func (s *SMACross) Name() string { return "sma-cross" }

// Params declares short_sma and long_sma.
func (s *SMACross) Params() []strategy.ParamSpec {
	return []strategy.ParamSpec{
		{Name: "short_sma", Default: 10, Description: "short moving average period in days"},
		{Name: "long_sma", Default: 30, Description: "long moving average period in days"},
	}
}

// Validate requires both periods to be positive.
func (s *SMACross) Validate(params domain.ParameterSet) error {
	if _, err := period(params, "short_sma"); err != nil {
		return err
	}
	_, err := period(params, "long_sma")
	return err
}

// Lookback is the longer period plus one bar to detect the cross.
func (s *SMACross) Lookback(params domain.ParameterSet) int {
	short, _ := params.Int("short_sma")
	long, _ := params.Int("long_sma")
	return max(short, long) + 1
}

// Evaluate compares both averages on the last two bars of the window.
func (s *SMACross) Evaluate(window []domain.Bar, params domain.ParameterSet) (strategy.Decision, error) {
	short, err := period(params, "short_sma")
	if err != nil {
		return strategy.Hold(), err
	}
	long, err := period(params, "long_sma")
	if err != nil {
		return strategy.Hold(), err
	}

	closes := indicators.Closes(window)
	if len(closes) < max(short, long)+1 {
		return strategy.Hold(), strategy.ErrWarmup
	}
	prev := closes[:len(closes)-1]

	shortNow, _ := indicators.SMA(closes, short)
	longNow, _ := indicators.SMA(closes, long)
	shortPrev, _ := indicators.SMA(prev, short)
	longPrev, _ := indicators.SMA(prev, long)

	switch {
	case shortPrev <= longPrev && shortNow > longNow:
		return strategy.Decision{Action: domain.ActionBuy}, nil
	case shortPrev >= longPrev && shortNow < longNow:
		return strategy.Decision{Action: domain.ActionSell}, nil
	}
	return strategy.Hold(), nil
}
