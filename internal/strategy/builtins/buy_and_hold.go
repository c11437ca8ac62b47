package builtins

import (
	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHold recommends BUY on every bar. The engine does not add to an open
// position by default, so the effect is a single entry on the first
// evaluable day that is held to the end of the run.
type BuyAndHold struct{}

// NewBuyAndHold creates the baseline strategy.
func NewBuyAndHold() *BuyAndHold { return &BuyAndHold{} }

// Name returns "buy-and-hold".
func (s *BuyAndHold) Name() string { return "buy-and-hold" }

// Params is empty.
func (s *BuyAndHold) Params() []strategy.ParamSpec { return nil }

// Lookback is a single bar.
func (s *BuyAndHold) Lookback(domain.ParameterSet) int { return 1 }

// Evaluate always buys at full strength.
func (s *BuyAndHold) Evaluate(window []domain.Bar, _ domain.ParameterSet) (strategy.Decision, error) {
	if len(window) == 0 {
		return strategy.Hold(), strategy.ErrWarmup
	}
	return strategy.Decision{Action: domain.ActionBuy, Strength: 1}, nil
}
