package builtins

import (
	"fmt"

	"quantdesk/internal/domain"
	"quantdesk/internal/indicators"
	"quantdesk/internal/strategy"
)

var (
	_ strategy.Strategy  = (*RSIReversion)(nil)
	_ strategy.Validator = (*RSIReversion)(nil)
)

// RSIReversion buys when RSI falls below the oversold level and sells when
// it rises above the overbought level. Strength scales with the distance
// past the threshold.
type RSIReversion struct{}

// NewRSIReversion creates the mean-reversion strategy.
func NewRSIReversion() *RSIReversion { return &RSIReversion{} }

// Name returns "rsi-reversion".
func (s *RSIReversion) Name() string { return "rsi-reversion" }

// Params declares period, oversold and overbought.
func (s *RSIReversion) Params() []strategy.ParamSpec {
	return []strategy.ParamSpec{
		{Name: "period", Default: 14, Description: "RSI period in days"},
		{Name: "oversold", Default: 30, Description: "buy below this RSI"},
		{Name: "overbought", Default: 70, Description: "sell above this RSI"},
	}
}

// Validate checks 0 <= oversold < overbought <= 100.
func (s *RSIReversion) Validate(params domain.ParameterSet) error {
	if _, err := period(params, "period"); err != nil {
		return err
	}
	lo, hi := params["oversold"], params["overbought"]
	if lo < 0 || hi > 100 || lo >= hi {
		return fmt.Errorf("need 0 <= oversold < overbought <= 100, got %v/%v", lo, hi)
	}
	return nil
}

// Lookback gives Wilder smoothing three periods of history.
func (s *RSIReversion) Lookback(params domain.ParameterSet) int {
	n, _ := params.Int("period")
	return 3*n + 1
}

// Evaluate applies the thresholds to the RSI of the window's closes.
func (s *RSIReversion) Evaluate(window []domain.Bar, params domain.ParameterSet) (strategy.Decision, error) {
	n, err := period(params, "period")
	if err != nil {
		return strategy.Hold(), err
	}
	rsi, ok := indicators.RSI(indicators.Closes(window), n)
	if !ok {
		return strategy.Hold(), strategy.ErrWarmup
	}

	lo, hi := params["oversold"], params["overbought"]
	switch {
	case rsi < lo && lo > 0:
		return strategy.Decision{Action: domain.ActionBuy, Strength: (lo - rsi) / lo}, nil
	case rsi > hi && hi < 100:
		return strategy.Decision{Action: domain.ActionSell, Strength: (rsi - hi) / (100 - hi)}, nil
	}
	return strategy.Hold(), nil
}
