// Package builtins provides built-in strategy implementations that ship with
// quantdesk.
package builtins

import (
	"fmt"

	"quantdesk/internal/domain"
	"quantdesk/internal/strategy"
)

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry) {
	r.Register(NewSMACross())
	r.Register(NewBuyAndHold())
	r.Register(NewRSIReversion())
}

// DefaultRegistry returns a registry holding the built-ins.
func DefaultRegistry() *strategy.Registry {
	r := strategy.NewRegistry()
	Register(r)
	return r
}

// period reads an integer window length and checks it is at least 1.
func period(params domain.ParameterSet, name string) (int, error) {
	n, ok := params.Int(name)
	if !ok {
		return 0, fmt.Errorf("%w %q", strategy.ErrMissingParam, name)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be >= 1, got %v", name, params[name])
	}
	return n, nil
}
