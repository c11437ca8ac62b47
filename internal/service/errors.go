package service

import (
	"context"
	"errors"
	"fmt"

	"quantdesk/internal/backtest"
	"quantdesk/internal/domain"
	"quantdesk/internal/marketdata"
	"quantdesk/internal/optimizer"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/strategy/dsl"
)

// ErrInvalidInput marks malformed request fields.
var ErrInvalidInput = errors.New("invalid input")

// Kind groups errors by how transports report them.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindBudget
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindBudget:
		return "budget"
	case KindCancelled:
		return "cancelled"
	}
	return "internal"
}

// Error is a classified failure with the context transports render.
type Error struct {
	Kind   Kind
	Stage  string
	Symbol string
	Params domain.ParameterSet
	Total  int
	Limit  int
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func invalidf(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Stage: backtest.StageValidate,
		Err: fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))}
}

// Classify maps err onto an *Error. Errors that are already classified are
// returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	out := &Error{Kind: KindInternal, Err: err}
	var se *backtest.StageError
	if errors.As(err, &se) {
		out.Stage, out.Symbol, out.Params = se.Stage, se.Symbol, se.Params
	}
	var de *marketdata.DataError
	if errors.As(err, &de) && out.Symbol == "" {
		out.Symbol = de.Symbol
	}

	var be *optimizer.BudgetError
	switch {
	case errors.As(err, &be):
		out.Kind, out.Total, out.Limit = KindBudget, be.Total, be.Limit
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindCancelled
	case errors.Is(err, marketdata.ErrDataUnavailable),
		errors.Is(err, marketdata.ErrNoTradingDays),
		errors.Is(err, store.ErrNotFound):
		out.Kind = KindNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, backtest.ErrInvalidRequest),
		errors.Is(err, strategy.ErrUnknownStrategy),
		errors.Is(err, strategy.ErrUnknownParam),
		errors.Is(err, strategy.ErrMissingParam),
		errors.Is(err, optimizer.ErrInvalidParameterRange),
		errors.Is(err, optimizer.ErrUnknownMetric),
		errors.Is(err, dsl.ErrCompile),
		out.Stage == backtest.StageValidate:
		out.Kind = KindInvalid
	}

	if out.Stage == "" {
		switch out.Kind {
		case KindInvalid:
			out.Stage = backtest.StageValidate
		case KindNotFound:
			out.Stage = backtest.StageData
		case KindBudget:
			out.Stage = backtest.StageOptimize
		}
	}
	return out
}
