package dsl

import (
	"errors"
	"fmt"
	"math"

	"quantdesk/internal/domain"
	"quantdesk/internal/indicators"
	"quantdesk/internal/strategy"
)

// Operators.
const (
	OpConst   = "const"
	OpParam   = "param"
	OpPrice   = "price"
	OpSMA     = "sma"
	OpEMA     = "ema"
	OpRSI     = "rsi"
	OpHighest = "highest"
	OpLowest  = "lowest"
	OpStdDev  = "stddev"
	OpAdd     = "add"
	OpSub     = "sub"
	OpMul     = "mul"
	OpDiv     = "div"
	OpAbs     = "abs"
	OpMin     = "min"
	OpMax     = "max"

	OpGT         = "gt"
	OpGE         = "ge"
	OpLT         = "lt"
	OpLE         = "le"
	OpEQ         = "eq"
	OpAnd        = "and"
	OpOr         = "or"
	OpNot        = "not"
	OpCrossAbove = "cross_above"
	OpCrossBelow = "cross_below"
)

// ErrStepBudget is returned when one evaluation visits more nodes than the
// strategy's step budget allows.
var ErrStepBudget = errors.New("dsl: step budget exhausted")

type evalCtx struct {
	window []domain.Bar
	params domain.ParameterSet
	offset int
	steps  int
	budget int
}

func (c *evalCtx) step() error {
	c.steps++
	if c.budget > 0 && c.steps > c.budget {
		return ErrStepBudget
	}
	return nil
}

// numExpr is a compiled numeric expression.
type numExpr interface {
	eval(c *evalCtx) (float64, error)
	// history is how many trailing bars the expression reads.
	history(p domain.ParameterSet) (int, error)
	// static reports whether the value is independent of bar data.
	static() bool
}

// condExpr is a compiled boolean expression.
type condExpr interface {
	test(c *evalCtx) (bool, error)
	history(p domain.ParameterSet) (int, error)
}

// ---------------------------------------------------------------------------
// Numeric nodes
// ---------------------------------------------------------------------------

type constExpr struct{ v float64 }

func (e constExpr) eval(c *evalCtx) (float64, error) { return e.v, c.step() }

func (e constExpr) history(domain.ParameterSet) (int, error) { return 0, nil }

func (e constExpr) static() bool { return true }

type paramExpr struct{ name string }

func (e paramExpr) eval(c *evalCtx) (float64, error) {
	if err := c.step(); err != nil {
		return 0, err
	}
	v, ok := c.params[e.name]
	if !ok {
		return 0, fmt.Errorf("parameter %q not bound", e.name)
	}
	return v, nil
}

func (e paramExpr) history(domain.ParameterSet) (int, error) { return 0, nil }

func (e paramExpr) static() bool { return true }

type priceExpr struct {
	field  string
	offset int
}

func (e priceExpr) eval(c *evalCtx) (float64, error) {
	if err := c.step(); err != nil {
		return 0, err
	}
	i := len(c.window) - 1 - c.offset - e.offset
	if i < 0 {
		return 0, strategy.ErrWarmup
	}
	series, err := indicators.Field(c.window[i:i+1], e.field)
	if err != nil {
		return 0, err
	}
	return series[0], nil
}

func (e priceExpr) history(domain.ParameterSet) (int, error) { return e.offset + 1, nil }

func (e priceExpr) static() bool { return false }

type indicatorFunc func(x []float64, p int) (float64, bool)

type indicatorExpr struct {
	op     string
	field  string
	period numExpr
	offset int
	fn     indicatorFunc
	// need maps a period to the bars the indicator consumes.
	need func(p int) int
}

func (e indicatorExpr) resolvePeriod(c *evalCtx) (int, error) {
	v, err := e.period.eval(c)
	if err != nil {
		return 0, err
	}
	return toPeriod(e.op, v)
}

func toPeriod(op string, v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 1 {
		return 0, fmt.Errorf("%s: period must be >= 1, got %v", op, v)
	}
	return int(math.Round(v)), nil
}

func (e indicatorExpr) eval(c *evalCtx) (float64, error) {
	if err := c.step(); err != nil {
		return 0, err
	}
	n, err := e.resolvePeriod(c)
	if err != nil {
		return 0, err
	}
	end := len(c.window) - c.offset - e.offset
	if end <= 0 {
		return 0, strategy.ErrWarmup
	}
	series, err := indicators.Field(c.window[:end], e.field)
	if err != nil {
		return 0, err
	}
	v, ok := e.fn(series, n)
	if !ok {
		return 0, strategy.ErrWarmup
	}
	return v, nil
}

func (e indicatorExpr) history(p domain.ParameterSet) (int, error) {
	c := &evalCtx{params: p}
	n, err := e.resolvePeriod(c)
	if err != nil {
		return 0, err
	}
	return e.offset + e.need(n), nil
}

func (e indicatorExpr) static() bool { return false }

type arithExpr struct {
	op   string
	args []numExpr
}

func (e arithExpr) eval(c *evalCtx) (float64, error) {
	if err := c.step(); err != nil {
		return 0, err
	}
	vals := make([]float64, len(e.args))
	for i, a := range e.args {
		v, err := a.eval(c)
		if err != nil {
			return 0, err
		}
		vals[i] = v
	}

	switch e.op {
	case OpAdd:
		return vals[0] + vals[1], nil
	case OpSub:
		return vals[0] - vals[1], nil
	case OpMul:
		return vals[0] * vals[1], nil
	case OpDiv:
		if vals[1] == 0 {
			return 0, errors.New("division by zero")
		}
		return vals[0] / vals[1], nil
	case OpAbs:
		return math.Abs(vals[0]), nil
	case OpMin:
		out := vals[0]
		for _, v := range vals[1:] {
			out = math.Min(out, v)
		}
		return out, nil
	case OpMax:
		out := vals[0]
		for _, v := range vals[1:] {
			out = math.Max(out, v)
		}
		return out, nil
	}
	return 0, fmt.Errorf("unknown arithmetic op %q", e.op)
}

func (e arithExpr) history(p domain.ParameterSet) (int, error) {
	return maxHistory(p, e.args...)
}

func (e arithExpr) static() bool {
	for _, a := range e.args {
		if !a.static() {
			return false
		}
	}
	return true
}

func maxHistory[T interface {
	history(domain.ParameterSet) (int, error)
}](p domain.ParameterSet, exprs ...T) (int, error) {
	out := 0
	for _, e := range exprs {
		h, err := e.history(p)
		if err != nil {
			return 0, err
		}
		out = max(out, h)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Conditions
// ---------------------------------------------------------------------------

type compareExpr struct {
	op   string
	a, b numExpr
}

func (e compareExpr) test(c *evalCtx) (bool, error) {
	if err := c.step(); err != nil {
		return false, err
	}
	a, err := e.a.eval(c)
	if err != nil {
		return false, err
	}
	b, err := e.b.eval(c)
	if err != nil {
		return false, err
	}
	switch e.op {
	case OpGT:
		return a > b, nil
	case OpGE:
		return a >= b, nil
	case OpLT:
		return a < b, nil
	case OpLE:
		return a <= b, nil
	case OpEQ:
		return a == b, nil
	}
	return false, fmt.Errorf("unknown comparison %q", e.op)
}

func (e compareExpr) history(p domain.ParameterSet) (int, error) {
	return maxHistory(p, e.a, e.b)
}

type logicExpr struct {
	and  bool
	args []condExpr
}

func (e logicExpr) test(c *evalCtx) (bool, error) {
	if err := c.step(); err != nil {
		return false, err
	}
	for _, a := range e.args {
		ok, err := a.test(c)
		if err != nil {
			return false, err
		}
		if e.and && !ok {
			return false, nil
		}
		if !e.and && ok {
			return true, nil
		}
	}
	return e.and, nil
}

func (e logicExpr) history(p domain.ParameterSet) (int, error) {
	return maxHistory(p, e.args...)
}

type notExpr struct{ arg condExpr }

func (e notExpr) test(c *evalCtx) (bool, error) {
	if err := c.step(); err != nil {
		return false, err
	}
	ok, err := e.arg.test(c)
	return !ok, err
}

func (e notExpr) history(p domain.ParameterSet) (int, error) { return e.arg.history(p) }

// crossExpr compares a and b on the current bar and the one before.
type crossExpr struct {
	above bool
	a, b  numExpr
}

func (e crossExpr) test(c *evalCtx) (bool, error) {
	if err := c.step(); err != nil {
		return false, err
	}
	a0, err := e.a.eval(c)
	if err != nil {
		return false, err
	}
	b0, err := e.b.eval(c)
	if err != nil {
		return false, err
	}

	c.offset++
	defer func() { c.offset-- }()
	a1, err := e.a.eval(c)
	if err != nil {
		return false, err
	}
	b1, err := e.b.eval(c)
	if err != nil {
		return false, err
	}

	if e.above {
		return a1 <= b1 && a0 > b0, nil
	}
	return a1 >= b1 && a0 < b0, nil
}

func (e crossExpr) history(p domain.ParameterSet) (int, error) {
	h, err := maxHistory(p, e.a, e.b)
	if err != nil {
		return 0, err
	}
	return h + 1, nil
}
