package dsl

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"quantdesk/internal/domain"
	"quantdesk/internal/indicators"
)

// ErrCompile wraps every validation failure found while compiling.
var ErrCompile = errors.New("dsl: invalid program")

type compiler struct {
	params map[string]float64
}

func (c *compiler) errorf(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrCompile, path, fmt.Sprintf(format, args...))
}

func (c *compiler) field(path string, n *Node) (string, error) {
	f := n.Field
	if f == "" {
		f = "close"
	}
	if !slices.Contains(indicators.Fields, f) {
		return "", c.errorf(path, "unknown field %q", n.Field)
	}
	return f, nil
}

func (c *compiler) arity(path string, n *Node, want int) error {
	if len(n.Args) != want {
		return c.errorf(path, "%s takes %d arguments, got %d", n.Op, want, len(n.Args))
	}
	return nil
}

func (c *compiler) num(path string, n *Node) (numExpr, error) {
	if n == nil {
		return nil, c.errorf(path, "missing expression")
	}
	if n.Offset < 0 {
		return nil, c.errorf(path, "offset must be >= 0")
	}

	switch n.Op {
	case OpConst:
		return constExpr{v: n.Value}, nil

	case OpParam:
		if _, ok := c.params[n.Name]; !ok {
			return nil, c.errorf(path, "undeclared parameter %q", n.Name)
		}
		return paramExpr{name: n.Name}, nil

	case OpPrice:
		f, err := c.field(path, n)
		if err != nil {
			return nil, err
		}
		return priceExpr{field: f, offset: n.Offset}, nil

	case OpSMA, OpEMA, OpRSI, OpHighest, OpLowest, OpStdDev:
		f, err := c.field(path, n)
		if err != nil {
			return nil, err
		}
		period, err := c.num(path+".period", n.Period)
		if err != nil {
			return nil, err
		}
		if !period.static() {
			return nil, c.errorf(path+".period", "period must not depend on prices")
		}
		e := indicatorExpr{op: n.Op, field: f, period: period, offset: n.Offset, need: func(p int) int { return p }}
		switch n.Op {
		case OpSMA:
			e.fn = indicators.SMA
		case OpEMA:
			e.fn = indicators.EMA
			e.need = func(p int) int { return 3 * p }
		case OpRSI:
			e.fn = indicators.RSI
			e.need = func(p int) int { return 3*p + 1 }
		case OpHighest:
			e.fn = indicators.Highest
		case OpLowest:
			e.fn = indicators.Lowest
		case OpStdDev:
			e.fn = indicators.StdDev
		}
		return e, nil

	case OpAdd, OpSub, OpMul, OpDiv, OpAbs, OpMin, OpMax:
		switch n.Op {
		case OpAbs:
			if err := c.arity(path, n, 1); err != nil {
				return nil, err
			}
		case OpMin, OpMax:
			if len(n.Args) == 0 {
				return nil, c.errorf(path, "%s needs at least one argument", n.Op)
			}
		default:
			if err := c.arity(path, n, 2); err != nil {
				return nil, err
			}
		}
		args := make([]numExpr, len(n.Args))
		for i, a := range n.Args {
			e, err := c.num(fmt.Sprintf("%s.args[%d]", path, i), a)
			if err != nil {
				return nil, err
			}
			args[i] = e
		}
		return arithExpr{op: n.Op, args: args}, nil
	}

	return nil, c.errorf(path, "unknown numeric op %q", n.Op)
}

func (c *compiler) cond(path string, n *Node) (condExpr, error) {
	if n == nil {
		return nil, c.errorf(path, "missing condition")
	}

	switch n.Op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ, OpCrossAbove, OpCrossBelow:
		if err := c.arity(path, n, 2); err != nil {
			return nil, err
		}
		a, err := c.num(path+".args[0]", n.Args[0])
		if err != nil {
			return nil, err
		}
		b, err := c.num(path+".args[1]", n.Args[1])
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case OpCrossAbove:
			return crossExpr{above: true, a: a, b: b}, nil
		case OpCrossBelow:
			return crossExpr{above: false, a: a, b: b}, nil
		}
		return compareExpr{op: n.Op, a: a, b: b}, nil

	case OpAnd, OpOr:
		if len(n.Args) == 0 {
			return nil, c.errorf(path, "%s needs at least one argument", n.Op)
		}
		args := make([]condExpr, len(n.Args))
		for i, a := range n.Args {
			e, err := c.cond(fmt.Sprintf("%s.args[%d]", path, i), a)
			if err != nil {
				return nil, err
			}
			args[i] = e
		}
		return logicExpr{and: n.Op == OpAnd, args: args}, nil

	case OpNot:
		if err := c.arity(path, n, 1); err != nil {
			return nil, err
		}
		a, err := c.cond(path+".args[0]", n.Args[0])
		if err != nil {
			return nil, err
		}
		return notExpr{arg: a}, nil
	}

	return nil, c.errorf(path, "unknown condition op %q", n.Op)
}

// Compile validates p and returns an executable strategy.
func Compile(p *Program) (*Strategy, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil program", ErrCompile)
	}
	c := &compiler{params: p.Params}
	if p.Name == "" {
		return nil, c.errorf("name", "program name is required")
	}
	if len(p.Rules) == 0 {
		return nil, c.errorf("rules", "at least one rule is required")
	}

	s := &Strategy{program: p, budget: DefaultStepBudget}
	for i, r := range p.Rules {
		path := fmt.Sprintf("rules[%d]", i)
		action, err := domain.ParseAction(r.Action)
		if err != nil {
			return nil, c.errorf(path+".action", "%v", err)
		}
		when, err := c.cond(path+".when", r.When)
		if err != nil {
			return nil, err
		}
		cr := compiledRule{when: when, action: action}
		if r.Strength != nil {
			cr.strength, err = c.num(path+".strength", r.Strength)
			if err != nil {
				return nil, err
			}
		}
		s.rules = append(s.rules, cr)
	}

	if err := s.Validate(domain.ParameterSet(p.Params).Clone()); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrCompile, err)
	}
	return s, nil
}

// ParseAndCompile parses YAML or JSON source and compiles it.
func ParseAndCompile(data []byte) (*Strategy, error) {
	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Compile(p)
}

// LoadFile reads and compiles a program file.
func LoadFile(path string) (*Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dsl: read %q: %w", path, err)
	}
	return ParseAndCompile(data)
}
