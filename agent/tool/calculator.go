package tool

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const ToolCalculate = "calculate"

type CalculationResult struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

// NewCalculatorTool evaluates arithmetic over + - * / % ^ and parentheses.
func NewCalculatorTool() *FunctionTool {
	return NewFunctionTool(
		ToolCalculate,
		"Evaluate an arithmetic expression, for example allocation percentages or premium totals.",
		map[string]*schema.ParameterInfo{
			"expression": {Type: schema.String, Desc: "Arithmetic expression using numbers, + - * / % ^ and parentheses", Required: true},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			expr := strings.TrimSpace(StringArg(args, "expression"))
			value, err := Evaluate(expr)
			if err != nil {
				return nil, err
			}
			return CalculationResult{Expression: expr, Result: value}, nil
		},
	)
}

// Evaluate computes expr. ^ is right-associative and a leading minus belongs
// to the base, so -2^2 is 4.
func Evaluate(expr string) (float64, error) {
	if strings.TrimSpace(expr) == "" {
		return 0, NewError(CodeValidation, "expression is empty")
	}
	for _, r := range expr {
		if !strings.ContainsRune("0123456789.+-*/%^() \t", r) {
			return 0, NewError(CodeValidation, "expression contains %q", r)
		}
	}
	e := &evaluator{src: expr}
	v, err := e.sum()
	if err != nil {
		return 0, err
	}
	e.skip()
	if e.more() {
		return 0, NewError(CodeValidation, "unexpected %q at offset %d", e.src[e.at], e.at)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, NewError(CodeValidation, "expression has no finite value")
	}
	return v, nil
}

type evaluator struct {
	src string
	at  int
}

func (e *evaluator) sum() (float64, error) {
	acc, err := e.product()
	if err != nil {
		return 0, err
	}
	for {
		e.skip()
		op := e.take('+', '-')
		if op == 0 {
			return acc, nil
		}
		rhs, err := e.product()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			acc += rhs
		} else {
			acc -= rhs
		}
	}
}

func (e *evaluator) product() (float64, error) {
	acc, err := e.power()
	if err != nil {
		return 0, err
	}
	for {
		e.skip()
		op := e.take('*', '/', '%')
		if op == 0 {
			return acc, nil
		}
		rhs, err := e.power()
		if err != nil {
			return 0, err
		}
		switch {
		case op == '*':
			acc *= rhs
		case rhs == 0:
			return 0, NewError(CodeValidation, "division by zero")
		case op == '/':
			acc /= rhs
		default:
			acc = math.Mod(acc, rhs)
		}
	}
}

func (e *evaluator) power() (float64, error) {
	base, err := e.unary()
	if err != nil {
		return 0, err
	}
	e.skip()
	if e.take('^') == 0 {
		return base, nil
	}
	exp, err := e.power()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (e *evaluator) unary() (float64, error) {
	e.skip()
	switch e.take('+', '-') {
	case '+':
		return e.unary()
	case '-':
		v, err := e.unary()
		return -v, err
	}
	return e.operand()
}

func (e *evaluator) operand() (float64, error) {
	e.skip()
	if e.take('(') != 0 {
		v, err := e.sum()
		if err != nil {
			return 0, err
		}
		e.skip()
		if e.take(')') == 0 {
			return 0, NewError(CodeValidation, "missing ) at offset %d", e.at)
		}
		return v, nil
	}

	start := e.at
	for e.more() && (e.src[e.at] == '.' || (e.src[e.at] >= '0' && e.src[e.at] <= '9')) {
		e.at++
	}
	if start == e.at {
		return 0, NewError(CodeValidation, "expected a number at offset %d", start)
	}
	v, err := strconv.ParseFloat(e.src[start:e.at], 64)
	if err != nil {
		return 0, NewError(CodeValidation, "invalid number %q", e.src[start:e.at])
	}
	return v, nil
}

func (e *evaluator) skip() {
	for e.more() && (e.src[e.at] == ' ' || e.src[e.at] == '\t') {
		e.at++
	}
}

func (e *evaluator) more() bool { return e.at < len(e.src) }

// take consumes the next byte when it is one of ops and returns it, or 0.
func (e *evaluator) take(ops ...byte) byte {
	if !e.more() {
		return 0
	}
	for _, op := range ops {
		if e.src[e.at] == op {
			e.at++
			return op
		}
	}
	return 0
}
