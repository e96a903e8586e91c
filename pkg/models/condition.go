package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Condition is a parsed single-comparison step guard, e.g.
//
//	tasks.A.status == 'success'
//	tasks.check.output.count > 3
//	trigger.env != 'production'
//
// Conditions are deliberately restricted to one comparison; there is no
// boolean composition.
type Condition struct {
	Left     Operand
	Operator string
	Right    Operand
}

// Operand is either a literal value or a dotted reference resolved against
// the run's evaluation data at condition time.
type Operand struct {
	Literal   any
	Reference string
}

var (
	ErrInvalidCondition = errors.New("invalid condition expression")

	conditionOperators = []string{"==", "!=", ">=", "<=", ">", "<"}
)

// ParseCondition parses a single-comparison expression. The operator must be
// surrounded by whitespace-separable operands; operands are quoted strings,
// numbers, booleans, null, or dotted references.
func ParseCondition(expr string) (*Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, ErrInvalidCondition
	}

	for _, op := range conditionOperators {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}

		left, err := parseOperand(strings.TrimSpace(expr[:idx]))
		if err != nil {
			return nil, err
		}

		right, err := parseOperand(strings.TrimSpace(expr[idx+len(op):]))
		if err != nil {
			return nil, err
		}

		return &Condition{Left: left, Operator: op, Right: right}, nil
	}

	return nil, fmt.Errorf("%w: no comparison operator in %q", ErrInvalidCondition, expr)
}

func parseOperand(token string) (Operand, error) {
	if token == "" {
		return Operand{}, fmt.Errorf("%w: empty operand", ErrInvalidCondition)
	}

	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') ||
			(token[0] == '"' && token[len(token)-1] == '"') {
			return Operand{Literal: token[1 : len(token)-1]}, nil
		}
	}

	switch token {
	case "true":
		return Operand{Literal: true}, nil
	case "false":
		return Operand{Literal: false}, nil
	case "null":
		return Operand{Literal: nil}, nil
	}

	if num, err := strconv.ParseFloat(token, 64); err == nil {
		return Operand{Literal: num}, nil
	}

	if strings.ContainsAny(token, " \t'\"") {
		return Operand{}, fmt.Errorf("%w: malformed operand %q", ErrInvalidCondition, token)
	}

	return Operand{Reference: token}, nil
}

// Evaluate resolves both operands against data and applies the comparison.
// References that resolve to nothing yield null, so a condition over a
// skipped dependency still evaluates (e.g. tasks.A.status == 'skipped').
func (c *Condition) Evaluate(data map[string]any) (bool, error) {
	left := c.resolve(c.Left, data)
	right := c.resolve(c.Right, data)

	switch c.Operator {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	lf, lok := asNumber(left)
	rf, rok := asNumber(right)

	if !lok || !rok {
		return false, fmt.Errorf("%w: operator %s requires numeric operands", ErrInvalidCondition, c.Operator)
	}

	switch c.Operator {
	case ">":
		return lf > rf, nil
	case "<":
		return lf < rf, nil
	case ">=":
		return lf >= rf, nil
	case "<=":
		return lf <= rf, nil
	}

	return false, fmt.Errorf("%w: unsupported operator %s", ErrInvalidCondition, c.Operator)
}

func (c *Condition) resolve(op Operand, data map[string]any) any {
	if op.Reference == "" {
		return op.Literal
	}

	return LookupPath(data, op.Reference)
}

// LookupPath walks a dotted reference through nested maps. A missing segment
// yields nil.
func LookupPath(data map[string]any, path string) any {
	var current any = data

	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}

		current, ok = node[segment]
		if !ok {
			return nil
		}
	}

	return current
}

func looseEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	if lf, ok := asNumber(left); ok {
		rf, rok := asNumber(right)

		return rok && lf == rf
	}

	return left == right
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}
