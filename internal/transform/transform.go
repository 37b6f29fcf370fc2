// Package transform compiles expr-lang expressions into per-entity value
// transforms for the sync bridge's WriteAll.
//
// An expression sees two variables: value, the current value at the target
// field path (nil when unset), and id, the entity id. Helper functions clamp
// and default are available in addition to the expr builtins.
package transform

import (
	"errors"
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/roach88/rift/internal/link"
)

// ErrEmptyExpression is returned by Compile for blank input.
var ErrEmptyExpression = errors.New("expression must not be empty")

// Transform is a compiled expression. Safe for concurrent use.
type Transform struct {
	program    *exprvm.Program
	expression string
}

// Compile parses and type-checks expression.
func Compile(expression string) (*Transform, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, ErrEmptyExpression
	}
	options := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.Function("clamp", clamp),
		exprlang.Function("default", fallback),
	}
	program, err := exprlang.Compile(expression, options...)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	return &Transform{program: program, expression: expression}, nil
}

// String returns the source expression.
func (t *Transform) String() string {
	return t.expression
}

// Apply evaluates the expression for one entity.
func (t *Transform) Apply(entityID string, current any) (any, error) {
	env := map[string]any{
		"value": current,
		"id":    entityID,
	}
	result, err := exprlang.Run(t.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q for %s: %w", t.expression, entityID, err)
	}
	return normalize(result), nil
}

// Func adapts the transform to the bridge's WriteAll signature.
func (t *Transform) Func() link.TransformFunc {
	return t.Apply
}

// normalize maps expr's integer results onto float64, the number type
// documents decode to.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, elem := range n {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, elem := range n {
			out[k] = normalize(elem)
		}
		return out
	default:
		return v
	}
}

func clamp(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("clamp: want 3 arguments, got %d", len(params))
	}
	vals := make([]float64, 3)
	for i, p := range params {
		f, ok := toFloat(p)
		if !ok {
			return nil, fmt.Errorf("clamp: argument %d is %T, not a number", i+1, p)
		}
		vals[i] = f
	}
	x, lo, hi := vals[0], vals[1], vals[2]
	if lo > hi {
		return nil, fmt.Errorf("clamp: lower bound %v above upper bound %v", lo, hi)
	}
	return min(max(x, lo), hi), nil
}

func fallback(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("default: want 2 arguments, got %d", len(params))
	}
	if params[0] == nil {
		return params[1], nil
	}
	return params[0], nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
