// Package expr evaluates the arithmetic formulas used by calculation tools.
package expr

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Knetic/govaluate"
)

// Registry holds the functions an expression may call. Only registered
// functions are available.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]govaluate.ExpressionFunction
}

// NewRegistry returns a registry with the built-in functions min, max,
// round and pct.
func NewRegistry() *Registry {
	r := &Registry{functions: make(map[string]govaluate.ExpressionFunction)}
	r.Register("min", func(args ...interface{}) (interface{}, error) {
		return fold(args, math.Min)
	})
	r.Register("max", func(args ...interface{}) (interface{}, error) {
		return fold(args, math.Max)
	})
	r.Register("round", func(args ...interface{}) (interface{}, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, err
		}
		switch len(nums) {
		case 1:
			return math.Round(nums[0]), nil
		case 2:
			scale := math.Pow(10, nums[1])
			return math.Round(nums[0]*scale) / scale, nil
		}
		return nil, errors.New("round expects 1 or 2 arguments")
	})
	r.Register("pct", func(args ...interface{}) (interface{}, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, err
		}
		if len(nums) != 2 {
			return nil, errors.New("pct expects 2 arguments")
		}
		if nums[1] == 0 {
			return nil, errors.New("pct of zero")
		}
		return nums[0] / nums[1] * 100, nil
	})
	return r
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, fn govaluate.ExpressionFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = fn
}

func (r *Registry) snapshot() map[string]govaluate.ExpressionFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]govaluate.ExpressionFunction, len(r.functions))
	for k, v := range r.functions {
		out[k] = v
	}
	return out
}

// Validate checks that expression parses.
func (r *Registry) Validate(expression string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expression, r.snapshot())
	return err
}

// Evaluate computes a numeric expression over params.
func (r *Registry) Evaluate(expression string, params map[string]interface{}) (float64, error) {
	eval, err := govaluate.NewEvaluableExpressionWithFunctions(expression, r.snapshot())
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", expression, err)
	}
	res, err := eval.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	switch v := res.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("evaluate %q: result is not finite", expression)
		}
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("evaluate %q: non-numeric result %v", expression, res)
	}
}

func numbers(args []interface{}) ([]float64, error) {
	out := make([]float64, 0, len(args))
	for _, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %v is not a number", a)
		}
		out = append(out, f)
	}
	return out, nil
}

func fold(args []interface{}, fn func(a, b float64) float64) (interface{}, error) {
	nums, err := numbers(args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, errors.New("expects at least 1 argument")
	}
	acc := nums[0]
	for _, n := range nums[1:] {
		acc = fn(acc, n)
	}
	return acc, nil
}
