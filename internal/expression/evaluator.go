// Package expression defines the narrow evaluation capability the engine
// consumes for transition weights, derived agent properties and run
// predicates, plus an implementation backed by expr-lang.
package expression

import (
	"fmt"
	"math"
	"reflect"
)

// Evaluator compiles expression source text.
type Evaluator interface {
	Compile(source string) (Compiled, error)
}

// Compiled is an immutable, reusable compiled expression. Implementations
// must be safe for concurrent Evaluate calls.
type Compiled interface {
	Source() string
	Evaluate(env map[string]any) (Result, error)
}

// Result wraps an evaluation outcome.
type Result struct {
	raw any
}

// NewResult wraps v.
func NewResult(v any) Result {
	return Result{raw: v}
}

// Raw returns the underlying value.
func (r Result) Raw() any {
	return r.raw
}

// AsFloat converts a numeric result to float64.
func (r Result) AsFloat() (float64, error) {
	switch v := r.raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	}

	rv := reflect.ValueOf(r.raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return math.NaN(), fmt.Errorf("expression: result %v (%T) is not a number", r.raw, r.raw)
}

// AsBool converts a boolean result.
func (r Result) AsBool() (bool, error) {
	b, ok := r.raw.(bool)
	if !ok {
		return false, fmt.Errorf("expression: result %v (%T) is not a boolean", r.raw, r.raw)
	}
	return b, nil
}
