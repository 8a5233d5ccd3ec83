package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEvaluator compiles expr-lang source. Identical source text is
// compiled once and the program reused.
type ExprEvaluator struct {
	mu    sync.Mutex
	cache map[string]*exprProgram
}

// NewExprEvaluator creates an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: make(map[string]*exprProgram)}
}

// Compile implements Evaluator.
func (e *ExprEvaluator) Compile(source string) (Compiled, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[source]; ok {
		return p, nil
	}

	program, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("expression: compile %q: %w", source, err)
	}
	p := &exprProgram{source: source, program: program}
	e.cache[source] = p
	return p, nil
}

// Len returns the number of cached programs.
func (e *ExprEvaluator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

type exprProgram struct {
	source  string
	program *vm.Program
}

func (p *exprProgram) Source() string {
	return p.source
}

func (p *exprProgram) Evaluate(env map[string]any) (Result, error) {
	out, err := expr.Run(p.program, env)
	if err != nil {
		return Result{}, fmt.Errorf("expression: evaluate %q: %w", p.source, err)
	}
	return NewResult(out), nil
}
