package rules

import (
	"fmt"
	"sync"

	"github.com/gofhir/fhirpath"
)

// Evaluator compiles and evaluates rule expressions with FHIRPath. Compiled
// expressions are cached by source text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*fhirpath.Expression
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*fhirpath.Expression)}
}

// Compile checks an expression, returning an error wrapping
// ErrInvalidExpression when it does not parse.
func (e *Evaluator) Compile(expr string) (*fhirpath.Expression, error) {
	e.mu.RLock()
	compiled, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}

	e.mu.Lock()
	e.cache[expr] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// Result is the outcome of evaluating one rule.
type Result struct {
	// Applicable is false when the expression produced an empty collection.
	Applicable bool
	Passed     bool
}

// Evaluate runs expr against a JSON-encoded resource. An empty result means
// the rule does not apply and passes. Any other result must be a single
// boolean; anything else is an error wrapping ErrNonBooleanResult.
func (e *Evaluator) Evaluate(expr string, resource []byte) (Result, error) {
	compiled, err := e.Compile(expr)
	if err != nil {
		return Result{}, err
	}
	out, err := compiled.Evaluate(resource)
	if err != nil {
		return Result{}, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	if out.Empty() {
		return Result{Applicable: false, Passed: true}, nil
	}
	b, err := out.ToBoolean()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q: %v", ErrNonBooleanResult, expr, err)
	}
	return Result{Applicable: true, Passed: b}, nil
}

// CacheSize returns the number of compiled expressions held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
