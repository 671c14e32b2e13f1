package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	ErrInvalidSkipExpr = errors.New("invalid skip expression")
	ErrSkipEvaluation  = errors.New("skip evaluation failed")
)

// SkipEvaluator decides whether a stage should be skipped, evaluating a
// CEL expression over the previous stage's summary and the execution
// parameters.
type SkipEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewSkipEvaluator builds the CEL environment for skip conditions.
func NewSkipEvaluator() (*SkipEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("summary", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	return &SkipEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *SkipEvaluator) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSkipExpr, issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating program: %w", err)
	}

	e.mu.Lock()
	e.programs[expr] = program
	e.mu.Unlock()
	return program, nil
}

// ShouldSkip evaluates the expression. An empty expression never skips.
func (e *SkipEvaluator) ShouldSkip(expr string, summary, params map[string]any) (bool, error) {
	if expr == "" {
		return false, nil
	}

	program, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	if summary == nil {
		summary = map[string]any{}
	}
	if params == nil {
		params = map[string]any{}
	}

	result, _, err := program.Eval(map[string]any{
		"summary": summary,
		"params":  params,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSkipEvaluation, err)
	}

	skip, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression did not return boolean", ErrSkipEvaluation)
	}

	return skip, nil
}
