// Package condition evaluates modification predicates against a customer
// snapshot. Predicates are CEL expressions over a single variable named
// customer, for example:
//
//	customer.scores.risk > 60 && customer.account.plan in ['invest', 'expand']
//
// A predicate that reads a field the snapshot does not have is false, so
// customer.scores.risk > 60 simply does not match a customer without a
// risk score. Compiled programs are cached per expression. Evaluation is
// bounded by a cost limit so a hostile predicate cannot stall a compile.
package condition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"cs-workflows/backend/pkg/models"
)

// ErrConditionEval is returned when a predicate cannot be compiled, fails
// at evaluation time, or does not produce a boolean.
var ErrConditionEval = errors.New("condition evaluation failed")

const (
	variableName = "customer"
	costLimit    = 10000
)

// Evaluator compiles and runs predicates. It is safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator builds the CEL environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(variableName, cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Check compiles expr without evaluating it. Empty expressions are valid.
func (e *Evaluator) Check(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Evaluate reports whether expr holds for snap. An empty expression always
// holds and a lookup of an absent key does not. Every other failure wraps
// ErrConditionEval.
func (e *Evaluator) Evaluate(ctx context.Context, expr string, snap models.Snapshot) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{variableName: map[string]any(snap)})
	if err != nil && missingKey(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: eval %q: %v", ErrConditionEval, expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q produced %T, want bool", ErrConditionEval, expr, out.Value())
	}
	return val, nil
}

// missingKey reports whether err is CEL's failed map lookup.
func missingKey(err error) bool {
	return strings.Contains(err.Error(), "no such key")
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrConditionEval, expr, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program %q: %v", ErrConditionEval, expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}
