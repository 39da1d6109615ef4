// Package expreval evaluates the expression language used by
// `stop_after_if`, `retry_if`, branch conditions, and input transforms
// throughout a flow. The pack carries no embedded JavaScript engine, so
// this substitutes `github.com/google/cel-go` — already the teacher's
// own choice for evaluating user-supplied boolean expressions
// (`server/router/api/v1/user_service_crud.go`'s filter parsing). This
// is a deliberate substitution: CEL is not JavaScript, and expressions
// written against the original engine's exact grammar will not all
// parse here.
package expreval

import (
	"context"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/internal/value"
)

// Bindings are the variables a flow expression may reference, matching
// the names spec.md §4.2.3 specifies.
type Bindings struct {
	Params         map[string]any
	PreviousResult any
	FlowInput      map[string]any
	Resume         any
	Resumes        []any
	Steps          []any
	ByID           map[string]any
}

// maxCostUnits bounds CEL program evaluation cost so a pathological
// expression (e.g. a deeply nested comprehension) cannot stall a flow
// advancement step indefinitely.
const maxCostUnits = 10000

// Evaluator compiles and caches CEL programs for expression text.
type Evaluator struct {
	env     *cel.Env
	timeout time.Duration

	mu       chanMutex
	programs map[string]cel.Program
}

// chanMutex is a trivial channel-based mutex; kept tiny and local so
// the package doesn't pull in a second concurrency primitive alongside
// the teacher's channel idiom.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// New builds an Evaluator. timeout bounds each evaluation's wall clock.
func New(timeout time.Duration) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.DynType),
		cel.Variable("previous_result", cel.DynType),
		cel.Variable("flow_input", cel.DynType),
		cel.Variable("resume", cel.DynType),
		cel.Variable("resumes", cel.ListType(cel.DynType)),
		cel.Variable("steps", cel.ListType(cel.DynType)),
		cel.Variable("by_id", cel.DynType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create CEL environment")
	}
	return &Evaluator{
		env:      env,
		timeout:  timeout,
		mu:       newChanMutex(),
		programs: make(map[string]cel.Program),
	}, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.programs[expr]; ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "invalid expression: %s", expr)
	}
	prg, err := e.env.Program(ast, cel.CostLimit(maxCostUnits))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build program")
	}
	e.programs[expr] = prg
	return prg, nil
}

// Eval evaluates expr against bindings, returning the result boxed as
// a value.Value.
func (e *Evaluator) Eval(ctx context.Context, expr string, b Bindings) (value.Value, error) {
	prg, err := e.program(expr)
	if err != nil {
		return value.Null, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"params":          orEmpty(b.Params),
		"previous_result": b.PreviousResult,
		"flow_input":      orEmpty(b.FlowInput),
		"resume":          b.Resume,
		"resumes":         orEmptySlice(b.Resumes),
		"steps":           orEmptySlice(b.Steps),
		"by_id":           orEmpty(b.ByID),
	})
	if err != nil {
		return value.Null, errors.Wrap(err, "expression evaluation failed")
	}

	return value.Of(out.Value())
}

// EvalBool is a convenience wrapper for predicate expressions
// (`stop_after_if`, `retry_if`, branch conditions).
func (e *Evaluator) EvalBool(ctx context.Context, expr string, b Bindings) (bool, error) {
	v, err := e.Eval(ctx, expr, b)
	if err != nil {
		return false, err
	}
	var out bool
	if err := v.Decode(&out); err != nil {
		return false, errors.Wrapf(err, "expression %q did not evaluate to a boolean", expr)
	}
	return out, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}
