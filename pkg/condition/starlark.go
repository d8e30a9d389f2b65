// Package condition evaluates step skip conditions written as Starlark expressions.
//
// An expression sees four predeclared names:
//
//	input     the execution input as a dict
//	steps     a list of earlier steps, each a struct with index, type, status and output
//	prev      the output dict of the nearest earlier step that was not skipped, or None
//	resolved  the resolved input string of the step being evaluated
//
// The expression must evaluate to a bool. For example:
//
//	empty(prev.get("text"))
//	input.get("mode") == "text" and len(resolved) < 20
package condition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/castwork/castwork/pkg/engine"
)

const (
	// DefaultTimeout bounds a single evaluation.
	DefaultTimeout = time.Second

	// DefaultMaxSteps bounds the work a single evaluation may do.
	DefaultMaxSteps = 100000
)

// StarlarkEvaluator implements engine.ConditionEvaluator.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
}

// NewStarlarkEvaluator creates a new evaluator. Zero values select the defaults.
func NewStarlarkEvaluator(timeout time.Duration, maxSteps uint64) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &StarlarkEvaluator{timeout: timeout, maxSteps: maxSteps}
}

type evalResult struct {
	skip bool
	err  error
}

// Evaluate returns true when the step should be skipped.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, expr string, env engine.ConditionEnv) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "skip_if",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(se.maxSteps)

	done := make(chan evalResult, 1)
	go func() {
		skip, err := se.evaluateSync(thread, expr, env)
		done <- evalResult{skip: skip, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return false, fmt.Errorf("skip condition timed out after %v", se.timeout)
	case r := <-done:
		return r.skip, r.err
	}
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, expr string, env engine.ConditionEnv) (bool, error) {
	predeclared, err := Predeclared(env)
	if err != nil {
		return false, err
	}

	val, err := starlark.Eval(thread, "skip_if", expr, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return false, fmt.Errorf("skip condition failed: %s", evalErr.Msg)
		}
		return false, fmt.Errorf("skip condition failed: %w", err)
	}

	b, ok := val.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("skip condition must evaluate to a bool, got %s", val.Type())
	}
	return bool(b), nil
}

// Compile checks that expr parses as a single Starlark expression. Recipe validation
// uses it so that malformed conditions are caught before any execution runs.
func Compile(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("skip condition is empty")
	}
	if _, err := syntax.ParseExpr("skip_if", expr, 0); err != nil {
		return fmt.Errorf("invalid skip condition: %w", err)
	}
	return nil
}

// Predeclared builds the names visible to a skip condition.
func Predeclared(env engine.ConditionEnv) (starlark.StringDict, error) {
	input, err := toStarlarkValue(env.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to convert input: %w", err)
	}

	steps := make([]starlark.Value, len(env.Steps))
	for i, s := range env.Steps {
		output, err := toStarlarkValue(s.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output of step %d: %w", s.Index, err)
		}
		steps[i] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"index":  starlark.MakeInt(s.Index),
			"type":   starlark.String(s.Type),
			"status": starlark.String(s.Status),
			"output": output,
		})
	}

	prev, err := toStarlarkValue(env.Prev)
	if err != nil {
		return nil, fmt.Errorf("failed to convert previous output: %w", err)
	}

	stepList := starlark.NewList(steps)
	stepList.Freeze()

	predeclared := starlark.StringDict{
		"input":    input,
		"steps":    stepList,
		"prev":     prev,
		"resolved": starlark.String(env.Resolved),
		"empty":    starlark.NewBuiltin("empty", builtinEmpty),
	}
	predeclared.Freeze()
	return predeclared, nil
}

// toStarlarkValue converts a JSON-shaped Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		if val == nil {
			return starlark.None, nil
		}
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// builtinEmpty implements empty(x): true for None, blank strings and empty
// collections.
func builtinEmpty(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}

	switch val := x.(type) {
	case starlark.NoneType:
		return starlark.True, nil
	case starlark.String:
		return starlark.Bool(strings.TrimSpace(string(val)) == ""), nil
	case starlark.Sequence:
		return starlark.Bool(val.Len() == 0), nil
	default:
		return starlark.Bool(!bool(x.Truth())), nil
	}
}
