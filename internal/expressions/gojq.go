package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/intake/pkg/schema"
)

// transformVariables are bound in every jq program, in this order.
var transformVariables = []string{"$submission_id", "$session_id"}

// TransformVars are the submission identifiers a payload transform can reference.
type TransformVars struct {
	SubmissionID string
	SessionID    string
}

func (v TransformVars) values() []any {
	return []any{v.SubmissionID, v.SessionID}
}

// GoJQEngine reshapes submission payloads for external receivers.
// Compiled programs are cached and safe to share across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Compile checks that a program parses and only references known variables.
func (e *GoJQEngine) Compile(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs a jq program over data with empty transform variables. A single
// output is returned as-is; several outputs are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.run(ctx, expression, data, TransformVars{})
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Transform shapes one submission payload. The program must yield exactly one
// value; a payload that vanishes or splits in two is an error.
func (e *GoJQEngine) Transform(ctx context.Context, program string, payload map[string]any, vars TransformVars) (any, error) {
	results, err := e.run(ctx, program, payload, vars)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"payload transform produced %d values, want exactly one", len(results)).
			WithDetails(map[string]any{"expression": program})
	}
	return results[0], nil
}

func (e *GoJQEngine) run(ctx context.Context, expression string, data map[string]any, vars TransformVars) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, toJSONValue(data), vars.values()...)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// program returns the cached compiled program, compiling it on first use.
func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err = gojq.Compile(query,
		gojq.WithVariables(transformVariables),
		// No $ENV access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.cache[expression]; ok {
		return cached, nil
	}
	e.cache[expression] = code
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
