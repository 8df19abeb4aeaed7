package expressions

import "context"

// Engine evaluates expressions embedded in workflow steps.
// Three implementations: CEL (branch conditions), Expr (answer rules), GoJQ (payload transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
}

// Set bundles the three engines used by the intake flow.
type Set struct {
	Conditions *CELEngine
	Rules      *ExprEngine
	Transforms *GoJQEngine
}

// NewSet creates all three engines.
func NewSet() (*Set, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{
		Conditions: cel,
		Rules:      NewExprEngine(),
		Transforms: NewGoJQEngine(),
	}, nil
}
