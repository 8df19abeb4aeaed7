package validation

import (
	"context"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

// AnswerChecker runs the built-in validator for a step, then the step's authored rule.
type AnswerChecker struct {
	rules *expressions.ExprEngine
}

// NewAnswerChecker creates an AnswerChecker. rules may be nil to ignore step rules.
func NewAnswerChecker(rules *expressions.ExprEngine) *AnswerChecker {
	return &AnswerChecker{rules: rules}
}

// Check validates raw for step given the answers committed so far.
// A rule that cannot be evaluated counts as a failed rule; Check never returns an error.
func (c *AnswerChecker) Check(ctx context.Context, step *schema.WorkflowStep, raw any, answers schema.AnswerMap) Result {
	res := ValidateAnswer(step, raw)
	if !res.Valid || step.Rule == "" || c.rules == nil || isEmptyAnswer(res.Value) {
		return res
	}

	ok, err := c.rules.EvaluateRule(ctx, step.Rule, res.Value, answers)
	if err != nil || !ok {
		msg := step.RuleMessage
		if msg == "" {
			msg = "this answer is not accepted"
		}
		return Reject(ReasonRuleFailed, "%s", msg)
	}
	return res
}

func isEmptyAnswer(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	default:
		return false
	}
}
