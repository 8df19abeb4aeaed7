package engine

import (
	"context"

	"github.com/rendis/intake/pkg/schema"
)

// visible reports whether a step is on the visitor's path given the answers so far.
// A condition that cannot be evaluated shows the step.
func (e *Engine) visible(ctx context.Context, svc *schema.Service, step *schema.WorkflowStep, answers schema.AnswerMap) bool {
	if step.Condition == "" {
		return true
	}
	ok, err := e.conditions.EvaluateCondition(ctx, step.Condition, svc.Title, answers)
	if err != nil {
		e.logger.WarnContext(ctx, "step condition failed, showing step",
			"condition_step", step.ID, "error", err)
		return true
	}
	return ok
}

// nextVisible returns the index of the first visible step after from,
// or len(steps) when none remains.
func (e *Engine) nextVisible(ctx context.Context, svc *schema.Service, answers schema.AnswerMap, from int) int {
	for i := from + 1; i < len(svc.Steps); i++ {
		if e.visible(ctx, svc, &svc.Steps[i], answers) {
			return i
		}
	}
	return len(svc.Steps)
}

// prevVisible returns the index of the last visible non-terminal step before from, or -1.
func (e *Engine) prevVisible(ctx context.Context, svc *schema.Service, answers schema.AnswerMap, from int) int {
	for i := from - 1; i >= 0; i-- {
		step := &svc.Steps[i]
		if !step.Type.IsTerminal() && e.visible(ctx, svc, step, answers) {
			return i
		}
	}
	return -1
}

// visibleInputs lists the indexes of visible answer-bearing steps in order.
func (e *Engine) visibleInputs(ctx context.Context, svc *schema.Service, answers schema.AnswerMap) []int {
	var out []int
	for i := range svc.Steps {
		step := &svc.Steps[i]
		if !step.Type.IsTerminal() && e.visible(ctx, svc, step, answers) {
			out = append(out, i)
		}
	}
	return out
}

// firstGap returns the first visible unanswered step before upTo, or -1.
func (e *Engine) firstGap(ctx context.Context, s *Session, upTo int) int {
	for _, i := range e.visibleInputs(ctx, s.service, s.answers) {
		if i >= upTo {
			break
		}
		if !s.answers.Has(s.service.Steps[i].ID) {
			return i
		}
	}
	return -1
}
