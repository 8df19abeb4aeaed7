package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

var currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)

// validateSemantic performs semantic analysis on the catalog.
// Checks: unique titles, non-empty sequences, unique step ids, terminal placement,
// per-type constraints, and that every embedded expression compiles.
func validateSemantic(cat *schema.Catalog, exprs *expressions.Set) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	titles := make(map[string]int, len(cat.Services))
	for i := range cat.Services {
		svc := &cat.Services[i]
		path := fmt.Sprintf("services[%d]", i)
		if prev, dup := titles[svc.Title]; dup {
			result.AddError(path+".title", schema.ErrCodeConfiguration,
				fmt.Sprintf("duplicate service title %q (also services[%d])", svc.Title, prev))
		} else {
			titles[svc.Title] = i
		}
		result.Merge(validateServiceSemantic(svc, path, exprs))
	}
	return result
}

// validateServiceSemantic checks one service's step sequence.
func validateServiceSemantic(svc *schema.Service, path string, exprs *expressions.Set) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if strings.TrimSpace(svc.Title) == "" {
		result.AddError(path+".title", schema.ErrCodeConfiguration, "service title is empty")
	}
	if len(svc.Steps) == 0 {
		result.AddError(path+".steps", schema.ErrCodeConfiguration, "service has no steps")
		return result
	}

	ids := make(map[string]bool, len(svc.Steps))
	terminals := 0
	for j := range svc.Steps {
		step := &svc.Steps[j]
		stepPath := fmt.Sprintf("%s.steps[%d]", path, j)

		if step.ID == "" {
			result.AddError(stepPath+".id", schema.ErrCodeConfiguration, "step id is empty")
		} else if ids[step.ID] {
			result.AddError(stepPath+".id", schema.ErrCodeConfiguration,
				fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = true
		if step.ID == schema.PayloadServiceKey {
			result.AddError(stepPath+".id", schema.ErrCodeConfiguration,
				fmt.Sprintf("step id %q is reserved for the service title", step.ID))
		}

		if step.Type.IsTerminal() {
			terminals++
			if j != len(svc.Steps)-1 {
				result.AddError(stepPath+".type", schema.ErrCodeConfiguration,
					fmt.Sprintf("terminal step %q must be the last step", step.ID))
			}
			if step.Condition != "" {
				result.AddError(stepPath+".condition", schema.ErrCodeConfiguration,
					"terminal steps cannot be conditional")
			}
		}

		validateStepConstraints(step, stepPath, result)
		validateStepExpressions(step, stepPath, exprs, result)
	}

	if terminals > 1 {
		result.AddError(path+".steps", schema.ErrCodeConfiguration,
			fmt.Sprintf("service has %d terminal steps; at most one is allowed", terminals))
	}
	if terminals == 0 {
		result.AddWarning(path+".steps", schema.ErrCodeConfiguration,
			"service has no terminal step; a default completion view is shown")
	}

	if svc.PayloadTransform != "" && exprs != nil && exprs.Transforms != nil {
		if err := exprs.Transforms.Compile(svc.PayloadTransform); err != nil {
			result.AddError(path+".payload_transform", schema.ErrCodeConfiguration,
				fmt.Sprintf("payload transform does not parse: %v", err))
		}
	}
	return result
}

// validateStepConstraints checks the type-specific fields of a step.
func validateStepConstraints(step *schema.WorkflowStep, path string, result *schema.ValidationResult) {
	if !step.Type.Valid() {
		result.AddError(path+".type", schema.ErrCodeConfiguration,
			fmt.Sprintf("unknown step type %q", step.Type))
		return
	}
	if _, ok := Lookup(step.Type); !ok {
		result.AddError(path+".type", schema.ErrCodeConfiguration,
			fmt.Sprintf("step type %q has no validator", step.Type))
	}

	switch step.Type {
	case schema.StepText, schema.StepAddress:
		if step.MaxLength > 0 && step.MinLength > step.MaxLength {
			result.AddError(path+".min_length", schema.ErrCodeConfiguration,
				fmt.Sprintf("min_length %d exceeds max_length %d", step.MinLength, step.MaxLength))
		}
	case schema.StepNumber:
		if step.Min != nil && step.Max != nil && *step.Min > *step.Max {
			result.AddError(path+".min", schema.ErrCodeConfiguration,
				fmt.Sprintf("min %s exceeds max %s", formatNumber(*step.Min), formatNumber(*step.Max)))
		}
	case schema.StepDate:
		lo, loErr := parseBound(step.MinDate)
		hi, hiErr := parseBound(step.MaxDate)
		if loErr != nil {
			result.AddError(path+".min_date", schema.ErrCodeConfiguration, loErr.Error())
		}
		if hiErr != nil {
			result.AddError(path+".max_date", schema.ErrCodeConfiguration, hiErr.Error())
		}
		if loErr == nil && hiErr == nil && lo != "" && hi != "" && lo > hi {
			result.AddError(path+".min_date", schema.ErrCodeConfiguration,
				fmt.Sprintf("min_date %s is after max_date %s", lo, hi))
		}
	case schema.StepFile:
		if step.MaxSize < 0 {
			result.AddError(path+".max_size", schema.ErrCodeConfiguration, "max_size must not be negative")
		}
	case schema.StepMultipleChoice:
		if len(step.Options) == 0 {
			result.AddError(path+".options", schema.ErrCodeConfiguration, "multiple_choice step has no options")
		}
		seen := make(map[string]bool, len(step.Options))
		for k, o := range step.Options {
			if seen[o] {
				result.AddError(fmt.Sprintf("%s.options[%d]", path, k), schema.ErrCodeConfiguration,
					fmt.Sprintf("duplicate option %q", o))
			}
			seen[o] = true
		}
	case schema.StepPayment:
		if step.Amount <= 0 {
			result.AddError(path+".amount", schema.ErrCodeConfiguration, "payment amount must be positive")
		}
		if !currencyPattern.MatchString(step.Currency) {
			result.AddError(path+".currency", schema.ErrCodeConfiguration,
				fmt.Sprintf("currency %q is not a 3-letter code", step.Currency))
		}
	case schema.StepExternalBrowser:
		if strings.TrimSpace(step.RedirectURL) == "" {
			result.AddError(path+".redirect_url", schema.ErrCodeConfiguration,
				"external_browser step has no redirect_url")
		}
	}
}

func validateStepExpressions(step *schema.WorkflowStep, path string, exprs *expressions.Set, result *schema.ValidationResult) {
	if exprs == nil {
		return
	}
	if step.Condition != "" && exprs.Conditions != nil {
		if err := exprs.Conditions.Compile(step.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeConfiguration,
				fmt.Sprintf("condition does not compile: %v", err))
		}
	}
	if step.Rule != "" && exprs.Rules != nil {
		if step.Type.IsTerminal() || step.Type == schema.StepPayment {
			result.AddWarning(path+".rule", schema.ErrCodeConfiguration,
				fmt.Sprintf("rule on %s step is never evaluated", step.Type))
		}
		if err := exprs.Rules.Compile(step.Rule); err != nil {
			result.AddError(path+".rule", schema.ErrCodeConfiguration,
				fmt.Sprintf("rule does not compile: %v", err))
		}
	}
}

// parseBound normalizes an optional date bound to YYYY-MM-DD.
func parseBound(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	d, err := parseDate(s)
	if err != nil {
		return "", fmt.Errorf("date bound %q is not YYYY-MM-DD", s)
	}
	return d.Format(DateLayout), nil
}
