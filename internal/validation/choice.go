package validation

import (
	"strings"

	"github.com/rendis/intake/pkg/schema"
)

func validateChoice(step *schema.WorkflowStep, raw any) Result {
	picked, ok := readChoices(raw)
	if !ok {
		return Reject(ReasonWrongShape, "expected an option, got %T", raw)
	}

	if len(picked) == 0 {
		if step.Required {
			return Reject(ReasonRequired, "please choose an option")
		}
		if step.Multiple {
			return Accept([]string{})
		}
		return Accept("")
	}

	known := make(map[string]bool, len(step.Options))
	for _, o := range step.Options {
		known[o] = true
	}
	for _, p := range picked {
		if !known[p] {
			return Reject(ReasonUnknownOption, "%q is not one of the options", p)
		}
	}

	if !step.Multiple {
		if len(picked) > 1 {
			return Reject(ReasonSingleChoice, "choose only one option")
		}
		return Accept(picked[0])
	}
	return Accept(picked)
}

// readChoices flattens a string or list answer into trimmed, de-duplicated options.
func readChoices(raw any) ([]string, bool) {
	var items []string
	switch v := raw.(type) {
	case nil:
	case string:
		items = []string{v}
	case []string:
		items = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			items = append(items, s)
		}
	default:
		return nil, false
	}

	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out, true
}
