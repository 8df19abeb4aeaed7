package validation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/intake/pkg/schema"
)

// asString extracts a trimmed string answer. nil reads as "".
func asString(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(v), true
	case []byte:
		return strings.TrimSpace(string(v)), true
	default:
		return "", false
	}
}

func validateText(step *schema.WorkflowStep, raw any) Result {
	s, ok := asString(raw)
	if !ok {
		return Reject(ReasonWrongShape, "expected text, got %T", raw)
	}
	if s == "" {
		if step.Required {
			return Reject(ReasonRequired, "this field is required")
		}
		return Accept("")
	}

	n := utf8.RuneCountInString(s)
	if n < step.MinLength {
		return Reject(ReasonTooShort, "must be at least %d characters", step.MinLength)
	}
	if step.MaxLength > 0 && n > step.MaxLength {
		return Reject(ReasonTooLong, "must be at most %d characters", step.MaxLength)
	}
	return Accept(s)
}

func validateNumber(step *schema.WorkflowStep, raw any) Result {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return Reject(ReasonNotANumber, "%q is not a number", v.String())
		}
		f = parsed
	default:
		s, ok := asString(raw)
		if !ok {
			return Reject(ReasonWrongShape, "expected a number, got %T", raw)
		}
		if s == "" {
			if step.Required {
				return Reject(ReasonRequired, "this field is required")
			}
			return Accept("")
		}
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			return Reject(ReasonNotANumber, "%q is not a number", s)
		}
		f = parsed
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Reject(ReasonNotANumber, "not a finite number")
	}
	if step.Min != nil && f < *step.Min {
		return Reject(ReasonOutOfRange, "must be at least %s", formatNumber(*step.Min))
	}
	if step.Max != nil && f > *step.Max {
		return Reject(ReasonOutOfRange, "must be at most %s", formatNumber(*step.Max))
	}
	return Accept(f)
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
