package expressions

import (
	"fmt"
	"net/url"
	"strings"
)

// Interpolate resolves ${{answers.<step_id>}} and ${{service}} references in display
// text such as end screen messages. Unknown references resolve to "".
func Interpolate(template, service string, answers map[string]any) string {
	return resolve(template, service, answers, func(s string) string { return s })
}

// InterpolateURL is like Interpolate but query-escapes every substituted value, for
// external_browser redirect targets.
func InterpolateURL(template, service string, answers map[string]any) string {
	return resolve(template, service, answers, url.QueryEscape)
}

// HasInterpolation reports whether s contains a ${{ reference.
func HasInterpolation(s string) bool {
	return strings.Contains(s, "${{")
}

func resolve(input, service string, answers map[string]any, escape func(string) string) string {
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			// Unterminated marker: keep the rest verbatim.
			result.WriteString(input[i+idx:])
			break
		}

		ref := strings.TrimSpace(input[start : start+end])
		result.WriteString(escape(lookup(ref, service, answers)))
		i = start + end + 2
	}
	return result.String()
}

func lookup(ref, service string, answers map[string]any) string {
	if ref == "service" {
		return service
	}
	id, ok := strings.CutPrefix(ref, "answers.")
	if !ok {
		return ""
	}
	v, ok := answers[id]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	default:
		return fmt.Sprint(val)
	}
}
