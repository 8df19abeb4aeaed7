package validation

import (
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// DateLayout is the ISO calendar date format used for date answers and bounds.
const DateLayout = "2006-01-02"

func validateDate(step *schema.WorkflowStep, raw any) Result {
	var d time.Time
	switch v := raw.(type) {
	case time.Time:
		if v.IsZero() {
			return Reject(ReasonRequired, "please select a date")
		}
		d = truncateDay(v)
	default:
		s, ok := asString(raw)
		if !ok {
			return Reject(ReasonWrongShape, "expected a date, got %T", raw)
		}
		if s == "" {
			return Reject(ReasonRequired, "please select a date")
		}
		parsed, err := parseDate(s)
		if err != nil {
			return Reject(ReasonInvalidDate, "%q is not a date (want YYYY-MM-DD)", s)
		}
		d = parsed
	}

	if step.MinDate != "" {
		if lo, err := parseDate(step.MinDate); err == nil && d.Before(lo) {
			return Reject(ReasonDateOutOfRange, "date must be on or after %s", step.MinDate)
		}
	}
	if step.MaxDate != "" {
		if hi, err := parseDate(step.MaxDate); err == nil && d.After(hi) {
			return Reject(ReasonDateOutOfRange, "date must be on or before %s", step.MaxDate)
		}
	}
	return Accept(d.Format(DateLayout))
}

// parseDate accepts YYYY-MM-DD or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if d, err := time.Parse(DateLayout, s); err == nil {
		return d, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return truncateDay(ts), nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
