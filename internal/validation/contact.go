package validation

import (
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/intake/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Plausible phone lengths: national significant digits, and full E.164 digits.
const (
	minNationalDigits = 7
	maxNationalDigits = 12
	minE164Digits     = 8
	maxE164Digits     = 15
)

// defaultCountryCode applies when neither the answer nor the step names one.
const defaultCountryCode = "1"

func validateEmail(step *schema.WorkflowStep, raw any) Result {
	s, ok := asString(raw)
	if !ok {
		return Reject(ReasonWrongShape, "expected an email address, got %T", raw)
	}
	if s == "" {
		if step.Required {
			return Reject(ReasonRequired, "this field is required")
		}
		return Accept("")
	}

	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return Reject(ReasonInvalidEmail, "%q is not a valid email address", s)
	}
	domain := s[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return Reject(ReasonInvalidEmail, "%q is not a valid email address", s)
	}
	if err := validate.Var(s, "email"); err != nil {
		return Reject(ReasonInvalidEmail, "%q is not a valid email address", s)
	}
	return Accept(s)
}

// validatePhone accepts "+44 20 7946 0958", "(555) 123-4567" or an object
// {"country_code": "+44", "number": "20 7946 0958"} and normalizes to +<cc><digits>.
func validatePhone(step *schema.WorkflowStep, raw any) Result {
	var cc, number string
	switch v := raw.(type) {
	case map[string]any:
		cc, _ = v["country_code"].(string)
		number, _ = v["number"].(string)
	default:
		s, ok := asString(raw)
		if !ok {
			return Reject(ReasonWrongShape, "expected a phone number, got %T", raw)
		}
		number = s
	}
	number = strings.TrimSpace(number)

	if number == "" {
		if step.Required {
			return Reject(ReasonRequired, "this field is required")
		}
		return Accept("")
	}

	digits, ok := phoneDigits(number)
	if !ok {
		return Reject(ReasonInvalidPhone, "%q contains characters that are not part of a phone number", number)
	}

	// A leading + means the number already carries its country code.
	if strings.HasPrefix(number, "+") {
		if len(digits) < minE164Digits || len(digits) > maxE164Digits {
			return Reject(ReasonInvalidPhone, "%q does not have a plausible number of digits", number)
		}
		return Accept("+" + digits)
	}

	ccDigits, _ := phoneDigits(strings.TrimSpace(cc))
	if ccDigits == "" {
		ccDigits, _ = phoneDigits(step.DefaultCountryCode)
	}
	if ccDigits == "" {
		ccDigits = defaultCountryCode
	}
	if len(digits) < minNationalDigits || len(digits) > maxNationalDigits {
		return Reject(ReasonInvalidPhone, "%q does not have a plausible number of digits", number)
	}
	full := ccDigits + digits
	if len(full) > maxE164Digits {
		return Reject(ReasonInvalidPhone, "%q is too long once the country code is added", number)
	}
	return Accept("+" + full)
}

// phoneDigits strips separators and reports false on any other character.
func phoneDigits(s string) (string, bool) {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return "", false
		}
	}
	return b.String(), true
}

func validateWebsite(step *schema.WorkflowStep, raw any) Result {
	s, ok := asString(raw)
	if !ok {
		return Reject(ReasonWrongShape, "expected a website address, got %T", raw)
	}
	if s == "" {
		if step.Required {
			return Reject(ReasonRequired, "this field is required")
		}
		return Accept("")
	}

	normalized := s
	if !strings.Contains(s, "://") {
		normalized = "https://" + s
	}
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return Reject(ReasonInvalidURL, "%q is not a valid website address", s)
	}
	host := u.Hostname()
	if host != "localhost" && (!strings.Contains(host, ".") || strings.HasSuffix(host, ".")) {
		return Reject(ReasonInvalidURL, "%q is not a valid website address", s)
	}
	if err := validate.Var(normalized, "url"); err != nil {
		return Reject(ReasonInvalidURL, "%q is not a valid website address", s)
	}
	return Accept(normalized)
}
