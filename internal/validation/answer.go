package validation

import (
	"fmt"
	"sync"

	"github.com/rendis/intake/pkg/schema"
)

// Reason codes reported by step validators.
const (
	ReasonRequired        = "required"
	ReasonWrongShape      = "wrong_shape"
	ReasonTooShort        = "too_short"
	ReasonTooLong         = "too_long"
	ReasonNotANumber      = "not_a_number"
	ReasonOutOfRange      = "out_of_range"
	ReasonInvalidEmail    = "invalid_email"
	ReasonInvalidPhone    = "invalid_phone"
	ReasonInvalidURL      = "invalid_url"
	ReasonInvalidDate     = "invalid_date"
	ReasonDateOutOfRange  = "date_out_of_range"
	ReasonSizeExceeded    = "size_exceeded"
	ReasonTypeNotAccepted = "type_not_accepted"
	ReasonUnknownOption   = "unknown_option"
	ReasonSingleChoice    = "single_choice"
	ReasonPaymentMissing  = "payment_missing"
	ReasonRuleFailed      = "rule_failed"
	ReasonUnsupported     = "unsupported_step_type"
)

// Result is the outcome of checking one raw answer. Failures are values, never errors.
type Result struct {
	Valid  bool   `json:"valid"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Value is the normalized answer to store when Valid.
	Value any `json:"-"`
}

// Accept returns a passing result carrying the normalized value.
func Accept(value any) Result {
	return Result{Valid: true, Value: value}
}

// Reject returns a failing result.
func Reject(code, format string, args ...any) Result {
	return Result{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StepValidator checks a raw answer against one step's constraints.
// Implementations must be pure and must not panic.
type StepValidator func(step *schema.WorkflowStep, raw any) Result

var (
	registryMu sync.RWMutex
	registry   = map[schema.StepType]StepValidator{
		schema.StepText:            validateText,
		schema.StepAddress:         validateText,
		schema.StepNumber:          validateNumber,
		schema.StepEmail:           validateEmail,
		schema.StepPhone:           validatePhone,
		schema.StepWebsite:         validateWebsite,
		schema.StepDate:            validateDate,
		schema.StepFile:            validateFile,
		schema.StepMultipleChoice:  validateChoice,
		schema.StepPayment:         validatePayment,
		schema.StepEndScreen:       validateTerminal,
		schema.StepExternalBrowser: validateTerminal,
	}
)

// Register installs or replaces the validator for a step type.
func Register(t schema.StepType, v StepValidator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t] = v
}

// Lookup returns the validator registered for t.
func Lookup(t schema.StepType) (StepValidator, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	v, ok := registry[t]
	return v, ok
}

// ValidateAnswer dispatches raw to the validator registered for the step's type.
func ValidateAnswer(step *schema.WorkflowStep, raw any) (res Result) {
	if step == nil {
		return Reject(ReasonUnsupported, "no step to validate against")
	}
	v, ok := Lookup(step.Type)
	if !ok {
		return Reject(ReasonUnsupported, "step type %q has no validator", step.Type)
	}
	// Registered validators are third-party extensible; keep the call total.
	defer func() {
		if r := recover(); r != nil {
			res = Reject(ReasonWrongShape, "could not read answer: %v", r)
		}
	}()
	return v(step, raw)
}

func validateTerminal(_ *schema.WorkflowStep, _ any) Result {
	return Accept(nil)
}

func validatePayment(_ *schema.WorkflowStep, raw any) Result {
	switch v := raw.(type) {
	case schema.PaymentConfirmation:
		if v.Token != "" {
			return Accept(v)
		}
	case *schema.PaymentConfirmation:
		if v != nil && v.Token != "" {
			return Accept(*v)
		}
	}
	return Reject(ReasonPaymentMissing, "payment has not been confirmed")
}
