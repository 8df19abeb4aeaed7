package schema

// Event type constants for the session event log.
const (
	EventServiceSelected    = "service_selected"
	EventServiceDeselected  = "service_deselected"
	EventStepEntered        = "step_entered"
	EventAnswerCommitted    = "answer_committed"
	EventAnswerRejected     = "answer_rejected"
	EventSubmissionStarted  = "submission_started"
	EventSubmissionFailed   = "submission_failed"
	EventTerminalReached    = "terminal_reached"
	EventSessionRestarted   = "session_restarted"
	EventPaymentStarted     = "payment_started"
	EventPaymentConfirming  = "payment_confirming"
	EventPaymentSucceeded   = "payment_succeeded"
	EventPaymentFailed      = "payment_failed"
	EventPaymentRetried     = "payment_retried"
	EventPaymentIntentReady = "payment_intent_ready"
)

// SessionState is the workflow step engine's lifecycle state.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionInStep     SessionState = "in_step"
	SessionSubmitting SessionState = "submitting"
	SessionTerminal   SessionState = "terminal"
)

// PaymentState is the paid-step sub-flow state.
type PaymentState string

const (
	PaymentQuote            PaymentState = "quote"
	PaymentCollectingMethod PaymentState = "collecting_method"
	PaymentConfirming       PaymentState = "confirming"
	PaymentSucceeded        PaymentState = "succeeded"
	PaymentFailed           PaymentState = "failed"
)
