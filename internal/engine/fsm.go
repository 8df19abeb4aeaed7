package engine

import (
	"context"
	"sync"

	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Session FSM ---

type sessionHookKey struct {
	from, to schema.SessionState
}

// SessionFSM validates session lifecycle transitions and records them.
type SessionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[sessionHookKey][]TransitionHook
	after    map[sessionHookKey][]TransitionHook
}

// NewSessionFSM creates a new SessionFSM that emits events via the given appender.
// A nil appender disables event emission.
func NewSessionFSM(appender EventAppender) *SessionFSM {
	return &SessionFSM{
		appender: appender,
		before:   make(map[sessionHookKey][]TransitionHook),
		after:    make(map[sessionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a session transition.
func (f *SessionFSM) OnBefore(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a session transition.
func (f *SessionFSM) OnAfter(from, to schema.SessionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sessionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a session state transition.
// event names the session and, optionally, the event type; when Type is empty
// the default for the transition is used.
// The caller (Engine) is responsible for mutating the session itself.
func (f *SessionFSM) Transition(ctx context.Context, event *store.Event, from, to schema.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithStep(event.StepID).
			WithDetails(map[string]any{"session_id": event.SessionID, "from": string(from), "to": string(to)})
	}

	key := sessionHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if event.Type == "" {
		event.Type = sessionEventType(from, to)
	}
	if err := emit(ctx, f.appender, event); err != nil {
		return err
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidSessionTransition(from, to schema.SessionState) bool {
	allowed, ok := ValidSessionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func sessionEventType(from, to schema.SessionState) string {
	switch {
	case to == schema.SessionInStep && from == schema.SessionSubmitting:
		return schema.EventSubmissionFailed
	case to == schema.SessionInStep && from == schema.SessionInStep:
		return schema.EventStepEntered
	case to == schema.SessionInStep:
		return schema.EventServiceSelected
	case to == schema.SessionSubmitting:
		return schema.EventSubmissionStarted
	case to == schema.SessionTerminal:
		return schema.EventTerminalReached
	case to == schema.SessionIdle && from == schema.SessionInStep:
		return schema.EventServiceDeselected
	case to == schema.SessionIdle:
		return schema.EventSessionRestarted
	default:
		return ""
	}
}

// --- Payment FSM ---

type paymentHookKey struct {
	from, to schema.PaymentState
}

// PaymentFSM validates paid-step sub-flow transitions and records them.
type PaymentFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[paymentHookKey][]TransitionHook
	after    map[paymentHookKey][]TransitionHook
}

// NewPaymentFSM creates a new PaymentFSM that emits events via the given appender.
func NewPaymentFSM(appender EventAppender) *PaymentFSM {
	return &PaymentFSM{
		appender: appender,
		before:   make(map[paymentHookKey][]TransitionHook),
		after:    make(map[paymentHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a payment transition.
func (f *PaymentFSM) OnBefore(from, to schema.PaymentState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := paymentHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a payment transition.
func (f *PaymentFSM) OnAfter(from, to schema.PaymentState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := paymentHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a payment state transition for one payment step.
func (f *PaymentFSM) Transition(ctx context.Context, event *store.Event, from, to schema.PaymentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidPaymentTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid payment transition: %s -> %s", from, to).
			WithStep(event.StepID).
			WithDetails(map[string]any{"session_id": event.SessionID, "from": string(from), "to": string(to)})
	}

	key := paymentHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if event.Type == "" {
		event.Type = paymentEventType(from, to)
	}
	if err := emit(ctx, f.appender, event); err != nil {
		return err
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidPaymentTransition(from, to schema.PaymentState) bool {
	allowed, ok := ValidPaymentTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func paymentEventType(from, to schema.PaymentState) string {
	switch to {
	case schema.PaymentCollectingMethod:
		if from == schema.PaymentFailed {
			return schema.EventPaymentRetried
		}
		return schema.EventPaymentStarted
	case schema.PaymentConfirming:
		return schema.EventPaymentConfirming
	case schema.PaymentSucceeded:
		return schema.EventPaymentSucceeded
	case schema.PaymentFailed:
		return schema.EventPaymentFailed
	default:
		return ""
	}
}

func emit(ctx context.Context, appender EventAppender, event *store.Event) error {
	if appender == nil || event.Type == "" {
		return nil
	}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", event.Type, err.Error()).
			WithStep(event.StepID).WithCause(err)
	}
	return nil
}

// --- Transition tables ---

// ValidSessionTransitions defines the allowed state transitions for visitor sessions.
// InStep -> InStep covers step navigation and re-selecting a service.
var ValidSessionTransitions = map[schema.SessionState][]schema.SessionState{
	schema.SessionIdle:       {schema.SessionInStep},
	schema.SessionInStep:     {schema.SessionInStep, schema.SessionIdle, schema.SessionSubmitting},
	schema.SessionSubmitting: {schema.SessionTerminal, schema.SessionInStep},
	schema.SessionTerminal:   {schema.SessionIdle, schema.SessionInStep},
}

// ValidPaymentTransitions defines the allowed state transitions for a paid-step sub-flow.
// CollectingMethod -> Failed covers a client secret that could not be obtained.
var ValidPaymentTransitions = map[schema.PaymentState][]schema.PaymentState{
	schema.PaymentQuote:            {schema.PaymentCollectingMethod},
	schema.PaymentCollectingMethod: {schema.PaymentConfirming, schema.PaymentFailed},
	schema.PaymentConfirming:       {schema.PaymentSucceeded, schema.PaymentFailed},
	schema.PaymentFailed:           {schema.PaymentCollectingMethod},
	schema.PaymentSucceeded:        {},
}
