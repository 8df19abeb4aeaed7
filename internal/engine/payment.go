package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/pkg/schema"
)

// PaymentFlow is the sub-flow state of one payment step.
type PaymentFlow struct {
	StepID   string              `json:"step_id"`
	State    schema.PaymentState `json:"state"`
	Amount   int64               `json:"amount"`
	Currency string              `json:"currency"`

	Intent         *schema.PaymentIntent `json:"-"`
	IntentPending  bool                  `json:"intent_pending"`
	ConfirmPending bool                  `json:"confirm_pending"`
	Attempts       int                   `json:"attempts"`

	// RedirectURL is set while an external authentication step is outstanding.
	RedirectURL  string                      `json:"redirect_url,omitempty"`
	Reason       string                      `json:"reason,omitempty"`
	Confirmation *schema.PaymentConfirmation `json:"confirmation,omitempty"`
}

// StartPayment requests a client secret for the current payment step.
// Calling it again once the secret is ready is a no-op.
func (e *Engine) StartPayment(ctx context.Context, s *Session) (*View, error) {
	s.mu.Lock()
	ctx = e.sessionCtx(ctx, s)
	step, flow, err := e.paymentStepLocked(s)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if e.payments == nil {
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConfiguration, "payments are not configured").WithStep(step.ID)
	}

	switch {
	case flow.IntentPending:
		s.mu.Unlock()
		return nil, errPaymentInFlight(step.ID)
	case flow.State == schema.PaymentQuote:
		ev := e.event(s, "", step.ID, map[string]any{"amount": flow.Amount, "currency": flow.Currency})
		if err := e.paymentFSM.Transition(ctx, ev, flow.State, schema.PaymentCollectingMethod); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		flow.State = schema.PaymentCollectingMethod
	case flow.State == schema.PaymentCollectingMethod && flow.Intent == nil:
		// A previous intent request failed and was retried.
	case flow.State == schema.PaymentConfirming:
		s.mu.Unlock()
		return nil, errPaymentInFlight(step.ID)
	case flow.State == schema.PaymentFailed:
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeInvalidTransition, "retry the payment before starting again").
			WithStep(step.ID)
	default:
		v := e.render(ctx, s)
		s.mu.Unlock()
		return &v, nil
	}

	flow.IntentPending = true
	epoch := s.epoch
	amount, currency := flow.Amount, flow.Currency
	s.mu.Unlock()

	intent, callErr := e.payments.CreateIntent(ctx, amount, currency)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !attached(s, epoch, step.ID, flow) {
		v := e.render(ctx, s)
		return &v, nil
	}
	flow.IntentPending = false

	if callErr == nil && (intent == nil || intent.ClientSecret == "") {
		callErr = fmt.Errorf("provider returned no client secret")
	}
	if callErr != nil {
		reason := "the payment could not be started: " + callErr.Error()
		e.failPayment(ctx, s, step.ID, flow, reason)
		e.logger.WarnContext(ctx, "payment intent failed", "error", callErr)
		v := e.render(ctx, s)
		return &v, schema.NewError(schema.ErrCodePaymentFailed, reason).WithStep(step.ID).WithCause(callErr)
	}

	flow.Intent = intent
	e.record(ctx, e.event(s, schema.EventPaymentIntentReady, step.ID, map[string]any{"intent_id": intent.ID}))
	v := e.render(ctx, s)
	return &v, nil
}

// SubmitPaymentMethod confirms the intent with a payment method. Success commits
// the payment step's answer and advances when the visitor is still on it.
func (e *Engine) SubmitPaymentMethod(ctx context.Context, s *Session, method string) (*View, error) {
	s.mu.Lock()
	ctx = e.sessionCtx(ctx, s)
	step, flow, err := e.paymentStepLocked(s)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	switch {
	case flow.State == schema.PaymentConfirming || flow.IntentPending:
		s.mu.Unlock()
		return nil, errPaymentInFlight(step.ID)
	case flow.State != schema.PaymentCollectingMethod || flow.Intent == nil:
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"payment is %s; start the payment first", flow.State).WithStep(step.ID)
	case strings.TrimSpace(method) == "":
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeValidation, "a payment method is required").WithStep(step.ID)
	}

	ev := e.event(s, "", step.ID, map[string]any{"intent_id": flow.Intent.ID, "attempt": flow.Attempts + 1})
	if err := e.paymentFSM.Transition(ctx, ev, flow.State, schema.PaymentConfirming); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	flow.State = schema.PaymentConfirming
	flow.ConfirmPending = true
	flow.Attempts++
	flow.Reason = ""
	secret := flow.Intent.ClientSecret
	epoch := s.epoch
	s.mu.Unlock()

	res, callErr := e.payments.Confirm(ctx, secret, method)
	if callErr != nil {
		res = &schema.PaymentResult{Status: schema.PaymentStatusFailed, Reason: callErr.Error()}
	} else if res == nil {
		res = &schema.PaymentResult{Status: schema.PaymentStatusFailed, Reason: "provider returned no result"}
	}
	return e.applyPaymentResult(ctx, s, step.ID, flow, epoch, *res)
}

// ResolvePayment applies the outcome of an external authentication step
// (for example a 3-D Secure redirect) to a confirming payment.
func (e *Engine) ResolvePayment(ctx context.Context, s *Session, outcome schema.PaymentResult) (*View, error) {
	s.mu.Lock()
	ctx = e.sessionCtx(ctx, s)
	step, flow, err := e.paymentStepLocked(s)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if flow.ConfirmPending {
		s.mu.Unlock()
		return nil, errPaymentInFlight(step.ID)
	}
	if flow.State != schema.PaymentConfirming {
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"payment is %s; nothing to resolve", flow.State).WithStep(step.ID)
	}
	epoch := s.epoch
	s.mu.Unlock()

	return e.applyPaymentResult(ctx, s, step.ID, flow, epoch, outcome)
}

// RetryPayment returns a failed payment to method collection, reusing the client secret.
func (e *Engine) RetryPayment(ctx context.Context, s *Session) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = e.sessionCtx(ctx, s)

	step, flow, err := e.paymentStepLocked(s)
	if err != nil {
		return nil, err
	}
	if flow.State != schema.PaymentFailed {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"payment is %s; only a failed payment can be retried", flow.State).WithStep(step.ID)
	}

	ev := e.event(s, "", step.ID, nil)
	if err := e.paymentFSM.Transition(ctx, ev, schema.PaymentFailed, schema.PaymentCollectingMethod); err != nil {
		return nil, err
	}
	flow.State = schema.PaymentCollectingMethod
	flow.Reason = ""
	flow.RedirectURL = ""

	v := e.render(ctx, s)
	return &v, nil
}

// applyPaymentResult folds a provider outcome into the flow. It takes the lock itself.
func (e *Engine) applyPaymentResult(ctx context.Context, s *Session, stepID string, flow *PaymentFlow, epoch int, res schema.PaymentResult) (*View, error) {
	s.mu.Lock()
	if !attached(s, epoch, stepID, flow) || flow.State != schema.PaymentConfirming {
		v := e.render(ctx, s)
		s.mu.Unlock()
		return &v, nil
	}
	flow.ConfirmPending = false
	ctx = logging.WithStepID(ctx, stepID)

	if res.Status == schema.PaymentStatusSucceeded && res.Token == "" {
		res = schema.PaymentResult{Status: schema.PaymentStatusFailed, Reason: "provider returned no payment token"}
	}

	switch res.Status {
	case schema.PaymentStatusSucceeded:
		ev := e.event(s, "", stepID, map[string]any{"token": res.Token})
		_ = e.paymentFSM.Transition(ctx, ev, schema.PaymentConfirming, schema.PaymentSucceeded)
		flow.State = schema.PaymentSucceeded
		flow.RedirectURL = ""
		flow.Reason = ""
		conf := &schema.PaymentConfirmation{Token: res.Token, Amount: flow.Amount, Currency: flow.Currency}
		if flow.Intent != nil {
			conf.IntentID = flow.Intent.ID
		}
		flow.Confirmation = conf
		e.logger.InfoContext(ctx, "payment succeeded", "amount", flow.Amount, "currency", flow.Currency)

		if step := s.currentStep(); s.state != schema.SessionInStep || step == nil || step.ID != stepID {
			v := e.render(ctx, s)
			s.mu.Unlock()
			return &v, nil
		}
		pending, cres, err := e.commitLocked(ctx, s, nil)
		s.mu.Unlock()
		if pending != nil {
			cres, err = e.finishSubmission(ctx, s, pending)
		}
		if cres == nil {
			v := e.View(ctx, s)
			return &v, err
		}
		return &cres.View, err

	case schema.PaymentStatusRequiresAction:
		flow.RedirectURL = res.RedirectURL
		v := e.render(ctx, s)
		s.mu.Unlock()
		return &v, nil

	default:
		reason := res.Reason
		if reason == "" {
			reason = "the payment was declined"
		}
		e.failPayment(ctx, s, stepID, flow, reason)
		e.logger.InfoContext(ctx, "payment failed", "reason", reason)
		v := e.render(ctx, s)
		s.mu.Unlock()
		return &v, schema.NewError(schema.ErrCodePaymentFailed, reason).WithStep(stepID)
	}
}

func (e *Engine) failPayment(ctx context.Context, s *Session, stepID string, flow *PaymentFlow, reason string) {
	ev := e.event(s, "", stepID, map[string]any{"reason": reason})
	_ = e.paymentFSM.Transition(ctx, ev, flow.State, schema.PaymentFailed)
	flow.State = schema.PaymentFailed
	flow.Reason = reason
	flow.RedirectURL = ""
}

// paymentStepLocked returns the current payment step and its flow, creating the flow on first use.
func (e *Engine) paymentStepLocked(s *Session) (*schema.WorkflowStep, *PaymentFlow, error) {
	switch s.state {
	case schema.SessionSubmitting:
		return nil, nil, errSubmissionInFlight()
	case schema.SessionInStep:
	default:
		return nil, nil, schema.NewError(schema.ErrCodeInvalidTransition, "no payment step is active")
	}
	step := s.currentStep()
	if step == nil || step.Type != schema.StepPayment {
		return nil, nil, schema.NewError(schema.ErrCodeInvalidTransition, "the current step is not a payment step")
	}
	flow, ok := s.payments[step.ID]
	if !ok {
		flow = &PaymentFlow{
			StepID:   step.ID,
			State:    schema.PaymentQuote,
			Amount:   step.Amount,
			Currency: strings.ToLower(step.Currency),
		}
		s.payments[step.ID] = flow
	}
	return step, flow, nil
}

// attached reports whether flow is still the live flow of its step after the lock was released.
func attached(s *Session, epoch int, stepID string, flow *PaymentFlow) bool {
	return s.epoch == epoch && s.payments[stepID] == flow
}

func errPaymentInFlight(stepID string) *schema.IntakeError {
	return schema.NewError(schema.ErrCodePaymentInFlight, "a payment call is already in progress").WithStep(stepID)
}

// formatAmount renders minor units as "12.50 USD".
func formatAmount(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}
