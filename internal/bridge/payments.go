package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/intake/pkg/schema"
)

// Sandbox payment methods.
const (
	MethodCardVisa     = "pm_card_visa"
	MethodCardDeclined = "pm_card_declined"
	MethodCard3DS      = "pm_card_3ds"
)

// SandboxPayments is an in-process payment provider with deterministic test
// methods. Unknown methods are declined.
type SandboxPayments struct {
	mu             sync.Mutex
	publishableKey string
	actionBaseURL  string
	intents        map[string]*sandboxIntent // by client secret
}

type sandboxIntent struct {
	intent schema.PaymentIntent
	result *schema.PaymentResult
}

// NewSandboxPayments returns a provider advertising publishableKey. Methods
// requiring action redirect to actionBaseURL.
func NewSandboxPayments(publishableKey, actionBaseURL string) *SandboxPayments {
	if actionBaseURL == "" {
		actionBaseURL = "https://sandbox.invalid/authenticate"
	}
	return &SandboxPayments{
		publishableKey: publishableKey,
		actionBaseURL:  strings.TrimRight(actionBaseURL, "/"),
		intents:        make(map[string]*sandboxIntent),
	}
}

// CreateIntent registers a new intent for amount minor units of currency.
func (p *SandboxPayments) CreateIntent(ctx context.Context, amount int64, currency string) (*schema.PaymentIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "amount must be positive, got %d", amount)
	}
	if currency == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "currency is required")
	}

	id := "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	intent := schema.PaymentIntent{
		ID:             id,
		ClientSecret:   id + "_secret_" + uuid.NewString()[:8],
		PublishableKey: p.publishableKey,
		Amount:         amount,
		Currency:       strings.ToLower(currency),
	}

	p.mu.Lock()
	p.intents[intent.ClientSecret] = &sandboxIntent{intent: intent}
	p.mu.Unlock()

	out := intent
	return &out, nil
}

// Confirm charges the intent identified by clientSecret with method. A
// succeeded intent keeps returning its original result.
func (p *SandboxPayments) Confirm(ctx context.Context, clientSecret, method string) (*schema.PaymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	si, ok := p.intents[clientSecret]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "unknown payment intent")
	}
	if si.result != nil && si.result.Status == schema.PaymentStatusSucceeded {
		out := *si.result
		return &out, nil
	}

	var res schema.PaymentResult
	switch method {
	case MethodCardVisa:
		res = schema.PaymentResult{Status: schema.PaymentStatusSucceeded, Token: "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	case MethodCard3DS:
		res = schema.PaymentResult{Status: schema.PaymentStatusRequiresAction, RedirectURL: p.actionBaseURL + "/" + si.intent.ID}
	case MethodCardDeclined:
		res = schema.PaymentResult{Status: schema.PaymentStatusFailed, Reason: "card_declined"}
	default:
		res = schema.PaymentResult{Status: schema.PaymentStatusFailed, Reason: "unsupported_payment_method"}
	}
	si.result = &res
	out := res
	return &out, nil
}

// Authenticate completes a pending action for intentID, as the bank redirect
// would. The returned result is what the caller feeds to ResolvePayment.
func (p *SandboxPayments) Authenticate(intentID string, approve bool) (*schema.PaymentResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, si := range p.intents {
		if si.intent.ID != intentID {
			continue
		}
		if si.result == nil || si.result.Status != schema.PaymentStatusRequiresAction {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "intent %q has no pending action", intentID)
		}
		res := schema.PaymentResult{Status: schema.PaymentStatusFailed, Reason: "authentication_failed"}
		if approve {
			res = schema.PaymentResult{Status: schema.PaymentStatusSucceeded, Token: "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")}
		}
		si.result = &res
		out := res
		return &out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "payment intent %q not found", intentID)
}
