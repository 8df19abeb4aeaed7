package schema

// Statuses reported by a payment provider when confirming an intent.
const (
	PaymentStatusSucceeded      = "succeeded"
	PaymentStatusRequiresAction = "requires_action"
	PaymentStatusFailed         = "failed"
)

// PaymentIntent is the provider-side handle for one quoted charge.
type PaymentIntent struct {
	ID             string `json:"id"`
	ClientSecret   string `json:"client_secret"`
	PublishableKey string `json:"publishable_key,omitempty"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// PaymentResult is the outcome of confirming an intent with a payment method,
// or of an external redirect resolving.
type PaymentResult struct {
	Status      string `json:"status"`
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
