package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/pkg/schema"
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 4 << 10

// WebhookConfig configures a WebhookBridge.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	// Transform is a jq program applied to the payload when the service has none.
	Transform string
	// ServiceTransforms maps a service title to its own jq program.
	ServiceTransforms map[string]string
	Timeout           time.Duration
	Retry             RetryPolicy
	Breaker           CircuitBreakerConfig
}

// WebhookBridge POSTs each submission as JSON to an external receiver.
type WebhookBridge struct {
	url        string
	headers    map[string]string
	transform  string
	perService map[string]string
	jq         *expressions.GoJQEngine
	client     *http.Client
	retry      RetryPolicy
	breakers   *ReceiverBreakers
	logger     *slog.Logger
}

// NewWebhookBridge validates the config and compiles its transforms.
func NewWebhookBridge(cfg WebhookConfig, jq *expressions.GoJQEngine, logger *slog.Logger) (*WebhookBridge, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "webhook url %q is not an http(s) URL", cfg.URL)
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	for _, prog := range append([]string{cfg.Transform}, mapValues(cfg.ServiceTransforms)...) {
		if prog == "" {
			continue
		}
		if err := jq.Compile(prog); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "webhook transform: %s", err.Error()).WithCause(err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := cfg.Retry
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	breaker := cfg.Breaker
	if breaker.FailureThreshold <= 0 {
		breaker = DefaultCircuitBreakerConfig()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &WebhookBridge{
		url:        cfg.URL,
		headers:    cfg.Headers,
		transform:  cfg.Transform,
		perService: cfg.ServiceTransforms,
		jq:         jq,
		client:     &http.Client{Transport: transport, Timeout: timeout},
		retry:      retry,
		breakers:   NewReceiverBreakers(breaker),
		logger:     logger,
	}, nil
}

// Receivers reports the delivery health of the webhook receiver. Credentials
// and query strings are left out of the reported endpoint.
func (b *WebhookBridge) Receivers() []ReceiverStatus {
	out := b.breakers.Statuses()
	for i := range out {
		u, err := url.Parse(out[i].Endpoint)
		if err != nil {
			continue
		}
		u.User = nil
		u.RawQuery = ""
		// Transport errors quote the full request URL.
		out[i].LastError = strings.ReplaceAll(out[i].LastError, out[i].Endpoint, u.String())
		out[i].Endpoint = u.String()
	}
	return out
}

// ServiceTransforms collects the payload transforms authored on a catalog's services.
func ServiceTransforms(cat *schema.Catalog) map[string]string {
	out := map[string]string{}
	if cat == nil {
		return out
	}
	for _, svc := range cat.Services {
		if svc.PayloadTransform != "" {
			out[svc.Title] = svc.PayloadTransform
		}
	}
	return out
}

// Submit delivers sub, retrying transient failures per the retry policy.
func (b *WebhookBridge) Submit(ctx context.Context, sub *schema.Submission) error {
	body, err := b.body(ctx, sub)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, sub.SessionID, "", sub.Service)

	var lastErr error
	for attempt := 0; attempt < b.retry.Attempts; attempt++ {
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(b.retry, attempt-1)); err != nil {
				return err
			}
		}
		if err := b.breakers.AllowDelivery(b.url); err != nil {
			return err
		}

		lastErr = b.post(ctx, sub, body)
		if lastErr == nil {
			b.breakers.RecordDelivery(b.url, sub.ID)
			return nil
		}
		state := b.breakers.RecordFailure(b.url, sub.ID, lastErr)
		b.logger.WarnContext(ctx, "webhook delivery failed",
			"submission_id", sub.ID, "attempt", attempt+1, "circuit", state.String(), "error", lastErr)
		if !IsRetryableError(lastErr) {
			break
		}
	}
	return lastErr
}

func (b *WebhookBridge) body(ctx context.Context, sub *schema.Submission) ([]byte, error) {
	prog := b.perService[sub.Service]
	if prog == "" {
		prog = b.transform
	}
	var doc any = sub.Payload
	if prog != "" {
		out, err := b.jq.Transform(ctx, prog, sub.Payload, expressions.TransformVars{
			SubmissionID: sub.ID,
			SessionID:    sub.SessionID,
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "transform payload: %s", err.Error()).WithCause(err)
		}
		doc = out
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "encode payload: %s", err.Error()).WithCause(err)
	}
	return data, nil
}

func (b *WebhookBridge) post(ctx context.Context, sub *schema.Submission, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeNonRetryable, "create webhook request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sub.ID)
	req.Header.Set("X-Intake-Session", sub.SessionID)
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 300 {
		return nil
	}
	code := schema.ErrCodeNonRetryable
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		code = schema.ErrCodeExecution
	}
	return schema.NewErrorf(code, "webhook returned %d", resp.StatusCode).
		WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(snippet)})
}

func mapValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
