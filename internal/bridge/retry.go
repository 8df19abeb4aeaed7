package bridge

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds how often a delivery is attempted.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first. Values < 1 mean 1.
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay"`
	MaxDelay time.Duration `json:"max_delay"`
	Backoff  string        `json:"backoff"`
}

// DefaultRetryPolicy retries three times with exponential backoff capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 250 * time.Millisecond, MaxDelay: 5 * time.Second, Backoff: BackoffExponential}
}

// IsRetryableError classifies whether a delivery error should be retried.
// Retryable by default: network errors, timeouts, 5xx and 429 responses.
// Non-retryable: cancellation and IntakeErrors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancelled means the caller went away.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ie *schema.IntakeError
	if errors.As(err, &ie) {
		return ie.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return true
}

// ComputeBackoff calculates the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay << uint(attempt)
		if delay <= 0 { // overflow
			delay = policy.MaxDelay
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
