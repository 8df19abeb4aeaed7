package bridge

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// CircuitState is the health of one submission receiver as seen by delivery.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // deliveries go through
	CircuitOpen                         // receiver is down; submissions fail fast
	CircuitHalfOpen                     // one trial delivery decides
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures when a receiver is considered down.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient delivery failures
	// that takes a receiver down.
	FailureThreshold int
	// Cooldown is how long submissions fail fast before a trial delivery.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial deliveries let through after the cooldown.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// ReceiverStatus is a point-in-time view of one receiver's delivery health.
type ReceiverStatus struct {
	Endpoint            string     `json:"endpoint"`
	State               string     `json:"state"`
	Delivered           int64      `json:"delivered"`
	Failed              int64      `json:"failed"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSubmissionID    string     `json:"last_submission_id,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

type receiverHealth struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	halfOpenAttempts    int
	lastFailureTime     time.Time
	lastError           string
	lastSubmissionID    string
	delivered           int64
	failed              int64
}

// ReceiverBreakers tracks delivery health per receiver endpoint. While a
// receiver is down, submissions to it fail with CIRCUIT_OPEN without a request,
// and the visitor can retry once the cooldown has passed.
type ReceiverBreakers struct {
	mu        sync.Mutex
	receivers map[string]*receiverHealth
	config    CircuitBreakerConfig
	now       func() time.Time
}

// NewReceiverBreakers creates a tracker with the given config.
func NewReceiverBreakers(config CircuitBreakerConfig) *ReceiverBreakers {
	return &ReceiverBreakers{
		receivers: make(map[string]*receiverHealth),
		config:    config,
		now:       time.Now,
	}
}

// AllowDelivery returns nil if a delivery to endpoint may proceed, or a
// retryable CIRCUIT_OPEN error.
func (r *ReceiverBreakers) AllowDelivery(endpoint string) error {
	h := r.health(endpoint)
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case CircuitOpen:
		elapsed := r.now().Sub(h.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			h.state = CircuitHalfOpen
			h.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"the receiver is unavailable after %d failed deliveries; try again in %s",
			h.consecutiveFailures, (r.config.Cooldown - elapsed).Round(time.Second)).
			WithDetails(map[string]any{
				"endpoint":             endpoint,
				"consecutive_failures": h.consecutiveFailures,
				"last_error":           h.lastError,
			})

	case CircuitHalfOpen:
		if h.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewError(schema.ErrCodeCircuitOpen,
				"the receiver is recovering; try again shortly").
				WithDetails(map[string]any{"endpoint": endpoint})
		}
		h.halfOpenAttempts++
	}
	return nil
}

// RecordDelivery marks a submission as accepted by endpoint, closing its circuit.
func (r *ReceiverBreakers) RecordDelivery(endpoint, submissionID string) {
	h := r.health(endpoint)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.delivered++
	h.lastSubmissionID = submissionID
	h.consecutiveFailures = 0
	h.halfOpenAttempts = 0
	h.state = CircuitClosed
}

// RecordFailure records a failed delivery and returns the receiver's new state.
// A permanent failure means the receiver answered and refused this payload; it
// is counted but does not take the receiver down.
func (r *ReceiverBreakers) RecordFailure(endpoint, submissionID string, err error) CircuitState {
	h := r.health(endpoint)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failed++
	h.lastSubmissionID = submissionID
	if err != nil {
		h.lastError = err.Error()
	}
	if !IsRetryableError(err) {
		if h.state == CircuitHalfOpen {
			h.state = CircuitClosed
			h.halfOpenAttempts = 0
		}
		h.consecutiveFailures = 0
		return h.state
	}

	h.consecutiveFailures++
	h.lastFailureTime = r.now()
	if h.state == CircuitHalfOpen || h.consecutiveFailures >= r.config.FailureThreshold {
		h.state = CircuitOpen
	}
	return h.state
}

// State returns the current state of endpoint.
func (r *ReceiverBreakers) State(endpoint string) CircuitState {
	h := r.health(endpoint)
	h.mu.Lock()
	defer h.mu.Unlock()
	return r.stateLocked(h)
}

// Statuses reports every receiver that has seen a delivery, ordered by endpoint.
func (r *ReceiverBreakers) Statuses() []ReceiverStatus {
	r.mu.Lock()
	endpoints := make([]string, 0, len(r.receivers))
	for ep := range r.receivers {
		endpoints = append(endpoints, ep)
	}
	r.mu.Unlock()
	sort.Strings(endpoints)

	out := make([]ReceiverStatus, 0, len(endpoints))
	for _, ep := range endpoints {
		h := r.health(ep)
		h.mu.Lock()
		st := ReceiverStatus{
			Endpoint:            ep,
			State:               r.stateLocked(h).String(),
			Delivered:           h.delivered,
			Failed:              h.failed,
			ConsecutiveFailures: h.consecutiveFailures,
			LastSubmissionID:    h.lastSubmissionID,
			LastError:           h.lastError,
		}
		if !h.lastFailureTime.IsZero() {
			at := h.lastFailureTime
			st.LastFailureAt = &at
		}
		if h.state == CircuitOpen {
			retry := h.lastFailureTime.Add(r.config.Cooldown)
			st.RetryAt = &retry
		}
		h.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (r *ReceiverBreakers) stateLocked(h *receiverHealth) CircuitState {
	if h.state == CircuitOpen && r.now().Sub(h.lastFailureTime) >= r.config.Cooldown {
		h.state = CircuitHalfOpen
		h.halfOpenAttempts = 0
	}
	return h.state
}

func (r *ReceiverBreakers) health(endpoint string) *receiverHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.receivers[endpoint]
	if !ok {
		h = &receiverHealth{state: CircuitClosed}
		r.receivers[endpoint] = h
	}
	return h
}
