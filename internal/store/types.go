package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// Event is an immutable entry in a session's event log.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id,omitempty"`
	Service   string          `json:"service,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Submission is one completed inquiry handed to the store bridge.
type Submission struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Service   string          `json:"service"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// FileRecord is the metadata of an uploaded file kept on disk.
type FileRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Name      string    `json:"name"`
	MIMEType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionTrace is the state of a session reconstructed from its events.
type SessionTrace struct {
	SessionID   string                     `json:"session_id"`
	Service     string                     `json:"service,omitempty"`
	State       schema.SessionState        `json:"state"`
	CurrentStep string                     `json:"current_step,omitempty"`
	Answers     map[string]json.RawMessage `json:"answers"`
	Submissions int                        `json:"submissions"`
	Failures    int                        `json:"failures"`
	Payments    map[string]string          `json:"payments,omitempty"`
	LastEventAt time.Time                  `json:"last_event_at"`
}

// AnswerPayload is the payload of an answer_committed event.
type AnswerPayload struct {
	Value json.RawMessage `json:"value"`
}

// --- Filter types ---

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	SessionID string     `json:"session_id,omitempty"`
	StepID    string     `json:"step_id,omitempty"`
	Service   string     `json:"service,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// SubmissionFilter specifies criteria for listing submissions.
type SubmissionFilter struct {
	Service   string     `json:"service,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}
