package engine

import (
	"sync"
	"time"

	"github.com/rendis/intake/pkg/schema"
)

// Session is one visitor's engine state. It is owned by the Engine: callers hold
// a handle and drive it only through Engine operations.
type Session struct {
	mu sync.Mutex

	id      string
	service *schema.Service
	state   schema.SessionState
	index   int
	answers schema.AnswerMap

	submissionInFlight bool
	terminalReached    bool
	// terminalStep is the step shown once submitted; nil means the implicit completion view.
	terminalStep *schema.WorkflowStep

	payments map[string]*PaymentFlow
	// uploads holds the references file storage issued to this session, keyed by
	// URLOrID. A file step only accepts a reference found here.
	uploads map[string]issuedUpload

	// epoch changes whenever the answer set is discarded, so results of calls that
	// were started before the reset are dropped.
	epoch int

	lastReject *Rejection
	lastError  *schema.IntakeError
	// failedSubmission is the last submission the bridge rejected. A retry with
	// the same payload reuses its ID so receivers can deduplicate.
	failedSubmission *schema.Submission

	createdAt time.Time
	updatedAt time.Time
}

type issuedUpload struct {
	stepID string
	ref    schema.FileReference
}

// Rejection is the inline reason shown after a failed commit.
type Rejection struct {
	StepID string `json:"step_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// SessionSnapshot is a read-only copy of a session's state.
type SessionSnapshot struct {
	ID                 string              `json:"id"`
	Service            string              `json:"service,omitempty"`
	State              schema.SessionState `json:"state"`
	Index              int                 `json:"index"`
	StepID             string              `json:"step_id,omitempty"`
	Answers            schema.AnswerMap    `json:"answers"`
	SubmissionInFlight bool                `json:"submission_in_flight"`
	TerminalReached    bool                `json:"terminal_reached"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:        id,
		state:     schema.SessionIdle,
		answers:   schema.AnswerMap{},
		payments:  map[string]*PaymentFlow{},
		uploads:   map[string]issuedUpload{},
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionSnapshot {
	snap := SessionSnapshot{
		ID:                 s.id,
		State:              s.state,
		Index:              s.index,
		Answers:            s.answers.Clone(),
		SubmissionInFlight: s.submissionInFlight,
		TerminalReached:    s.terminalReached,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
	}
	if s.service != nil {
		snap.Service = s.service.Title
	}
	if step := s.currentStep(); step != nil {
		snap.StepID = step.ID
	}
	return snap
}

// currentStep returns the step at the current index while in a step.
func (s *Session) currentStep() *schema.WorkflowStep {
	if s.service == nil || s.state != schema.SessionInStep && s.state != schema.SessionSubmitting {
		return nil
	}
	if s.index < 0 || s.index >= len(s.service.Steps) {
		return nil
	}
	return &s.service.Steps[s.index]
}

func (s *Session) serviceTitle() string {
	if s.service == nil {
		return ""
	}
	return s.service.Title
}

// reset discards everything tied to the selected service.
func (s *Session) reset() {
	s.service = nil
	s.state = schema.SessionIdle
	s.index = 0
	s.answers = schema.AnswerMap{}
	s.payments = map[string]*PaymentFlow{}
	s.uploads = map[string]issuedUpload{}
	s.submissionInFlight = false
	s.terminalReached = false
	s.terminalStep = nil
	s.lastReject = nil
	s.lastError = nil
	s.failedSubmission = nil
	s.epoch++
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submissionInFlight {
		return 0
	}
	return now.Sub(s.updatedAt)
}
