package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/intake/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-session sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces the lock
	// before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`, event.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := timeOrNow(event.Timestamp)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, step_id, service, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID, nullStr(event.StepID), nullStr(event.Service), event.Type,
		nullRaw(event.Payload), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = ts
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for a session with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, sessionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Replay folds every event of a session into a SessionTrace.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, sessionID string) (*SessionTrace, error) {
	events, err := el.store.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}
	return ReplayEvents(sessionID, events)
}

// ReplayEvents folds an ordered event slice into a SessionTrace.
func ReplayEvents(sessionID string, events []*Event) (*SessionTrace, error) {
	trace := &SessionTrace{
		SessionID: sessionID,
		State:     schema.SessionIdle,
		Answers:   make(map[string]json.RawMessage),
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, expected, e.Sequence)
		}
		trace.LastEventAt = e.Timestamp

		switch e.Type {
		case schema.EventServiceSelected:
			trace.Service = e.Service
			trace.State = schema.SessionInStep
			trace.CurrentStep = e.StepID
			trace.Answers = make(map[string]json.RawMessage)
			trace.Payments = nil

		case schema.EventServiceDeselected, schema.EventSessionRestarted:
			trace.Service = ""
			trace.State = schema.SessionIdle
			trace.CurrentStep = ""
			trace.Answers = make(map[string]json.RawMessage)
			trace.Payments = nil

		case schema.EventStepEntered:
			trace.State = schema.SessionInStep
			trace.CurrentStep = e.StepID

		case schema.EventAnswerCommitted:
			var p AnswerPayload
			if len(e.Payload) > 0 {
				if err := json.Unmarshal(e.Payload, &p); err != nil {
					return nil, schema.NewErrorf(schema.ErrCodeStore,
						"decode answer event %d: %s", e.Sequence, err.Error()).WithCause(err)
				}
			}
			if len(p.Value) == 0 {
				p.Value = json.RawMessage("null")
			}
			trace.Answers[e.StepID] = p.Value

		case schema.EventSubmissionStarted:
			trace.State = schema.SessionSubmitting
			trace.Submissions++

		case schema.EventSubmissionFailed:
			trace.State = schema.SessionInStep
			trace.Failures++

		case schema.EventTerminalReached:
			trace.State = schema.SessionTerminal
			trace.CurrentStep = e.StepID

		case schema.EventPaymentStarted, schema.EventPaymentConfirming, schema.EventPaymentSucceeded,
			schema.EventPaymentFailed, schema.EventPaymentRetried:
			if trace.Payments == nil {
				trace.Payments = make(map[string]string)
			}
			trace.Payments[e.StepID] = string(paymentStateFor(e.Type))
		}
	}

	return trace, nil
}

func paymentStateFor(eventType string) schema.PaymentState {
	switch eventType {
	case schema.EventPaymentStarted, schema.EventPaymentRetried:
		return schema.PaymentCollectingMethod
	case schema.EventPaymentConfirming:
		return schema.PaymentConfirming
	case schema.EventPaymentSucceeded:
		return schema.PaymentSucceeded
	default:
		return schema.PaymentFailed
	}
}
