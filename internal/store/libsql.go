package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/intake/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/intake.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

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

func (s *LibSQLStore) GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step_id, service, event_type, payload, timestamp, sequence
		 FROM events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, session_id, step_id, service, event_type, payload, timestamp, sequence FROM events
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, service, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &stepID, &service, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Service = service.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Submissions ---

func (s *LibSQLStore) CreateSubmission(ctx context.Context, sub *Submission) error {
	if len(sub.Payload) == 0 {
		return schema.NewError(schema.ErrCodeStore, "submission payload is empty")
	}
	sub.CreatedAt = timeOrNow(sub.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, session_id, service, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.SessionID, sub.Service, string(sub.Payload), sub.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	sub := &Submission{}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, service, payload, created_at FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.SessionID, &sub.Service, &payload, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("submission", id)
	}
	if err != nil {
		return nil, err
	}
	sub.Payload = json.RawMessage(payload)
	return sub, nil
}

func (s *LibSQLStore) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]*Submission, error) {
	var where []string
	var args []any

	if filter.Service != "" {
		where = append(where, "service = ?")
		args = append(args, filter.Service)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, session_id, service, payload, created_at FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub := &Submission{}
		var payload string
		if err := rows.Scan(&sub.ID, &sub.SessionID, &sub.Service, &payload, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Payload = json.RawMessage(payload)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// --- Files ---

func (s *LibSQLStore) CreateFile(ctx context.Context, f *FileRecord) error {
	f.CreatedAt = timeOrNow(f.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, session_id, step_id, name, mime_type, size, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, nullStr(f.SessionID), nullStr(f.StepID), f.Name, f.MIMEType, f.Size, f.Path, f.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	f := &FileRecord{}
	var sessionID, stepID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, step_id, name, mime_type, size, path, created_at FROM files WHERE id = ?`, id,
	).Scan(&f.ID, &sessionID, &stepID, &f.Name, &f.MIMEType, &f.Size, &f.Path, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("file", id)
	}
	if err != nil {
		return nil, err
	}
	f.SessionID = sessionID.String
	f.StepID = stepID.String
	return f, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.IntakeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
