package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/intake/internal/bridge"
	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// errorPayload is the error block of a tool result that still carries a view.
type errorPayload struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// viewPayload is returned by every tool that moves a session.
type viewPayload struct {
	SessionID string        `json:"session_id"`
	View      *engine.View  `json:"view"`
	Error     *errorPayload `json:"error,omitempty"`
}

// commitPayload is returned by intake.answer and intake.upload.
type commitPayload struct {
	SessionID string `json:"session_id"`
	*engine.CommitResult
	Error *errorPayload `json:"error,omitempty"`
}

// handleServices lists the service picker entries.
func (s *IntakeServer) handleServices(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"services": s.manager.Engine().Services()})
}

// handleStart opens a session and optionally selects its service.
func (s *IntakeServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess := s.manager.Open(ctx)
	s.captureSession(ctx, sess.ID())

	service := req.GetString("service", "")
	if service == "" {
		v := s.manager.Engine().View(ctx, sess)
		return marshalResult(viewPayload{SessionID: sess.ID(), View: &v})
	}

	view, err := s.manager.Engine().SelectService(ctx, sess, service)
	if err != nil {
		// The session stays open on the picker so the caller can choose again.
		v := s.manager.Engine().View(ctx, sess)
		return marshalResult(viewPayload{SessionID: sess.ID(), View: &v, Error: toErrorPayload(err)})
	}
	return marshalResult(viewPayload{SessionID: sess.ID(), View: view})
}

// handleSelect picks the service of an idle session.
func (s *IntakeServer) handleSelect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	service, err := req.RequireString("service")
	if err != nil {
		return mcp.NewToolResultError("service is required"), nil
	}
	view, err := s.manager.Engine().SelectService(ctx, sess, service)
	return viewResult(sess.ID(), view, err)
}

// handleAnswer commits the value for the current step.
func (s *IntakeServer) handleAnswer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	value := req.GetArguments()["value"]
	res, err := s.manager.Engine().Commit(ctx, sess, value)
	return commitResult(sess.ID(), res, err)
}

// handleUpload commits a base64 encoded file for the current file step.
func (s *IntakeServer) handleUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	encoded, err := req.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError("data is required"), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("data is not valid base64: %v", err)), nil
	}

	res, err := s.manager.Engine().UploadFile(ctx, sess, schema.FileUpload{
		Name:     name,
		MIMEType: req.GetString("mime_type", ""),
		Data:     data,
	})
	return commitResult(sess.ID(), res, err)
}

func (s *IntakeServer) handleBack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	view, err := s.manager.Engine().Back(ctx, sess)
	return viewResult(sess.ID(), view, err)
}

func (s *IntakeServer) handleRestart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	view, err := s.manager.Engine().Restart(ctx, sess)
	return viewResult(sess.ID(), view, err)
}

func (s *IntakeServer) handleView(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	v := s.manager.Engine().View(ctx, sess)
	return marshalResult(viewPayload{SessionID: sess.ID(), View: &v})
}

// handleClose abandons a session. Outstanding payments are not reconciled.
func (s *IntakeServer) handleClose(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	closed := s.manager.Close(id)
	s.sessions.Forget(id)
	return marshalResult(map[string]any{"session_id": id, "closed": closed})
}

func (s *IntakeServer) handlePay(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	view, err := s.manager.Engine().StartPayment(ctx, sess)
	return viewResult(sess.ID(), view, err)
}

func (s *IntakeServer) handlePayMethod(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	method, err := req.RequireString("method")
	if err != nil {
		return mcp.NewToolResultError("method is required"), nil
	}
	view, err := s.manager.Engine().SubmitPaymentMethod(ctx, sess, method)
	return viewResult(sess.ID(), view, err)
}

// handlePayResolve feeds the outcome of an external payment action back into the
// session and pushes the new view to the client that owns it.
func (s *IntakeServer) handlePayResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	eng := s.manager.Engine()

	var outcome schema.PaymentResult
	if approve, ok := req.GetArguments()["approve"].(bool); ok {
		if s.authenticator == nil {
			return mcp.NewToolResultError("approve is only available with the sandbox payment provider"), nil
		}
		current := eng.View(ctx, sess)
		if current.Step == nil || current.Step.Payment == nil || current.Step.Payment.IntentID == "" {
			return mcp.NewToolResultError("current step has no payment awaiting action"), nil
		}
		res, err := s.authenticator.Authenticate(current.Step.Payment.IntentID, approve)
		if err != nil {
			return toolError(err), nil
		}
		outcome = *res
	} else {
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError("status is required"), nil
		}
		outcome = schema.PaymentResult{
			Status: status,
			Token:  req.GetString("token", ""),
			Reason: req.GetString("reason", ""),
		}
	}

	view, err := eng.ResolvePayment(ctx, sess, outcome)
	if err == nil && view != nil {
		payload := map[string]any{"event": "payment_resolved", "session_id": sess.ID(), "view": view}
		if nerr := s.notifier.Notify(ctx, sess.ID(), payload); nerr != nil {
			s.logger.WarnContext(ctx, "notify visitor failed", "session_id", sess.ID(), "error", nerr)
		}
	}
	return viewResult(sess.ID(), view, err)
}

func (s *IntakeServer) handlePayRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, errResult := s.session(req)
	if errResult != nil {
		return errResult, nil
	}
	view, err := s.manager.Engine().RetryPayment(ctx, sess)
	return viewResult(sess.ID(), view, err)
}

// handleHistory returns a session's events, or its replayed trace. Closed
// sessions remain queryable.
func (s *IntakeServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	args := req.GetArguments()

	if replay, _ := args["replay"].(bool); replay {
		trace, err := s.history.Replay(ctx, id)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"trace": trace})
	}

	since := int64(extractInt(args, "since", 0))
	events, err := s.history.GetEvents(ctx, id, since)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleQuery lists sessions, submissions, or events based on filters.
func (s *IntakeServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "sessions":
		return s.querySessions(filter)
	case "submissions":
		return s.querySubmissions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "receivers":
		return s.queryReceivers()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *IntakeServer) queryReceivers() (*mcp.CallToolResult, error) {
	receivers := []bridge.ReceiverStatus{}
	if s.receivers != nil {
		receivers = s.receivers.Receivers()
	}
	return marshalResult(map[string]any{"receivers": receivers})
}

func (s *IntakeServer) querySessions(filter map[string]any) (*mcp.CallToolResult, error) {
	limit := extractInt(filter, "limit", 50)
	service, _ := filter["service"].(string)

	result := make([]engine.SessionSnapshot, 0)
	for _, snap := range s.manager.Snapshots() {
		if service != "" && snap.Service != service {
			continue
		}
		result = append(result, snap)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return marshalResult(map[string]any{"sessions": result})
}

func (s *IntakeServer) querySubmissions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.submissions == nil {
		return mcp.NewToolResultError("submission store is not configured"), nil
	}
	sf := store.SubmissionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if service, ok := filter["service"].(string); ok {
		sf.Service = service
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		sf.SessionID = sessionID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			sf.Since = &t
		}
	}

	subs, err := s.submissions.ListSubmissions(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"submissions": subs})
}

func (s *IntakeServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("event log is not configured"), nil
	}
	eventType, _ := filter["event_type"].(string)
	if eventType == "" {
		return mcp.NewToolResultError("event query requires 'event_type' in filter; use intake.history for one session"), nil
	}
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if sessionID, ok := filter["session_id"].(string); ok {
		ef.SessionID = sessionID
	}
	if service, ok := filter["service"].(string); ok {
		ef.Service = service
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	events, err := s.history.GetEventsByType(ctx, eventType, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// session resolves the session_id argument.
func (s *IntakeServer) session(req mcp.CallToolRequest) (*engine.Session, *mcp.CallToolResult) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return nil, mcp.NewToolResultError("session_id is required")
	}
	sess, err := s.manager.Get(id)
	if err != nil {
		return nil, toolError(err)
	}
	return sess, nil
}

// captureSession maps the intake session to the calling MCP session for notifications.
func (s *IntakeServer) captureSession(ctx context.Context, intakeID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(intakeID, session.SessionID())
	}
}

func viewResult(sessionID string, view *engine.View, err error) (*mcp.CallToolResult, error) {
	if err != nil && view == nil {
		return toolError(err), nil
	}
	return marshalResult(viewPayload{SessionID: sessionID, View: view, Error: toErrorPayload(err)})
}

// commitResult keeps the view of a failed submission: the answers were accepted
// and the visitor may retry from there.
func commitResult(sessionID string, res *engine.CommitResult, err error) (*mcp.CallToolResult, error) {
	if res == nil {
		if err == nil {
			return mcp.NewToolResultError("no result"), nil
		}
		return toolError(err), nil
	}
	return marshalResult(commitPayload{SessionID: sessionID, CommitResult: res, Error: toErrorPayload(err)})
}

func toErrorPayload(err error) *errorPayload {
	if err == nil {
		return nil
	}
	var ie *schema.IntakeError
	if errors.As(err, &ie) {
		return &errorPayload{Code: ie.Code, Message: ie.Message, Retryable: ie.IsRetryable(), Details: ie.Details}
	}
	return &errorPayload{Code: schema.ErrCodeExecution, Message: err.Error(), Retryable: true}
}

// toolError renders err as a tool-level error result.
func toolError(err error) *mcp.CallToolResult {
	p := toErrorPayload(err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", p.Code, p.Message))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
