package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/bridge"
	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// recordingNotifier captures pushed payloads.
type recordingNotifier struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func toolsCatalog() *schema.Catalog {
	return &schema.Catalog{Services: []schema.Service{
		{Title: "Contact", Description: "Say hello", Steps: []schema.WorkflowStep{
			{ID: "name", Type: schema.StepText, Question: "Your name?", Required: true},
			{ID: "email", Type: schema.StepEmail, Question: "Your email?", Required: true},
			{ID: "done", Type: schema.StepEndScreen, Message: "Thanks ${{answers.name}}"},
		}},
		{Title: "Paid", Steps: []schema.WorkflowStep{
			{ID: "fee", Type: schema.StepPayment, Question: "Booking fee", Amount: 2500, Currency: "USD"},
			{ID: "done", Type: schema.StepEndScreen, Message: "Booked"},
		}},
		{Title: "Docs", Steps: []schema.WorkflowStep{
			{ID: "brief", Type: schema.StepFile, Required: true, MaxSize: 1 << 20, AcceptedTypes: []string{"application/pdf"}},
			{ID: "done", Type: schema.StepEndScreen},
		}},
	}}
}

type toolsEnv struct {
	server   *IntakeServer
	store    *store.LibSQLStore
	notifier *recordingNotifier
}

func newToolsEnv(t *testing.T) *toolsEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	files, err := bridge.NewDiskStorage(t.TempDir(), st)
	require.NoError(t, err)
	payments := bridge.NewSandboxPayments("pk_test", "")
	events := store.NewEventLog(st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng, err := engine.New(engine.Config{
		Catalog:  toolsCatalog(),
		Bridge:   bridge.NewStoreBridge(st),
		Payments: payments,
		Files:    files,
		Events:   events,
		Logger:   logger,
	})
	require.NoError(t, err)

	s := NewIntakeServer(IntakeServerDeps{
		Manager:       engine.NewManager(eng),
		History:       events,
		Submissions:   st,
		Authenticator: payments,
		Logger:        logger,
	})
	n := &recordingNotifier{}
	s.notifier = n
	return &toolsEnv{server: s, store: st, notifier: n}
}

// start opens a session for service and returns its ID.
func (env *toolsEnv) start(t *testing.T, service string) string {
	t.Helper()
	args := map[string]any{}
	if service != "" {
		args["service"] = service
	}
	result, err := env.server.handleStart(context.Background(), makeRequest("intake.start", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out viewPayload
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.SessionID)
	return out.SessionID
}

// --- Tests ---

func TestHandleServices(t *testing.T) {
	env := newToolsEnv(t)

	result, err := env.server.handleServices(context.Background(), makeRequest("intake.services", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Services []engine.ServiceOption `json:"services"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Services, 3)
	assert.Equal(t, "Contact", out.Services[0].Title)
	assert.Equal(t, "Say hello", out.Services[0].Description)
}

func TestHandleStart_Picker(t *testing.T) {
	env := newToolsEnv(t)

	result, err := env.server.handleStart(context.Background(), makeRequest("intake.start", nil))
	require.NoError(t, err)

	var out viewPayload
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.View)
	assert.Equal(t, engine.ViewServicePicker, out.View.Kind)
	assert.Len(t, out.View.Services, 3)
	assert.Equal(t, 1, env.server.manager.Len())
}

func TestHandleStart_UnknownServiceKeepsSession(t *testing.T) {
	env := newToolsEnv(t)

	result, err := env.server.handleStart(context.Background(), makeRequest("intake.start", map[string]any{
		"service": "Nope",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out viewPayload
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeNotFound, out.Error.Code)
	assert.Equal(t, engine.ViewServicePicker, out.View.Kind)

	// The same session can still pick a real service.
	result, err = env.server.handleSelect(context.Background(), makeRequest("intake.select", map[string]any{
		"session_id": out.SessionID,
		"service":    "Contact",
	}))
	require.NoError(t, err)
	var selected viewPayload
	unmarshalResult(t, result, &selected)
	assert.Equal(t, engine.ViewStep, selected.View.Kind)
	assert.Equal(t, "name", selected.View.Step.ID)
}

func TestHandleAnswer_FullFlow(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Contact")

	result, err := env.server.handleAnswer(ctx, makeRequest("intake.answer", map[string]any{
		"session_id": id, "value": "Jane",
	}))
	require.NoError(t, err)
	var first commitPayload
	unmarshalResult(t, result, &first)
	assert.True(t, first.Accepted)
	assert.Equal(t, "email", first.View.Step.ID)

	result, err = env.server.handleAnswer(ctx, makeRequest("intake.answer", map[string]any{
		"session_id": id, "value": "jane@example.com",
	}))
	require.NoError(t, err)
	var second commitPayload
	unmarshalResult(t, result, &second)
	assert.True(t, second.Submitted)
	assert.NotEmpty(t, second.SubmissionID)
	assert.Equal(t, engine.ViewTerminal, second.View.Kind)
	assert.Equal(t, "Thanks Jane", second.View.Terminal.Message)

	sub, err := env.store.GetSubmission(ctx, second.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "Contact", sub.Service)
	assert.Equal(t, id, sub.SessionID)
}

func TestHandleAnswer_Rejected(t *testing.T) {
	env := newToolsEnv(t)
	id := env.start(t, "Contact")

	result, err := env.server.handleAnswer(context.Background(), makeRequest("intake.answer", map[string]any{
		"session_id": id, "value": "",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out commitPayload
	unmarshalResult(t, result, &out)
	assert.False(t, out.Accepted)
	assert.NotEmpty(t, out.Reason)
	assert.Equal(t, "name", out.View.Step.ID)
}

func TestHandleAnswer_UnknownSession(t *testing.T) {
	env := newToolsEnv(t)

	result, err := env.server.handleAnswer(context.Background(), makeRequest("intake.answer", map[string]any{
		"session_id": "missing", "value": "x",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = env.server.handleAnswer(context.Background(), makeRequest("intake.answer", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "session_id is required")
}

func TestHandleBackAndRestart(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Contact")

	_, err := env.server.handleAnswer(ctx, makeRequest("intake.answer", map[string]any{"session_id": id, "value": "Jane"}))
	require.NoError(t, err)

	result, err := env.server.handleBack(ctx, makeRequest("intake.back", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var back viewPayload
	unmarshalResult(t, result, &back)
	assert.Equal(t, "name", back.View.Step.ID)
	assert.Equal(t, "Jane", back.View.Step.Value)

	result, err = env.server.handleRestart(ctx, makeRequest("intake.restart", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var restarted viewPayload
	unmarshalResult(t, result, &restarted)
	assert.Equal(t, engine.ViewServicePicker, restarted.View.Kind)

	result, err = env.server.handleView(ctx, makeRequest("intake.view", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var viewed viewPayload
	unmarshalResult(t, result, &viewed)
	assert.Equal(t, engine.ViewServicePicker, viewed.View.Kind)
}

func TestHandleBack_AtFirstStepIsError(t *testing.T) {
	env := newToolsEnv(t)
	id := env.start(t, "")

	result, err := env.server.handleBack(context.Background(), makeRequest("intake.back", map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleUpload(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Docs")

	pdf := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")
	result, err := env.server.handleUpload(ctx, makeRequest("intake.upload", map[string]any{
		"session_id": id,
		"name":       "brief.pdf",
		"data":       base64.StdEncoding.EncodeToString(pdf),
		"mime_type":  "application/pdf",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out commitPayload
	unmarshalResult(t, result, &out)
	assert.True(t, out.Accepted)
	assert.True(t, out.Submitted)

	sub, err := env.store.GetSubmission(ctx, out.SubmissionID)
	require.NoError(t, err)
	assert.Contains(t, string(sub.Payload), "brief.pdf")
	assert.Contains(t, string(sub.Payload), "application/pdf")
}

func TestHandleUpload_BadBase64(t *testing.T) {
	env := newToolsEnv(t)
	id := env.start(t, "Docs")

	result, err := env.server.handleUpload(context.Background(), makeRequest("intake.upload", map[string]any{
		"session_id": id,
		"name":       "brief.pdf",
		"data":       "not base64!!",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "base64")
}

func TestHandleClose(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Contact")
	env.server.sessions.Register(id, "client-1")

	result, err := env.server.handleClose(ctx, makeRequest("intake.close", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["closed"])

	_, ok := env.server.sessions.ClientFor(id)
	assert.False(t, ok)

	result, err = env.server.handleView(ctx, makeRequest("intake.view", map[string]any{"session_id": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandlePay_ThreeDSecureApproved(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Paid")
	args := map[string]any{"session_id": id}

	result, err := env.server.handlePay(ctx, makeRequest("intake.pay", args))
	require.NoError(t, err)
	var started viewPayload
	unmarshalResult(t, result, &started)
	require.NotNil(t, started.View.Step.Payment)
	assert.Equal(t, schema.PaymentCollectingMethod, started.View.Step.Payment.State)
	assert.NotEmpty(t, started.View.Step.Payment.ClientSecret)
	assert.Equal(t, "pk_test", started.View.Step.Payment.PublishableKey)

	result, err = env.server.handlePayMethod(ctx, makeRequest("intake.pay_method", map[string]any{
		"session_id": id, "method": bridge.MethodCard3DS,
	}))
	require.NoError(t, err)
	var confirming viewPayload
	unmarshalResult(t, result, &confirming)
	assert.Equal(t, schema.PaymentConfirming, confirming.View.Step.Payment.State)
	assert.NotEmpty(t, confirming.View.Step.Payment.RedirectURL)

	result, err = env.server.handlePayResolve(ctx, makeRequest("intake.pay_resolve", map[string]any{
		"session_id": id, "approve": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	var resolved viewPayload
	unmarshalResult(t, result, &resolved)
	assert.Nil(t, resolved.Error)
	assert.Equal(t, engine.ViewTerminal, resolved.View.Kind)
	assert.Equal(t, "Booked", resolved.View.Terminal.Message)

	require.Len(t, env.notifier.payloads, 1)
	assert.Equal(t, "payment_resolved", env.notifier.payloads[0]["event"])
	assert.Equal(t, id, env.notifier.payloads[0]["session_id"])
}

func TestHandlePay_DeclineThenRetry(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Paid")
	args := map[string]any{"session_id": id}

	_, err := env.server.handlePay(ctx, makeRequest("intake.pay", args))
	require.NoError(t, err)

	result, err := env.server.handlePayMethod(ctx, makeRequest("intake.pay_method", map[string]any{
		"session_id": id, "method": bridge.MethodCardDeclined,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "a declined card still returns the view")
	var declined viewPayload
	unmarshalResult(t, result, &declined)
	require.NotNil(t, declined.Error)
	assert.Equal(t, schema.ErrCodePaymentFailed, declined.Error.Code)
	assert.True(t, declined.View.Step.Payment.CanRetry)

	result, err = env.server.handlePayRetry(ctx, makeRequest("intake.pay_retry", args))
	require.NoError(t, err)
	var retried viewPayload
	unmarshalResult(t, result, &retried)
	assert.Equal(t, schema.PaymentCollectingMethod, retried.View.Step.Payment.State)

	result, err = env.server.handlePayMethod(ctx, makeRequest("intake.pay_method", map[string]any{
		"session_id": id, "method": bridge.MethodCardVisa,
	}))
	require.NoError(t, err)
	var paid viewPayload
	unmarshalResult(t, result, &paid)
	assert.Equal(t, engine.ViewTerminal, paid.View.Kind)
}

func TestHandlePayResolve_ExplicitStatus(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Paid")

	_, err := env.server.handlePay(ctx, makeRequest("intake.pay", map[string]any{"session_id": id}))
	require.NoError(t, err)
	_, err = env.server.handlePayMethod(ctx, makeRequest("intake.pay_method", map[string]any{
		"session_id": id, "method": bridge.MethodCard3DS,
	}))
	require.NoError(t, err)

	result, err := env.server.handlePayResolve(ctx, makeRequest("intake.pay_resolve", map[string]any{
		"session_id": id, "status": schema.PaymentStatusFailed, "reason": "authentication abandoned",
	}))
	require.NoError(t, err)
	var out viewPayload
	unmarshalResult(t, result, &out)
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.PaymentFailed, out.View.Step.Payment.State)
	assert.Equal(t, "authentication abandoned", out.View.Step.Payment.Reason)
	assert.Empty(t, env.notifier.payloads, "failed resolutions are not pushed")
}

func TestHandlePayResolve_NothingPending(t *testing.T) {
	env := newToolsEnv(t)
	id := env.start(t, "Paid")

	result, err := env.server.handlePayResolve(context.Background(), makeRequest("intake.pay_resolve", map[string]any{
		"session_id": id, "approve": true,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handlePayResolve(context.Background(), makeRequest("intake.pay_resolve", map[string]any{
		"session_id": id,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "status is required")
}

func TestHandleHistory(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Contact")
	_, err := env.server.handleAnswer(ctx, makeRequest("intake.answer", map[string]any{"session_id": id, "value": "Jane"}))
	require.NoError(t, err)

	result, err := env.server.handleHistory(ctx, makeRequest("intake.history", map[string]any{"session_id": id}))
	require.NoError(t, err)
	var out struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.Events)
	types := make([]string, 0, len(out.Events))
	for _, ev := range out.Events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventServiceSelected)
	assert.Contains(t, types, schema.EventAnswerCommitted)

	result, err = env.server.handleHistory(ctx, makeRequest("intake.history", map[string]any{
		"session_id": id, "replay": true,
	}))
	require.NoError(t, err)
	var replay struct {
		Trace *store.SessionTrace `json:"trace"`
	}
	unmarshalResult(t, result, &replay)
	require.NotNil(t, replay.Trace)
	assert.Equal(t, "Contact", replay.Trace.Service)
	assert.JSONEq(t, `"Jane"`, string(replay.Trace.Answers["name"]))
}

func TestHandleHistory_NotConfigured(t *testing.T) {
	s := NewIntakeServer(IntakeServerDeps{})

	result, err := s.handleHistory(context.Background(), makeRequest("intake.history", map[string]any{"session_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleQuery(t *testing.T) {
	env := newToolsEnv(t)
	ctx := context.Background()
	id := env.start(t, "Contact")
	env.start(t, "Paid")
	for _, v := range []string{"Jane", "jane@example.com"} {
		_, err := env.server.handleAnswer(ctx, makeRequest("intake.answer", map[string]any{"session_id": id, "value": v}))
		require.NoError(t, err)
	}

	t.Run("sessions", func(t *testing.T) {
		result, err := env.server.handleQuery(ctx, makeRequest("intake.query", map[string]any{
			"resource": "sessions",
			"filter":   map[string]any{"service": "Paid"},
		}))
		require.NoError(t, err)
		var out struct {
			Sessions []engine.SessionSnapshot `json:"sessions"`
		}
		unmarshalResult(t, result, &out)
		require.Len(t, out.Sessions, 1)
		assert.Equal(t, "Paid", out.Sessions[0].Service)
	})

	t.Run("submissions", func(t *testing.T) {
		result, err := env.server.handleQuery(ctx, makeRequest("intake.query", map[string]any{
			"resource": "submissions",
			"filter":   map[string]any{"session_id": id},
		}))
		require.NoError(t, err)
		var out struct {
			Submissions []*store.Submission `json:"submissions"`
		}
		unmarshalResult(t, result, &out)
		require.Len(t, out.Submissions, 1)
		assert.Equal(t, "Contact", out.Submissions[0].Service)
	})

	t.Run("events", func(t *testing.T) {
		result, err := env.server.handleQuery(ctx, makeRequest("intake.query", map[string]any{
			"resource": "events",
			"filter":   map[string]any{"event_type": schema.EventTerminalReached},
		}))
		require.NoError(t, err)
		var out struct {
			Events []*store.Event `json:"events"`
		}
		unmarshalResult(t, result, &out)
		require.Len(t, out.Events, 1)
		assert.Equal(t, id, out.Events[0].SessionID)
	})

	t.Run("events require a type", func(t *testing.T) {
		result, err := env.server.handleQuery(ctx, makeRequest("intake.query", map[string]any{
			"resource": "events",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("unknown resource", func(t *testing.T) {
		result, err := env.server.handleQuery(ctx, makeRequest("intake.query", map[string]any{
			"resource": "invalid",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestHandleQuery_Receivers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	hook, err := bridge.NewWebhookBridge(bridge.WebhookConfig{
		URL:   srv.URL + "/intake?token=secret",
		Retry: bridge.RetryPolicy{Attempts: 1},
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	multi := bridge.NewMultiBridge(hook)

	sub := &schema.Submission{ID: "sub-1", SessionID: "sess-1", Service: "Contact", Payload: map[string]any{"service": "Contact"}}
	require.Error(t, multi.Submit(context.Background(), sub))

	s := NewIntakeServer(IntakeServerDeps{Receivers: multi})
	result, err := s.handleQuery(context.Background(), makeRequest("intake.query", map[string]any{
		"resource": "receivers",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Receivers []bridge.ReceiverStatus `json:"receivers"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Receivers, 1)
	r := out.Receivers[0]
	assert.Equal(t, srv.URL+"/intake", r.Endpoint)
	assert.Equal(t, "closed", r.State)
	assert.Equal(t, int64(1), r.Failed)
	assert.Equal(t, "sub-1", r.LastSubmissionID)
	assert.NotContains(t, extractText(t, result), "secret")

	empty := NewIntakeServer(IntakeServerDeps{})
	result, err = empty.handleQuery(context.Background(), makeRequest("intake.query", map[string]any{
		"resource": "receivers",
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"receivers":[]}`, extractText(t, result))
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(filter, "a", 0))
	assert.Equal(t, 4, extractInt(filter, "b", 0))
	assert.Equal(t, 5, extractInt(filter, "c", 0))
	assert.Equal(t, 9, extractInt(filter, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

// --- Test helpers ---

func makeRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
