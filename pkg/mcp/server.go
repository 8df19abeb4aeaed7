package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/intake/internal/bridge"
	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// History is the read side of the session event log.
type History interface {
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*store.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
	Replay(ctx context.Context, sessionID string) (*store.SessionTrace, error)
}

// SubmissionLister lists delivered submissions.
type SubmissionLister interface {
	ListSubmissions(ctx context.Context, filter store.SubmissionFilter) ([]*store.Submission, error)
}

// PaymentAuthenticator completes a pending payment action out of band, the way
// a bank redirect would. Only sandbox providers offer it.
type PaymentAuthenticator interface {
	Authenticate(intentID string, approve bool) (*schema.PaymentResult, error)
}

// ReceiverReporter reports the delivery health of submission receivers.
type ReceiverReporter interface {
	Receivers() []bridge.ReceiverStatus
}

// IntakeServerDeps holds the dependencies for creating an IntakeServer.
type IntakeServerDeps struct {
	Manager       *engine.Manager
	History       History
	Submissions   SubmissionLister
	Authenticator PaymentAuthenticator
	Receivers     ReceiverReporter
	Logger        *slog.Logger
}

// IntakeServer exposes intake sessions as MCP tools. Each tool call drives one
// engine operation and answers with the resulting view.
type IntakeServer struct {
	manager       *engine.Manager
	history       History
	submissions   SubmissionLister
	authenticator PaymentAuthenticator
	receivers     ReceiverReporter
	sessions      *SessionRegistry
	notifier      VisitorNotifier
	logger        *slog.Logger
	mcpServer     *server.MCPServer
}

// NewIntakeServer creates a new IntakeServer with every intake tool registered.
func NewIntakeServer(deps IntakeServerDeps) *IntakeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &IntakeServer{
		manager:       deps.Manager,
		history:       deps.History,
		submissions:   deps.Submissions,
		authenticator: deps.Authenticator,
		receivers:     deps.Receivers,
		sessions:      NewSessionRegistry(),
		logger:        logger,
	}

	mcpSrv := server.NewMCPServer(
		"intake",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Intake runs conversational inquiry forms. Call intake.start to open a session, intake.select to pick a service, then intake.answer once per step until the view kind is terminal. Payment steps use intake.pay and intake.pay_method. Every call returns the view to show the visitor."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *IntakeServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *IntakeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *IntakeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: servicesTool(), Handler: s.handleServices},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: selectTool(), Handler: s.handleSelect},
		{Tool: answerTool(), Handler: s.handleAnswer},
		{Tool: uploadTool(), Handler: s.handleUpload},
		{Tool: backTool(), Handler: s.handleBack},
		{Tool: restartTool(), Handler: s.handleRestart},
		{Tool: viewTool(), Handler: s.handleView},
		{Tool: closeTool(), Handler: s.handleClose},
		{Tool: payTool(), Handler: s.handlePay},
		{Tool: payMethodTool(), Handler: s.handlePayMethod},
		{Tool: payResolveTool(), Handler: s.handlePayResolve},
		{Tool: payRetryTool(), Handler: s.handlePayRetry},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func sessionArg() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(), mcp.Description("Intake session ID returned by intake.start"))
}

func servicesTool() mcp.Tool {
	return mcp.NewTool("intake.services",
		mcp.WithDescription("List the services a visitor can start an inquiry for"),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("intake.start",
		mcp.WithDescription("Open a new intake session"),
		mcp.WithString("service", mcp.Description("Service title to select right away")),
	)
}

func selectTool() mcp.Tool {
	return mcp.NewTool("intake.select",
		mcp.WithDescription("Select the service for a session and enter its first step"),
		sessionArg(),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service title")),
	)
}

func answerTool() mcp.Tool {
	return mcp.NewTool("intake.answer",
		mcp.WithDescription("Commit an answer for the current step"),
		sessionArg(),
		mcp.WithString("value", mcp.Description("Answer for the current step. Numbers, lists and objects may be passed as JSON values. Omit to skip an optional step.")),
	)
}

func uploadTool() mcp.Tool {
	return mcp.NewTool("intake.upload",
		mcp.WithDescription("Upload a file for the current file step"),
		sessionArg(),
		mcp.WithString("name", mcp.Required(), mcp.Description("Original file name")),
		mcp.WithString("data", mcp.Required(), mcp.Description("File content, base64 encoded")),
		mcp.WithString("mime_type", mcp.Description("Declared MIME type")),
	)
}

func backTool() mcp.Tool {
	return mcp.NewTool("intake.back",
		mcp.WithDescription("Return to the previous visible step"),
		sessionArg(),
	)
}

func restartTool() mcp.Tool {
	return mcp.NewTool("intake.restart",
		mcp.WithDescription("Discard all answers and return to the service picker"),
		sessionArg(),
	)
}

func viewTool() mcp.Tool {
	return mcp.NewTool("intake.view",
		mcp.WithDescription("Get the current view of a session"),
		sessionArg(),
	)
}

func closeTool() mcp.Tool {
	return mcp.NewTool("intake.close",
		mcp.WithDescription("Abandon a session"),
		sessionArg(),
	)
}

func payTool() mcp.Tool {
	return mcp.NewTool("intake.pay",
		mcp.WithDescription("Create the payment intent for the current payment step"),
		sessionArg(),
	)
}

func payMethodTool() mcp.Tool {
	return mcp.NewTool("intake.pay_method",
		mcp.WithDescription("Confirm the payment intent with a payment method"),
		sessionArg(),
		mcp.WithString("method", mcp.Required(), mcp.Description("Payment method token")),
	)
}

func payResolveTool() mcp.Tool {
	return mcp.NewTool("intake.pay_resolve",
		mcp.WithDescription("Resolve a payment that is waiting on an external action"),
		sessionArg(),
		mcp.WithString("status", mcp.Enum(schema.PaymentStatusSucceeded, schema.PaymentStatusFailed),
			mcp.Description("Outcome reported by the provider")),
		mcp.WithString("token", mcp.Description("Confirmation token when status is succeeded")),
		mcp.WithString("reason", mcp.Description("Failure reason when status is failed")),
		mcp.WithBoolean("approve", mcp.Description("Sandbox only: complete the pending action instead of passing a status")),
	)
}

func payRetryTool() mcp.Tool {
	return mcp.NewTool("intake.pay_retry",
		mcp.WithDescription("Collect a new payment method after a failed payment"),
		sessionArg(),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("intake.history",
		mcp.WithDescription("Get the event log of a session"),
		sessionArg(),
		mcp.WithNumber("since", mcp.Description("Only events after this sequence number")),
		mcp.WithBoolean("replay", mcp.Description("Return the session state reconstructed from its events instead")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("intake.query",
		mcp.WithDescription("Query sessions, submissions, events, or submission receiver health"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("sessions", "submissions", "events", "receivers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (service, session_id, event_type, since, limit)")),
	)
}
