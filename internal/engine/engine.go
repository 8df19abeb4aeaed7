package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/internal/logging"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/validation"
	"github.com/rendis/intake/pkg/schema"
)

// SubmissionBridge receives the frozen answer set once per completed flow.
type SubmissionBridge interface {
	Submit(ctx context.Context, sub *schema.Submission) error
}

// PaymentCollaborator obtains client secrets and confirms payment methods.
type PaymentCollaborator interface {
	CreateIntent(ctx context.Context, amount int64, currency string) (*schema.PaymentIntent, error)
	Confirm(ctx context.Context, clientSecret, method string) (*schema.PaymentResult, error)
}

// FileStorage turns a raw upload into a stored file reference.
type FileStorage interface {
	Put(ctx context.Context, sessionID, stepID string, upload schema.FileUpload) (*schema.FileReference, error)
}

// Config holds the engine's catalog and collaborators.
type Config struct {
	Catalog     *schema.Catalog
	Bridge      SubmissionBridge
	Payments    PaymentCollaborator // nil disables payment steps
	Files       FileStorage         // nil disables raw uploads; references are still accepted
	Events      EventAppender       // nil disables the event log
	Expressions *expressions.Set    // nil = fresh set
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine drives visitor sessions through a catalog's step sequences.
// It holds no per-visitor state; every operation takes the Session it acts on.
type Engine struct {
	catalog     *schema.Catalog
	bridge      SubmissionBridge
	payments    PaymentCollaborator
	files       FileStorage
	events      EventAppender
	checker     *validation.AnswerChecker
	conditions  *expressions.CELEngine
	sessionFSM  *SessionFSM
	paymentFSM  *PaymentFSM
	logger      *slog.Logger
	now         func() time.Time
	serviceErrs map[string]error
}

// CommitResult is the outcome of committing an answer.
// A rejected answer is a result, not an error.
type CommitResult struct {
	Accepted     bool   `json:"accepted"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Submitted    bool   `json:"submitted"`
	SubmissionID string `json:"submission_id,omitempty"`
	View         View   `json:"view"`
}

// New creates an Engine. Every service is checked up front; a misconfigured
// service stays in the catalog but can never be entered.
func New(cfg Config) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "engine requires a catalog")
	}
	if cfg.Bridge == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "engine requires a submission bridge")
	}
	exprs := cfg.Expressions
	if exprs == nil {
		var err error
		if exprs, err = expressions.NewSet(); err != nil {
			return nil, fmt.Errorf("expressions: %w", err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	cv, err := validation.NewCatalogValidator(exprs)
	if err != nil {
		return nil, fmt.Errorf("catalog validator: %w", err)
	}

	var appender EventAppender
	if cfg.Events != nil {
		appender = bestEffortAppender{inner: cfg.Events, logger: logger}
	}

	e := &Engine{
		catalog:     cfg.Catalog,
		bridge:      cfg.Bridge,
		payments:    cfg.Payments,
		files:       cfg.Files,
		events:      appender,
		checker:     validation.NewAnswerChecker(exprs.Rules),
		conditions:  exprs.Conditions,
		sessionFSM:  NewSessionFSM(appender),
		paymentFSM:  NewPaymentFSM(appender),
		logger:      logger,
		now:         now,
		serviceErrs: make(map[string]error, len(cfg.Catalog.Services)),
	}

	for i := range cfg.Catalog.Services {
		svc := &cfg.Catalog.Services[i]
		result := cv.ValidateService(svc)
		for _, w := range result.Warnings {
			logger.Warn("service configuration warning", "service", svc.Title, "path", w.Path, "message", w.Message)
		}
		if err := result.ToError(); err != nil {
			logger.Error("service is misconfigured and will be refused", "service", svc.Title, "error", err)
			e.serviceErrs[svc.Title] = err
		}
	}
	return e, nil
}

// Services lists the selectable services in authored order.
func (e *Engine) Services() []ServiceOption {
	out := make([]ServiceOption, 0, len(e.catalog.Services))
	for _, svc := range e.catalog.Services {
		out = append(out, ServiceOption{Title: svc.Title, Description: svc.Description})
	}
	return out
}

// NewSession creates an idle session.
func (e *Engine) NewSession() *Session {
	return newSession(uuid.New().String(), e.now())
}

// SelectService loads a service's sequence, discarding all prior answers and payments.
func (e *Engine) SelectService(ctx context.Context, s *Session, title string) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = logging.WithIDs(ctx, s.id, "", title)

	if s.submissionInFlight {
		return nil, errSubmissionInFlight()
	}
	svc, ok := e.catalog.Service(title)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "service %q not found", title).
			WithDetails(map[string]any{"services": e.catalog.Titles()})
	}
	if err := e.serviceErrs[title]; err != nil {
		return nil, err
	}

	first := e.nextVisible(ctx, svc, schema.AnswerMap{}, -1)
	if first >= len(svc.Steps) {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"service %q has no visible steps", title)
	}

	ev := e.event(s, schema.EventServiceSelected, svc.Steps[first].ID, nil)
	ev.Service = title
	if err := e.sessionFSM.Transition(ctx, ev, s.state, schema.SessionInStep); err != nil {
		return nil, err
	}

	s.reset()
	s.service = svc
	s.state = schema.SessionInStep
	s.index = first
	s.updatedAt = e.now()
	e.logger.DebugContext(ctx, "service selected", "first_step", svc.Steps[first].ID)

	v := e.render(ctx, s)
	return &v, nil
}

// Back moves to the previous visible step, or back to the service picker from
// the first step, which discards the answers.
func (e *Engine) Back(ctx context.Context, s *Session) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = e.sessionCtx(ctx, s)

	switch s.state {
	case schema.SessionSubmitting:
		return nil, schema.NewError(schema.ErrCodeInvalidTransition,
			"cannot go back while the submission is in flight")
	case schema.SessionIdle:
		return nil, schema.NewError(schema.ErrCodeInvalidTransition, "no service selected")
	case schema.SessionTerminal:
		return nil, schema.NewError(schema.ErrCodeInvalidTransition,
			"the inquiry was already submitted; restart to begin again")
	}

	prev := e.prevVisible(ctx, s.service, s.answers, s.index)
	if prev < 0 {
		ev := e.event(s, schema.EventServiceDeselected, "", nil)
		if err := e.sessionFSM.Transition(ctx, ev, schema.SessionInStep, schema.SessionIdle); err != nil {
			return nil, err
		}
		s.reset()
	} else {
		ev := e.event(s, schema.EventStepEntered, s.service.Steps[prev].ID, nil)
		if err := e.sessionFSM.Transition(ctx, ev, schema.SessionInStep, schema.SessionInStep); err != nil {
			return nil, err
		}
		s.index = prev
		s.lastReject = nil
	}
	s.updatedAt = e.now()

	v := e.render(ctx, s)
	return &v, nil
}

// Restart returns a session to the service picker from any state but Submitting.
func (e *Engine) Restart(ctx context.Context, s *Session) (*View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = e.sessionCtx(ctx, s)

	switch s.state {
	case schema.SessionSubmitting:
		return nil, errSubmissionInFlight()
	case schema.SessionIdle:
		v := e.render(ctx, s)
		return &v, nil
	}

	ev := e.event(s, schema.EventSessionRestarted, "", nil)
	if err := e.sessionFSM.Transition(ctx, ev, s.state, schema.SessionIdle); err != nil {
		return nil, err
	}
	s.reset()
	s.updatedAt = e.now()

	v := e.render(ctx, s)
	return &v, nil
}

// View renders the session's current state.
func (e *Engine) View(ctx context.Context, s *Session) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.render(e.sessionCtx(ctx, s), s)
}

// Commit validates raw against the current step and, when it passes, records it
// and advances. Reaching a terminal step (or the end of the sequence) submits the
// answers through the bridge exactly once; a bridge failure returns the session
// to the step just committed with every answer kept.
func (e *Engine) Commit(ctx context.Context, s *Session, raw any) (*CommitResult, error) {
	s.mu.Lock()
	ctx = e.sessionCtx(ctx, s)
	pending, res, err := e.commitLocked(ctx, s, raw)
	s.mu.Unlock()

	if pending == nil {
		return res, err
	}
	return e.finishSubmission(ctx, s, pending)
}

// UploadFile commits a raw upload for the current file step.
func (e *Engine) UploadFile(ctx context.Context, s *Session, upload schema.FileUpload) (*CommitResult, error) {
	s.mu.Lock()
	step := s.currentStep()
	if s.state == schema.SessionInStep && (step == nil || step.Type != schema.StepFile) {
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeInvalidTransition, "current step does not accept files")
	}
	s.mu.Unlock()
	return e.Commit(ctx, s, upload)
}

// pendingSubmission is a submission started under the session lock and finished outside it.
type pendingSubmission struct {
	sub       *schema.Submission
	answers   schema.AnswerMap
	fromIndex int
	terminal  *schema.WorkflowStep
}

func (e *Engine) commitLocked(ctx context.Context, s *Session, raw any) (*pendingSubmission, *CommitResult, error) {
	switch s.state {
	case schema.SessionSubmitting:
		return nil, nil, errSubmissionInFlight()
	case schema.SessionIdle:
		return nil, nil, schema.NewError(schema.ErrCodeInvalidTransition, "no service selected")
	case schema.SessionTerminal:
		return nil, nil, schema.NewError(schema.ErrCodeInvalidTransition,
			"the inquiry was already submitted; restart to begin again")
	}

	step := s.currentStep()
	ctx = logging.WithStepID(ctx, step.ID)
	s.updatedAt = e.now()

	// A step can be its own answer-free terminal view.
	if step.Type.IsTerminal() {
		return e.beginSubmission(ctx, s, step)
	}

	value, rej, err := e.acceptValue(ctx, s, step, raw)
	if err != nil {
		return nil, nil, err
	}
	if rej != nil {
		s.lastReject = rej
		e.record(ctx, e.event(s, schema.EventAnswerRejected, step.ID, map[string]any{
			"code": rej.Code, "reason": rej.Reason,
		}))
		return nil, &CommitResult{Code: rej.Code, Reason: rej.Reason, View: e.render(ctx, s)}, nil
	}

	s.answers[step.ID] = value
	s.lastReject = nil
	e.record(ctx, e.event(s, schema.EventAnswerCommitted, step.ID, map[string]any{"value": value}))

	// Answers feed later conditions; an earlier step may have become visible.
	if gap := e.firstGap(ctx, s, s.index); gap >= 0 {
		return nil, e.enterStep(ctx, s, gap), nil
	}

	next := e.nextVisible(ctx, s.service, s.answers, s.index)
	if next >= len(s.service.Steps) {
		return e.beginSubmission(ctx, s, nil)
	}
	if s.service.Steps[next].Type.IsTerminal() {
		return e.beginSubmission(ctx, s, &s.service.Steps[next])
	}
	return nil, e.enterStep(ctx, s, next), nil
}

func (e *Engine) enterStep(ctx context.Context, s *Session, idx int) *CommitResult {
	ev := e.event(s, schema.EventStepEntered, s.service.Steps[idx].ID, nil)
	// InStep -> InStep is always valid and the appender never fails.
	_ = e.sessionFSM.Transition(ctx, ev, schema.SessionInStep, schema.SessionInStep)
	s.index = idx
	return &CommitResult{Accepted: true, View: e.render(ctx, s)}
}

// acceptValue returns the value to store, or a rejection for a failed check.
func (e *Engine) acceptValue(ctx context.Context, s *Session, step *schema.WorkflowStep, raw any) (any, *Rejection, error) {
	if step.Type == schema.StepPayment {
		flow := s.payments[step.ID]
		if flow == nil || flow.State != schema.PaymentSucceeded || flow.Confirmation == nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodePaymentRequired,
				"a payment of %s is required before continuing", formatAmount(step.Amount, step.Currency)).
				WithStep(step.ID)
		}
		return *flow.Confirmation, nil, nil
	}

	res := e.checker.Check(ctx, step, raw, s.answers)
	if !res.Valid {
		return nil, &Rejection{StepID: step.ID, Code: res.Code, Reason: res.Reason}, nil
	}
	if step.Type != schema.StepFile {
		return res.Value, nil, nil
	}
	if claimed, ok := res.Value.(schema.FileReference); ok {
		issued, found := s.uploads[claimed.URLOrID]
		if !found || issued.stepID != step.ID {
			return nil, &Rejection{StepID: step.ID, Code: validation.ReasonWrongShape,
				Reason: "files must be uploaded; references are only accepted from this session's uploads"}, nil
		}
		// The stored metadata is authoritative over what the client echoed back.
		return issued.ref, nil, nil
	}

	upload, ok := asUpload(raw)
	if !ok || (upload.Name == "" && len(upload.Data) == 0) {
		// Optional file step left empty.
		return nil, nil, nil
	}
	if e.files == nil {
		return nil, nil, schema.NewError(schema.ErrCodeConfiguration, "file uploads are not configured").WithStep(step.ID)
	}
	ref, err := e.files.Put(ctx, s.id, step.ID, upload)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeStore, "store upload %q: %s", upload.Name, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	// The stored type is sniffed from content and may differ from what the client claimed.
	res = e.checker.Check(ctx, step, *ref, s.answers)
	if !res.Valid {
		return nil, &Rejection{StepID: step.ID, Code: res.Code, Reason: res.Reason}, nil
	}
	s.uploads[ref.URLOrID] = issuedUpload{stepID: step.ID, ref: *ref}
	return *ref, nil, nil
}

func asUpload(raw any) (schema.FileUpload, bool) {
	switch v := raw.(type) {
	case schema.FileUpload:
		return v, true
	case *schema.FileUpload:
		if v != nil {
			return *v, true
		}
	}
	return schema.FileUpload{}, false
}

func (e *Engine) beginSubmission(ctx context.Context, s *Session, terminal *schema.WorkflowStep) (*pendingSubmission, *CommitResult, error) {
	payload, frozen, err := e.buildPayload(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	step := s.currentStep()
	ev := e.event(s, schema.EventSubmissionStarted, step.ID, nil)
	if err := e.sessionFSM.Transition(ctx, ev, schema.SessionInStep, schema.SessionSubmitting); err != nil {
		return nil, nil, err
	}
	s.state = schema.SessionSubmitting
	s.submissionInFlight = true
	s.lastError = nil

	id := uuid.New().String()
	if prev := s.failedSubmission; prev != nil && reflect.DeepEqual(prev.Payload, payload) {
		id = prev.ID
	}
	return &pendingSubmission{
		sub: &schema.Submission{
			ID:        id,
			SessionID: s.id,
			Service:   s.service.Title,
			Payload:   payload,
			CreatedAt: e.now().UTC(),
		},
		answers:   frozen,
		fromIndex: s.index,
		terminal:  terminal,
	}, nil, nil
}

func (e *Engine) finishSubmission(ctx context.Context, s *Session, p *pendingSubmission) (*CommitResult, error) {
	e.logger.DebugContext(ctx, "submitting", "submission_id", p.sub.ID, "answers", len(p.answers))
	bridgeErr := e.bridge.Submit(ctx, p.sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissionInFlight = false
	s.updatedAt = e.now()

	if bridgeErr != nil {
		stepID := s.service.Steps[p.fromIndex].ID
		ierr := schema.NewErrorf(schema.ErrCodeSubmissionFailed,
			"your inquiry could not be sent: %s", bridgeErr.Error()).
			WithStep(stepID).WithCause(bridgeErr).
			WithDetails(map[string]any{"submission_id": p.sub.ID, "retryable": true})
		ev := e.event(s, schema.EventSubmissionFailed, stepID, map[string]any{"error": bridgeErr.Error()})
		_ = e.sessionFSM.Transition(ctx, ev, schema.SessionSubmitting, schema.SessionInStep)
		s.state = schema.SessionInStep
		s.index = p.fromIndex
		s.lastError = ierr
		s.failedSubmission = p.sub
		e.logger.WarnContext(ctx, "submission failed", "submission_id", p.sub.ID, "error", bridgeErr)
		return &CommitResult{Accepted: true, View: e.render(ctx, s)}, ierr
	}

	terminalID := ""
	if p.terminal != nil {
		terminalID = p.terminal.ID
	}
	ev := e.event(s, schema.EventTerminalReached, terminalID, map[string]any{"submission_id": p.sub.ID})
	_ = e.sessionFSM.Transition(ctx, ev, schema.SessionSubmitting, schema.SessionTerminal)
	s.state = schema.SessionTerminal
	s.terminalReached = true
	s.terminalStep = p.terminal
	s.answers = p.answers
	s.failedSubmission = nil
	e.logger.InfoContext(ctx, "inquiry submitted", "submission_id", p.sub.ID)

	return &CommitResult{
		Accepted:     true,
		Submitted:    true,
		SubmissionID: p.sub.ID,
		View:         e.render(ctx, s),
	}, nil
}

// buildPayload freezes the answers of every visible non-terminal step in step
// order, keyed by step id, plus the service title.
func (e *Engine) buildPayload(ctx context.Context, s *Session) (map[string]any, schema.AnswerMap, error) {
	payload := map[string]any{schema.PayloadServiceKey: s.service.Title}
	frozen := schema.AnswerMap{}
	for _, i := range e.visibleInputs(ctx, s.service, s.answers) {
		step := &s.service.Steps[i]
		v, ok := s.answers[step.ID]
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeExecution,
				"step %q has no answer", step.ID).WithStep(step.ID)
		}
		payload[step.ID] = v
		frozen[step.ID] = v
	}
	return payload, frozen, nil
}

func (e *Engine) sessionCtx(ctx context.Context, s *Session) context.Context {
	stepID := ""
	if step := s.currentStep(); step != nil {
		stepID = step.ID
	}
	return logging.WithIDs(ctx, s.id, stepID, s.serviceTitle())
}

func (e *Engine) event(s *Session, typ, stepID string, payload any) *store.Event {
	ev := &store.Event{
		SessionID: s.id,
		StepID:    stepID,
		Service:   s.serviceTitle(),
		Type:      typ,
		Timestamp: e.now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}

// record appends an event that is not tied to a state transition.
func (e *Engine) record(ctx context.Context, ev *store.Event) {
	if e.events != nil {
		_ = e.events.AppendEvent(ctx, ev)
	}
}

func errSubmissionInFlight() *schema.IntakeError {
	return schema.NewError(schema.ErrCodeSubmissionInFlight, "a submission is already in progress")
}

// bestEffortAppender keeps the event log from failing visitor operations.
type bestEffortAppender struct {
	inner  EventAppender
	logger *slog.Logger
}

func (a bestEffortAppender) AppendEvent(ctx context.Context, ev *store.Event) error {
	if err := a.inner.AppendEvent(ctx, ev); err != nil {
		a.logger.WarnContext(ctx, "event not recorded", "event_type", ev.Type, "error", err)
	}
	return nil
}
