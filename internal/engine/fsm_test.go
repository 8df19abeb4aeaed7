package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Types() []string {
	var out []string
	for _, e := range m.Events() {
		out = append(out, e.Type)
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func sessionEvent(stepID string) *store.Event {
	return &store.Event{SessionID: "s-1", StepID: stepID}
}

// --- SessionFSM Tests ---

func TestSessionFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, sessionEvent("name"), schema.SessionIdle, schema.SessionInStep))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("email"), schema.SessionInStep, schema.SessionInStep))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("email"), schema.SessionInStep, schema.SessionSubmitting))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("email"), schema.SessionSubmitting, schema.SessionInStep))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("email"), schema.SessionInStep, schema.SessionSubmitting))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("done"), schema.SessionSubmitting, schema.SessionTerminal))
	require.NoError(t, fsm.Transition(ctx, sessionEvent(""), schema.SessionTerminal, schema.SessionIdle))

	assert.Equal(t, []string{
		schema.EventServiceSelected,
		schema.EventStepEntered,
		schema.EventSubmissionStarted,
		schema.EventSubmissionFailed,
		schema.EventSubmissionStarted,
		schema.EventTerminalReached,
		schema.EventSessionRestarted,
	}, app.Types())
}

func TestSessionFSM_ExplicitEventType(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	ev := &store.Event{SessionID: "s-1", Type: schema.EventServiceSelected}
	require.NoError(t, fsm.Transition(context.Background(), ev, schema.SessionInStep, schema.SessionInStep))
	assert.Equal(t, []string{schema.EventServiceSelected}, app.Types())
}

func TestSessionFSM_BackToPicker(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), sessionEvent(""), schema.SessionInStep, schema.SessionIdle))
	assert.Equal(t, []string{schema.EventServiceDeselected}, app.Types())
}

func TestSessionFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	cases := []struct {
		from, to schema.SessionState
	}{
		{schema.SessionIdle, schema.SessionSubmitting},
		{schema.SessionIdle, schema.SessionTerminal},
		{schema.SessionInStep, schema.SessionTerminal},
		{schema.SessionSubmitting, schema.SessionIdle},
		{schema.SessionSubmitting, schema.SessionSubmitting},
		{schema.SessionTerminal, schema.SessionSubmitting},
	}
	for _, tc := range cases {
		err := fsm.Transition(context.Background(), sessionEvent("x"), tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)

		var ie *schema.IntakeError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, schema.ErrCodeInvalidTransition, ie.Code)
		assert.Contains(t, ie.Message, string(tc.from))
	}
	assert.Empty(t, app.Events())
}

func TestSessionFSM_EventEmitFailure(t *testing.T) {
	fsm := NewSessionFSM(&failAppender{})

	err := fsm.Transition(context.Background(), sessionEvent("name"), schema.SessionIdle, schema.SessionInStep)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestSessionFSM_NilAppender(t *testing.T) {
	fsm := NewSessionFSM(nil)
	require.NoError(t, fsm.Transition(context.Background(), sessionEvent("name"), schema.SessionIdle, schema.SessionInStep))
}

func TestSessionFSM_BeforeHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	var called bool
	fsm.OnBefore(schema.SessionInStep, schema.SessionSubmitting, func(from, to string) error {
		called = true
		assert.Equal(t, "in_step", from)
		assert.Equal(t, "submitting", to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), sessionEvent("email"), schema.SessionInStep, schema.SessionSubmitting))
	assert.True(t, called)
}

func TestSessionFSM_BeforeHookError(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	fsm.OnBefore(schema.SessionIdle, schema.SessionInStep, func(_, _ string) error {
		return errors.New("blocked")
	})

	err := fsm.Transition(context.Background(), sessionEvent("name"), schema.SessionIdle, schema.SessionInStep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
	assert.Empty(t, app.Events(), "no event when a before hook fails")
}

func TestSessionFSM_AfterHook(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	var seen int
	fsm.OnAfter(schema.SessionSubmitting, schema.SessionTerminal, func(_, _ string) error {
		seen = len(app.Events())
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), sessionEvent("done"), schema.SessionSubmitting, schema.SessionTerminal))
	assert.Equal(t, 1, seen, "after hook runs once the event is recorded")
}

func TestSessionFSM_ConcurrentTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fsm.Transition(context.Background(), sessionEvent("name"), schema.SessionInStep, schema.SessionInStep)
		}()
	}
	wg.Wait()
	assert.Len(t, app.Events(), 50)
}

// --- PaymentFSM Tests ---

func TestPaymentFSM_HappyPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewPaymentFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, sessionEvent("deposit"), schema.PaymentQuote, schema.PaymentCollectingMethod))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("deposit"), schema.PaymentCollectingMethod, schema.PaymentConfirming))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("deposit"), schema.PaymentConfirming, schema.PaymentSucceeded))

	assert.Equal(t, []string{
		schema.EventPaymentStarted,
		schema.EventPaymentConfirming,
		schema.EventPaymentSucceeded,
	}, app.Types())
}

func TestPaymentFSM_FailAndRetry(t *testing.T) {
	app := &mockAppender{}
	fsm := NewPaymentFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, sessionEvent("deposit"), schema.PaymentConfirming, schema.PaymentFailed))
	require.NoError(t, fsm.Transition(ctx, sessionEvent("deposit"), schema.PaymentFailed, schema.PaymentCollectingMethod))

	assert.Equal(t, []string{schema.EventPaymentFailed, schema.EventPaymentRetried}, app.Types())
}

func TestPaymentFSM_SucceededIsFinal(t *testing.T) {
	fsm := NewPaymentFSM(nil)
	for _, to := range []schema.PaymentState{
		schema.PaymentQuote, schema.PaymentCollectingMethod, schema.PaymentConfirming, schema.PaymentFailed,
	} {
		err := fsm.Transition(context.Background(), sessionEvent("deposit"), schema.PaymentSucceeded, to)
		assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "succeeded -> %s", to)
	}
}

func TestPaymentFSM_CannotSkipConfirmation(t *testing.T) {
	fsm := NewPaymentFSM(nil)
	err := fsm.Transition(context.Background(), sessionEvent("deposit"), schema.PaymentCollectingMethod, schema.PaymentSucceeded)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	err = fsm.Transition(context.Background(), sessionEvent("deposit"), schema.PaymentQuote, schema.PaymentSucceeded)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestPaymentFSM_Hooks(t *testing.T) {
	fsm := NewPaymentFSM(&mockAppender{})
	var order []string
	fsm.OnBefore(schema.PaymentConfirming, schema.PaymentSucceeded, func(_, _ string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.PaymentConfirming, schema.PaymentSucceeded, func(_, _ string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), sessionEvent("deposit"), schema.PaymentConfirming, schema.PaymentSucceeded))
	assert.Equal(t, []string{"before", "after"}, order)
}

// --- Transition tables ---

func TestSessionTransitionTable_AllStatesPresent(t *testing.T) {
	for _, s := range []schema.SessionState{
		schema.SessionIdle, schema.SessionInStep, schema.SessionSubmitting, schema.SessionTerminal,
	} {
		_, ok := ValidSessionTransitions[s]
		assert.True(t, ok, "missing state %s", s)
	}
}

func TestPaymentTransitionTable_AllStatesPresent(t *testing.T) {
	for _, s := range []schema.PaymentState{
		schema.PaymentQuote, schema.PaymentCollectingMethod, schema.PaymentConfirming,
		schema.PaymentSucceeded, schema.PaymentFailed,
	} {
		_, ok := ValidPaymentTransitions[s]
		assert.True(t, ok, "missing state %s", s)
	}
}
