package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/intake/pkg/schema"
)

func TestManager_OpenGetClose(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.engine)
	ctx := context.Background()

	s := m.Open(ctx)
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.True(t, m.Close(s.ID()))
	assert.False(t, m.Close(s.ID()))

	_, err = m.Get(s.ID())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestManager_SweepIdleSessions(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.engine)
	ctx := context.Background()

	stale := m.Open(ctx)
	active := m.Open(ctx)

	env.clock.Advance(20 * time.Minute)
	_, err := env.engine.SelectService(ctx, active, "General Inquiry")
	require.NoError(t, err)

	assert.Equal(t, 1, m.Sweep(ctx, 15*time.Minute))
	assert.Equal(t, 1, m.Len())

	_, err = m.Get(stale.ID())
	assert.Error(t, err)
	_, err = m.Get(active.ID())
	assert.NoError(t, err)
}

func TestManager_SweepSkipsInFlightSubmission(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.engine)
	ctx := context.Background()

	s := m.Open(ctx)
	s.mu.Lock()
	s.submissionInFlight = true
	s.mu.Unlock()

	env.clock.Advance(time.Hour)
	assert.Equal(t, 0, m.Sweep(ctx, time.Minute))
	assert.Equal(t, 1, m.Len())
}

func TestManager_Snapshots(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.engine)
	ctx := context.Background()

	first := m.Open(ctx)
	env.clock.Advance(time.Second)
	second := m.Open(ctx)

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, first.ID(), snaps[0].ID)
	assert.Equal(t, second.ID(), snaps[1].ID)
	assert.Equal(t, schema.SessionIdle, snaps[0].State)
}
