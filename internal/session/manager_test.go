package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCreatesAndReusesSession(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), time.Hour)

	s, err := mgr.Resolve(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	require.NotNil(t, s.ExpiresAt)

	again, err := mgr.Resolve(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)

	_, err = mgr.Resolve(ctx, "bob", s.ID)
	assert.ErrorIs(t, err, ErrSessionForbidden)
}

func TestResolveReplacesExpiredAndClosedSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore(), time.Minute)
	mgr.now = func() time.Time { return now }

	s, err := mgr.Resolve(ctx, "alice", "")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	fresh, err := mgr.Resolve(ctx, "alice", s.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, fresh.ID)
	assert.Equal(t, s.ID, fresh.Context["previous_session_id"])

	old, err := mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, old.Status)

	_, err = mgr.Close(ctx, fresh.ID)
	require.NoError(t, err)
	third, err := mgr.Resolve(ctx, "alice", fresh.ID)
	require.NoError(t, err)
	assert.NotEqual(t, fresh.ID, third.ID)
}

func TestTouchMergesContextAndExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore(), time.Minute)
	mgr.now = func() time.Time { return now }

	s, err := mgr.Resolve(ctx, "alice", "")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	require.NoError(t, mgr.Touch(ctx, s, "build a form", map[string]any{"last_workflow_id": "wf"}))

	got, err := mgr.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "build a form", got.LastCommand)
	assert.Equal(t, "wf", got.Context["last_workflow_id"])
	assert.Equal(t, now.Add(time.Minute), *got.ExpiresAt)
}

func TestResolveUnknownIDCreatesNewSession(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), 0)
	s, err := mgr.Resolve(context.Background(), "alice", "missing")
	require.NoError(t, err)
	assert.NotEqual(t, "missing", s.ID)
	assert.Nil(t, s.ExpiresAt)
}
