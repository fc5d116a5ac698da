package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentNexus/internal/errors"
)

func seed(t *testing.T, svc *Service, agents ...Agent) []Agent {
	t.Helper()
	out := make([]Agent, 0, len(agents))
	for i := range agents {
		a := agents[i]
		require.NoError(t, svc.Register(context.Background(), &a))
		out = append(out, a)
	}
	return out
}

func TestSnapshotIsIsolatedFromLaterChanges(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())
	agents := seed(t, svc,
		Agent{Name: "FrontendDev", CapabilityTags: []string{"frontend/ui"}, Enabled: true},
		Agent{Name: "BackendDev", CapabilityTags: []string{"backend/api"}, Enabled: true},
	)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.Len())

	require.NoError(t, svc.SetEnabled(ctx, agents[0].ID, false))

	got, ok := snap.Get(agents[0].ID)
	require.True(t, ok)
	assert.True(t, got.Enabled, "held snapshot must not observe the disable")

	fresh, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	got, _ = fresh.Get(agents[0].ID)
	assert.False(t, got.Enabled)
	assert.Empty(t, fresh.Capable("frontend/ui"))
}

func TestSnapshotRefreshInterval(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(store, WithRefreshInterval(time.Minute), WithClock(func() time.Time { return now }))
	seed(t, svc, Agent{Name: "A", CapabilityTags: []string{"x"}, Enabled: true})

	first, err := svc.Snapshot(ctx)
	require.NoError(t, err)

	// Direct store writes bypass invalidation and only appear after the interval.
	b := Agent{Name: "B", CapabilityTags: []string{"x"}, Enabled: true}
	require.NoError(t, store.Upsert(ctx, &b))

	again, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Len(), again.Len())

	now = now.Add(2 * time.Minute)
	later, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, later.Len())
}

func TestBestPrefersSuccessRateThenLowestID(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())
	agents := seed(t, svc,
		Agent{Name: "One", CapabilityTags: []string{"backend/api"}, Enabled: true},
		Agent{Name: "Two", CapabilityTags: []string{"backend/api"}, Enabled: true},
		Agent{Name: "Off", CapabilityTags: []string{"backend/api"}, Enabled: false},
	)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	best, ok := snap.Best("backend/api")
	require.True(t, ok)
	assert.Equal(t, agents[0].ID, best.ID)

	require.NoError(t, svc.RecordOutcome(ctx, agents[0].ID, Outcome{Success: false}))
	require.NoError(t, svc.RecordOutcome(ctx, agents[1].ID, Outcome{Success: true}))
	svc.Invalidate(ctx)

	snap, err = svc.Snapshot(ctx)
	require.NoError(t, err)
	best, _ = snap.Best("backend/api")
	assert.Equal(t, agents[1].ID, best.ID)

	alt, ok := snap.Best("backend/api", agents[1].ID)
	require.True(t, ok)
	assert.Equal(t, agents[0].ID, alt.ID)

	_, ok = snap.Best("backend/api", agents[0].ID, agents[1].ID)
	assert.False(t, ok, "disabled agents are never selected")
}

func TestRecordOutcomeConcurrentTotalsMatchSequential(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	agent := Agent{Name: "Worker", CapabilityTags: []string{"general/analysis"}, Enabled: true}
	require.NoError(t, store.Upsert(ctx, &agent))

	const workflows = 50
	var wg sync.WaitGroup
	for i := 0; i < workflows; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := Outcome{Success: i%5 != 0, Errors: i % 3, Latency: 10 * time.Millisecond}
			assert.NoError(t, store.RecordOutcome(ctx, agent.ID, outcome))
		}(i)
	}
	wg.Wait()

	var expected Metrics
	for i := 0; i < workflows; i++ {
		if i%5 != 0 {
			expected.TasksCompleted++
		} else {
			expected.TasksFailed++
		}
		expected.ErrorCount += int64(i % 3)
		expected.TotalLatencyMs += 10
	}

	got, err := store.Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, expected, got.Metrics)
	assert.InDelta(t, 0.8, got.Metrics.SuccessRate(), 0.0001)
	assert.Equal(t, 10*time.Millisecond, got.Metrics.AvgLatency())
}

func TestUpsertKeepsIdentityAndMetrics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := Agent{Name: "Data", CapabilityTags: []string{"data"}, Enabled: true}
	require.NoError(t, store.Upsert(ctx, &a))
	require.NoError(t, store.RecordOutcome(ctx, a.ID, Outcome{Success: true}))

	update := Agent{Name: "data", CapabilityTags: []string{"data", "DATA", "sql"}, Enabled: false}
	require.NoError(t, store.Upsert(ctx, &update))
	assert.Equal(t, a.ID, update.ID)
	assert.Equal(t, []string{"data", "sql"}, update.CapabilityTags)
	assert.Equal(t, int64(1), update.Metrics.TasksCompleted)
}

func TestUpsertValidates(t *testing.T) {
	store := NewMemoryStore()
	err := store.Upsert(context.Background(), &Agent{Name: "NoTags"})
	require.Error(t, err)
	assert.Equal(t, CodeAgentInvalid, xerrors.CodeOf(err))

	_, err = store.Get(context.Background(), 99)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestParseRosterDefaultsEnabled(t *testing.T) {
	agents, err := ParseRoster([]byte(`
agents:
  - name: FrontendDev
    capabilities: [frontend/ui]
  - name: ValidationCore
    capabilities: [validation/review]
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.True(t, agents[0].Enabled)
	assert.False(t, agents[1].Enabled)
}

func TestWatcherReloadsRoster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - name: A\n    capabilities: [x]\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewService(NewMemoryStore())
	agents, err := LoadRoster(path)
	require.NoError(t, err)
	require.NoError(t, Sync(ctx, svc, agents))

	w := NewWatcher(path, svc)
	w.debounce = 10 * time.Millisecond
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - name: A\n    capabilities: [x]\n  - name: B\n    capabilities: [y]\n"), 0o644))

	assert.Eventually(t, func() bool {
		list, err := svc.List(ctx)
		return err == nil && len(list) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
