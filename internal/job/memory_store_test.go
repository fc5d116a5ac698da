package job

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/orchestrator"
)

func seedStore(t *testing.T, store *MemoryStore, jobs ...*Job) {
	t.Helper()
	for _, job := range jobs {
		if err := store.Create(context.Background(), job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	seedStore(t, store,
		&Job{ID: "j1", Message: "build a login form", SessionID: "s1", Status: StatusPending, MaxRetries: 3},
		&Job{ID: "j2", Message: "design the schema", SessionID: "s1", Status: StatusPending, MaxRetries: 3},
		&Job{ID: "j3", Message: "audit the api", SessionID: "s2", Status: StatusPending, MaxRetries: 3},
	)

	if err := store.MarkFailed(ctx, "j2", CodeJobProcessing, "boom", true, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", &orchestrator.Report{WorkflowID: "wf-3", Response: "audit complete"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "j3" || all[2].ID != "j1" {
		t.Fatalf("expected newest job first, got %+v", all)
	}

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "j1" || asc[1].ID != "j2" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}

	paged, err := store.List(ctx, BuildListOptions(WithOffset(2)))
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "j1" {
		t.Fatalf("unexpected offset page: %+v", paged)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" || failed[0].ErrorCode != string(CodeJobProcessing) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withReport, err := store.List(ctx, BuildListOptions(WithReportPresence(true)))
	if err != nil {
		t.Fatalf("list with report: %v", err)
	}
	if len(withReport) != 1 || withReport[0].Report.WorkflowID != "wf-3" {
		t.Fatalf("unexpected report list: %+v", withReport)
	}

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second))))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 jobs to match since filter, got %d", len(recent))
	}

	session, err := store.List(ctx, BuildListOptions(WithSession("s1")))
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(session) != 2 {
		t.Fatalf("expected 2 jobs in session s1, got %d", len(session))
	}

	matched, err := store.List(ctx, BuildListOptions(WithQuery("COMPLETE")))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "j3" {
		t.Fatalf("expected query to match the report response, got %+v", matched)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	seedStore(t, store,
		&Job{ID: "a", Message: "m1", Status: StatusPending, MaxRetries: 3},
		&Job{ID: "b", Message: "m2", Status: StatusPending, MaxRetries: 3},
		&Job{ID: "c", Message: "m3", Status: StatusPending, MaxRetries: 3},
	)
	if err := store.MarkFailed(ctx, "b", CodeJobProcessing, "boom", true, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", &orchestrator.Report{Response: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["a"].UpdatedAt = base.Unix()
	store.jobs["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withoutReport, err := store.Stats(ctx, BuildListOptions(WithReportPresence(false)))
	if err != nil {
		t.Fatalf("stats without report: %v", err)
	}
	if withoutReport.Total != 2 || withoutReport.Pending != 1 || withoutReport.Failed != 1 {
		t.Fatalf("unexpected stats without report: %+v", withoutReport)
	}

	empty, err := store.Stats(ctx, BuildListOptions(WithStatuses(StatusRunning)))
	if err != nil {
		t.Fatalf("stats running: %v", err)
	}
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedStore(t, store, &Job{ID: "j", Message: "m", Status: StatusPending, MaxRetries: 2})

	claimed, err := store.Claim(ctx, "j")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed job: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j", CodeJobProcessing, "retry me", false, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	again, err := store.Claim(ctx, "j")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again.Attempts != 2 || again.LastError != "" {
		t.Fatalf("unexpected reclaimed job: %+v", again)
	}

	if err := store.MarkFailed(ctx, "j", CodeJobProcessing, "retry me", false, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j"}); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected duplicate create to conflict, got %v", err)
	}
	if err := store.Create(ctx, &Job{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
}

func TestMemoryStoreReleaseRefundsAttempt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedStore(t, store, &Job{ID: "j", Message: "m", Status: StatusPending, MaxRetries: 1})

	if _, err := store.Claim(ctx, "j"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Release(ctx, "j", "context canceled"); err != nil {
		t.Fatalf("release: %v", err)
	}
	released, err := store.Get(ctx, "j")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if released.Status != StatusPending || released.Attempts != 0 || released.ErrorCode != string(xerrors.CodeCancelled) {
		t.Fatalf("unexpected released job: %+v", released)
	}
	if _, err := store.Claim(ctx, "j"); err != nil {
		t.Fatalf("released job should be claimable again: %v", err)
	}
	if err := store.Release(ctx, "missing", ""); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
