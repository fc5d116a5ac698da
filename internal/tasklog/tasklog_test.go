package tasklog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"AgentNexus/internal/plan"
)

func TestReplayReconstructsFinalStatuses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	transitions := []struct {
		task   string
		status plan.TaskStatus
	}{
		{"a", plan.StatusPending},
		{"b", plan.StatusPending},
		{"a", plan.StatusInProgress},
		{"b", plan.StatusInProgress},
		{"b", plan.StatusFailed},
		{"a", plan.StatusCompleted},
	}
	for _, tr := range transitions {
		if err := store.Append(ctx, &Entry{WorkflowID: "wf", TaskID: tr.task, Kind: KindStatus, Status: tr.status}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := store.Append(ctx, &Entry{WorkflowID: "wf", TaskID: "a", Kind: KindTrace, Output: "noise"}); err != nil {
		t.Fatalf("append trace: %v", err)
	}

	entries, err := store.List(ctx, Filter{WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Shuffle order to prove Replay relies on Seq rather than slice order.
	entries[0], entries[len(entries)-1] = entries[len(entries)-1], entries[0]

	got := Replay(entries)
	if got["a"] != plan.StatusCompleted || got["b"] != plan.StatusFailed {
		t.Fatalf("unexpected replay result: %+v", got)
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Append(ctx, &Entry{WorkflowID: "wf", Kind: KindTrace})
		}()
	}
	wg.Wait()

	entries, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("expected seq %d at %d, got %d", i+1, i, e.Seq)
		}
		if e.ID == "" || e.CreatedAt.IsZero() {
			t.Fatalf("entry missing id or timestamp: %+v", e)
		}
	}
}

func TestListFilterAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, &Entry{WorkflowID: "wf", AgentID: 7, UserID: "alice", Kind: KindTrace, Output: string(rune('a' + i))})
	}
	_ = store.Append(ctx, &Entry{WorkflowID: "other", AgentID: 8, Kind: KindStatus})

	recent, err := store.List(ctx, Filter{AgentID: 7, UserID: "alice", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 2 || recent[0].Output != "d" || recent[1].Output != "e" {
		t.Fatalf("unexpected recent entries: %+v", recent)
	}

	status, _ := store.List(ctx, Filter{Kinds: []Kind{KindStatus}})
	if len(status) != 1 || status[0].WorkflowID != "other" {
		t.Fatalf("unexpected kind filter result: %+v", status)
	}
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasklog.jsonl")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, status := range []plan.TaskStatus{plan.StatusPending, plan.StatusInProgress, plan.StatusCompleted} {
		if err := store.Append(ctx, &Entry{WorkflowID: "wf", TaskID: "t", Kind: KindStatus, Status: status}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entries, err := reopened.List(ctx, Filter{WorkflowID: "wf"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 restored entries, got %d", len(entries))
	}
	if Replay(entries)["t"] != plan.StatusCompleted {
		t.Fatalf("replay after restart lost final status")
	}

	entry := &Entry{WorkflowID: "wf", TaskID: "t", Kind: KindTrace}
	if err := reopened.Append(ctx, entry); err != nil {
		t.Fatalf("append after restart: %v", err)
	}
	if entry.Seq != 4 {
		t.Fatalf("expected seq to continue at 4, got %d", entry.Seq)
	}
}
