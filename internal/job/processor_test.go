package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/observability/alerting"
	"AgentNexus/internal/orchestrator"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	errs      []error
	mu        sync.Mutex
}

func (f *fakeExecutor) Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return &orchestrator.Report{Request: req.Message, State: orchestrator.StateFailed}, err
	}
	f.processed.Add(1)
	return &orchestrator.Report{WorkflowID: "wf-" + req.Message, Request: req.Message, Response: "done", State: orchestrator.StateCompleted}, nil
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, orchestrator.Request{Message: fmt.Sprintf("request-%d", i)}); err != nil {
			t.Fatalf("submit job: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time, completed %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	stats, err := service.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total {
		t.Fatalf("expected %d succeeded jobs, got %+v", total, stats)
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingAlerts{}
	executor := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodePersistenceFailure, "store unavailable")}}

	service := NewService(store, queue, 2)
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts))

	job, err := service.Submit(ctx, orchestrator.Request{Message: "build api", SessionID: "s1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-queue.ch

	if err := processor.Process(ctx, job.ID); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	pending, _ := store.Get(ctx, job.ID)
	if pending.Status != StatusPending || pending.Attempts != 1 || pending.ErrorCode != string(xerrors.CodePersistenceFailure) {
		t.Fatalf("expected job back in pending after retryable failure, got %+v", pending)
	}

	select {
	case id := <-queue.ch:
		if id != job.ID {
			t.Fatalf("unexpected requeued id %s", id)
		}
	default:
		t.Fatalf("expected job to be requeued")
	}

	if err := processor.Process(ctx, job.ID); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	finished, err := service.WaitUntilCompleted(ctx, job.ID, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != StatusSucceeded || finished.Attempts != 2 || finished.Report == nil || finished.Report.Response != "done" {
		t.Fatalf("unexpected finished job: %+v", finished)
	}
	if finished.Request().SessionID != "s1" {
		t.Fatalf("expected session to be carried into the request")
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingAlerts{}
	executor := &fakeExecutor{errs: []error{xerrors.New(xerrors.CodeNoCapableAgent, "nobody can do this")}}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts))

	job, err := service.Submit(ctx, orchestrator.Request{Message: "paint the moon"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-queue.ch

	if err := processor.Process(ctx, job.ID); err != nil {
		t.Fatalf("process: %v", err)
	}
	failed, _ := store.Get(ctx, job.ID)
	if failed.Status != StatusFailed || failed.ErrorCode != string(xerrors.CodeNoCapableAgent) {
		t.Fatalf("expected terminal failure, got %+v", failed)
	}
	if failed.Report == nil || failed.Report.State != orchestrator.StateFailed {
		t.Fatalf("expected the failed workflow report to be kept, got %+v", failed.Report)
	}
	select {
	case id := <-queue.ch:
		t.Fatalf("terminal job %s must not be requeued", id)
	default:
	}
	if len(alerts.events) != 1 || alerts.events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("expected one terminal alert, got %+v", alerts.events)
	}

	// 重复消息被跳过。
	if err := processor.Process(ctx, job.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if executor.processed.Load() != 0 {
		t.Fatalf("executor should not run for a finished job")
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 1)
	if _, err := service.Submit(context.Background(), orchestrator.Request{Message: "   "}); xerrors.CodeOf(err) != xerrors.CodeEmptyRequest {
		t.Fatalf("expected EMPTY_REQUEST, got %v", err)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1)
	_ = queue.Close()
	service := NewService(store, queue, 1)

	if _, err := service.Submit(context.Background(), orchestrator.Request{Message: "hello"}); xerrors.CodeOf(err) != CodeJobPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	stats, _ := store.Stats(context.Background(), ListOptions{})
	if stats.Failed != 1 {
		t.Fatalf("expected the unpublished job to be marked failed, got %+v", stats)
	}
}
