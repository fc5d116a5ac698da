package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentNexus/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutRoutesByChannel(t *testing.T) {
	logN := &recordingNotifier{channel: ChannelLog}
	hook := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(logN, hook, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeRetryBudgetExhausted})
	if err == nil {
		t.Fatalf("expected joined error from webhook notifier")
	}
	if len(logN.events) != 1 || len(hook.events) != 1 {
		t.Fatalf("expected broadcast to both notifiers")
	}

	if err := d.Notify(context.Background(), Event{Channel: ChannelLog}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logN.events) != 2 || len(hook.events) != 1 {
		t.Fatalf("expected delivery to log channel only")
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}}
	event := FromError(xerrors.New(xerrors.CodeRetryBudgetExhausted, "gave up"), "wf-1", "task-1")
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got.Code != xerrors.CodeRetryBudgetExhausted || got.WorkflowID != "wf-1" || got.TaskID != "task-1" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookNotifierReportsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}
