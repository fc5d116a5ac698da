package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsCountEvents(t *testing.T) {
	c := New()
	c.ObserveHTTPRequest("requests", "POST", 200, 10*time.Millisecond)
	c.ObserveHTTPRequest("requests", "POST", 502, 10*time.Millisecond)
	c.WorkflowFinished("completed", time.Second, 120)
	c.TaskFinished("backend", "completed")
	c.TaskFinished("backend", "completed")
	c.Escalated("RETRY_BUDGET_EXHAUSTED", "reassigned")

	if got := testutil.ToFloat64(c.httpErrors.WithLabelValues("requests", "POST")); got != 1 {
		t.Fatalf("expected 1 server error, got %v", got)
	}
	if got := testutil.ToFloat64(c.tasks.WithLabelValues("backend", "completed")); got != 2 {
		t.Fatalf("expected 2 completed tasks, got %v", got)
	}
	if got := testutil.ToFloat64(c.tokens); got != 120 {
		t.Fatalf("expected 120 tokens, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.WorkflowFinished("failed", time.Second, 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `agentnexus_workflows_total{state="failed"} 1`) {
		t.Fatalf("workflow counter missing from exposition:\n%s", body)
	}
}
