package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"AgentNexus/internal/auth"
	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/job"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/observability/metrics"
	"AgentNexus/internal/orchestrator"
	"AgentNexus/internal/plan"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/session"
	"AgentNexus/internal/tasklog"
)

type fakeOrchestrator struct {
	last   orchestrator.Request
	report *orchestrator.Report
	err    error
}

func (f *fakeOrchestrator) Handle(_ context.Context, req orchestrator.Request) (*orchestrator.Report, error) {
	f.last = req
	return f.report, f.err
}

type fixture struct {
	server   *Server
	orch     *fakeOrchestrator
	jobs     *job.Service
	registry *registry.Service
	memory   *memory.MemoryStore
	log      *tasklog.MemoryStore
	sessions *session.Manager
}

func newFixture(t *testing.T, authSvc *auth.Service) *fixture {
	t.Helper()
	f := &fixture{
		orch: &fakeOrchestrator{report: &orchestrator.Report{
			WorkflowID: "wf-1",
			Response:   "done",
			State:      orchestrator.StateCompleted,
		}},
		jobs:     job.NewService(job.NewMemoryStore(), job.NewMemoryQueue(16), 2),
		registry: registry.NewService(registry.NewMemoryStore()),
		memory:   memory.NewMemoryStore(),
		log:      tasklog.NewMemoryStore(),
		sessions: session.NewManager(session.NewMemoryStore(), 0),
	}
	f.server = NewServer(":0", Dependencies{
		Orchestrator: f.orch,
		Jobs:         f.jobs,
		Registry:     f.registry,
		Memory:       f.memory,
		TaskLog:      f.log,
		Sessions:     f.sessions,
		Auth:         authSvc,
		Metrics:      metrics.New(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return envelope.Error
}

func TestSynchronousRequest(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{"message": "Build a REST API", "session_id": "s-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var report orchestrator.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.WorkflowID != "wf-1" || report.Response != "done" {
		t.Fatalf("unexpected report %+v", report)
	}
	if f.orch.last.Message != "Build a REST API" || f.orch.last.SessionID != "s-1" || f.orch.last.UserID != "anonymous" {
		t.Fatalf("unexpected forwarded request %+v", f.orch.last)
	}
}

func TestRequestErrorEnvelope(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.report = &orchestrator.Report{WorkflowID: "wf-empty", State: orchestrator.StateFailed}
	f.orch.err = xerrors.New(xerrors.CodeEmptyRequest, "request is empty")

	rec := f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{"message": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != string(xerrors.CodeEmptyRequest) || body.Details["workflow_id"] != "wf-empty" {
		t.Fatalf("unexpected envelope %+v", body)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/requests", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed body to be rejected, got %d", rec.Code)
	}
}

func TestAsyncRequestCreatesJob(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{"message": "write docs", "async": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil || accepted.JobID == "" {
		t.Fatalf("expected job id, got %s (%v)", rec.Body.String(), err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/"+accepted.JobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	var got job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.Status != job.StatusPending || got.Message != "write docs" {
		t.Fatalf("unexpected job %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs?status=pending&limit=5", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), accepted.JobID) {
		t.Fatalf("expected job in list, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs/stats", nil)
	var stats job.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.Pending != 1 {
		t.Fatalf("unexpected stats %s (%v)", rec.Body.String(), err)
	}
}

func TestJobErrors(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		path   string
		status int
	}{
		{"/api/v1/jobs/missing", http.StatusNotFound},
		{"/api/v1/jobs?status=bogus", http.StatusBadRequest},
		{"/api/v1/jobs?limit=-1", http.StatusBadRequest},
		{"/api/v1/jobs?order=sideways", http.StatusBadRequest},
		{"/api/v1/jobs?since=yesterday", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodGet, tc.path, nil)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d got %d", tc.path, tc.status, rec.Code)
		}
	}
}

func TestAgentEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{
		"name":            "BackendDev",
		"capability_tags": []string{"backend/api", "backend/db"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	var agent registry.Agent
	if err := json.Unmarshal(rec.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.ID == 0 || !agent.Enabled {
		t.Fatalf("expected enabled agent with id, got %+v", agent)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/agents/%d/disable", agent.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d", rec.Code)
	}
	got, err := f.registry.Get(context.Background(), agent.ID)
	if err != nil || got.Enabled {
		t.Fatalf("expected agent disabled, got %+v %v", got, err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents?capability=backend/db", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "BackendDev") {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"name": "NoTags"})
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Code != string(registry.CodeAgentInvalid) {
		t.Fatalf("expected invalid agent, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/agents/42/enable", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown agent, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/agents/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non numeric id, got %d", rec.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := &memory.Snapshot{AgentID: 1, Key: "prefs", MemoryType: memory.TypeInsight, Value: json.RawMessage(`{"v":1}`)}
	second := &memory.Snapshot{AgentID: 1, Key: "prefs", MemoryType: memory.TypeInsight, Value: json.RawMessage(`{"v":2}`)}
	for _, snap := range []*memory.Snapshot{first, second} {
		if err := f.memory.Append(ctx, snap); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/memory?agent_id=1&key=prefs", nil)
	var history struct {
		Snapshots []memory.Snapshot `json:"snapshots"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Snapshots) != 2 || history.Snapshots[0].ID != second.ID {
		t.Fatalf("expected newest first history, got %+v", history.Snapshots)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/memory/"+first.ID, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"v":1`) {
		t.Fatalf("get snapshot: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/memory/unknown", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/memory?agent_id=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWorkflowLogReplaysStatuses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, status := range []plan.TaskStatus{plan.StatusInProgress, plan.StatusCompleted} {
		if err := f.log.Append(ctx, &tasklog.Entry{WorkflowID: "wf-9", TaskID: "t1", Kind: tasklog.KindStatus, Status: status}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/api/v1/workflows/wf-9/log", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("log: %d", rec.Code)
	}
	var body struct {
		Entries  []tasklog.Entry             `json:"entries"`
		Statuses map[string]plan.TaskStatus `json:"statuses"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if len(body.Entries) != 2 || body.Statuses["t1"] != plan.StatusCompleted {
		t.Fatalf("unexpected log %+v", body)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/workflows/none/log", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	sess, err := f.sessions.Resolve(context.Background(), "alice", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec := f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/close", nil)
	var closed session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &closed); err != nil || closed.Status != session.StatusClosed {
		t.Fatalf("expected closed session, got %s (%v)", rec.Body.String(), err)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/sessions/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeStatic, Tokens: []auth.StaticToken{
		{Token: "writer", UserID: "alice", Scopes: []string{"requests:write", "sessions:read"}},
		{Token: "ops", UserID: "ops", Scopes: []string{"jobs:read"}},
	}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	f := newFixture(t, svc)

	rec := f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{"message": "hi"})
	if rec.Code != http.StatusUnauthorized || decodeError(t, rec).Code != string(auth.CodeTokenMissing) {
		t.Fatalf("expected missing token, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{"message": "hi", "token": "writer"})
	if rec.Code != http.StatusOK || f.orch.last.UserID != "alice" {
		t.Fatalf("expected body token to authenticate, got %d user=%q", rec.Code, f.orch.last.UserID)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/requests", map[string]any{"message": "hi"}, "Authorization", "Bearer ops")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing scope, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/jobs", nil, "Authorization", "Bearer ops")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected jobs:read to list jobs, got %d", rec.Code)
	}

	sess, err := f.sessions.Resolve(context.Background(), "bob", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec = f.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil, "Authorization", "Bearer writer")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected foreign session to be forbidden, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	f.do(t, http.MethodGet, "/api/v1/jobs", nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("expected http metrics, got %d", rec.Code)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[xerrors.Code]int{
		xerrors.CodeNoCapableAgent:       http.StatusUnprocessableEntity,
		xerrors.CodeWorkerTimeout:        http.StatusGatewayTimeout,
		xerrors.CodePersistenceFailure:   http.StatusServiceUnavailable,
		job.CodeJobCompleted:             http.StatusConflict,
		xerrors.CodeRetryBudgetExhausted: http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusFor(xerrors.New(code, "x")); got != want {
			t.Fatalf("%s: expected %d got %d", code, want, got)
		}
	}
}
