package nexus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAskSendsBearerToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/requests" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body AskRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Async || body.Message != "build api" {
			t.Fatalf("unexpected body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(Report{WorkflowID: "wf-1", Response: "ok", State: "completed"})
	})
	client.SetAccessToken("tok")

	report, err := client.Ask(context.Background(), AskRequest{Message: "build api", Async: true})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if report.WorkflowID != "wf-1" || report.Response != "ok" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestNoTokenSendsNoHeader(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Fatalf("expected no authorization header")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"agents": []Agent{{ID: 1, Name: "Reviewer"}}})
	})
	agents, err := client.ListAgents(context.Background(), "")
	if err != nil || len(agents) != 1 {
		t.Fatalf("list agents: %v %+v", err, agents)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"JOB_NOT_FOUND","message":"job not found","details":{"job_id":"x"}}}`))
	})
	_, err := client.GetJob(context.Background(), "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "JOB_NOT_FOUND" || apiErr.Details["job_id"] != "x" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListJobsEncodesFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "pending,failed" || q.Get("limit") != "5" || q.Get("order") != "asc" || q.Get("q") != "docs" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jobs": []Job{{ID: "j1", Status: "pending"}}})
	})
	jobs, err := client.ListJobs(context.Background(), JobFilter{Statuses: []string{"pending", "failed"}, Limit: 5, Ascending: true, Query: "docs"})
	if err != nil || len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Fatalf("list jobs: %v %+v", err, jobs)
	}
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if atomic.AddInt32(&calls, 1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "j1", Status: status})
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	job, err := client.WaitForJob(ctx, "j1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "succeeded" || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("unexpected job %+v after %d calls", job, calls)
	}
}

func TestSetAgentEnabledPath(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/7/disable" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Agent{ID: 7, Enabled: false})
	})
	agent, err := client.SetAgentEnabled(context.Background(), 7, false)
	if err != nil || agent.ID != 7 || agent.Enabled {
		t.Fatalf("set enabled: %v %+v", err, agent)
	}
}

func TestNewClientRejectsInvalidURL(t *testing.T) {
	if _, err := NewClient("::not a url", nil); err == nil {
		t.Fatalf("expected error")
	}
}
