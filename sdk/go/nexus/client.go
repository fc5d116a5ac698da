// Package nexus is a Go client for the AgentNexus HTTP API.
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous requests run a whole workflow, so it is longer than a typical
// REST timeout.
const DefaultHTTPTimeout = 5 * time.Minute

// Client wraps the HTTP interactions with the AgentNexus REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// AskRequest is the payload of a workflow request.
type AskRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

// TaskSummary describes a single task of a finished workflow.
type TaskSummary struct {
	ID              string `json:"id"`
	Summary         string `json:"summary"`
	Category        string `json:"category"`
	CapabilityTag   string `json:"capability_tag"`
	AssignedAgentID int64  `json:"assigned_agent_id"`
	AgentName       string `json:"agent_name,omitempty"`
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error,omitempty"`
}

// ErrorReport is a user-visible task failure.
type ErrorReport struct {
	TaskID              string   `json:"task_id"`
	Task                string   `json:"task"`
	Code                string   `json:"code"`
	AttemptedSolutions  []string `json:"attempted_solutions"`
	FailureReason       string   `json:"failure_reason"`
	RecommendedNextStep string   `json:"recommended_next_step"`
}

// Report is the outcome of a workflow.
type Report struct {
	WorkflowID     string        `json:"workflow_id"`
	SessionID      string        `json:"session_id,omitempty"`
	Request        string        `json:"request"`
	Response       string        `json:"response"`
	State          string        `json:"state"`
	Tasks          []TaskSummary `json:"tasks"`
	TokensUsed     int           `json:"tokens_used"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	Fallback       bool          `json:"fallback"`
	Clarification  string        `json:"clarification,omitempty"`
	Escalations    int           `json:"escalations"`
	Errors         []ErrorReport `json:"errors,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// Job is a queued workflow request.
type Job struct {
	ID         string  `json:"id"`
	Message    string  `json:"message"`
	SessionID  string  `json:"session_id,omitempty"`
	UserID     string  `json:"user_id,omitempty"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Report     *Report `json:"report,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// Terminal reports whether the job will not be processed again.
func (j Job) Terminal() bool { return j.Status == "succeeded" || j.Status == "failed" }

// JobStats aggregates jobs by status.
type JobStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at"`
	NewestUpdatedAt int64 `json:"newest_updated_at"`
}

// JobFilter narrows job listings. Zero values are ignored.
type JobFilter struct {
	Statuses  []string
	SessionID string
	Query     string
	Limit     int
	Offset    int
	Ascending bool
}

// AgentMetrics holds cumulative agent performance.
type AgentMetrics struct {
	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`
	ErrorCount     int64 `json:"error_count"`
	TotalLatencyMs int64 `json:"total_latency_ms"`
}

// Agent is a roster entry.
type Agent struct {
	ID             int64        `json:"id,omitempty"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	SystemPrompt   string       `json:"system_prompt,omitempty"`
	CapabilityTags []string     `json:"capability_tags"`
	Enabled        bool         `json:"enabled"`
	TeamID         int64        `json:"team_id,omitempty"`
	Metrics        AgentMetrics `json:"metrics"`
}

// Snapshot is a stored memory version.
type Snapshot struct {
	ID         string          `json:"id"`
	AgentID    int64           `json:"agent_id"`
	UserID     string          `json:"user_id"`
	SessionID  string          `json:"session_id,omitempty"`
	MemoryType string          `json:"memory_type"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Tags       []string        `json:"tags,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
}

// LogEntry is a task log record.
type LogEntry struct {
	ID         string            `json:"id"`
	Seq        int64             `json:"seq"`
	WorkflowID string            `json:"workflow_id"`
	TaskID     string            `json:"task_id"`
	AgentID    int64             `json:"agent_id"`
	Kind       string            `json:"kind"`
	Status     string            `json:"status,omitempty"`
	Input      string            `json:"input,omitempty"`
	Output     string            `json:"output,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// WorkflowLog is the log of a workflow plus the task statuses replayed from it.
type WorkflowLog struct {
	WorkflowID string            `json:"workflow_id"`
	Entries    []LogEntry        `json:"entries"`
	Statuses   map[string]string `json:"statuses"`
}

// Session is a user conversation.
type Session struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Status      string         `json:"status"`
	Context     map[string]any `json:"context,omitempty"`
	LastCommand string         `json:"last_command,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("nexus api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("nexus api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentNexus API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every call. An empty token
// sends no Authorization header.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Ask runs a workflow synchronously.
func (c *Client) Ask(ctx context.Context, req AskRequest) (*Report, error) {
	req.Async = false
	var report Report
	if err := c.send(ctx, http.MethodPost, "/api/v1/requests", nil, req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Submit queues a workflow and returns the job ID.
func (c *Client) Submit(ctx context.Context, req AskRequest) (string, error) {
	req.Async = true
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/requests", nil, req, &accepted); err != nil {
		return "", err
	}
	return accepted.JobID, nil
}

// GetJob fetches a job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitForJob polls until the job is terminal or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListJobs lists jobs matching the filter.
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs", filter.values(), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// JobStats aggregates jobs matching the filter.
func (c *Client) JobStats(ctx context.Context, filter JobFilter) (*JobStats, error) {
	var stats JobStats
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/stats", filter.values(), nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListAgents returns the roster, optionally restricted to a capability tag.
func (c *Client) ListAgents(ctx context.Context, capability string) ([]Agent, error) {
	query := url.Values{}
	if capability != "" {
		query.Set("capability", capability)
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/agents", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// RegisterAgent creates or updates an agent by name.
func (c *Client) RegisterAgent(ctx context.Context, agent Agent) (*Agent, error) {
	payload := map[string]any{
		"name":            agent.Name,
		"description":     agent.Description,
		"system_prompt":   agent.SystemPrompt,
		"capability_tags": agent.CapabilityTags,
		"enabled":         agent.Enabled,
		"team_id":         agent.TeamID,
	}
	var stored Agent
	if err := c.send(ctx, http.MethodPost, "/api/v1/agents", nil, payload, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// SetAgentEnabled enables or disables an agent.
func (c *Client) SetAgentEnabled(ctx context.Context, id int64, enabled bool) (*Agent, error) {
	action := "disable"
	if enabled {
		action = "enable"
	}
	var stored Agent
	endpoint := fmt.Sprintf("/api/v1/agents/%d/%s", id, action)
	if err := c.send(ctx, http.MethodPost, endpoint, nil, nil, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// MemoryHistory returns every version of (agent, key), newest first.
func (c *Client) MemoryHistory(ctx context.Context, agentID int64, key string) ([]Snapshot, error) {
	query := url.Values{}
	if agentID != 0 {
		query.Set("agent_id", strconv.FormatInt(agentID, 10))
	}
	if key != "" {
		query.Set("key", key)
	}
	var out struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/memory", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// GetMemory fetches a snapshot by ID.
func (c *Client) GetMemory(ctx context.Context, id string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.send(ctx, http.MethodGet, "/api/v1/memory/"+url.PathEscape(id), nil, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WorkflowLog fetches the log of a workflow.
func (c *Client) WorkflowLog(ctx context.Context, workflowID string) (*WorkflowLog, error) {
	var log WorkflowLog
	endpoint := "/api/v1/workflows/" + url.PathEscape(workflowID) + "/log"
	if err := c.send(ctx, http.MethodGet, endpoint, nil, nil, &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// GetSession fetches a session.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	if err := c.send(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CloseSession closes a session.
func (c *Client) CloseSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	endpoint := "/api/v1/sessions/" + url.PathEscape(id) + "/close"
	if err := c.send(ctx, http.MethodPost, endpoint, nil, nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (f JobFilter) values() url.Values {
	query := url.Values{}
	if len(f.Statuses) > 0 {
		query.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.SessionID != "" {
		query.Set("session_id", f.SessionID)
	}
	if f.Query != "" {
		query.Set("q", f.Query)
	}
	if f.Limit > 0 {
		query.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		query.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Ascending {
		query.Set("order", "asc")
	}
	return query
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
