package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"AgentNexus/internal/auth"
	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/tasklog"
)

func unavailable(w http.ResponseWriter, r *http.Request, component string) {
	writeErrorStatus(w, r, http.StatusServiceUnavailable,
		xerrors.New(xerrors.CodeInitializationFailure, "组件未启用", xerrors.WithMetadata("component", component)), nil)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, invalidArgument("id 必须为正整数", "id")
	}
	return id, nil
}

// agentBody 是注册代理的请求体，enabled 缺省为 true。
type agentBody struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	SystemPrompt   string   `json:"system_prompt"`
	CapabilityTags []string `json:"capability_tags"`
	Enabled        *bool    `json:"enabled"`
	TeamID         int64    `json:"team_id"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, r, "registry")
		return
	}
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if capability := r.URL.Query().Get("capability"); capability != "" {
		filtered := agents[:0]
		for _, agent := range agents {
			if agent.HasCapability(capability) {
				filtered = append(filtered, agent)
			}
		}
		agents = filtered
	}
	if agents == nil {
		agents = []registry.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, r, "registry")
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	agent, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		unavailable(w, r, "registry")
		return
	}
	var body agentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, invalidArgument("请求体解析失败", "body"), nil)
		return
	}
	agent := &registry.Agent{
		Name:           body.Name,
		Description:    body.Description,
		SystemPrompt:   body.SystemPrompt,
		CapabilityTags: body.CapabilityTags,
		Enabled:        body.Enabled == nil || *body.Enabled,
		TeamID:         body.TeamID,
	}
	if err := s.deps.Registry.Register(r.Context(), agent); err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleToggleAgent(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Registry == nil {
			unavailable(w, r, "registry")
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.deps.Registry.SetEnabled(r.Context(), id, enabled); err != nil {
			writeError(w, r, err, nil)
			return
		}
		agent, err := s.deps.Registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

// handleQueryMemory 支持 agent_id、key、user_id、session_id、type、tag、latest、limit。
func (s *Server) handleQueryMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		unavailable(w, r, "memory")
		return
	}
	query := r.URL.Query()
	q := memory.Query{
		UserID:    query.Get("user_id"),
		SessionID: query.Get("session_id"),
		Key:       query.Get("key"),
	}
	if raw := query.Get("agent_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, invalidArgument("agent_id 必须为整数", "agent_id"), nil)
			return
		}
		q.AgentID = id
	}
	if raw := query.Get("type"); raw != "" {
		q.Types = strings.Split(raw, ",")
	}
	q.Tags = query["tag"]
	if raw := query.Get("latest"); raw != "" {
		latest, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, invalidArgument("latest 必须为布尔值", "latest"), nil)
			return
		}
		q.LatestOnly = latest
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, invalidArgument("limit 必须为非负整数", "limit"), nil)
			return
		}
		q.Limit = limit
	}

	snapshots, err := s.deps.Memory.Query(r.Context(), q)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if snapshots == nil {
		snapshots = []memory.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		unavailable(w, r, "memory")
		return
	}
	snapshot, err := s.deps.Memory.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleWorkflowLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.TaskLog == nil {
		unavailable(w, r, "tasklog")
		return
	}
	workflowID := chi.URLParam(r, "id")
	filter := tasklog.Filter{WorkflowID: workflowID, TaskID: r.URL.Query().Get("task_id")}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		for _, kind := range strings.Split(raw, ",") {
			filter.Kinds = append(filter.Kinds, tasklog.Kind(strings.TrimSpace(kind)))
		}
	}
	entries, err := s.deps.TaskLog.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if len(entries) == 0 {
		writeError(w, r, xerrors.New(xerrors.CodeNotFound, "工作流日志不存在", xerrors.WithMetadata("workflow_id", workflowID)), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"entries":     entries,
		"statuses":    tasklog.Replay(entries),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		unavailable(w, r, "sessions")
		return
	}
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !ownsSession(r, sess.UserID) {
		writeErrorStatus(w, r, http.StatusForbidden, auth.ErrPermissionDenied, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		unavailable(w, r, "sessions")
		return
	}
	sess, err := s.deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if !ownsSession(r, sess.UserID) {
		writeErrorStatus(w, r, http.StatusForbidden, auth.ErrPermissionDenied, nil)
		return
	}
	closed, err := s.deps.Sessions.Close(r.Context(), sess.ID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// ownsSession 允许会话所有者或持有通配权限的主体访问。认证关闭时不做限制。
func ownsSession(r *http.Request, owner string) bool {
	subject := auth.SubjectFromContext(r.Context())
	if subject == nil || owner == "" {
		return true
	}
	return subject.UserID == owner || subject.HasScope("*")
}
