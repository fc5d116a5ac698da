package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"AgentNexus/internal/auth"
	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/orchestrator"
)

// requestBody 是 POST /api/v1/requests 的请求体。
type requestBody struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Async     bool   `json:"async,omitempty"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var body requestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, invalidArgument("请求体解析失败", "body"), nil)
		return
	}

	subject := auth.SubjectFromContext(r.Context())
	if subject == nil {
		// 未携带 Authorization 头时使用请求体中的令牌。
		authenticated, err := s.deps.Auth.AuthenticateToken(r.Context(), body.Token)
		if err != nil {
			writeErrorStatus(w, r, auth.StatusFor(err), err, nil)
			return
		}
		if err := authenticated.Authorize("requests:write"); err != nil {
			writeErrorStatus(w, r, http.StatusForbidden, err, nil)
			return
		}
		subject = authenticated
	}

	req := orchestrator.Request{
		Message:   body.Message,
		SessionID: strings.TrimSpace(body.SessionID),
		UserID:    subject.UserID,
	}
	if body.Async {
		if s.deps.Jobs == nil {
			writeErrorStatus(w, r, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeQueueFailure, "异步队列未启用"), nil)
			return
		}
		submitted, err := s.deps.Jobs.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": submitted.ID, "status": submitted.Status})
		return
	}

	report, err := s.deps.Orchestrator.Handle(r.Context(), req)
	if err != nil {
		var details map[string]any
		if report != nil {
			details = map[string]any{"workflow_id": report.WorkflowID, "state": string(report.State)}
		}
		writeError(w, r, err, details)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
