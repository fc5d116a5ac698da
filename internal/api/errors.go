package api

import (
	"encoding/json"
	"net/http"

	"AgentNexus/internal/auth"
	xerrors "AgentNexus/internal/errors"
	"AgentNexus/internal/job"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/registry"
	"AgentNexus/pkg/logger"
)

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusFor 根据错误码决定 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeEmptyRequest, registry.CodeAgentInvalid, memory.CodeSnapshotInvalid:
		return http.StatusBadRequest
	case auth.CodeTokenMissing, auth.CodeTokenInvalid:
		return http.StatusUnauthorized
	case auth.CodePermissionDenied, xerrors.CodeUnauthorized:
		return http.StatusForbidden
	case xerrors.CodeNotFound, job.CodeJobNotFound, registry.CodeAgentNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted, job.CodeJobConflict, job.CodeJobCompleted:
		return http.StatusConflict
	case xerrors.CodeNoCapableAgent, xerrors.CodeDecompositionFailed, xerrors.CodeCyclicPlan:
		return http.StatusUnprocessableEntity
	case xerrors.CodeTimeout, xerrors.CodeWorkerTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCancelled, xerrors.CodeQueueFailure, xerrors.CodeStorageFailure,
		xerrors.CodePersistenceFailure, xerrors.CodeValidationUnavailable, job.CodeJobPublish:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError 输出错误信封。details 会与错误自带的元数据合并。
func writeError(w http.ResponseWriter, r *http.Request, err error, details map[string]any) {
	writeErrorStatus(w, r, statusFor(err), err, details)
}

func writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error, details map[string]any) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
		for k, v := range coded.Metadata() {
			if body.Details == nil {
				body.Details = make(map[string]any)
			}
			body.Details[k] = v
		}
	}
	for k, v := range details {
		if body.Details == nil {
			body.Details = make(map[string]any)
		}
		body.Details[k] = v
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败",
			"path", r.URL.Path,
			"method", r.Method,
			"status", status,
			"code", body.Code,
			"error", err.Error(),
		)
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

// invalidArgument 构造参数错误。
func invalidArgument(message string, field string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message, xerrors.WithMetadata("field", field))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
