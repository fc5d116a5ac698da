package auth

import (
	stdErrors "errors"
	"net/http"
	"time"

	xerrors "AgentNexus/internal/errors"
)

// ErrorWriter 以调用方约定的格式输出认证失败。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, status int, err error)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredScopes 定义每个 HTTP 方法所需的权限范围，"*" 作为兜底。
	RequiredScopes map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// Optional 为 true 时缺少 Authorization 头的请求直接放行，由处理函数自行校验。
	Optional bool
	// OnError 为空时使用 http.Error。
	OnError ErrorWriter
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	fail := cfg.OnError
	if fail == nil {
		fail = func(w http.ResponseWriter, _ *http.Request, status int, _ error) {
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" && cfg.Optional {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), header)
			if err != nil {
				fail(w, r, http.StatusUnauthorized, err)
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusUnauthorized,
					"error", err.Error(),
				)
				return
			}
			if err := subject.Authorize(scopesFor(cfg.RequiredScopes, r.Method)...); err != nil {
				fail(w, r, http.StatusForbidden, err)
				s.audit.Warn("permission_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", http.StatusForbidden,
					"error", err.Error(),
					"user", subject.UserID,
				)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"user", subject.UserID,
			)
		})
	}
}

// StatusFor 将认证错误映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeTokenMissing, CodeTokenInvalid, xerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	}
	if stdErrors.Is(err, ErrPermissionDenied) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

func scopesFor(required map[string][]string, method string) []string {
	if scopes := required[method]; len(scopes) > 0 {
		return scopes
	}
	return required["*"]
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
