package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"AgentNexus/internal/auth"
	"AgentNexus/internal/job"
	"AgentNexus/internal/memory"
	"AgentNexus/internal/observability/metrics"
	"AgentNexus/internal/orchestrator"
	"AgentNexus/internal/registry"
	"AgentNexus/internal/session"
	"AgentNexus/internal/tasklog"
)

// Orchestrator 同步执行一次工作流。
type Orchestrator interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Report, error)
}

// Dependencies 汇总 API 需要的服务。除 Orchestrator 外均可为空，对应接口返回 503。
type Dependencies struct {
	Orchestrator Orchestrator
	Jobs         *job.Service
	Registry     *registry.Service
	Memory       memory.Store
	TaskLog      tasklog.Store
	Sessions     *session.Manager
	Auth         *auth.Service
	Metrics      *metrics.Collectors
	// Ready 用于健康检查，例如探测数据库连接。
	Ready func(ctx context.Context) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	deps            Dependencies
	handler         http.Handler
	shutdownTimeout time.Duration
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	if deps.Auth == nil {
		deps.Auth, _ = auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	s := &Server{addr: addr, deps: deps, shutdownTimeout: 5 * time.Second}
	s.handler = s.routes()
	return s
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	if d > 0 {
		s.shutdownTimeout = d
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler { return s.handler }

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.guard("requests", true)).Post("/requests", s.handleRequest)

		r.Route("/jobs", func(r chi.Router) {
			r.Use(s.guard("jobs", false))
			r.Get("/", s.handleListJobs)
			r.Get("/stats", s.handleJobStats)
			r.Get("/{id}", s.handleGetJob)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Use(s.guard("agents", false))
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleRegisterAgent)
			r.Get("/{id}", s.handleGetAgent)
			r.Post("/{id}/enable", s.handleToggleAgent(true))
			r.Post("/{id}/disable", s.handleToggleAgent(false))
		})

		r.Route("/memory", func(r chi.Router) {
			r.Use(s.guard("memory", false))
			r.Get("/", s.handleQueryMemory)
			r.Get("/{id}", s.handleGetMemory)
		})

		r.With(s.guard("log", false)).Get("/workflows/{id}/log", s.handleWorkflowLog)

		r.Route("/sessions", func(r chi.Router) {
			r.Use(s.guard("sessions", false))
			r.Get("/{id}", s.handleGetSession)
			r.Post("/{id}/close", s.handleCloseSession)
		})
	})
	return r
}

// guard 按资源配置认证中间件：GET 需要 <resource>:read，其余方法需要 <resource>:write。
func (s *Server) guard(resource string, optional bool) func(http.Handler) http.Handler {
	return s.deps.Auth.Middleware(auth.MiddlewareConfig{
		RequiredScopes: map[string][]string{
			http.MethodGet: {resource + ":read"},
			"*":            {resource + ":write"},
		},
		AuditEvent: resource,
		Optional:   optional,
		OnError: func(w http.ResponseWriter, r *http.Request, status int, err error) {
			writeErrorStatus(w, r, status, err, nil)
		},
	})
}

// observe 记录每个路由的请求量与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeErrorStatus(w, r, http.StatusServiceUnavailable, err, nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
