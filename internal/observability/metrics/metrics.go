package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentnexus"

// Collectors groups every metric the daemon exports.
type Collectors struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	workflows        *prometheus.CounterVec
	workflowDuration prometheus.Histogram
	tasks            *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	tokens           prometheus.Counter
	jobs             *prometheus.CounterVec
}

// New builds a collector set on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workflows_total",
			Help: "Workflows finished, by final state.",
		}, []string{"state"}),
		workflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "workflow_duration_seconds",
			Help:    "End-to-end workflow duration in seconds.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_total",
			Help: "Tasks finished, by category and status.",
		}, []string{"category", "status"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "escalations_total",
			Help: "Task escalations, by error code and resolution.",
		}, []string{"code", "resolution"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tokens_used_total",
			Help: "Model tokens consumed by workers and reviewers.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Asynchronous jobs finished, by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.workflows, c.workflowDuration, c.tasks, c.escalations, c.tokens, c.jobs,
	)
	return c
}

var defaultCollectors = New()

// Default returns the process-wide collector set.
func Default() *Collectors { return defaultCollectors }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollectors.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records one HTTP request.
func (c *Collectors) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// WorkflowFinished records a finished workflow.
func (c *Collectors) WorkflowFinished(state string, duration time.Duration, tokens int) {
	c.workflows.WithLabelValues(state).Inc()
	c.workflowDuration.Observe(duration.Seconds())
	if tokens > 0 {
		c.tokens.Add(float64(tokens))
	}
}

// TaskFinished records a task reaching a terminal status.
func (c *Collectors) TaskFinished(category, status string) {
	c.tasks.WithLabelValues(category, status).Inc()
}

// Escalated records an escalation and how it was resolved.
func (c *Collectors) Escalated(code, resolution string) {
	c.escalations.WithLabelValues(code, resolution).Inc()
}

// JobFinished records a terminal job status.
func (c *Collectors) JobFinished(status string) {
	c.jobs.WithLabelValues(status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Handler exposes the default collectors.
func Handler() http.Handler { return defaultCollectors.Handler() }

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
