// Package httpx exposes the provisioning API over HTTP.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/singh-krishan/idp/internal/service/project"
	"github.com/singh-krishan/idp/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	healthCheckTimeout = 2 * time.Second
	multipartOverhead  = 64 << 10
	minBodyLimit       = 1 << 20
)

// Options tune the router.
type Options struct {
	// CreateRateLimit caps project creations per client IP per minute. Zero disables it.
	CreateRateLimit int
	// SpecUploadMaxBytes bounds uploaded OpenAPI documents.
	SpecUploadMaxBytes int64
	// Ready reports whether the status store is reachable.
	Ready      func(context.Context) error
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux      chi.Router
	logger   *slog.Logger
	projects project.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	opts     Options
	maxBody  int64

	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	rateLimitHits   *prometheus.CounterVec
	specUploadBytes prometheus.Histogram
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, projects project.Service, hub *ws.Hub, limiter RateLimiter, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	maxBody := opts.SpecUploadMaxBytes + multipartOverhead
	if maxBody < minBodyLimit {
		maxBody = minBodyLimit
	}
	r := &Router{
		mux:      chi.NewRouter(),
		logger:   logger.With("component", "http"),
		projects: projects,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		opts:    opts,
		maxBody: maxBody,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics(opts.Registerer)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Use(middleware.Recoverer)
	r.mux.Use(r.audit)
	r.mux.Use(r.bodySizeLimit)
	r.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.mux.Get("/healthz", r.handleHealthz)
	r.mux.Get("/readyz", r.handleReadyz)
	r.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.opts.Gatherer, promhttp.HandlerOpts{}))

	r.mux.Route("/api/v1", func(api chi.Router) {
		api.Get("/templates", r.handleListTemplates)
		api.Get("/templates/{name}", r.handleGetTemplate)
		api.Get("/stats", r.handleStats)

		api.Route("/projects", func(pr chi.Router) {
			pr.Get("/", r.handleListProjects)
			pr.With(r.rateLimit("create_project", r.opts.CreateRateLimit, rateWindowDefault)).
				Post("/", r.handleCreateProject)
			pr.With(r.rateLimit("create_project", r.opts.CreateRateLimit, rateWindowDefault)).
				Post("/openapi", r.handleCreateFromSpec)
			pr.Get("/{id}", r.handleGetProject)
			pr.Delete("/{id}", r.handleDeleteProject)
			pr.Get("/{id}/events", r.handleProjectEvents)
		})
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.opts.Ready(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) bodySizeLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Body != nil {
			req.Body = http.MaxBytesReader(w, req.Body, r.maxBody)
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		route := routePattern(req)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"route", route,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

// routePattern is the matched chi pattern, which keeps project ids out of
// metric labels.
func routePattern(req *http.Request) string {
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
