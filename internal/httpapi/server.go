// ABOUTME: HTTP server for the orchestrator: routing, error shaping, JSON helpers
// ABOUTME: thin handlers that decode, rate-limit, and delegate to the conversation engine

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/careline/orchestrator/internal/engine"
	"github.com/careline/orchestrator/internal/metrics"
	"github.com/careline/orchestrator/internal/push"
	"github.com/careline/orchestrator/internal/session"
)

// healthProbeTimeout bounds the store ping and provider probes on GET /health
// so a hung dependency cannot hang the health check itself.
const healthProbeTimeout = 2 * time.Second

// Engine is the slice of the conversation engine the HTTP surface needs.
type Engine interface {
	ProcessChat(ctx context.Context, req *engine.ChatRequest) (*engine.ChatResponse, error)
	GetSession(ctx context.Context, sessionID string) (*session.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	UserSessions(ctx context.Context, userID string) ([]string, error)
}

// StorePinger reports whether the session store answers.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// ProviderHealth reports whether any LLM provider is usable.
type ProviderHealth interface {
	Healthy(ctx context.Context) bool
}

// Options configures a Server. Engine, Hub, and Metrics are required;
// StorePing and Providers are optional and count as healthy when absent.
type Options struct {
	Engine    Engine
	Hub       *push.Hub
	Metrics   *metrics.Metrics
	StorePing StorePinger
	Providers ProviderHealth

	// ChatRPM and ChatBurst shape the per-user token bucket on POST /chat.
	ChatRPM   int
	ChatBurst int

	Version string
	Logger  *slog.Logger
}

// Server carries the handler dependencies and builds the router.
type Server struct {
	engine    Engine
	hub       *push.Hub
	metrics   *metrics.Metrics
	storePing StorePinger
	providers ProviderHealth
	limits    *userLimiter
	promDump  http.Handler
	version   string
	logger    *slog.Logger
}

// New validates dependencies and returns a Server ready for Router.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("httpapi: engine is required")
	case opts.Hub == nil:
		return nil, errors.New("httpapi: push hub is required")
	case opts.Metrics == nil:
		return nil, errors.New("httpapi: metrics are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	return &Server{
		engine:    opts.Engine,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		storePing: opts.StorePing,
		providers: opts.Providers,
		limits:    newUserLimiter(opts.ChatRPM, opts.ChatBurst),
		promDump:  promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{}),
		version:   version,
		logger:    logger.With("component", "httpapi"),
	}, nil
}

// Router builds the chi router with all endpoints mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)

	r.Post("/chat", s.handleChat)
	r.Get("/session/{session_id}", s.handleGetSession)
	r.Delete("/session/{session_id}", s.handleDeleteSession)
	r.Get("/ws/{session_id}", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/metrics/prometheus", s.promDump.ServeHTTP)
	r.Get("/admin/users/{user_id}/sessions", s.handleUserSessions)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}

// errorBody is the shape every non-2xx response carries.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: message, Code: code})
}
