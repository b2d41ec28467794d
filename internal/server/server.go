// Package server implements the HTTP front door: one URL prefix per upstream
// provider, each mounting the OpenAI-style endpoints plus the provider's
// native ones, with user-token authentication in front.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	proxy "github.com/eugener/palantir/internal"
	"github.com/eugener/palantir/internal/auth"
	"github.com/eugener/palantir/internal/keypool"
	"github.com/eugener/palantir/internal/pipeline"
	"github.com/eugener/palantir/internal/queue"
	"github.com/eugener/palantir/internal/telemetry"
	"github.com/eugener/palantir/internal/userstore"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth     *auth.TokenAuth
	Users    *userstore.Store
	Pool     *keypool.Pool
	Queue    *queue.Queue
	Pipeline *pipeline.Pipeline

	// Services lists the provider prefixes to mount.
	Services []proxy.Service

	// AdminKey guards the user-management endpoints; empty disables them.
	AdminKey string

	// LogPrompts is surfaced to clients in the proxy object.
	LogPrompts bool

	// Metrics is optional; nil disables per-request recording.
	Metrics *telemetry.Metrics

	ReadyCheck ReadyChecker // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) (http.Handler, error) {
	s := &server{deps: deps}
	if err := s.initModelsCache(); err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	for _, svc := range deps.Services {
		svc := svc
		r.Route("/"+string(svc), func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/v1/models", s.handleListModels(svc))
			r.Get("/v1/queue", s.handleQueueStatus(svc))
			r.Post("/v1/chat/completions", s.handleFrontDoor(svc, proxy.FormatOpenAI))
			r.Post("/v1/responses", s.handleFrontDoor(svc, proxy.FormatOpenAIResponses))
			r.Post("/v1/messages", s.handleFrontDoor(svc, proxy.FormatAnthropicChat))
			r.Post("/v1/complete", s.handleFrontDoor(svc, proxy.FormatAnthropicText))
			r.Post("/v1/embeddings", s.handleFrontDoor(svc, proxy.FormatOpenAIEmbed))
			r.Post("/v1/images/generations", s.handleFrontDoor(svc, proxy.FormatOpenAIImage))
		})
	}

	if deps.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/users", s.handleCreateUser)
			r.Get("/users", s.handleListUsers)
			r.Get("/users/{token}", s.handleGetUser)
			r.Post("/users/{token}/disable", s.handleDisableUser)
			r.Post("/users/{token}/refresh", s.handleRefreshUser)
			r.Post("/users/{token}/reset", s.handleResetUser)
		})
	}

	return r, nil
}

type server struct {
	deps        Deps
	modelsCache modelsCache
}

// jsonCT is a pre-allocated header value slice; direct map assignment skips
// the []string{v} alloc Header.Set makes on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}
