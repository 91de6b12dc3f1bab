// Package httpapi exposes the manual reconcile trigger, the workspace
// webhook, status, health and metrics over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/tenantsync/internal/domain"
	"github.com/roach88/tenantsync/internal/events"
	"github.com/roach88/tenantsync/internal/orchestrator"
	"github.com/roach88/tenantsync/internal/reconcile"
)

// Monitor starts and stops monitoring of single stores.
type Monitor interface {
	EnsureMonitored(ctx context.Context, storeID string) (bool, error)
	StopMonitoring(ctx context.Context, storeID string) (bool, error)
}

// Trigger runs a rate-limited reconciliation.
type Trigger interface {
	Fire(ctx context.Context) (*reconcile.Result, error)
}

// DirectoryWriter records webhook events in a writable directory.
type DirectoryWriter interface {
	Upsert(ctx context.Context, ws domain.Workspace) error
	MarkDeleted(ctx context.Context, instanceID string) error
}

// Status is the body of GET /api/workspaces/status.
type Status struct {
	Workspaces orchestrator.Summary `json:"workspaces"`
	Reconciler reconcile.Status     `json:"reconciler"`
	Dispatch   events.DispatchStats `json:"dispatch"`
	Streams    []events.StoreStats  `json:"streams"`
}

// Config holds the shared secrets. An empty secret rejects every request
// to the endpoints it guards.
type Config struct {
	AdminSecret   string
	WebhookSecret string
}

// Deps are the collaborators behind the endpoints. Directory, Status and
// Metrics are optional.
type Deps struct {
	Monitor   Monitor
	Trigger   Trigger
	Directory DirectoryWriter
	Status    func() Status
	Metrics   http.Handler
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	deps    Deps
	webhook *jsonschema.Schema
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the time source for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server. Monitor and Trigger are required.
func New(cfg Config, deps Deps, opts ...Option) (*Server, error) {
	if deps.Monitor == nil || deps.Trigger == nil {
		return nil, errors.New("httpapi: monitor and trigger are required")
	}
	schema, err := compileWebhookSchema()
	if err != nil {
		return nil, fmt.Errorf("httpapi: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		webhook: schema,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router returns the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	r.Post("/api/webhooks/workspace", s.handleWorkspaceWebhook)

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/api/workspaces/reconcile", s.handleReconcile)
		admin.Get("/api/workspaces/status", s.handleStatus)
	})
	return r
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Reconcile requests wait for a full run.
		WriteTimeout: 2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
