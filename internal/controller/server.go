// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"net/http"
	"time"

	"buildplane/internal/controller/handlers"
	"buildplane/internal/controller/middleware"
)

// Options configures the controller server.
type Options struct {
	Addr     string
	Handlers handlers.Deps
	Users    middleware.UserResolver

	// WebhookSecret authenticates the build system on /webhooks/builds.
	WebhookSecret string
	// AdminSecret guards user provisioning. Empty leaves the route unregistered.
	AdminSecret string

	RateLimiter *middleware.RateLimiter
	// Metrics is served on /metrics when non-nil.
	Metrics http.Handler
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(opts Options) *Server {
	h := handlers.New(opts.Handlers)
	authMW := middleware.AuthMiddleware(opts.Users)
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter()
	}
	rateMW := limiter.Middleware()
	user := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Operator endpoints
	if opts.AdminSecret != "" {
		adminMW := middleware.RequireInternalAuth(opts.AdminSecret)
		mux.Handle("POST /tenants/{tenantID}/users", adminMW(http.HandlerFunc(h.CreateUser)))
	}

	// Public authenticated apis
	mux.Handle("POST /builds", user(h.DispatchBuild))
	mux.Handle("GET /builds/{id}", user(h.GetBuild))
	mux.Handle("POST /presence/heartbeat", user(h.Heartbeat))
	mux.Handle("POST /presence/auth", user(h.PresenceAuth))
	// Long-lived; only the upgrade is rate limited.
	mux.Handle("GET /realtime", user(h.Realtime))

	// Build system callbacks
	webhookMW := middleware.RequireInternalAuth(opts.WebhookSecret)
	mux.Handle("POST /webhooks/builds", webhookMW(http.HandlerFunc(h.BuildCallback)))

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           middleware.RequestID(mux),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server. Hijacked websocket connections
// are not tracked by the server and end when their subscriptions close.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
