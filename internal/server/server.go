package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/counter"
	"github.com/keygate/keygate/internal/handler"
	"github.com/keygate/keygate/internal/openapi"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// ManagementRate is the per-IP request budget per minute for the
	// management API. Zero disables the throttle.
	ManagementRate int
	// TrustedProxies lists the CIDRs whose forwarded headers are believed.
	// Empty means the socket peer is always the client.
	TrustedProxies []string
	Version        string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		ManagementRate:  120,
		Version:         "dev",
	}
}

// ConfigFromSettings maps loaded settings onto a server Config.
func ConfigFromSettings(s *config.Settings) Config {
	cfg := DefaultConfig()
	cfg.Host = s.Server.Host
	cfg.Port = s.Server.Port
	if s.Server.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = s.Server.ShutdownTimeout
	}
	if len(s.Server.CORS.Origins) > 0 {
		cfg.CORSOrigins = s.Server.CORS.Origins
	}
	cfg.ManagementRate = s.Server.ManagementRate
	cfg.TrustedProxies = s.Server.TrustedProxies
	return cfg
}

// Route is a storefront route supplied by the embedding program. The Guard
// runs first with Scopes; an owner JWT is accepted as a fallback.
type Route struct {
	Method  string
	Pattern string
	Scopes  []string
	Summary string
	Handler http.Handler
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Store         *config.Store
	Counter       counter.Store
	Keys          *service.KeyService
	Authenticator middleware.KeyAuthenticator
	AuthSvc       *service.AuthService
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
}

// Server is the top-level HTTP server for Keygate. It owns the Chi router
// and the services behind the management and storefront APIs.
type Server struct {
	cfg        Config
	deps       Deps
	routes     []Route
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, routes ...Route) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		routes: routes,
		logger: deps.Logger,
	}
	s.setupRouter()
	return s
}

// whoamiRoute is mounted on every server.
var whoamiRoute = Route{
	Method:  http.MethodGet,
	Pattern: "/storefront/v1/whoami",
	Summary: "Describe the calling key",
	Handler: http.HandlerFunc(handler.Whoami),
}

// StorefrontRoutes returns every guarded route, whoami first.
func (s *Server) StorefrontRoutes() []Route {
	return append([]Route{whoamiRoute}, s.routes...)
}

// OpenAPIOptions describes the server's routes for the OpenAPI generator.
func (s *Server) OpenAPIOptions() openapi.Options {
	return DescribeRoutes(s.cfg.Version, s.routes...)
}

// DescribeRoutes builds generator options for whoami plus routes without
// constructing a Server.
func DescribeRoutes(version string, routes ...Route) openapi.Options {
	opts := openapi.Options{Version: version}
	for _, rt := range append([]Route{whoamiRoute}, routes...) {
		opts.Storefront = append(opts.Storefront, openapi.Route{
			Method:  rt.Method,
			Pattern: rt.Pattern,
			Scopes:  rt.Scopes,
			Summary: rt.Summary,
		})
	}
	return opts
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP(s.cfg.TrustedProxies))
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	// Browser storefronts send X-API-Key cross-origin and read the rate
	// limit headers. The per-key Origin allow-list is enforced by the Guard.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", middleware.APIKeyHeader},
		ExposedHeaders: []string{
			"X-Request-ID",
			"Retry-After",
			middleware.HeaderRateLimitLimit,
			middleware.HeaderRateLimitRemaining,
			middleware.HeaderRateLimitReset,
			middleware.HeaderRateLimitStatus,
		},
		MaxAge: 300,
	}))

	// --- Health checks and metrics (no auth required) ---
	sys := handler.NewSystemHandler(map[string]handler.Pinger{
		"key_store":     s.deps.Store,
		"counter_store": s.deps.Counter,
	})
	r.Get("/healthz", sys.Healthz)
	r.Get("/readyz", sys.Readyz)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.OpenAPIOptions(), s.logger).ServeSpec)

	// --- Key management API (owner JWT only) ---
	r.Route("/api/v1/keys", func(r chi.Router) {
		if s.cfg.ManagementRate > 0 {
			r.Use(middleware.RateLimit(s.cfg.ManagementRate))
		}
		r.Use(middleware.Authenticate(s.deps.AuthSvc))
		r.Use(middleware.RequireOwner())

		keys := handler.NewKeyHandler(s.deps.Keys, s.logger)
		r.Get("/", keys.ListKeys)
		r.Post("/", keys.CreateKey)
		r.Get("/{keyId}", keys.GetKey)
		r.Patch("/{keyId}", keys.UpdateKey)
		r.Delete("/{keyId}", keys.RevokeKey)
		r.Post("/{keyId}/rotate", keys.RotateKey)
		r.Post("/{keyId}/revoke", keys.RevokeKey)
		r.Get("/{keyId}/usage", keys.KeyUsage)
	})

	// --- Storefront routes (API key via Guard, owner JWT fallback) ---
	for _, rt := range s.StorefrontRoutes() {
		guarded := middleware.Guard(s.deps.Authenticator, rt.Scopes...)(
			middleware.Authenticate(s.deps.AuthSvc)(rt.Handler),
		)
		r.Method(rt.Method, rt.Pattern, guarded)
	}

	s.router = r
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
// It then performs a graceful shutdown, draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
