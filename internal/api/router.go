// Package api provides the HTTP API for PhoneLink.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/internal/api/handler"
	"github.com/phonelink/phonelink/internal/api/middleware"
	"github.com/phonelink/phonelink/internal/auth"
	"github.com/phonelink/phonelink/internal/queue"
	"github.com/phonelink/phonelink/internal/registry"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version         string
	BuildTime       string
	Logger          zerolog.Logger
	ServiceName     string
	Metrics         *middleware.Metrics
	Verifier        auth.Verifier
	RegistryService *registry.Service
	Publisher       queue.Publisher
	ChannelBinder   handler.ChannelBinder
	Database        handler.ReadinessChecker
}

// NewRouter creates a new chi router with all API routes configured.
//
// The registration routes live at the root, not under a version prefix: the
// paths are baked into phone clients that were shipped years ago.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Set default service name if not provided
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "phonelink-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction

	// Initialize handlers
	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.BuildTime, cfg.Database)
	registerHandler := handler.NewRegisterHandler(cfg.RegistryService, cfg.ChannelBinder, cfg.Logger)
	sendHandler := handler.NewSendHandler(cfg.Publisher, cfg.Logger)

	// Create auth middleware
	authMiddleware := middleware.Auth(cfg.Verifier)

	// Rate limits per endpoint category, keyed on the authenticated account
	registerRateLimit := middleware.RateLimitByAccount(middleware.RegisterRateLimit) // 20 req/min
	sendRateLimit := middleware.RateLimitByAccount(middleware.SendRateLimit)         // 60 req/min
	standardRateLimit := middleware.RateLimitByAccount(middleware.StandardRateLimit) // 100 req/min

	// Ops endpoints (public)
	r.Route("/ops", func(r chi.Router) {
		r.Get("/health", opsHandler.HealthCheck)
		r.Get("/ready", opsHandler.ReadinessCheck)
	})

	// Device registration protocol (authenticated)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		r.With(registerRateLimit).Post("/register", registerHandler.Register)
		r.With(registerRateLimit).Post("/unregister", registerHandler.Unregister)
		r.With(registerRateLimit).Post("/update", registerHandler.Update)
		r.With(standardRateLimit).Get("/register", registerHandler.List)

		r.With(sendRateLimit).Post("/send", sendHandler.Send)
	})

	return r
}
