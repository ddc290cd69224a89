package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"accessguard/internal/config"
	"accessguard/internal/evidence"
	"accessguard/internal/identity"
	"accessguard/internal/infrastructure"
	"accessguard/internal/license"
	"accessguard/internal/middleware"
	"accessguard/internal/ratelimit"
)

// IdentityService is the identity store as seen by the API.
type IdentityService interface {
	GetOrCreateID(ctx context.Context) (string, error)
	Stored(ctx context.Context) (*identity.Record, error)
	Verify(ctx context.Context) (identity.VerifyResult, error)
	Threshold() float64
}

// LicenseService is the license manager as seen by the API.
type LicenseService interface {
	Status(ctx context.Context) *license.ValidationResult
	Activate(ctx context.Context, req license.ActivationRequest) (*license.License, error)
	DeactivateCurrentDevice(ctx context.Context) error
	Refresh(ctx context.Context) (*license.License, error)
	HasFeature(ctx context.Context, tag string) bool
	HasAuthority() bool
}

// Deps are the services behind the router. Stream, Metrics and Telemetry
// are optional.
type Deps struct {
	Identity  IdentityService
	License   LicenseService
	Limiter   *ratelimit.Limiter
	Evidence  *evidence.Book
	Health    map[string]HealthCheck
	Stream    http.Handler
	Metrics   http.Handler
	Telemetry *middleware.Telemetry

	Server config.ServerConfig
	// FailOnAutomation turns suspected automation into a refusal.
	FailOnAutomation bool
	Version          string
	Logger           *slog.Logger
}

// NewRouter builds the full HTTP surface.
func NewRouter(d Deps) chi.Router {
	logger := d.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if d.Telemetry != nil {
		r.Use(d.Telemetry.Handler)
	}
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: d.Server.AllowedOrigins}))

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	if d.Stream != nil {
		r.Method(http.MethodGet, "/ws/evidence", d.Stream)
	}

	health := NewHealthHandler(d.Health, d.Version, logger)
	identityHandler := NewIdentityHandler(d.Identity, logger)
	licenseHandler := NewLicenseHandler(d.License, logger)
	actionHandler := NewActionHandler(d.Limiter, d.License, d.FailOnAutomation, logger)
	evidenceHandler := NewEvidenceHandler(d.Evidence, logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if d.Server.RequestRPS > 0 {
			r.Use(middleware.NewRequestLimiter(d.Server.RequestRPS, d.Server.RequestBurst, logger).Handler)
		}
		r.Use(chimiddleware.Timeout(requestTimeout(d.Server)))

		r.Get("/health", health.Check)
		r.Mount("/identity", identityHandler.Routes())
		r.Mount("/license", licenseHandler.Routes())
		r.Post("/actions/{action}", actionHandler.Gate)
		r.Get("/ratelimit", actionHandler.Snapshot)
		r.Mount("/evidence", evidenceHandler.Routes())
	})

	return r
}

func requestTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.WriteTimeout > 0 {
		return cfg.WriteTimeout
	}
	return 30 * time.Second
}
