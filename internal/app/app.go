package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"accessguard/internal/config"
	"accessguard/internal/evidence"
	"accessguard/internal/identity"
	"accessguard/internal/infrastructure"
	"accessguard/internal/license"
	"accessguard/internal/middleware"
	"accessguard/internal/monitor"
	"accessguard/internal/ratelimit"
	"accessguard/internal/security"
	"accessguard/internal/storage"
	handlers "accessguard/internal/transport/http"
	ws "accessguard/internal/websocket"
)

const AppName = "AccessGuard"

var (
	// Version is set at link time.
	Version = "dev"
	// BuildTime is set at link time.
	BuildTime = ""
)

// Options carries what the configuration cannot express.
type Options struct {
	Logger *slog.Logger
	// Probe replaces the host probe used for fingerprints.
	Probe security.Probe
	// Authority replaces the configured license authority.
	Authority license.Authority
	Now       func() time.Time
}

// Application holds the wired protection core and its HTTP surface.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	Store    storage.Store
	Engine   *security.Engine
	Identity *identity.Store
	Evidence *evidence.Book
	License  *license.Manager
	Limiter  *ratelimit.Limiter
	Monitor  *monitor.Monitor
	Hub      *ws.Hub

	Router chi.Router
	Server *http.Server

	detachStream func()
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Application, error) {
	logger := opts.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	a := &Application{Config: cfg, Logger: logger}

	if cfg.UsesDevelopmentSecret() {
		logger.WarnContext(ctx, "Using the development license secret; set AGUARD_LICENSE_SECRET in production")
	}

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = providers

	a.Store, err = storage.Open(ctx, storage.Options{
		Backend:       cfg.Storage.Backend,
		Dir:           cfg.Storage.Dir,
		RedisAddr:     cfg.Storage.RedisAddr,
		RedisPassword: cfg.Storage.RedisPassword,
		RedisDB:       cfg.Storage.RedisDB,
		RedisPrefix:   cfg.Storage.RedisPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	probe := opts.Probe
	if probe == nil {
		probe = security.NewHostProbe("")
	}
	a.Engine = security.NewEngine(
		security.WithProbe(probe),
		security.WithLogger(logger),
		security.WithClock(now),
		security.WithCacheTTL(cfg.Identity.CacheTTL),
	)

	a.Identity = identity.New(a.Store, a.Engine, identity.Options{
		Threshold:           cfg.Identity.Threshold,
		OverwriteOnMismatch: cfg.Identity.OverwriteOnMismatch,
		Now:                 now,
		Logger:              logger,
	})

	a.Evidence, err = evidence.NewBookWithClock(a.Store, a.Identity.CurrentID, now, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence logs: %w", err)
	}
	a.Identity.SetRecorder(a.Evidence)

	if err := a.initLicense(ctx, opts, now); err != nil {
		return nil, err
	}

	a.Limiter = ratelimit.New(rateLimitConfig(cfg.RateLimit),
		ratelimit.WithClock(now),
		ratelimit.WithRecorder(a.Evidence),
		ratelimit.WithLogger(logger),
	)

	if cfg.Monitor.Enabled {
		a.Monitor = monitor.New(monitor.Options{
			EnvironmentInterval: cfg.Monitor.EnvironmentInterval,
			TimingInterval:      cfg.Monitor.TimingInterval,
			TimingTolerance:     cfg.Monitor.TimingTolerance,
			Detector:            security.NewIntegrityChecker(cfg.Monitor.ExpectedBinaryHash),
			Verifier:            a.Identity,
			Evidence:            a.Evidence,
			Now:                 now,
			Logger:              logger,
		})
	}

	a.Hub = ws.NewHub(logger)
	a.detachStream = a.Hub.Attach(a.Evidence)

	telemetry, err := middleware.NewTelemetry(providers)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP telemetry: %w", err)
	}

	a.Router = handlers.NewRouter(handlers.Deps{
		Identity:         a.Identity,
		License:          a.License,
		Limiter:          a.Limiter,
		Evidence:         a.Evidence,
		Health:           a.healthChecks(),
		Stream:           ws.NewHandler(a.Hub, cfg.WebSocket, cfg.Server.AllowedOrigins, logger),
		Metrics:          providers.PrometheusHTTP,
		Telemetry:        telemetry,
		Server:           cfg.Server,
		FailOnAutomation: cfg.RateLimit.FailOnAutomation,
		Version:          Version,
		Logger:           logger,
	})

	a.Server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	return a, nil
}

func (a *Application) initLicense(ctx context.Context, opts Options, now func() time.Time) error {
	cfg := a.Config.License

	authority := opts.Authority
	if authority == nil {
		var err error
		authority, err = buildAuthority(ctx, cfg, a.Logger)
		if err != nil {
			return err
		}
	}

	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	enc := security.DefaultEncryptionConfig()
	enc.SCryptN = cfg.ScryptN
	tier, _ := license.ParseTier(cfg.DefaultTier)

	a.License, err = license.NewManager(a.Store, license.Options{
		Secret:            cfg.Secret,
		Encryption:        enc,
		Identity:          a.Identity,
		Authority:         authority,
		Evidence:          a.Evidence,
		DefaultTier:       tier,
		DefaultMaxDevices: cfg.DefaultMaxDevices,
		DefaultValidity:   cfg.DefaultValidity,
		Metrics:           metrics,
		Now:               now,
		Logger:            a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize license manager: %w", err)
	}
	return nil
}

// buildAuthority returns nil for the "none" authority.
func buildAuthority(ctx context.Context, cfg config.LicenseConfig, logger *slog.Logger) (license.Authority, error) {
	switch cfg.Authority {
	case "", "none":
		return nil, nil
	case "http":
		return license.NewHTTPAuthority(cfg.AuthorityURL, cfg.AuthorityTimeout, logger), nil
	case "sheets":
		opts := license.SheetsOptions{
			SpreadsheetID: cfg.SheetsID,
			Range:         cfg.SheetsRange,
			APIKey:        cfg.SheetsAPIKey,
		}
		if cfg.SheetsCredentials != "" {
			creds, err := os.ReadFile(cfg.SheetsCredentials)
			if err != nil {
				return nil, fmt.Errorf("failed to read sheets credentials: %w", err)
			}
			opts.CredentialsJSON = creds
		}
		authority, err := license.NewSheetsAuthority(ctx, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sheets authority: %w", err)
		}
		return authority, nil
	default:
		return nil, fmt.Errorf("unknown license authority %q", cfg.Authority)
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Window:            cfg.Window,
		BlockDuration:     cfg.BlockDuration,
		Scope:             ratelimit.BlockScope(cfg.BlockScope),
		Limits:            cfg.Limits,
		BurstCount:        cfg.BurstCount,
		BurstWindow:       cfg.BurstWindow,
		VarianceThreshold: cfg.VarianceThreshold,
		MinGaps:           cfg.MinGaps,
	}
}

// healthProbeKey is never written; reading it only proves the backend answers.
const healthProbeKey = "health.probe"

func (a *Application) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"storage": func(ctx context.Context) error {
			_, err := a.Store.Get(ctx, healthProbeKey)
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			return nil
		},
	}
	if a.Monitor != nil {
		checks["monitor"] = func(context.Context) error {
			if !a.Monitor.Running() {
				return errors.New("not running")
			}
			return nil
		}
	}
	return checks
}

// Handler returns the HTTP handler without starting the server.
func (a *Application) Handler() http.Handler {
	return a.Router
}

// Start launches the background services and serves on ln, or on the
// configured address when ln is nil. Serve errors are sent on the returned
// channel.
func (a *Application) Start(ctx context.Context, ln net.Listener) (<-chan error, error) {
	a.Hub.Start()
	if a.Monitor != nil {
		if err := a.Monitor.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, fmt.Errorf("failed to start monitor: %w", err)
		}
	}

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.Server.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
		}
	}

	errc := make(chan error, 1)
	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("name", AppName),
		slog.String("version", Version),
		slog.String("address", ln.Addr().String()),
		slog.String("storage", a.Config.Storage.Backend),
		slog.Bool("authority", a.License.HasAuthority()),
		slog.Bool("monitor", a.Monitor != nil),
	)
	return errc, nil
}

// Stop shuts the server down and stops every background service.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if a.Monitor != nil {
		if err := a.Monitor.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("monitor stop: %w", err))
		}
	}
	if a.detachStream != nil {
		a.detachStream()
	}
	a.Hub.Stop()

	if c, ok := a.Store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// Run serves until ctx is cancelled or the server fails, then stops.
func (a *Application) Run(ctx context.Context) error {
	errc, err := a.Start(ctx, nil)
	if err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.Logger.InfoContext(ctx, "Received shutdown signal")
	case serveErr = <-errc:
		if serveErr != nil {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", serveErr.Error()))
		}
	}

	stopErr := a.Stop(context.WithoutCancel(ctx))
	return errors.Join(serveErr, stopErr)
}
