// Package app wires the certmailer components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/certmailer/internal/api"
	"github.com/foxzi/certmailer/internal/artifact"
	"github.com/foxzi/certmailer/internal/config"
	"github.com/foxzi/certmailer/internal/dispatch"
	"github.com/foxzi/certmailer/internal/feedback"
	"github.com/foxzi/certmailer/internal/metrics"
	"github.com/foxzi/certmailer/internal/models"
	"github.com/foxzi/certmailer/internal/ratelimit"
	"github.com/foxzi/certmailer/internal/render"
	"github.com/foxzi/certmailer/internal/report"
	"github.com/foxzi/certmailer/internal/sandbox"
	"github.com/foxzi/certmailer/internal/storage"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	store     storage.Store
	stateDB   *bolt.DB
	ownState  bool
	artifacts artifact.Store
	redis     *redis.Client

	dispatcher *dispatch.Dispatcher
	gate       *feedback.Gate
	reports    *report.Reporter

	rateLimiter    *ratelimit.Limiter
	sandboxStorage *sandbox.Storage
	collector      *metrics.Collector
	metricsServer  *metrics.Server
	apiServer      *api.Server
}

// New creates a new application. Connections opened before a failure are closed.
func New(ctx context.Context, cfg *config.Config, version string) (a *App, err error) {
	logger := setupLogger(cfg.Logging)
	a = &App{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.openArtifacts(ctx); err != nil {
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}
	transport, err := a.buildTransport(ctx)
	if err != nil {
		return nil, err
	}

	from, err := cfg.Mail.FromAddress()
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	metrics.SetGlobal(m)

	renderer := render.NewRenderer(render.NewFonts(cfg.Render.FontDir, logger))
	tokens := feedback.NewTokens(a.store)

	a.dispatcher = dispatch.New(dispatch.Deps{
		Store:     a.store,
		Artifacts: a.artifacts,
		Renderer:  renderer,
		Transport: transport,
		Locker:    locker,
		Tokens:    tokens,
		Logger:    logger,
	}, dispatch.Config{
		Workers:         cfg.Delivery.Workers,
		Timeout:         cfg.Delivery.Timeout,
		RetryAttempts:   cfg.Delivery.RetryAttempts,
		RetryInterval:   cfg.Delivery.RetryInterval,
		LockTTL:         cfg.Lock.TTL,
		FeedbackBaseURL: cfg.Delivery.FeedbackBaseURL,
		From:            from,
	})
	a.gate = feedback.NewGate(a.store, tokens, a.dispatcher, logger)
	a.reports = report.New(a.store)

	if cfg.Metrics.Enabled {
		a.collector, err = metrics.NewCollector(a.stateDB, m, metrics.StatusCountsFunc(a.totalCounts), cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger)
		a.addHealthChecks()
	}

	tlsConfig, err := serverTLS(ctx, cfg.API.TLS, logger)
	if err != nil {
		return nil, err
	}

	a.apiServer = api.NewServer(api.Deps{
		Store:           a.store,
		Artifacts:       a.artifacts,
		Renderer:        renderer,
		Sender:          a.dispatcher,
		Gate:            a.gate,
		Reports:         a.reports,
		Sandbox:         a.sandboxStorage,
		TLS:             tlsConfig,
		FeedbackBaseURL: cfg.Delivery.FeedbackBaseURL,
		DefaultFont:     cfg.Render.DefaultFont,
		PreviewWidth:    cfg.Render.PreviewWidth,
		Version:         version,
	}, &cfg.API, logger)

	return a, nil
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Dispatcher returns the bulk sender
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Reports returns the results reporter
func (a *App) Reports() *report.Reporter {
	return a.reports
}

// Store returns the event store
func (a *App) Store() storage.Store {
	return a.store
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting certmailer",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Driver,
		"mail_mode", a.config.Mail.Mode,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Waits for in-flight bulk sends, which finish their current recipient
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	err := a.Close()
	a.logger.Info("shutdown complete")
	return err
}

// Close releases storage and connections without stopping servers
func (a *App) Close() error {
	var errs []error

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("rate limiter: %w", err))
		}
		a.rateLimiter = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
		a.redis = nil
	}
	if a.ownState && a.stateDB != nil {
		if err := a.stateDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("state db: %w", err))
		}
	}
	a.stateDB = nil
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
		a.store = nil
	}

	for _, err := range errs {
		a.logger.Error("close error", "error", err)
	}
	return errors.Join(errs...)
}

// totalCounts sums participant statuses over every event
func (a *App) totalCounts(ctx context.Context) (*models.StatusCounts, error) {
	events, err := a.store.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	total := &models.StatusCounts{}
	for _, e := range events {
		c, err := a.store.ParticipantStats(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		total.Total += c.Total
		total.Pending += c.Pending
		total.FeedbackSent += c.FeedbackSent
		total.FeedbackReceived += c.FeedbackReceived
		total.CertificateSent += c.CertificateSent
		total.Failed += c.Failed
	}
	return total, nil
}

func (a *App) addHealthChecks() {
	a.metricsServer.AddHealthCheck("storage", func(ctx context.Context) error {
		if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
			return p.Ping(ctx)
		}
		_, err := a.store.ListEvents(ctx)
		return err
	})
	if a.redis != nil {
		a.metricsServer.AddHealthCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}
	a.metricsServer.AddHealthCheck("state", func(ctx context.Context) error {
		return a.stateDB.View(func(tx *bolt.Tx) error { return nil })
	})
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
