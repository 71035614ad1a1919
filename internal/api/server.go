package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/foxzi/certmailer/internal/artifact"
	"github.com/foxzi/certmailer/internal/config"
	"github.com/foxzi/certmailer/internal/delivery"
	"github.com/foxzi/certmailer/internal/feedback"
	"github.com/foxzi/certmailer/internal/ipfilter"
	"github.com/foxzi/certmailer/internal/metrics"
	"github.com/foxzi/certmailer/internal/render"
	"github.com/foxzi/certmailer/internal/report"
	"github.com/foxzi/certmailer/internal/sandbox"
	"github.com/foxzi/certmailer/internal/storage"
)

// Sender runs bulk sends
type Sender interface {
	SendTo(ctx context.Context, eventID string, mode delivery.Mode, ids []string) (*delivery.Summary, error)
}

// Deps are the services behind the API
type Deps struct {
	Store     storage.Store
	Artifacts artifact.Store
	Renderer  *render.Renderer
	Sender    Sender
	Gate      *feedback.Gate
	Reports   *report.Reporter
	// Sandbox is nil unless mail.mode is sandbox
	Sandbox *sandbox.Storage
	// TLS enables HTTPS when set
	TLS *tls.Config

	FeedbackBaseURL string
	DefaultFont     string
	PreviewWidth    int
	Version         string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if deps.PreviewWidth <= 0 {
		deps.PreviewWidth = 800
	}
	apiCfg := *cfg
	if apiCfg.MaxUploadBytes <= 0 {
		apiCfg.MaxUploadBytes = 10 << 20
	}
	logger = logger.With("component", "api")
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    &apiCfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	if len(s.config.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
			ExposedHeaders: []string{"Content-Disposition"},
			MaxAge:         300,
		}))
	}

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Feedback links are opened by participants
		r.Get("/feedback/{token}", s.handleFeedbackForm)
		r.Post("/feedback/{token}", s.handleFeedbackSubmit)

		r.Group(func(r chi.Router) {
			r.Use(s.filter.Middleware)
			r.Use(s.authMiddleware)

			r.Get("/fonts", s.handleListFonts)
			r.Get("/events", s.handleListEvents)
			r.Post("/events", s.handleCreateEvent)
			r.Route("/events/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetEvent)
				r.Patch("/", s.handleUpdateEvent)
				r.Delete("/", s.handleDeleteEvent)

				r.Put("/template", s.handleUploadTemplate)
				r.Get("/template", s.handleGetTemplate)
				r.Post("/preview", s.handlePreview)
				r.Post("/text-position", s.handleTextPosition)

				r.Get("/participants", s.handleListParticipants)
				r.Post("/participants", s.handleAddParticipants)
				r.Delete("/participants", s.handleDeleteParticipants)
				r.Delete("/participants/{pid}", s.handleDeleteParticipant)
				r.Post("/participants/{pid}/feedback-token", s.handleIssueToken)

				r.Post("/send", s.handleSend)
				r.Get("/results", s.handleResults)
				r.Get("/results/download", s.handleResultsCSV)
				r.Get("/feedback/download", s.handleFeedbackCSV)
			})

			r.Route("/sandbox", func(r chi.Router) {
				r.Get("/messages", s.handleSandboxList)
				r.Get("/messages/{id}", s.handleSandboxGet)
				r.Get("/messages/{id}/raw", s.handleSandboxRaw)
				r.Delete("/messages", s.handleSandboxClear)
			})
		})
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		TLSConfig:      s.deps.TLS,
	}

	var err error
	if s.deps.TLS != nil {
		s.logger.Info("starting HTTPS API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServeTLS("", "")
	} else {
		s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
		err = s.httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
