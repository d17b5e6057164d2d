// Package server exposes the HTTP surface: webhook intake, manual
// index and generation triggers, job status lookups, health, and
// Prometheus metrics. Handlers stay thin; every route delegates to the
// queue or the webhook dispatcher and renders ServiceError codes
// through the shared kind-to-status mapping.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patchsmith/patchsmith/internal/queue"
	"github.com/patchsmith/patchsmith/internal/webhook"
)

// readHeaderTimeout bounds how long a client may dribble request
// headers before the connection is dropped.
const readHeaderTimeout = 10 * time.Second

// JobQueue is the slice of queue.Queue the HTTP layer needs.
type JobQueue interface {
	Enqueue(ctx context.Context, name string, payload any, opts *queue.EnqueueOptions) (*queue.Job, error)
	Job(ctx context.Context, id string) (*queue.Job, error)
	JobForUser(ctx context.Context, id, userID string) (*queue.Job, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// Config wires the server's collaborators.
type Config struct {
	ListenAddr string
	// BaseURL prefixes the status URLs returned by 202 responses.
	// Empty keeps them host-relative.
	BaseURL    string
	Dispatcher *webhook.Dispatcher
	Indexing   JobQueue
	Generation JobQueue
	Logger     *slog.Logger
}

// Server owns the gin engine and the underlying http.Server.
type Server struct {
	engine     *gin.Engine
	http       *http.Server
	dispatcher *webhook.Dispatcher
	indexing   JobQueue
	generation JobQueue
	baseURL    string
	logger     *slog.Logger
}

// New builds the router. Dispatcher, Indexing, and Generation are
// required.
func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("server requires a webhook dispatcher")
	}
	if cfg.Indexing == nil {
		return nil, fmt.Errorf("server requires an indexing queue")
	}
	if cfg.Generation == nil {
		return nil, fmt.Errorf("server requires a generation queue")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(logger), recovery(logger))

	s := &Server{
		engine:     engine,
		dispatcher: cfg.Dispatcher,
		indexing:   cfg.Indexing,
		generation: cfg.Generation,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:     logger,
	}
	s.routes()

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.engine.POST("/webhook", s.handleWebhook)
	s.engine.POST("/index", s.handleEnqueueIndex)
	s.engine.GET("/index/:jobId", s.handleIndexStatus)
	s.engine.POST("/generation", s.handleEnqueueGeneration)
	s.engine.GET("/generation/:jobId", s.handleGenerationStatus)
	s.engine.GET("/generation/:jobId/details", s.handleGenerationDetails)
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler returns the router for in-process serving and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until the listener closes. A clean
// Shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("http_listening", slog.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve http: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// statusURL builds the polling URL returned alongside a 202.
func (s *Server) statusURL(parts ...string) string {
	return s.baseURL + "/" + strings.Join(parts, "/")
}
