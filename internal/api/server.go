// Package api exposes the batch control surface over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/facility-locator/internal/engine"
	"github.com/sells-group/facility-locator/internal/model"
)

// Service is the part of the engine the HTTP layer drives.
type Service interface {
	StartBatch(ctx context.Context, inputs []engine.QueryInput) (string, error)
	Progress(ctx context.Context, batchID string) (model.BatchProgress, error)
	Cancel(ctx context.Context, batchID string) error
	BatchResults(ctx context.Context, batchID string) ([]model.Record, error)
	Failures(ctx context.Context, batchID string) ([]model.FailedJob, error)
	Result(ctx context.Context, queryID string) (*model.Record, error)
	History(ctx context.Context, queryID string) ([]model.ValidationResult, error)
	SubmitReview(ctx context.Context, queryID string, d model.ReviewDecision) (*model.ValidationResult, error)
	Reopen(ctx context.Context, queryID, actor string) (string, error)
	Ping(ctx context.Context) error
}

// Options configures the HTTP server.
type Options struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
	MaxBatchSize   int
}

// Server serves the REST API plus health and metrics endpoints.
type Server struct {
	httpServer *http.Server
	svc        Service
	opts       Options
}

// NewServer wires the routes.
func NewServer(svc Service, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{svc: svc, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.handleStartBatch)
			r.Get("/{id}", s.handleProgress)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/results.geojson", s.handleResultsGeoJSON)
			r.Get("/{id}/failures", s.handleFailures)
		})
		r.Route("/locations/{id}", func(r chi.Router) {
			r.Get("/", s.handleResult)
			r.Get("/history", s.handleHistory)
			r.Post("/review", s.handleReview)
			r.Post("/reopen", s.handleReopen)
		})
	})

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	zap.L().Info("api: server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains connections within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the router, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
