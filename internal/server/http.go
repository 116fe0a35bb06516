package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/knoguchi/flashrag/internal/admission"
	"github.com/knoguchi/flashrag/internal/auth"
	"github.com/knoguchi/flashrag/internal/batch"
	"github.com/knoguchi/flashrag/internal/cache"
	"github.com/knoguchi/flashrag/internal/metrics"
	"github.com/knoguchi/flashrag/internal/pipeline"
	"github.com/knoguchi/flashrag/internal/retriever"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Querier answers a single query, either complete or streamed.
type Querier interface {
	Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	Stream(ctx context.Context, req pipeline.Request) <-chan pipeline.Event
}

// BatchRunner answers a list of queries in input order.
type BatchRunner interface {
	Run(ctx context.Context, reqs []pipeline.Request) []batch.Item
}

// CacheAdmin exposes the operational side of the semantic cache.
type CacheAdmin interface {
	Stats() cache.Stats
	Clear(ctx context.Context) error
}

// Indexer fills the document collection.
type Indexer interface {
	Index(ctx context.Context, passages []retriever.Passage) error
	Count(ctx context.Context) (int, error)
}

// MetricsSource reports aggregate request metrics.
type MetricsSource interface {
	Summary() metrics.Summary
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Addr           string
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	MaxBatchSize   int

	Querier Querier
	Batch   BatchRunner
	Gate    admission.Gate
	Metrics MetricsSource
	// Cache is nil when caching is disabled.
	Cache   CacheAdmin
	Indexer Indexer
	// JWT enables bearer-token client keys.
	JWT *auth.JWTManager

	Readiness map[string]ReadinessCheck
}

// HTTPServer serves the query API.
type HTTPServer struct {
	server   *http.Server
	router   *chi.Mux
	logger   *slog.Logger
	validate *validator.Validate
	cfg      HTTPServerConfig
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Querier == nil || cfg.Batch == nil {
		return nil, errors.New("querier and batch runner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gate == nil {
		cfg.Gate = admission.Unlimited{}
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &HTTPServer{
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", auth.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", s.readinessCheckHandler())

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", healthCheckHandler())
		r.Get("/metrics", s.handleMetrics)
		r.Get("/cache/stats", s.handleCacheStats)

		r.Group(func(r chi.Router) {
			r.Use(auth.ClientKeyMiddleware(cfg.JWT))
			r.Post("/query", s.handleQuery)
			r.Post("/batch", s.handleBatch)

			// mutating routes need a verified token when JWT is configured
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireJWT(cfg.JWT))
				r.Delete("/cache", s.handleCacheClear)
				r.Post("/documents", s.handleIndexDocuments)
			})
		})
	})
	s.router = router

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      otelhttp.NewHandler(router, "flashrag"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streamed answers can take a while
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"version": Version,
		})
	}
}

// readinessCheckHandler runs every registered check and reports the ones
// that failed.
func (s *HTTPServer) readinessCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failed := make(map[string]string)
		for name, check := range s.cfg.Readiness {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"failed": failed,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// Version is reported by the health endpoints.
var Version = "1.0.0"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
