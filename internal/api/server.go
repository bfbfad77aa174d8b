// Package api exposes the synchronization engine to the UI layer over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offline_sync/internal/network"
	"github.com/cybertec-postgresql/offline_sync/internal/record"
	"github.com/cybertec-postgresql/offline_sync/internal/status"
)

// Syncer is the part of the sync service used by the HTTP handlers
type Syncer interface {
	Save(ctx context.Context, collection string, doc record.Document) (string, error)
	Delete(ctx context.Context, collection, id string) error
	GetCached(ctx context.Context, collection, id string) (record.Document, bool, error)
	TriggerDrain()
	StatusPublisher() *status.Publisher
	NetworkMonitor() *network.Monitor
}

// ServerOption configures the API server
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares    []func(http.Handler) http.Handler
	metricsHandler http.Handler
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMetricsHandler serves handler at /metrics
func WithMetricsHandler(handler http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsHandler = handler
	}
}

// NewServer creates and configures the HTTP router
func NewServer(svc Syncer, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	h := &handlers{svc: svc}
	r.Get("/health", h.health)
	if cfg.metricsHandler != nil {
		r.Handle("/metrics", cfg.metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Get("/status/stream", h.streamStatus)
		r.Get("/network", h.getNetwork)
		r.Put("/network", h.putNetwork)
		r.Get("/network/stream", h.streamNetwork)
		r.Put("/session", h.putSession)
		r.Post("/sync", h.triggerSync)

		r.Route("/collections/{collection}/records", func(r chi.Router) {
			r.Post("/", h.saveRecord)
			r.Get("/{id}", h.getRecord)
			r.Delete("/{id}", h.deleteRecord)
		})
	})

	return r
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logrus.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}
