// Package server exposes the ops endpoints of a running spacerjobs
// process: health, prometheus metrics and a read-only view of job records.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/spacerjobs/logger"
	"github.com/teranos/spacerjobs/pulse/async"
	"github.com/teranos/spacerjobs/pulse/jobs"
)

const (
	defaultJobLimit = 100
	maxJobLimit     = 500

	pingTimeout    = 2 * time.Second
	requestTimeout = 30 * time.Second
)

// Pinger is satisfied by *redis.Client.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// PoolMetrics reports worker pool usage.
type PoolMetrics interface {
	GetSystemMetrics() jobs.SystemMetrics
}

// Deps are what the ops endpoints read from. Store is required.
type Deps struct {
	Store    *async.Store
	Redis    Pinger              // nil skips the redis check
	Pool     PoolMetrics         // nil omits worker stats
	Gatherer prometheus.Gatherer // nil uses the default registry
	Logger   *zap.SugaredLogger
}

type handlers struct {
	Deps
	log *zap.SugaredLogger
}

// NewRouter builds the ops router.
func NewRouter(deps Deps) http.Handler {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = logger.Logger
	}
	h := &handlers{Deps: deps, log: logger.AddPulseSymbol(deps.Logger.Named("server"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Get("/{id}", h.getJob)
	})
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debugw("Ops request",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(began).Milliseconds())
	})
}
