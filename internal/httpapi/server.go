// Package httpapi is the read-oriented HTTP surface. Every read goes cache
// first and falls back to the store; the cache being down never fails a
// request.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqniet/reviews-radar/internal/cache"
	otelPkg "github.com/aqniet/reviews-radar/internal/otel"
	"github.com/aqniet/reviews-radar/internal/store"
)

// apiStore is the store slice the handlers need.
type apiStore interface {
	Ping(ctx context.Context) error
	CountReviews(ctx context.Context) (int64, error)
	CountBranches(ctx context.Context) (int64, error)
	ListBranches(ctx context.Context, city string, skip, limit int) ([]store.BranchSummary, error)
	BranchStats(ctx context.Context, branchID string) (store.BranchStats, error)
	ListReviews(ctx context.Context, f store.ReviewFilter) ([]store.Review, error)
	GetReview(ctx context.Context, reviewID string) (store.Review, error)
	GlobalStats(ctx context.Context) (store.GlobalStats, error)
	RecentStats(ctx context.Context, days int) ([]store.DayStat, error)
	LatestBranchReviews(ctx context.Context, branchID string, count int) ([]store.Review, error)
	BranchByIikoID(ctx context.Context, iikoID string) (store.Branch, error)
}

// Config holds the server settings and dependencies.
type Config struct {
	BindAddr       string
	AllowedOrigins []string
	Store          apiStore
	Cache          *cache.Cache
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

// Server owns the listener lifecycle around the API router.
type Server struct {
	api    *api
	server *http.Server
	logger *slog.Logger
}

type api struct {
	store  apiStore
	cache  *cache.Cache
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	a := &api{store: cfg.Store, cache: cfg.Cache, logger: cfg.Logger, tracer: cfg.Tracer}
	return &Server{
		api:    a,
		logger: cfg.Logger,
		server: &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           a.router(cfg.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http api listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (a *api) router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.traceRequests)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", a.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/branches", a.handleListBranches)
		r.Get("/branches/{branchID}/stats", a.handleBranchStats)
		r.Get("/reviews", a.handleListReviews)
		r.Get("/reviews/{reviewID}", a.handleGetReview)
		r.Get("/stats", a.handleGlobalStats)
		r.Get("/stats/recent", a.handleRecentStats)
		r.Get("/cache/stats", a.handleCacheStats)
		r.Post("/cache/clear", a.handleCacheClear)
		r.Post("/cache/clear/{branchID}", a.handleCacheClearBranch)
		r.Get("/by-iiko/{iikoID}/{count}", a.handleLatestByIiko)
		r.Get("/{branchID}/{count}", a.handleLatestByBranch)
	})
	return r
}

func (a *api) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelPkg.StartServerSpan(r.Context(), a.tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
