// Package server provides the HTTP API for the analytics engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/cache"
	"github.com/demandline/demandline/internal/clients/upstream"
	"github.com/demandline/demandline/internal/config"
	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	"github.com/demandline/demandline/internal/forecast"
	"github.com/demandline/demandline/internal/metrics"
	"github.com/demandline/demandline/internal/restock"
	"github.com/demandline/demandline/internal/scheduler"
)

// Config holds everything the HTTP layer depends on.
type Config struct {
	Log      zerolog.Logger
	DB       *database.DB
	Cache    *cache.Cache
	Upstream *upstream.Client
	Cfg      *config.Config
	Clock    domain.Clock

	Engine          *forecast.Engine
	Accuracy        *forecast.AccuracyRepository
	Analyzer        *restock.Analyzer
	Recommendations *restock.RecommendationRepository
	Aggregator      *metrics.Aggregator
	Daily           *metrics.DailySalesRepository
	Demand          *metrics.ProductDemandRepository
	Turnover        *metrics.InventoryTurnoverRepository
	TaskRuns        *scheduler.TaskRunRepository
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config

	forecastHandlers *ForecastHandlers
	restockHandlers  *RestockHandlers
	metricsHandlers  *MetricsHandlers
	systemHandlers   *SystemHandlers
}

// New builds the router and wires all handlers.
func New(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = domain.RealClock{}
	}

	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg.Cfg,

		forecastHandlers: NewForecastHandlers(cfg.Engine, cfg.Accuracy, cfg.Cfg, cfg.Log),
		restockHandlers:  NewRestockHandlers(cfg.Analyzer, cfg.Recommendations, cfg.Cfg, clock, cfg.Log),
		metricsHandlers:  NewMetricsHandlers(cfg.Aggregator, cfg.Daily, cfg.Demand, cfg.Turnover, clock, cfg.Log),
		systemHandlers:   NewSystemHandlers(cfg.DB, cfg.Cache, cfg.Upstream, cfg.TaskRuns, cfg.Cfg, cfg.Log),
	}

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleStatus)
			r.Get("/tasks", s.systemHandlers.HandleTaskRuns)
			r.Get("/cache", s.systemHandlers.HandleCacheStats)
			r.Post("/cache/invalidate", s.systemHandlers.HandleCacheInvalidate)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
		})

		r.Route("/forecast", func(r chi.Router) {
			r.Get("/", s.forecastHandlers.HandleForecast)
			r.Get("/components", s.forecastHandlers.HandleComponents)
			r.Get("/accuracy", s.forecastHandlers.HandleAccuracy)
			r.Get("/accuracy/records", s.forecastHandlers.HandleAccuracySummary)
			r.Get("/top-products", s.forecastHandlers.HandleTopProducts)
			r.Get("/category/{category}", s.forecastHandlers.HandleCategory)
			r.Get("/warehouse/{warehouseID}", s.forecastHandlers.HandleWarehouse)
			r.Post("/invalidate", s.forecastHandlers.HandleInvalidate)
		})

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/daily", s.metricsHandlers.HandleDailyRange)
			r.Get("/daily/{date}", s.metricsHandlers.HandleDailyByDate)
			r.Post("/daily/recalculate", s.metricsHandlers.HandleRecalculateDaily)
			r.Get("/demand/top", s.metricsHandlers.HandleTopDemand)
			r.Get("/demand/{productID}", s.metricsHandlers.HandleProductDemand)
			r.Get("/turnover/at-risk", s.metricsHandlers.HandleTurnoverAtRisk)
		})

		r.Route("/restock", func(r chi.Router) {
			r.Get("/reorder-point/{productID}", s.restockHandlers.HandleReorderPoint)
			r.Get("/stockout-risk/{productID}", s.restockHandlers.HandleStockoutRisk)
			r.Post("/analyze", s.restockHandlers.HandleAnalyze)
			r.Post("/bulk", s.restockHandlers.HandleBulk)
		})

		r.Route("/recommendations", func(r chi.Router) {
			r.Get("/", s.restockHandlers.HandleListRecommendations)
			r.Get("/{id}", s.restockHandlers.HandleGetRecommendation)
			r.Patch("/{id}/status", s.restockHandlers.HandleUpdateStatus)
		})
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// writeJSON writes a JSON response.
func writeJSON(log zerolog.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body.
func writeError(log zerolog.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(log, w, status, map[string]string{"error": msg})
}
