package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ispcore/internal/cache"
	"ispcore/internal/handler"
	"ispcore/internal/metrics"
	"ispcore/internal/service"
	"ispcore/internal/store"
)

// Server represents the HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	store      store.Store
	cache      *cache.Client
	rateLimit  int
	rateWindow time.Duration
}

// Config holds server configuration.
type Config struct {
	Port    int
	Service *service.Service
	Store   store.Store
	// Cache is optional. When set it backs webhook replay and rate limiting.
	Cache         *cache.Client
	WebhookSecret string
	// RateLimit is the number of API requests allowed per tenant per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	Logger     *zap.Logger
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		logger:     cfg.Logger,
		store:      cfg.Store,
		cache:      cfg.Cache,
		rateLimit:  cfg.RateLimit,
		rateWindow: cfg.RateWindow,
	}
	if s.rateWindow <= 0 {
		s.rateWindow = time.Minute
	}

	// Create handlers
	var replay handler.ReplayCache
	if cfg.Cache != nil {
		replay = cfg.Cache
	}
	clientHandler := handler.NewClientHandler(cfg.Service, cfg.Logger)
	packageHandler := handler.NewPackageHandler(cfg.Service, cfg.Logger)
	paymentHandler := handler.NewPaymentHandler(cfg.Service, replay, 24*time.Hour, cfg.Logger)

	// Setup chi router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.zapLogger)
	r.Use(s.metrics)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check endpoints
	r.Get("/health", s.healthCheck)
	r.Get("/ready", s.readyCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Payment provider callbacks carry their tenant in the signed body.
		r.With(handler.WebhookHMAC(cfg.WebhookSecret, handler.HeaderSignature)).
			Post("/webhooks/payments", paymentHandler.Webhook)

		r.Group(func(r chi.Router) {
			r.Use(handler.TenantID)
			r.Use(s.rateLimiter)

			// Clients
			r.Get("/clients/{id}", clientHandler.Get)
			r.Get("/clients/{id}/transactions", clientHandler.ListTransactions)
			r.Get("/clients/{id}/sync-records", clientHandler.ListSyncRecords)
			r.Get("/clients/{id}/reconciliation", clientHandler.Reconciliation)
			r.Post("/clients/{id}/actions", clientHandler.Action)
			r.Post("/clients/{id}/renewals", clientHandler.Renew)
			r.Post("/clients/{id}/credits", clientHandler.Credit)
			r.Post("/clients/{id}/sync", clientHandler.Sync)

			// Service packages
			r.Get("/packages/{id}", packageHandler.Get)
			r.Patch("/packages/{id}", packageHandler.Update)
		})
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// healthCheck returns basic health status.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readyCheck returns readiness status (all dependencies available).
func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready","reason":"database unavailable"}`))
		return
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","reason":"cache unavailable"}`))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// zapLogger is a middleware that logs requests using zap.
func (s *Server) zapLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// metrics records request counts and latency by route pattern so that IDs in
// paths do not explode label cardinality.
func (s *Server) metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

// rateLimiter enforces the per-tenant request budget. A cache failure lets
// the request through.
func (s *Server) rateLimiter(next http.Handler) http.Handler {
	if s.cache == nil || s.rateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := handler.TenantIDFromContext(r.Context()).String()
		allowed, err := s.cache.CheckRateLimit(r.Context(), tenant, s.rateLimit, s.rateWindow)
		if err != nil {
			s.logger.Warn("rate limit check failed", zap.String("tenant_id", tenant), zap.Error(err))
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.rateWindow.Seconds())))
			handler.TooManyRequests(w, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
