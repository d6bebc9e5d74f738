package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/internal/analytics"
	"github.com/thenexusengine/tne_streamads/internal/cache"
	"github.com/thenexusengine/tne_streamads/internal/endpoints"
	"github.com/thenexusengine/tne_streamads/internal/metrics"
	"github.com/thenexusengine/tne_streamads/internal/middleware"
	"github.com/thenexusengine/tne_streamads/internal/playback"
	"github.com/thenexusengine/tne_streamads/internal/storage"
	"github.com/thenexusengine/tne_streamads/pkg/breaker"
	"github.com/thenexusengine/tne_streamads/pkg/redis"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

const version = "1.0.0"

// Server is the ad service
type Server struct {
	config      *ServerConfig
	httpServer  *http.Server
	metrics     *metrics.Metrics
	redisClient *redis.Client
	db          *sql.DB

	breakers    *breaker.Group
	docCache    *cache.Store
	fetcher     *vast.Fetcher
	resolver    *adbreak.Resolver
	inventory   playback.InventoryProvider
	dispatcher  *tracking.Dispatcher
	recorder    *analytics.Recorder
	manager     *playback.Manager
	auth        *middleware.Auth
	rateLimiter *middleware.RateLimiter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates the server and registers metrics with the default registry
func NewServer(cfg *ServerConfig) (*Server, error) {
	return newServer(cfg, prometheus.DefaultRegisterer)
}

func newServer(cfg *ServerConfig, reg prometheus.Registerer) (*Server, error) {
	s := &Server{config: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics = metrics.NewMetricsWithRegistry("streamads", reg)

	if err := s.initRedis(); err != nil {
		s.cancel()
		return nil, err
	}
	if err := s.initDatabase(); err != nil {
		s.cancel()
		s.closeStores()
		return nil, err
	}

	s.initComponents()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.buildHandler(s.routes()),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// initRedis connects to Redis when REDIS_URL is set. Redis is optional: the
// document cache falls back to its local tier and counters are disabled.
func (s *Server) initRedis() error {
	if s.config.RedisURL == "" {
		log.Info().Msg("Redis not configured, using local cache only")
		return nil
	}

	client, err := redis.New(s.config.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s.redisClient = client
	log.Info().Msg("Redis connected")
	return nil
}

// initDatabase connects to Postgres when a database is configured. Without
// one, ad settings come from the environment and the custom inventory is empty.
func (s *Server) initDatabase() error {
	if s.config.DatabaseConfig == nil {
		log.Info().Msg("Database not configured, using static ad settings")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, s.config.DatabaseConfig.ToStorageConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	log.Info().
		Str("host", s.config.DatabaseConfig.Host).
		Str("database", s.config.DatabaseConfig.Name).
		Msg("Database connected")
	return nil
}

func (s *Server) initComponents() {
	cfg := s.config

	breakerCfg := breaker.DefaultConfig()
	breakerCfg.OnStateChange = func(host, from, to string) {
		log.Warn().Str("host", host).Str("from", from).Str("to", to).Msg("ad server circuit breaker changed state")
		s.metrics.RecordBreakerStateChange(host, from, to)
	}
	s.breakers = breaker.NewGroup(breakerCfg)

	s.dispatcher = tracking.NewDispatcher(
		tracking.WithMetrics(s.metrics),
		tracking.WithRateLimit(cfg.TrackingRPS, cfg.TrackingBurst),
	)

	s.docCache = cache.NewStore(s.redisClient, cfg.VASTCacheSizeMB*1024*1024, cfg.VASTCacheTTL)

	fetcher := vast.NewFetcher(
		vast.WithFetchClient(&http.Client{Timeout: cfg.VASTFetchTimeout}),
		vast.WithDocumentCache(s.docCache),
		vast.WithBreakers(s.breakers),
		vast.WithFetchMetrics(s.metrics),
		vast.WithErrorTracking(s.dispatcher),
	)
	resolver := adbreak.NewResolver(fetcher, cfg.VASTMaxRedirects)

	recorderOpts := []analytics.RecorderOption{}
	if cfg.AnalyticsURL != "" {
		recorderOpts = append(recorderOpts, analytics.WithEndpoint(cfg.AnalyticsURL))
	}
	if s.redisClient != nil {
		recorderOpts = append(recorderOpts, analytics.WithCounter(s.redisClient))
	}
	s.recorder = analytics.NewRecorder(recorderOpts...)

	var (
		settings  playback.SettingsProvider = playback.StaticSettings(cfg.DefaultAds)
		inventory playback.InventoryProvider = playback.StaticInventory(nil)
		entitled  playback.EntitlementProvider = playback.AllViewersSeeAds{}
	)
	if s.db != nil {
		settings = storage.NewSettingsStore(s.db)
		inventory = storage.NewCustomAdStore(s.db)
	}
	if cfg.EntitlementURL != "" {
		entitled = playback.NewHTTPEntitlement(cfg.EntitlementURL, cfg.EntitlementTimeout, cfg.EntitlementCacheTTL)
	}

	managerCfg := playback.DefaultConfig()
	managerCfg.MaxRedirects = cfg.VASTMaxRedirects
	managerCfg.SessionTTL = cfg.SessionTTL
	managerCfg.FetchTimeout = cfg.VASTFetchTimeout

	s.manager = playback.NewManager(managerCfg, playback.Dependencies{
		Settings:    settings,
		Inventory:   inventory,
		Entitlement: entitled,
		Fetcher:     fetcher,
		Timeline:    resolver,
		Firer:       s.dispatcher,
		Impressions: s.recorder,
		Metrics:     s.metrics,
	})

	authCfg := middleware.DefaultAuthConfig()
	authCfg.Enabled = cfg.AdminAuthEnabled
	authCfg.APIKeys = cfg.AdminAPIKeys
	s.auth = middleware.NewAuth(authCfg)
	s.auth.SetMetrics(s.metrics)
	if s.redisClient != nil {
		s.auth.SetKeyStore(s.redisClient)
		s.auth.SetFailureCounter(s.redisClient)
	}

	rlCfg := middleware.DefaultRateLimitConfig()
	rlCfg.Enabled = cfg.RateLimitEnabled
	rlCfg.RequestsPerSecond = cfg.RateLimitRPS
	rlCfg.BurstSize = cfg.RateLimitBurst
	s.rateLimiter = middleware.NewRateLimiter(rlCfg)

	s.fetcher = fetcher
	s.resolver = resolver
	s.inventory = inventory
}

func (s *Server) routes() *httprouter.Router {
	router := httprouter.New()

	router.Handler(http.MethodGet, "/health", healthHandler())
	router.Handler(http.MethodGet, "/health/ready", readyHandler(s.redisClient, s.db))
	router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	endpoints.RegisterSessionRoutes(router, endpoints.NewSessionHandler(s.manager))
	endpoints.RegisterImpressionRoutes(router, endpoints.NewImpressionHandler(s.recorder))
	router.GET("/api/v1/ads/timeline", endpoints.NewTimelineHandler(s.resolver).HandleTimeline)
	router.GET("/api/v1/ads/house.xml", endpoints.NewHouseAdHandler(s.inventory, s.config.PublicURL).HandleHouseAd)

	endpoints.RegisterValidateRoute(router, endpoints.NewValidateHandler(s.fetcher, s.config.VASTMaxRedirects), s.auth)
	router.Handler(http.MethodGet, "/admin/circuit-breaker", s.auth.Middleware(http.HandlerFunc(s.circuitBreakerHandler)))

	return router
}

// buildHandler wraps the router in the middleware chain, outermost first:
// logging, security headers, CORS, metrics, rate limiting
func (s *Server) buildHandler(next http.Handler) http.Handler {
	handler := s.rateLimiter.Middleware(next)
	handler = s.metrics.Middleware(handler)
	handler = corsMiddleware(s.config.CORSOrigins, handler)
	handler = securityHeaders(handler)
	return loggingMiddleware(handler)
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	go s.manager.RunJanitor(s.ctx)

	log.Info().Str("addr", s.httpServer.Addr).Msg("Ad server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, drains sessions and flushes in-flight
// tracking and analytics deliveries
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server...")

	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	s.manager.Close()
	s.rateLimiter.Stop()

	flushed := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		s.recorder.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-ctx.Done():
		log.Warn().Msg("Shutdown deadline reached before tracking deliveries finished")
	}

	s.closeStores()
	log.Info().Msg("Server stopped")
	return err
}

func (s *Server) closeStores() {
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

func (s *Server) circuitBreakerHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ad_servers": s.breakers.Stats(),
		"vast_cache": s.docCache.Stats(),
		"sessions":   s.manager.Len(),
	})
}

func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   version,
		})
	})
}

// readyHandler checks the optional backing stores. A nil store is reported
// as disabled and does not fail readiness.
func readyHandler(redisClient *redis.Client, db *sql.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		ready := true
		checks := map[string]interface{}{}

		if redisClient == nil {
			checks["redis"] = map[string]string{"status": "disabled"}
		} else if err := redisClient.Ping(ctx); err != nil {
			ready = false
			checks["redis"] = map[string]string{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["redis"] = map[string]string{"status": "healthy"}
		}

		if db == nil {
			checks["database"] = map[string]string{"status": "disabled"}
		} else if err := db.PingContext(ctx); err != nil {
			ready = false
			checks["database"] = map[string]string{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["database"] = map[string]string{"status": "healthy"}
		}

		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{
			"ready":     ready,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"checks":    checks,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write JSON response")
	}
}

// loggingMiddleware tags every request with an X-Request-ID and logs it
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		event := log.Debug()
		if wrapped.statusCode >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriter captures the status code for logging
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID returns 16 hex characters
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows the configured origins. An empty list allows any
// origin, which Validate rejects in production.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
