package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/thenexusengine/tne_streamads/internal/middleware"
	"github.com/thenexusengine/tne_streamads/internal/scheduler"
	"github.com/thenexusengine/tne_streamads/internal/storage"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port            string
	ShutdownTimeout time.Duration

	// PublicURL is the origin players and ad servers reach this service at.
	// House-ad tracking pixels point here.
	PublicURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseConfig *DatabaseConfig

	// Redis
	RedisURL string

	// Admin
	AdminAuthEnabled bool
	AdminAPIKeys     map[string]string

	// Collaborators
	AnalyticsURL        string
	EntitlementURL      string
	EntitlementTimeout  time.Duration
	EntitlementCacheTTL time.Duration

	// Ad documents
	VASTFetchTimeout time.Duration
	VASTMaxRedirects int
	VASTCacheTTL     time.Duration
	VASTCacheSizeMB  int

	// Tracking pixels
	TrackingRPS   float64
	TrackingBurst int

	// Sessions
	SessionTTL time.Duration

	// Playback API rate limit
	RateLimitEnabled bool
	RateLimitRPS     int
	RateLimitBurst   int

	// DefaultAds is served when no database is configured
	DefaultAds scheduler.AdSettings

	// CORS
	CORSOrigins []string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ToStorageConfig converts DatabaseConfig to storage.Config
func (dc *DatabaseConfig) ToStorageConfig() storage.Config {
	return storage.Config{
		Host:            dc.Host,
		Port:            dc.Port,
		User:            dc.User,
		Password:        dc.Password,
		Name:            dc.Name,
		SSLMode:         dc.SSLMode,
		MaxConnections:  dc.MaxConnections,
		MaxIdleConns:    dc.MaxIdleConns,
		ConnMaxLifetime: dc.ConnMaxLifetime,
	}
}

// ParseConfig parses configuration from flags and environment variables
func ParseConfig() *ServerConfig {
	port := flag.String("port", getEnvOrDefault("PORT", "8080"), "Server port")
	logLevel := flag.String("log-level", getEnvOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg := loadConfig()
	cfg.Port = *port
	cfg.LogLevel = *logLevel
	return cfg
}

// loadConfig reads every setting from the environment
func loadConfig() *ServerConfig {
	cfg := &ServerConfig{
		Port:                getEnvOrDefault("PORT", "8080"),
		ShutdownTimeout:     time.Duration(getEnvIntOrDefault("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		PublicURL:           getEnvOrDefault("PUBLIC_URL", "http://localhost:8080"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		RedisURL:            os.Getenv("REDIS_URL"),
		AdminAuthEnabled:    getEnvBoolOrDefault("ADMIN_AUTH_ENABLED", true),
		AdminAPIKeys:        map[string]string{},
		AnalyticsURL:        os.Getenv("ANALYTICS_URL"),
		EntitlementURL:      os.Getenv("ENTITLEMENT_URL"),
		EntitlementTimeout:  time.Duration(getEnvIntOrDefault("ENTITLEMENT_TIMEOUT_MS", 1000)) * time.Millisecond,
		EntitlementCacheTTL: time.Duration(getEnvIntOrDefault("ENTITLEMENT_CACHE_TTL_SECONDS", 300)) * time.Second,
		VASTFetchTimeout:    time.Duration(getEnvIntOrDefault("VAST_FETCH_TIMEOUT_MS", 5000)) * time.Millisecond,
		VASTMaxRedirects:    getEnvIntOrDefault("VAST_MAX_REDIRECTS", 5),
		VASTCacheTTL:        time.Duration(getEnvIntOrDefault("VAST_CACHE_TTL_SECONDS", 300)) * time.Second,
		VASTCacheSizeMB:     getEnvIntOrDefault("VAST_CACHE_SIZE_MB", 32),
		TrackingRPS:         float64(getEnvIntOrDefault("TRACKING_RPS", 200)),
		TrackingBurst:       getEnvIntOrDefault("TRACKING_BURST", 400),
		SessionTTL:          time.Duration(getEnvIntOrDefault("SESSION_TTL_SECONDS", 1800)) * time.Second,
		RateLimitEnabled:    getEnvBoolOrDefault("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        getEnvIntOrDefault("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      getEnvIntOrDefault("RATE_LIMIT_BURST", 40),
		DefaultAds:          defaultAdSettings(),
	}

	if keys := os.Getenv("ADMIN_API_KEYS"); keys != "" {
		cfg.AdminAPIKeys = middleware.ParseAPIKeys(keys)
	}

	// Parse database config if DB_HOST is set
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &DatabaseConfig{
			Host:            dbHost,
			Port:            getEnvOrDefault("DB_PORT", "5432"),
			User:            getEnvOrDefault("DB_USER", "streamads"),
			Password:        getEnvOrDefault("DB_PASSWORD", ""),
			Name:            getEnvOrDefault("DB_NAME", "streamads"),
			SSLMode:         getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConnections:  getEnvIntOrDefault("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getEnvIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: time.Duration(getEnvIntOrDefault("DB_CONN_MAX_LIFETIME_SECONDS", 3600)) * time.Second,
		}
	}

	if corsOrigins := os.Getenv("CORS_ORIGINS"); corsOrigins != "" {
		cfg.CORSOrigins = splitAndTrim(corsOrigins, ",")
	}

	return cfg
}

// defaultAdSettings reads the ADS_* variables on top of the built-in defaults
func defaultAdSettings() scheduler.AdSettings {
	s := scheduler.DefaultSettings()
	s.Enabled = getEnvBoolOrDefault("ADS_ENABLED", s.Enabled)
	s.PreRollEnabled = getEnvBoolOrDefault("ADS_PREROLL_ENABLED", s.PreRollEnabled)
	s.MidRollEnabled = getEnvBoolOrDefault("ADS_MIDROLL_ENABLED", s.MidRollEnabled)
	s.PostRollEnabled = getEnvBoolOrDefault("ADS_POSTROLL_ENABLED", s.PostRollEnabled)
	s.MidRollIntervalMinutes = getEnvIntOrDefault("ADS_MIDROLL_INTERVAL_MINUTES", s.MidRollIntervalMinutes)
	s.MinVideoDurationForMidrollSeconds = getEnvIntOrDefault("ADS_MIN_DURATION_FOR_MIDROLL_SECONDS", s.MinVideoDurationForMidrollSeconds)
	s.SkipAfterSeconds = getEnvIntOrDefault("ADS_SKIP_AFTER_SECONDS", s.SkipAfterSeconds)
	s.Source = scheduler.ParseAdSource(getEnvOrDefault("ADS_SOURCE", string(s.Source)))
	s.VASTPreRollTag = os.Getenv("ADS_VAST_PREROLL_TAG")
	s.VASTMidRollTag = os.Getenv("ADS_VAST_MIDROLL_TAG")
	s.VASTPostRollTag = os.Getenv("ADS_VAST_POSTROLL_TAG")
	s.VMAPURL = os.Getenv("ADS_VMAP_URL")
	s.FallbackToCustom = getEnvBoolOrDefault("ADS_FALLBACK_TO_CUSTOM", s.FallbackToCustom)
	return s
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable as bool or a default
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvIntOrDefault returns the environment variable as int or a default
func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// splitAndTrim splits s by delimiter and drops empty parts
func splitAndTrim(s, delimiter string) []string {
	parts := []string{}
	for _, part := range strings.Split(s, delimiter) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// isProduction returns true if running in production environment
func isProduction() bool {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("ENV")
	}
	return env == "production" || env == "prod"
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil {
		return fmt.Errorf("port must be numeric: %w", err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be in range 1-65535, got %d", port)
	}

	if u, err := url.Parse(c.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("public URL must be an absolute http(s) URL, got %q", c.PublicURL)
	}

	if c.VASTFetchTimeout <= 0 {
		return fmt.Errorf("VAST fetch timeout must be positive, got %v", c.VASTFetchTimeout)
	}

	if c.VASTFetchTimeout > 30*time.Second {
		return fmt.Errorf("VAST fetch timeout must be less than 30s, got %v", c.VASTFetchTimeout)
	}

	if c.VASTMaxRedirects < 0 || c.VASTMaxRedirects > 20 {
		return fmt.Errorf("VAST max redirects must be in range 0-20, got %d", c.VASTMaxRedirects)
	}

	if c.VASTCacheSizeMB < 1 || c.VASTCacheSizeMB > 1024 {
		return fmt.Errorf("VAST cache size must be in range 1-1024 MB, got %d", c.VASTCacheSizeMB)
	}

	if c.SessionTTL < time.Minute {
		return fmt.Errorf("session TTL must be at least 1m, got %v", c.SessionTTL)
	}

	if c.RateLimitEnabled && (c.RateLimitRPS < 1 || c.RateLimitBurst < 1) {
		return fmt.Errorf("rate limit RPS and burst must be positive when rate limiting is enabled")
	}

	if c.TrackingRPS < 0 || c.TrackingBurst < 0 {
		return fmt.Errorf("tracking rate limit must be non-negative")
	}

	if c.EntitlementURL != "" {
		if u, err := url.Parse(c.EntitlementURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("entitlement URL must be an http(s) URL, got %q", c.EntitlementURL)
		}
	}

	if c.AnalyticsURL != "" {
		if u, err := url.Parse(c.AnalyticsURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("analytics URL must be an http(s) URL, got %q", c.AnalyticsURL)
		}
	}

	if c.DatabaseConfig != nil {
		if err := c.DatabaseConfig.Validate(); err != nil {
			return fmt.Errorf("database config: %w", err)
		}
	}

	// SECURITY: the admin validator fetches arbitrary URLs
	if isProduction() {
		if !c.AdminAuthEnabled {
			return fmt.Errorf("admin auth must be enabled in production")
		}

		if len(c.CORSOrigins) == 0 {
			return fmt.Errorf("CORS origins must be explicitly configured in production (set CORS_ORIGINS)")
		}

		for _, origin := range c.CORSOrigins {
			if origin == "*" {
				return fmt.Errorf("CORS wildcard '*' is not allowed in production - specify explicit origins")
			}
		}
	}

	return nil
}

// Validate validates the database configuration
func (dc *DatabaseConfig) Validate() error {
	if dc.Host == "" {
		return fmt.Errorf("host is required")
	}

	if dc.Port == "" {
		return fmt.Errorf("port is required")
	}

	port, err := strconv.Atoi(dc.Port)
	if err != nil {
		return fmt.Errorf("port must be numeric: %w", err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be in range 1-65535, got %d", port)
	}

	if dc.User == "" {
		return fmt.Errorf("user is required")
	}

	if dc.Password == "" {
		return fmt.Errorf("password is required")
	}

	if err := validatePassword(dc.Password); err != nil {
		return fmt.Errorf("password validation failed: %w", err)
	}

	if dc.Name == "" {
		return fmt.Errorf("database name is required")
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}

	if !validSSLModes[dc.SSLMode] {
		return fmt.Errorf("invalid SSL mode: %s (must be one of: disable, require, verify-ca, verify-full)", dc.SSLMode)
	}

	if isProduction() && dc.SSLMode == "disable" {
		return fmt.Errorf("SSL mode 'disable' is not allowed in production (set ENVIRONMENT=production or ENV=production)")
	}

	if dc.MaxConnections < 1 {
		return fmt.Errorf("max connections must be at least 1, got %d", dc.MaxConnections)
	}

	if dc.MaxConnections > 1000 {
		return fmt.Errorf("max connections must not exceed 1000, got %d", dc.MaxConnections)
	}

	if dc.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative, got %d", dc.MaxIdleConns)
	}

	if dc.MaxIdleConns > dc.MaxConnections {
		return fmt.Errorf("max idle connections (%d) cannot exceed max connections (%d)", dc.MaxIdleConns, dc.MaxConnections)
	}

	if dc.ConnMaxLifetime < 0 {
		return fmt.Errorf("connection max lifetime must be non-negative, got %v", dc.ConnMaxLifetime)
	}

	return nil
}

// placeholderPasswords are rejected case-insensitively
var placeholderPasswords = []string{
	"changeme",
	"change_me",
	"change-me",
	"password",
	"secret",
	"admin",
	"root",
	"test",
	"demo",
	"example",
	"default",
	"placeholder",
	"streamads",
}

// validatePassword validates password strength and rejects common placeholders
func validatePassword(password string) error {
	if len(password) < 16 {
		return fmt.Errorf("password must be at least 16 characters long, got %d", len(password))
	}

	lower := strings.ToLower(password)
	for _, placeholder := range placeholderPasswords {
		if strings.Contains(lower, placeholder) {
			return fmt.Errorf("password contains placeholder text '%s' - use a strong, unique password", placeholder)
		}
	}

	return nil
}
