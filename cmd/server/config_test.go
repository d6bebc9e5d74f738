package main

import (
	"strings"
	"testing"
	"time"

	"github.com/thenexusengine/tne_streamads/internal/scheduler"
)

var configEnvVars = []string{
	"PORT", "PUBLIC_URL", "LOG_LEVEL", "LOG_FORMAT", "REDIS_URL", "SHUTDOWN_TIMEOUT_SECONDS",
	"ADMIN_AUTH_ENABLED", "ADMIN_API_KEYS", "ANALYTICS_URL", "ENTITLEMENT_URL",
	"ENTITLEMENT_TIMEOUT_MS", "ENTITLEMENT_CACHE_TTL_SECONDS",
	"VAST_FETCH_TIMEOUT_MS", "VAST_MAX_REDIRECTS", "VAST_CACHE_TTL_SECONDS", "VAST_CACHE_SIZE_MB",
	"TRACKING_RPS", "TRACKING_BURST", "SESSION_TTL_SECONDS",
	"RATE_LIMIT_ENABLED", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"ADS_ENABLED", "ADS_PREROLL_ENABLED", "ADS_MIDROLL_ENABLED", "ADS_POSTROLL_ENABLED",
	"ADS_MIDROLL_INTERVAL_MINUTES", "ADS_MIN_DURATION_FOR_MIDROLL_SECONDS", "ADS_SKIP_AFTER_SECONDS",
	"ADS_SOURCE", "ADS_VAST_PREROLL_TAG", "ADS_VAST_MIDROLL_TAG", "ADS_VAST_POSTROLL_TAG",
	"ADS_VMAP_URL", "ADS_FALLBACK_TO_CUSTOM",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSL_MODE",
	"DB_MAX_CONNECTIONS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME_SECONDS",
	"CORS_ORIGINS", "ENVIRONMENT", "ENV",
}

// clearEnvVars unsets every variable the config reads for the duration of t
func clearEnvVars(t *testing.T) {
	t.Helper()
	for _, key := range configEnvVars {
		t.Setenv(key, "")
	}
}

func validConfig() *ServerConfig {
	return &ServerConfig{
		Port:             "8080",
		PublicURL:        "https://ads.example.com",
		VASTFetchTimeout: 5 * time.Second,
		VASTMaxRedirects: 5,
		VASTCacheSizeMB:  32,
		SessionTTL:       30 * time.Minute,
		RateLimitEnabled: true,
		RateLimitRPS:     20,
		RateLimitBurst:   40,
		AdminAuthEnabled: true,
		DefaultAds:       scheduler.DefaultSettings(),
	}
}

func validDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:            "db.internal",
		Port:            "5432",
		User:            "ads",
		Password:        "Xk9#mQ2$vL7@pR4!",
		Name:            "ads",
		SSLMode:         "require",
		MaxConnections:  25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := loadConfig()

	if cfg.Port != "8080" {
		t.Errorf("Expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.VASTFetchTimeout != 5*time.Second {
		t.Errorf("Expected default VAST fetch timeout 5s, got %v", cfg.VASTFetchTimeout)
	}
	if cfg.VASTMaxRedirects != 5 {
		t.Errorf("Expected default max redirects 5, got %d", cfg.VASTMaxRedirects)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("Expected default session TTL 30m, got %v", cfg.SessionTTL)
	}
	if !cfg.AdminAuthEnabled {
		t.Error("Expected admin auth to be enabled by default")
	}
	if len(cfg.AdminAPIKeys) != 0 {
		t.Errorf("Expected no admin keys, got %v", cfg.AdminAPIKeys)
	}
	if cfg.DatabaseConfig != nil {
		t.Error("Expected no database config when DB_HOST is not set")
	}
	if cfg.RedisURL != "" {
		t.Error("Expected empty Redis URL when REDIS_URL is not set")
	}
	if cfg.DefaultAds != scheduler.DefaultSettings() {
		t.Errorf("Expected default ad settings, got %+v", cfg.DefaultAds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(*testing.T, *ServerConfig)
	}{
		{
			name:    "Custom port",
			envVars: map[string]string{"PORT": "9000"},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if cfg.Port != "9000" {
					t.Errorf("Expected port '9000', got '%s'", cfg.Port)
				}
			},
		},
		{
			name: "VAST fetch settings",
			envVars: map[string]string{
				"VAST_FETCH_TIMEOUT_MS":  "2500",
				"VAST_MAX_REDIRECTS":     "3",
				"VAST_CACHE_TTL_SECONDS": "60",
				"VAST_CACHE_SIZE_MB":     "64",
			},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if cfg.VASTFetchTimeout != 2500*time.Millisecond {
					t.Errorf("Expected 2.5s fetch timeout, got %v", cfg.VASTFetchTimeout)
				}
				if cfg.VASTMaxRedirects != 3 {
					t.Errorf("Expected 3 redirects, got %d", cfg.VASTMaxRedirects)
				}
				if cfg.VASTCacheTTL != time.Minute {
					t.Errorf("Expected 1m cache TTL, got %v", cfg.VASTCacheTTL)
				}
				if cfg.VASTCacheSizeMB != 64 {
					t.Errorf("Expected 64MB cache, got %d", cfg.VASTCacheSizeMB)
				}
			},
		},
		{
			name:    "Admin API keys",
			envVars: map[string]string{"ADMIN_API_KEYS": "k1:alice, k2"},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if cfg.AdminAPIKeys["k1"] != "alice" {
					t.Errorf("Expected k1 to map to alice, got %q", cfg.AdminAPIKeys["k1"])
				}
				if cfg.AdminAPIKeys["k2"] != "admin" {
					t.Errorf("Expected k2 to map to admin, got %q", cfg.AdminAPIKeys["k2"])
				}
			},
		},
		{
			name: "Default ad settings",
			envVars: map[string]string{
				"ADS_SOURCE":                   "VMAP",
				"ADS_VMAP_URL":                 "https://ads.example.com/vmap.xml",
				"ADS_POSTROLL_ENABLED":         "true",
				"ADS_MIDROLL_INTERVAL_MINUTES": "8",
				"ADS_SKIP_AFTER_SECONDS":       "0",
			},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if cfg.DefaultAds.Source != scheduler.SourceVMAP {
					t.Errorf("Expected vmap source, got %q", cfg.DefaultAds.Source)
				}
				if cfg.DefaultAds.VMAPURL != "https://ads.example.com/vmap.xml" {
					t.Errorf("Unexpected VMAP URL %q", cfg.DefaultAds.VMAPURL)
				}
				if !cfg.DefaultAds.PostRollEnabled {
					t.Error("Expected post-roll to be enabled")
				}
				if cfg.DefaultAds.MidRollIntervalMinutes != 8 {
					t.Errorf("Expected 8 minute interval, got %d", cfg.DefaultAds.MidRollIntervalMinutes)
				}
				if cfg.DefaultAds.SkipAfterSeconds != 0 {
					t.Errorf("Expected non-skippable ads, got %d", cfg.DefaultAds.SkipAfterSeconds)
				}
			},
		},
		{
			name:    "Unknown ad source falls back to custom",
			envVars: map[string]string{"ADS_SOURCE": "banner"},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if cfg.DefaultAds.Source != scheduler.SourceCustom {
					t.Errorf("Expected custom source, got %q", cfg.DefaultAds.Source)
				}
			},
		},
		{
			name:    "CORS origins",
			envVars: map[string]string{"CORS_ORIGINS": "https://a.example.com, ,https://b.example.com"},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if len(cfg.CORSOrigins) != 2 {
					t.Fatalf("Expected 2 origins, got %v", cfg.CORSOrigins)
				}
				if cfg.CORSOrigins[1] != "https://b.example.com" {
					t.Errorf("Unexpected origin %q", cfg.CORSOrigins[1])
				}
			},
		},
		{
			name:    "Invalid integer keeps default",
			envVars: map[string]string{"SESSION_TTL_SECONDS": "forever"},
			validate: func(t *testing.T, cfg *ServerConfig) {
				if cfg.SessionTTL != 30*time.Minute {
					t.Errorf("Expected default session TTL, got %v", cfg.SessionTTL)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			tt.validate(t, loadConfig())
		})
	}
}

func TestLoadConfig_DatabaseConfig(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("DB_HOST", "postgres.internal")
	t.Setenv("DB_PASSWORD", "Xk9#mQ2$vL7@pR4!")
	t.Setenv("DB_MAX_CONNECTIONS", "50")

	cfg := loadConfig()
	if cfg.DatabaseConfig == nil {
		t.Fatal("Expected database config when DB_HOST is set")
	}

	dc := cfg.DatabaseConfig
	if dc.Port != "5432" {
		t.Errorf("Expected default port 5432, got %s", dc.Port)
	}
	if dc.MaxConnections != 50 {
		t.Errorf("Expected 50 connections, got %d", dc.MaxConnections)
	}
	if dc.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected 1h lifetime, got %v", dc.ConnMaxLifetime)
	}

	sc := dc.ToStorageConfig()
	if sc.Host != "postgres.internal" || sc.MaxConnections != 50 {
		t.Errorf("Storage config not carried over: %+v", sc)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	t.Setenv("TEST_BOOL_YES", "yes")
	t.Setenv("TEST_BOOL_NO", "off")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "4x2")

	if got := getEnvOrDefault("TEST_STRING", "d"); got != "value" {
		t.Errorf("Expected 'value', got %q", got)
	}
	if got := getEnvOrDefault("TEST_MISSING", "d"); got != "d" {
		t.Errorf("Expected default, got %q", got)
	}
	if !getEnvBoolOrDefault("TEST_BOOL_YES", false) {
		t.Error("Expected 'yes' to be true")
	}
	if getEnvBoolOrDefault("TEST_BOOL_NO", true) {
		t.Error("Expected 'off' to be false")
	}
	if !getEnvBoolOrDefault("TEST_MISSING", true) {
		t.Error("Expected default true")
	}
	if got := getEnvIntOrDefault("TEST_INT", 0); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	if got := getEnvIntOrDefault("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("Expected default 7, got %d", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a , b,,c ", ",")
	if strings.Join(got, "|") != "a|b|c" {
		t.Errorf("Expected [a b c], got %v", got)
	}
	if got := splitAndTrim("", ","); len(got) != 0 {
		t.Errorf("Expected empty slice, got %v", got)
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"valid", func(*ServerConfig) {}, ""},
		{"missing port", func(c *ServerConfig) { c.Port = "" }, "port is required"},
		{"non-numeric port", func(c *ServerConfig) { c.Port = "http" }, "port must be numeric"},
		{"port out of range", func(c *ServerConfig) { c.Port = "70000" }, "port must be in range"},
		{"relative public URL", func(c *ServerConfig) { c.PublicURL = "/ads" }, "public URL"},
		{"zero fetch timeout", func(c *ServerConfig) { c.VASTFetchTimeout = 0 }, "fetch timeout must be positive"},
		{"huge fetch timeout", func(c *ServerConfig) { c.VASTFetchTimeout = time.Minute }, "less than 30s"},
		{"negative redirects", func(c *ServerConfig) { c.VASTMaxRedirects = -1 }, "max redirects"},
		{"zero cache", func(c *ServerConfig) { c.VASTCacheSizeMB = 0 }, "cache size"},
		{"short session TTL", func(c *ServerConfig) { c.SessionTTL = time.Second }, "session TTL"},
		{"rate limit without rps", func(c *ServerConfig) { c.RateLimitRPS = 0 }, "rate limit"},
		{"rate limit disabled", func(c *ServerConfig) { c.RateLimitEnabled = false; c.RateLimitRPS = 0 }, ""},
		{"bad entitlement URL", func(c *ServerConfig) { c.EntitlementURL = "ftp://plans" }, "entitlement URL"},
		{"bad analytics URL", func(c *ServerConfig) { c.AnalyticsURL = "collector:9000" }, "analytics URL"},
		{"invalid database", func(c *ServerConfig) {
			c.DatabaseConfig = validDatabaseConfig()
			c.DatabaseConfig.User = ""
		}, "database config: user is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENVIRONMENT", "")
			t.Setenv("ENV", "")

			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestServerConfigValidate_Production(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")

	cfg := validConfig()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "CORS origins") {
		t.Errorf("Expected CORS error in production, got %v", err)
	}

	cfg.CORSOrigins = []string{"*"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "wildcard") {
		t.Errorf("Expected wildcard error in production, got %v", err)
	}

	cfg.CORSOrigins = []string{"https://watch.example.com"}
	cfg.AdminAuthEnabled = false
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "admin auth") {
		t.Errorf("Expected admin auth error in production, got %v", err)
	}

	cfg.AdminAuthEnabled = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected production config to validate, got %v", err)
	}
}

func TestDatabaseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*DatabaseConfig)
		wantErr string
	}{
		{"valid", func(*DatabaseConfig) {}, ""},
		{"missing host", func(dc *DatabaseConfig) { dc.Host = "" }, "host is required"},
		{"bad port", func(dc *DatabaseConfig) { dc.Port = "0" }, "port must be in range"},
		{"missing password", func(dc *DatabaseConfig) { dc.Password = "" }, "password is required"},
		{"short password", func(dc *DatabaseConfig) { dc.Password = "short" }, "at least 16 characters"},
		{"placeholder password", func(dc *DatabaseConfig) { dc.Password = "MyPassword123456789" }, "placeholder text 'password'"},
		{"missing name", func(dc *DatabaseConfig) { dc.Name = "" }, "database name is required"},
		{"bad ssl mode", func(dc *DatabaseConfig) { dc.SSLMode = "prefer" }, "invalid SSL mode"},
		{"no connections", func(dc *DatabaseConfig) { dc.MaxConnections = 0 }, "at least 1"},
		{"too many connections", func(dc *DatabaseConfig) { dc.MaxConnections = 5000 }, "must not exceed 1000"},
		{"idle above max", func(dc *DatabaseConfig) { dc.MaxIdleConns = 30 }, "cannot exceed max connections"},
		{"negative lifetime", func(dc *DatabaseConfig) { dc.ConnMaxLifetime = -time.Second }, "lifetime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENVIRONMENT", "")
			t.Setenv("ENV", "")

			dc := validDatabaseConfig()
			tt.mutate(dc)
			err := dc.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDatabaseConfigValidate_SSLModeProduction(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "prod")

	dc := validDatabaseConfig()
	dc.SSLMode = "disable"
	if err := dc.Validate(); err == nil || !strings.Contains(err.Error(), "not allowed in production") {
		t.Errorf("Expected production SSL error, got %v", err)
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		environment string
		env         string
		want        bool
	}{
		{"", "", false},
		{"production", "", true},
		{"", "prod", true},
		{"staging", "prod", false},
		{"development", "", false},
	}

	for _, tt := range tests {
		t.Setenv("ENVIRONMENT", tt.environment)
		t.Setenv("ENV", tt.env)
		if got := isProduction(); got != tt.want {
			t.Errorf("ENVIRONMENT=%q ENV=%q: expected %v, got %v", tt.environment, tt.env, tt.want, got)
		}
	}
}
