// Package middleware provides HTTP middleware for the ad service
package middleware

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"
	"github.com/rs/zerolog/log"
)

type contextKey string

const operatorKey contextKey = "operator"

// Redis key patterns
const (
	// #nosec G101 -- Redis key name, not a credential
	RedisAdminKeysHash = "streamads:admin_keys" // hash: api_key -> operator name
	redisFailurePrefix = "streamads:auth_failures:"
)

const (
	keyCacheSize        = 1024 * 1024
	defaultCacheTTL     = 5 * time.Minute
	negativeCacheTTL    = 30 * time.Second
	defaultFailureLimit = 20
	defaultFailureTTL   = 10 * time.Minute
)

// KeyStore looks admin API keys up in a shared store
type KeyStore interface {
	HGet(ctx context.Context, key, field string) (string, error)
}

// FailureCounter counts failed attempts per client within a window
type FailureCounter interface {
	Get(ctx context.Context, key string) (string, error)
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// AuthMetrics defines the metrics interface for auth middleware
type AuthMetrics interface {
	IncAuthFailures()
}

// AuthConfig holds authentication configuration for admin routes
type AuthConfig struct {
	Enabled     bool
	APIKeys     map[string]string // key -> operator name
	HeaderName  string            // Header to check for the key (default: X-API-Key)
	BypassPaths []string          // Paths that don't require auth
	CacheTTL    time.Duration     // How long a validated key is trusted

	// MaxFailures locks a client out once it has failed this many times
	// within FailureWindow. Requires a FailureCounter.
	MaxFailures   int
	FailureWindow time.Duration
}

// DefaultAuthConfig returns default auth configuration
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:       true,
		APIKeys:       map[string]string{},
		HeaderName:    "X-API-Key",
		BypassPaths:   []string{"/health"},
		CacheTTL:      defaultCacheTTL,
		MaxFailures:   defaultFailureLimit,
		FailureWindow: defaultFailureTTL,
	}
}

// ParseAPIKeys parses keys in the form "key1:ops,key2:editor". A key
// without a name maps to "admin".
func ParseAPIKeys(value string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		switch {
		case len(parts) == 2 && parts[0] != "":
			keys[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		case len(parts) == 1 && parts[0] != "":
			keys[parts[0]] = "admin"
		}
	}
	return keys
}

// Auth provides API key authentication for admin routes
type Auth struct {
	mu       sync.RWMutex
	config   *AuthConfig
	keys     KeyStore
	failures FailureCounter
	metrics  AuthMetrics

	cache *freecache.Cache
}

// NewAuth creates a new Auth middleware
func NewAuth(config *AuthConfig) *Auth {
	if config == nil {
		config = DefaultAuthConfig()
	}
	if config.HeaderName == "" {
		config.HeaderName = "X-API-Key"
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = defaultFailureTTL
	}
	return &Auth{
		config: config,
		cache:  freecache.NewCache(keyCacheSize),
	}
}

// SetKeyStore sets the shared store consulted before the local keys
func (a *Auth) SetKeyStore(ks KeyStore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = ks
}

// SetFailureCounter enables lockout of clients that keep failing
func (a *Auth) SetFailureCounter(fc FailureCounter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = fc
}

// SetMetrics sets the metrics interface for auth middleware
func (a *Auth) SetMetrics(m AuthMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = m
}

// Middleware returns the authentication middleware handler
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.RLock()
		enabled := a.config.Enabled
		bypassPaths := a.config.BypassPaths
		headerName := a.config.HeaderName
		a.mu.RUnlock()

		if !enabled {
			next.ServeHTTP(w, r)
			return
		}

		// Exact match or a path segment boundary, so /healthz is not /health
		for _, path := range bypassPaths {
			if r.URL.Path == path || strings.HasPrefix(r.URL.Path, path+"/") {
				next.ServeHTTP(w, r)
				return
			}
		}

		client := clientIP(r)
		if a.lockedOut(r.Context(), client) {
			w.Header().Set("Retry-After", strconv.Itoa(int(a.config.FailureWindow.Seconds())))
			writeAuthError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		apiKey := r.Header.Get(headerName)
		if apiKey == "" {
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if apiKey == "" {
			a.recordAuthFailure(r.Context(), client)
			writeAuthError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		operator, valid := a.validateKey(r.Context(), apiKey)
		if !valid {
			a.recordAuthFailure(r.Context(), client)
			log.Info().Str("client", client).Str("path", r.URL.Path).Msg("rejected admin request with invalid API key")
			writeAuthError(w, http.StatusForbidden, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(NewContextWithOperator(r.Context(), operator)))
	})
}

// NewContextWithOperator stores the authenticated operator name in ctx
func NewContextWithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// OperatorFromContext returns the authenticated operator name
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(operatorKey).(string)
	return operator
}

// AddAPIKey adds a key at runtime
func (a *Auth) AddAPIKey(key, operator string) {
	a.mu.Lock()
	if a.config.APIKeys == nil {
		a.config.APIKeys = make(map[string]string)
	}
	a.config.APIKeys[key] = operator
	a.mu.Unlock()

	a.cache.Del([]byte(key))
}

// RemoveAPIKey removes a key at runtime
func (a *Auth) RemoveAPIKey(key string) {
	a.mu.Lock()
	delete(a.config.APIKeys, key)
	a.mu.Unlock()

	a.cache.Del([]byte(key))
}

// SetEnabled enables or disables authentication
func (a *Auth) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Enabled = enabled
}

// IsEnabled returns whether authentication is enabled
func (a *Auth) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// ClearCache forgets every cached key lookup
func (a *Auth) ClearCache() {
	a.cache.Clear()
}

// validateKey returns the operator behind key. Cached entries carry a "+"
// prefix for valid keys and "-" for rejected ones.
func (a *Auth) validateKey(ctx context.Context, key string) (string, bool) {
	if cached, err := a.cache.Get([]byte(key)); err == nil && len(cached) > 0 {
		return string(cached[1:]), cached[0] == '+'
	}

	a.mu.RLock()
	ks := a.keys
	ttl := a.config.CacheTTL
	a.mu.RUnlock()

	if ks != nil {
		operator, err := ks.HGet(ctx, RedisAdminKeysHash, key)
		if err == nil && operator != "" {
			a.remember(key, "+"+operator, ttl)
			return operator, true
		}
		if err != nil {
			log.Debug().Err(err).Msg("Redis API key lookup failed, falling back to local")
		}
	}

	var operator string
	var found bool

	a.mu.RLock()
	for validKey, name := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(validKey)) == 1 {
			operator = name
			found = true
			break
		}
	}
	a.mu.RUnlock()

	if found {
		a.remember(key, "+"+operator, ttl)
		return operator, true
	}

	a.remember(key, "-", negativeCacheTTL)
	return "", false
}

func (a *Auth) remember(key, value string, ttl time.Duration) {
	_ = a.cache.Set([]byte(key), []byte(value), int(ttl.Seconds()))
}

func (a *Auth) lockedOut(ctx context.Context, client string) bool {
	a.mu.RLock()
	fc := a.failures
	limit := a.config.MaxFailures
	a.mu.RUnlock()

	if fc == nil || limit <= 0 {
		return false
	}
	val, err := fc.Get(ctx, redisFailurePrefix+client)
	if err != nil || val == "" {
		return false
	}
	n, err := strconv.Atoi(val)
	return err == nil && n >= limit
}

func (a *Auth) recordAuthFailure(ctx context.Context, client string) {
	a.mu.RLock()
	m := a.metrics
	fc := a.failures
	window := a.config.FailureWindow
	a.mu.RUnlock()

	if m != nil {
		m.IncAuthFailures()
	}
	if fc != nil {
		if _, err := fc.IncrWithExpiry(ctx, redisFailurePrefix+client, window); err != nil {
			log.Debug().Err(err).Msg("failed to count auth failure")
		}
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// clientIP returns the remote address without its port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
