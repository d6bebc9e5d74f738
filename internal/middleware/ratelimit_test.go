package middleware

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(h http.Handler, remoteAddr, operator string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/sessions", nil)
	req.RemoteAddr = remoteAddr
	if operator != "" {
		req = req.WithContext(NewContextWithOperator(context.Background(), operator))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: false, RequestsPerSecond: 1, BurstSize: 1})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 50; i++ {
		if rec := doRequest(handler, "192.168.1.1:12345", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimiterBurstAndRetryAfter(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true, RequestsPerSecond: 5, BurstSize: 5})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		if rec := doRequest(handler, "192.168.1.1:12345", ""); rec.Code != http.StatusOK {
			t.Errorf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := doRequest(handler, "192.168.1.1:12345", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst exhausted, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After: 1, got %s", rec.Header().Get("Retry-After"))
	}

	if rec := doRequest(handler, "192.168.1.2:12345", ""); rec.Code != http.StatusOK {
		t.Errorf("other clients keep their own bucket, got %d", rec.Code)
	}
}

func TestRateLimiterKeysByOperator(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 2})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	doRequest(handler, "10.0.0.1:1", "ops")
	doRequest(handler, "10.0.0.2:1", "ops")

	if rec := doRequest(handler, "10.0.0.3:1", "ops"); rec.Code != http.StatusTooManyRequests {
		t.Error("operator should be limited regardless of address")
	}
	if rec := doRequest(handler, "10.0.0.3:1", "editor"); rec.Code != http.StatusOK {
		t.Errorf("editor should not be limited, got %d", rec.Code)
	}
}

func TestRateLimiterTokenRefill(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true, RequestsPerSecond: 10, BurstSize: 2})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	doRequest(handler, "192.168.1.1:12345", "")
	doRequest(handler, "192.168.1.1:12345", "")

	time.Sleep(150 * time.Millisecond)

	if rec := doRequest(handler, "192.168.1.1:12345", ""); rec.Code != http.StatusOK {
		t.Errorf("expected token refill to allow request, got %d", rec.Code)
	}
}

func TestRateLimiterConcurrency(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 10})
	defer rl.Stop()
	handler := rl.Middleware(okHandler())

	var wg sync.WaitGroup
	var ok int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if doRequest(handler, "192.168.1.1:12345", "").Code == http.StatusOK {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()

	if ok > 11 {
		t.Errorf("expected about burst size successes, got %d", ok)
	}
}

func TestGetClientIP(t *testing.T) {
	_, loopback, _ := net.ParseCIDR("127.0.0.1/32")

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		trustXFF   bool
		expected   string
	}{
		{"RemoteAddr with port", "192.168.1.1:12345", "", "", false, "192.168.1.1"},
		{"RemoteAddr without port", "192.168.1.1", "", "", false, "192.168.1.1"},
		{"XFF ignored without trust", "192.168.1.1:12345", "10.0.0.1", "", false, "192.168.1.1"},
		{"XFF ignored from untrusted peer", "192.168.1.1:12345", "10.0.0.1", "", true, "192.168.1.1"},
		{"X-Forwarded-For from proxy", "127.0.0.1:12345", "10.0.0.1, 172.16.0.1", "", true, "10.0.0.1"},
		{"X-Real-IP from proxy", "127.0.0.1:12345", "", "10.0.0.1", true, "10.0.0.1"},
		{"XFF takes precedence", "127.0.0.1:12345", "10.0.0.1", "10.0.0.2", true, "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := &RateLimiter{config: &RateLimitConfig{
				TrustXFF:       tt.trustXFF,
				TrustedProxies: []*net.IPNet{loopback},
			}}

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := rl.getClientIP(req); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestRateLimiterSetters(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{Enabled: false, RequestsPerSecond: 10, BurstSize: 5})
	defer rl.Stop()
	rl.Stop()

	rl.SetEnabled(true)
	rl.SetRPS(100)
	rl.SetBurstSize(50)

	if !rl.config.Enabled {
		t.Error("expected enabled to be true")
	}
	if rl.config.RequestsPerSecond != 100 {
		t.Errorf("expected RPS 100, got %d", rl.config.RequestsPerSecond)
	}
	if rl.config.BurstSize != 50 {
		t.Errorf("expected burst 50, got %d", rl.config.BurstSize)
	}
}
