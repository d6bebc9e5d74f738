package playback

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/coocood/freecache"
)

const (
	entitlementCacheSize = 4 * 1024 * 1024
	maxEntitlementBody   = 64 * 1024
)

// HTTPEntitlement asks the subscription service whether a viewer's plan
// carries ads. Answers are cached per user.
type HTTPEntitlement struct {
	endpoint string
	client   *http.Client
	cache    *freecache.Cache
	ttl      int
}

type entitlementResponse struct {
	RequiresAds *bool `json:"requires_ads"`
}

// NewHTTPEntitlement creates a provider that calls GET endpoint?user_id=...
func NewHTTPEntitlement(endpoint string, timeout, cacheTTL time.Duration) *HTTPEntitlement {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTPEntitlement{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		cache:    freecache.NewCache(entitlementCacheSize),
		ttl:      int(cacheTTL.Seconds()),
	}
}

// RequiresAds implements EntitlementProvider. Anonymous viewers always see ads.
func (e *HTTPEntitlement) RequiresAds(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return true, nil
	}

	key := []byte(userID)
	if cached, err := e.cache.Get(key); err == nil && len(cached) == 1 {
		return cached[0] == 1, nil
	}

	u, err := url.Parse(e.endpoint)
	if err != nil {
		return true, fmt.Errorf("invalid entitlement endpoint: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return true, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("entitlement request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true, fmt.Errorf("entitlement service returned status %d", resp.StatusCode)
	}

	var body entitlementResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEntitlementBody)).Decode(&body); err != nil {
		return true, fmt.Errorf("invalid entitlement response: %w", err)
	}
	if body.RequiresAds == nil {
		return true, fmt.Errorf("entitlement response missing requires_ads")
	}

	var v byte
	if *body.RequiresAds {
		v = 1
	}
	if e.ttl > 0 {
		_ = e.cache.Set(key, []byte{v}, e.ttl)
	}
	return *body.RequiresAds, nil
}
