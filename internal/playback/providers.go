package playback

import (
	"context"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/internal/analytics"
	"github.com/thenexusengine/tne_streamads/internal/scheduler"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

// SettingsProvider supplies the ad configuration of a session
type SettingsProvider interface {
	AdSettings(ctx context.Context) (scheduler.AdSettings, error)
}

// InventoryProvider supplies the custom ad inventory
type InventoryProvider interface {
	CustomAds(ctx context.Context) ([]scheduler.CustomAd, error)
}

// EntitlementProvider reports whether a viewer's plan requires ads
type EntitlementProvider interface {
	RequiresAds(ctx context.Context, userID string) (bool, error)
}

// ImpressionRecorder receives impression reports, fire-and-forget
type ImpressionRecorder interface {
	Record(ctx context.Context, imp analytics.Impression)
}

// VASTFetcher resolves a VAST tag; *vast.Fetcher implements it
type VASTFetcher interface {
	FetchVASTAd(ctx context.Context, url string, maxRedirects int) *vast.Response
}

// TimelineResolver resolves a VMAP playlist; *adbreak.Resolver implements it
type TimelineResolver interface {
	Timeline(ctx context.Context, vmapURL string, durationSeconds *float64) (adbreak.Categorized, error)
}

// Metrics receives session observations
type Metrics interface {
	RecordAdDecision(position, source string)
	RecordSessionStarted()
	SetActiveSessions(n int)
}

// StaticSettings serves fixed settings
type StaticSettings scheduler.AdSettings

// AdSettings implements SettingsProvider
func (s StaticSettings) AdSettings(context.Context) (scheduler.AdSettings, error) {
	return scheduler.AdSettings(s), nil
}

// StaticInventory serves a fixed custom inventory
type StaticInventory []scheduler.CustomAd

// CustomAds implements InventoryProvider
func (s StaticInventory) CustomAds(context.Context) ([]scheduler.CustomAd, error) {
	out := make([]scheduler.CustomAd, len(s))
	copy(out, s)
	return out, nil
}

// AllViewersSeeAds is the entitlement used when no subscription service is wired
type AllViewersSeeAds struct{}

// RequiresAds implements EntitlementProvider
func (AllViewersSeeAds) RequiresAds(context.Context, string) (bool, error) {
	return true, nil
}
