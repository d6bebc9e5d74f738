// Package scheduler decides when playback is interrupted for an ad. The
// decision functions are pure: they take the current State and return the next
// State together with an optional Decision.
package scheduler

import (
	"strings"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
)

// AdSource selects where creatives come from
type AdSource string

const (
	// SourceCustom serves videos from the custom ad inventory
	SourceCustom AdSource = "custom"
	// SourceVAST serves ads from one VAST tag per break position
	SourceVAST AdSource = "vast"
	// SourceVMAP serves ads from a VMAP playlist
	SourceVMAP AdSource = "vmap"
)

// ParseAdSource maps a configured source name, defaulting to custom
func ParseAdSource(s string) AdSource {
	switch AdSource(strings.ToLower(strings.TrimSpace(s))) {
	case SourceVAST:
		return SourceVAST
	case SourceVMAP:
		return SourceVMAP
	default:
		return SourceCustom
	}
}

const (
	// DefaultMidRollIntervalMs applies when settings carry no interval
	DefaultMidRollIntervalMs int64 = 300000

	// MidRollEndGuardMs is how close to the end of content a mid-roll may start
	MidRollEndGuardMs int64 = 60000
)

// AdSettings is the per-session ad configuration
type AdSettings struct {
	// Enabled turns ads on for the whole session
	Enabled bool `json:"enabled"`

	// PreRollEnabled allows an ad before content starts
	PreRollEnabled bool `json:"pre_roll_enabled"`

	// MidRollEnabled allows ads that interrupt content
	MidRollEnabled bool `json:"mid_roll_enabled"`

	// PostRollEnabled allows an ad after content ends
	PostRollEnabled bool `json:"post_roll_enabled"`

	// MidRollIntervalMinutes is the minimum gap between mid-rolls
	MidRollIntervalMinutes int `json:"mid_roll_interval_minutes"`

	// MinVideoDurationForMidrollSeconds disables mid-rolls on short content
	MinVideoDurationForMidrollSeconds int `json:"min_video_duration_for_midroll_seconds"`

	// SkipAfterSeconds is when the viewer may skip, 0 means not skippable
	SkipAfterSeconds int `json:"skip_after_seconds"`

	// Source selects the creative source
	Source AdSource `json:"ad_source"`

	// VAST tags per position, used with SourceVAST
	VASTPreRollTag  string `json:"vast_pre_roll_tag,omitempty"`
	VASTMidRollTag  string `json:"vast_mid_roll_tag,omitempty"`
	VASTPostRollTag string `json:"vast_post_roll_tag,omitempty"`

	// VMAPURL is the playlist used with SourceVMAP
	VMAPURL string `json:"vmap_url,omitempty"`

	// FallbackToCustom serves custom inventory when VAST or VMAP yields nothing
	FallbackToCustom bool `json:"fallback_to_custom"`
}

// DefaultSettings returns the settings used when no settings store is configured
func DefaultSettings() AdSettings {
	return AdSettings{
		Enabled:                true,
		PreRollEnabled:         true,
		MidRollEnabled:         true,
		PostRollEnabled:        false,
		MidRollIntervalMinutes: 5,
		SkipAfterSeconds:       5,
		Source:                 SourceCustom,
		FallbackToCustom:       true,
	}
}

// VASTTag returns the configured tag for a position
func (s AdSettings) VASTTag(pos adbreak.Position) string {
	switch pos {
	case adbreak.PreRoll:
		return s.VASTPreRollTag
	case adbreak.MidRoll:
		return s.VASTMidRollTag
	case adbreak.PostRoll:
		return s.VASTPostRollTag
	}
	return ""
}

// CustomAd is one video from the custom ad inventory
type CustomAd struct {
	ID       string           `json:"id"`
	VideoURL string           `json:"video_url"`
	ClickURL string           `json:"click_url,omitempty"`
	Type     adbreak.Position `json:"type"`
	Active   bool             `json:"active"`
}
