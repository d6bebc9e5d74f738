package scheduler

import (
	"github.com/thenexusengine/tne_streamads/internal/adbreak"
)

// Mode is the playback phase of a session
type Mode string

const (
	ModeIdle           Mode = "idle"
	ModeContentPlaying Mode = "content_playing"
	ModeAdPlaying      Mode = "ad_playing"
)

// State is the scheduler state of one playback session. It is a value: the
// decision functions return an updated copy and never modify their input.
type State struct {
	Mode Mode `json:"mode"`

	// ShouldShowAds is false when ads are disabled or the viewer's plan is ad-free
	ShouldShowAds bool `json:"should_show_ads"`

	PreRollEnabled  bool `json:"pre_roll_enabled"`
	MidRollEnabled  bool `json:"mid_roll_enabled"`
	PostRollEnabled bool `json:"post_roll_enabled"`

	HasShownPreRoll  bool `json:"has_shown_pre_roll"`
	HasShownPostRoll bool `json:"has_shown_post_roll"`

	LastMidRollPositionMs int64 `json:"last_mid_roll_position_ms"`
	MidRollIntervalMs     int64 `json:"mid_roll_interval_ms"`

	// MinDurationForMidRollMs disables mid-rolls on content shorter than this
	MinDurationForMidRollMs int64 `json:"min_duration_for_mid_roll_ms"`

	SkipAfterSeconds int `json:"skip_after_seconds"`

	CurrentAd *Creative `json:"current_ad,omitempty"`

	// PlayedBreaks lists VMAP break IDs already shown
	PlayedBreaks []string `json:"played_breaks,omitempty"`
}

// Decision is returned when playback should be interrupted for an ad
type Decision struct {
	Position         adbreak.Position `json:"position"`
	Creative         *Creative        `json:"creative"`
	SkipAfterSeconds int              `json:"skip_after_seconds"`
}

// NewState creates the initial state of a session
func NewState(settings AdSettings, requiresAds bool) State {
	interval := int64(settings.MidRollIntervalMinutes) * 60000
	if interval <= 0 {
		interval = DefaultMidRollIntervalMs
	}

	return State{
		Mode:                    ModeIdle,
		ShouldShowAds:           settings.Enabled && requiresAds,
		PreRollEnabled:          settings.PreRollEnabled,
		MidRollEnabled:          settings.MidRollEnabled,
		PostRollEnabled:         settings.PostRollEnabled,
		MidRollIntervalMs:       interval,
		MinDurationForMidRollMs: int64(settings.MinVideoDurationForMidrollSeconds) * 1000,
		SkipAfterSeconds:        settings.SkipAfterSeconds,
	}
}

// DecidePreRoll makes the entry decision. It is attempted once per session:
// HasShownPreRoll is set whether or not an ad is found.
func DecidePreRoll(st State, avail Availability) (State, *Decision) {
	if st.HasShownPreRoll {
		if st.Mode == ModeIdle {
			st.Mode = ModeContentPlaying
		}
		return st, nil
	}

	st.HasShownPreRoll = true
	st.Mode = ModeContentPlaying
	if !st.ShouldShowAds || !st.PreRollEnabled {
		return st, nil
	}

	return interrupt(st, avail, Request{Position: adbreak.PreRoll})
}

// EvaluateMidRoll is called on every position update. A mid-roll triggers
// only while content plays, once the interval since the last mid-roll has
// elapsed and not within MidRollEndGuardMs of the end.
func EvaluateMidRoll(st State, positionMs, durationMs int64, avail Availability) (State, *Decision) {
	if !ShouldTriggerMidRoll(st, positionMs, durationMs) {
		return st, nil
	}

	next, decision := interrupt(st, avail, Request{Position: adbreak.MidRoll, PositionMs: positionMs})
	if decision != nil {
		next.LastMidRollPositionMs = positionMs
	}
	return next, decision
}

// ShouldTriggerMidRoll reports whether the timing rules allow a mid-roll at
// positionMs, before any creative is looked up
func ShouldTriggerMidRoll(st State, positionMs, durationMs int64) bool {
	switch {
	case st.Mode != ModeContentPlaying:
		return false
	case !st.ShouldShowAds || !st.MidRollEnabled:
		return false
	case st.MinDurationForMidRollMs > 0 && durationMs < st.MinDurationForMidRollMs:
		return false
	case positionMs-st.LastMidRollPositionMs < st.MidRollIntervalMs:
		return false
	case durationMs-positionMs < MidRollEndGuardMs:
		return false
	}
	return true
}

// DecidePostRoll is called once content has ended. Like the pre-roll it is
// attempted at most once; without an ad the session goes idle.
func DecidePostRoll(st State, avail Availability) (State, *Decision) {
	if st.Mode == ModeAdPlaying {
		return st, nil
	}
	if st.HasShownPostRoll {
		st.Mode = ModeIdle
		return st, nil
	}

	st.HasShownPostRoll = true
	if st.ShouldShowAds && st.PostRollEnabled {
		if next, decision := interrupt(st, avail, Request{Position: adbreak.PostRoll}); decision != nil {
			return next, decision
		}
	}
	st.Mode = ModeIdle
	return st, nil
}

// CompleteAd ends the current ad. Content resumes, or the session goes idle
// after a post-roll.
func CompleteAd(st State) State {
	if st.Mode != ModeAdPlaying {
		return st
	}

	st.Mode = ModeContentPlaying
	if st.CurrentAd != nil && st.CurrentAd.Position == adbreak.PostRoll {
		st.Mode = ModeIdle
	}
	st.CurrentAd = nil
	return st
}

func interrupt(st State, avail Availability, req Request) (State, *Decision) {
	if avail == nil {
		return st, nil
	}

	req.Played = st.PlayedBreaks
	creative := avail.Select(req)
	if creative == nil {
		return st, nil
	}

	st.Mode = ModeAdPlaying
	st.CurrentAd = creative
	if creative.BreakID != "" {
		played := make([]string, len(st.PlayedBreaks), len(st.PlayedBreaks)+1)
		copy(played, st.PlayedBreaks)
		st.PlayedBreaks = append(played, creative.BreakID)
	}

	return st, &Decision{
		Position:         req.Position,
		Creative:         creative,
		SkipAfterSeconds: skipAfter(st.SkipAfterSeconds, creative),
	}
}

// skipAfter prefers the creative's own skipoffset over the configured delay
func skipAfter(configured int, c *Creative) int {
	if c.Ad != nil && c.Ad.SkipOffsetSeconds != nil {
		return int(*c.Ad.SkipOffsetSeconds + 0.5)
	}
	return configured
}
