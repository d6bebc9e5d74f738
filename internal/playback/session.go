package playback

import (
	"sync"
	"time"

	"github.com/thenexusengine/tne_streamads/internal/scheduler"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

// Session is one viewer's playback of one title
type Session struct {
	ID        string
	UserID    string
	TitleID   string
	CreatedAt time.Time

	mu           sync.Mutex
	state        scheduler.State
	inventory    *scheduler.Inventory
	tracker      *tracking.Tracker
	continuation func()

	// midRollTag is refetched after each VAST mid-roll so every break gets
	// its own ad decision
	midRollTag string

	// alive and generation guard results of fetches that outlive the session
	alive      bool
	generation uint64

	lastSeen   time.Time
	positionMs int64
	durationMs int64
}

// SessionInfo is a read-only snapshot of a session
type SessionInfo struct {
	ID         string          `json:"session_id"`
	UserID     string          `json:"user_id,omitempty"`
	TitleID    string          `json:"title_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	PositionMs int64           `json:"position_ms"`
	DurationMs int64           `json:"duration_ms"`
	State      scheduler.State `json:"state"`
}

// info is called with s.mu held
func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		UserID:     s.UserID,
		TitleID:    s.TitleID,
		CreatedAt:  s.CreatedAt,
		PositionMs: s.positionMs,
		DurationMs: s.durationMs,
		State:      s.state,
	}
}
