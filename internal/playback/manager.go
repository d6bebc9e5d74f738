// Package playback owns the ad scheduling state of live playback sessions.
// Each session holds the single mutable slot for its scheduler.State; the
// scheduler's pure decision functions compute every transition.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/internal/analytics"
	"github.com/thenexusengine/tne_streamads/internal/scheduler"
	"github.com/thenexusengine/tne_streamads/pkg/macros"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

var (
	// ErrSessionNotFound is returned for unknown or ended sessions
	ErrSessionNotFound = errors.New("playback session not found")

	// ErrNoAdPlaying is returned for ad callbacks while content is playing
	ErrNoAdPlaying = errors.New("no ad is playing")
)

// VMAP break tracking events fired alongside the ad's own tracking
const (
	eventBreakStart tracking.EventKind = "breakStart"
	eventBreakEnd   tracking.EventKind = "breakEnd"
)

// Config holds session manager settings
type Config struct {
	MaxRedirects    int           // Wrapper redirect budget for VAST tags
	SessionTTL      time.Duration // Idle time before a session is evicted
	JanitorInterval time.Duration // How often idle sessions are swept
	FetchTimeout    time.Duration // Bound on ad document fetches made for a session
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		MaxRedirects:    vast.DefaultMaxRedirects,
		SessionTTL:      30 * time.Minute,
		JanitorInterval: time.Minute,
		FetchTimeout:    3 * time.Second,
	}
}

// Dependencies are the collaborators a Manager drives
type Dependencies struct {
	Settings    SettingsProvider
	Inventory   InventoryProvider
	Entitlement EntitlementProvider
	Fetcher     VASTFetcher
	Timeline    TimelineResolver
	Firer       tracking.Firer
	Impressions ImpressionRecorder
	Metrics     Metrics
}

// StartRequest starts a playback session
type StartRequest struct {
	UserID     string `json:"user_id,omitempty"`
	TitleID    string `json:"title_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// StartResult carries the new session and its pre-roll decision
type StartResult struct {
	SessionID string              `json:"session_id"`
	Decision  *scheduler.Decision `json:"decision"`
	State     scheduler.State     `json:"state"`
}

// Manager tracks playback sessions
type Manager struct {
	cfg  Config
	deps Dependencies

	mu       sync.RWMutex
	sessions map[string]*Session

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager. Settings, Inventory and Entitlement
// default to static providers; Firer is required.
func NewManager(cfg Config, deps Dependencies) *Manager {
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = vast.DefaultMaxRedirects
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultConfig().JanitorInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	if deps.Settings == nil {
		deps.Settings = StaticSettings(scheduler.DefaultSettings())
	}
	if deps.Inventory == nil {
		deps.Inventory = StaticInventory(nil)
	}
	if deps.Entitlement == nil {
		deps.Entitlement = AllViewersSeeAds{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start creates a session, loads its ad configuration and makes the pre-roll
// decision. Collaborator failures degrade to fewer ads, never to an error.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.DurationMs < 0 {
		return nil, fmt.Errorf("duration_ms must not be negative")
	}

	settings := m.loadSettings(ctx)
	st := scheduler.NewState(settings, m.requiresAds(ctx, req.UserID))

	m.rngMu.Lock()
	seed := m.rng.Int63()
	m.rngMu.Unlock()
	inv := scheduler.NewInventory(settings.Source, settings.FallbackToCustom, rand.New(rand.NewSource(seed)))

	if st.ShouldShowAds {
		m.loadInventory(ctx, settings, inv, req.DurationMs)
	}

	now := m.now()
	s := &Session{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		TitleID:    req.TitleID,
		CreatedAt:  now,
		state:      st,
		inventory:  inv,
		alive:      true,
		lastSeen:   now,
		durationMs: req.DurationMs,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	active := len(m.sessions)
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordSessionStarted()
		m.deps.Metrics.SetActiveSessions(active)
	}

	if st.ShouldShowAds && settings.Source == scheduler.SourceVAST {
		if settings.MidRollEnabled {
			s.midRollTag = settings.VASTMidRollTag
		}
		m.prefetchTags(s, settings)
	}

	s.mu.Lock()
	next, decision := scheduler.DecidePreRoll(s.state, s.inventory)
	s.state = next
	if decision != nil {
		m.beginAd(s, decision)
	}
	result := &StartResult{SessionID: s.ID, Decision: decision, State: s.state}
	s.mu.Unlock()

	log.Debug().
		Str("session_id", s.ID).
		Str("title_id", req.TitleID).
		Str("source", string(settings.Source)).
		Bool("ads", st.ShouldShowAds).
		Bool("pre_roll", decision != nil).
		Msg("playback session started")

	return result, nil
}

// Tick reports the playback position and returns a mid-roll decision when
// one is due
func (m *Manager) Tick(id string, positionMs, durationMs int64) (*scheduler.Decision, error) {
	s, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	s.positionMs = positionMs
	if durationMs > 0 {
		s.durationMs = durationMs
	}

	next, decision := scheduler.EvaluateMidRoll(s.state, positionMs, s.durationMs, s.inventory)
	s.state = next
	if decision != nil {
		m.beginAd(s, decision)
	}
	return decision, nil
}

// AdProgress reports ad playback progress in percent. Start fires on the
// first report; quartiles fire as their thresholds are reached.
func (m *Manager) AdProgress(id string, percent float64) ([]tracking.EventKind, error) {
	s, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.state.Mode != scheduler.ModeAdPlaying {
		return nil, ErrNoAdPlaying
	}
	if s.tracker == nil {
		return []tracking.EventKind{}, nil
	}

	if ad := s.state.CurrentAd.Ad; ad != nil && ad.DurationSeconds > 0 {
		s.tracker.SetMacro(macros.KeyAdPlayhead, macros.FormatPlayhead(ad.DurationSeconds*percent/100))
	}

	fired := []tracking.EventKind{}
	if s.tracker.FireStart() {
		fired = append(fired, tracking.EventStart)
	}
	fired = append(fired, s.tracker.FireQuartile(percent)...)
	return fired, nil
}

// AdCompleted ends the current ad after it played through
func (m *Manager) AdCompleted(id string) (scheduler.State, error) {
	return m.endAd(id, analytics.Complete, func(t *tracking.Tracker) { t.FireComplete() })
}

// AdSkipped ends the current ad after the viewer skipped it
func (m *Manager) AdSkipped(id string) (scheduler.State, error) {
	return m.endAd(id, analytics.Skip, func(t *tracking.Tracker) { t.FireSkip() })
}

// AdClicked records a click on the current ad and returns its landing page
func (m *Manager) AdClicked(id string) (string, error) {
	s, err := m.lock(id)
	if err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	if s.state.Mode != scheduler.ModeAdPlaying {
		return "", ErrNoAdPlaying
	}
	if s.tracker != nil {
		s.tracker.FireClick()
	}
	m.recordImpression(s, s.state.CurrentAd, analytics.Click)
	return s.state.CurrentAd.ClickThrough(), nil
}

// AdFailed ends the current ad because the player could not render it. The
// ad's and the break's error URLs fire with code.
func (m *Manager) AdFailed(id, code string) (scheduler.State, error) {
	s, err := m.lock(id)
	if err != nil {
		return scheduler.State{}, err
	}

	if s.state.Mode != scheduler.ModeAdPlaying {
		s.mu.Unlock()
		return scheduler.State{}, ErrNoAdPlaying
	}
	if s.tracker != nil {
		s.tracker.FireError(code)
	}
	if urls := s.state.CurrentAd.BreakTracking.Error; len(urls) > 0 {
		m.deps.Firer.FireEvent(tracking.EventError, urls, map[string]string{macros.KeyErrorCode: code})
	}

	return m.finishAd(s)
}

// ContentEnded makes the post-roll decision
func (m *Manager) ContentEnded(id string) (*scheduler.Decision, error) {
	s, err := m.lock(id)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	next, decision := scheduler.DecidePostRoll(s.state, s.inventory)
	s.state = next
	if decision != nil {
		m.beginAd(s, decision)
	}
	return decision, nil
}

// QueueContinuation runs fn once the current ad ends, or right away when no
// ad is playing. Only the latest continuation is kept.
func (m *Manager) QueueContinuation(id string, fn func()) error {
	s, err := m.lock(id)
	if err != nil {
		return err
	}

	if s.state.Mode == scheduler.ModeAdPlaying {
		s.continuation = fn
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Session returns a snapshot of a session
func (m *Manager) Session(id string) (SessionInfo, error) {
	s, err := m.lock(id)
	if err != nil {
		return SessionInfo{}, err
	}
	defer s.mu.Unlock()
	return s.info(), nil
}

// End tears a session down. Fetches still in flight for it are discarded
// when they complete.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	s.alive = false
	s.generation++
	s.tracker = nil
	s.continuation = nil
	s.state.Mode = scheduler.ModeIdle
	s.state.CurrentAd = nil
	s.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.SetActiveSessions(active)
	}
	return nil
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// RunJanitor evicts idle sessions until ctx is done
func (m *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(); n > 0 {
				log.Info().Int("evicted", n).Msg("evicted idle playback sessions")
			}
		}
	}
}

// EvictIdle ends every session idle for longer than the session TTL
func (m *Manager) EvictIdle() int {
	cutoff := m.now().Add(-m.cfg.SessionTTL)

	m.mu.RLock()
	var idle []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	evicted := 0
	for _, id := range idle {
		if m.End(id) == nil {
			evicted++
		}
	}
	return evicted
}

// Close stops background fetches and waits for them to finish
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// lock returns the live session with its mutex held
func (m *Manager) lock(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s.lastSeen = m.now()
	return s, nil
}

func (m *Manager) endAd(id string, impression analytics.ImpressionType, fire func(*tracking.Tracker)) (scheduler.State, error) {
	s, err := m.lock(id)
	if err != nil {
		return scheduler.State{}, err
	}

	if s.state.Mode != scheduler.ModeAdPlaying {
		s.mu.Unlock()
		return scheduler.State{}, ErrNoAdPlaying
	}
	if s.tracker != nil {
		fire(s.tracker)
	}
	m.recordImpression(s, s.state.CurrentAd, impression)

	return m.finishAd(s)
}

// finishAd is called with s.mu held and releases it before running the
// queued continuation
func (m *Manager) finishAd(s *Session) (scheduler.State, error) {
	if urls := s.state.CurrentAd.BreakTracking.BreakEnd; len(urls) > 0 {
		m.deps.Firer.FireEvent(eventBreakEnd, urls, nil)
	}

	s.state = scheduler.CompleteAd(s.state)
	s.tracker = nil
	cont := s.continuation
	s.continuation = nil
	st := s.state
	s.mu.Unlock()

	if cont != nil {
		cont()
	}
	return st, nil
}

// beginAd is called with s.mu held once the scheduler has entered AdPlaying
func (m *Manager) beginAd(s *Session, d *scheduler.Decision) {
	c := d.Creative
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordAdDecision(string(d.Position), string(c.Source))
	}

	if urls := c.BreakTracking.BreakStart; len(urls) > 0 {
		m.deps.Firer.FireEvent(eventBreakStart, urls, nil)
	}

	if d.Position == adbreak.MidRoll && c.Source == scheduler.SourceVAST && s.midRollTag != "" {
		delete(s.inventory.Tags, adbreak.MidRoll)
		m.fetchTag(s, adbreak.MidRoll, s.midRollTag, s.generation)
	}

	if c.IsCustom() || c.Ad == nil {
		s.tracker = nil
		m.recordImpression(s, c, analytics.View)
		return
	}

	t := tracking.NewTracker(c.Ad.Events(), m.deps.Firer)
	t.SetMacro(macros.KeyAssetURI, c.MediaURL())
	t.SetMacro(macros.KeyContentPlayhead, macros.FormatPlayhead(float64(s.positionMs)/1000))
	t.FireImpression()
	s.tracker = t
}

func (m *Manager) recordImpression(s *Session, c *scheduler.Creative, typ analytics.ImpressionType) {
	if m.deps.Impressions == nil || c == nil {
		return
	}
	m.deps.Impressions.Record(m.ctx, analytics.Impression{
		AdID:      c.ID(),
		Type:      typ,
		UserID:    s.UserID,
		TitleID:   s.TitleID,
		SessionID: s.ID,
		Position:  string(c.Position),
		Source:    string(c.Source),
	})
}

func (m *Manager) loadSettings(ctx context.Context) scheduler.AdSettings {
	settings, err := m.deps.Settings.AdSettings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("ad settings unavailable, playing without ads")
		return scheduler.AdSettings{}
	}
	return settings
}

func (m *Manager) requiresAds(ctx context.Context, userID string) bool {
	requires, err := m.deps.Entitlement.RequiresAds(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("entitlement lookup failed, treating viewer as ad-supported")
		return true
	}
	return requires
}

// loadInventory fills what the pre-roll decision needs: the custom
// inventory, the pre-roll tag and the VMAP timeline
func (m *Manager) loadInventory(ctx context.Context, settings scheduler.AdSettings, inv *scheduler.Inventory, durationMs int64) {
	if settings.Source == scheduler.SourceCustom || settings.FallbackToCustom {
		ads, err := m.deps.Inventory.CustomAds(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("custom ad inventory unavailable")
		}
		inv.Custom = ads
	}

	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	switch settings.Source {
	case scheduler.SourceVAST:
		if tag := settings.VASTPreRollTag; tag != "" && settings.PreRollEnabled && m.deps.Fetcher != nil {
			inv.Tags[adbreak.PreRoll] = m.deps.Fetcher.FetchVASTAd(fctx, tag, m.cfg.MaxRedirects)
		}
	case scheduler.SourceVMAP:
		if settings.VMAPURL == "" || m.deps.Timeline == nil {
			return
		}
		var duration *float64
		if durationMs > 0 {
			d := float64(durationMs) / 1000
			duration = &d
		}
		timeline, err := m.deps.Timeline.Timeline(fctx, settings.VMAPURL, duration)
		if err != nil {
			log.Warn().Err(err).Str("url", settings.VMAPURL).Msg("VMAP unavailable, continuing without it")
			return
		}
		inv.Timeline = &timeline
	}
}

// prefetchTags resolves the mid-roll and post-roll tags in the background.
// Results are applied only if the session is still the one that asked.
func (m *Manager) prefetchTags(s *Session, settings scheduler.AdSettings) {
	if m.deps.Fetcher == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pos := range []adbreak.Position{adbreak.MidRoll, adbreak.PostRoll} {
		tag := settings.VASTTag(pos)
		if tag == "" {
			continue
		}
		if (pos == adbreak.MidRoll && !settings.MidRollEnabled) || (pos == adbreak.PostRoll && !settings.PostRollEnabled) {
			continue
		}
		m.fetchTag(s, pos, tag, s.generation)
	}
}

// fetchTag fetches tag for pos in the background and stores the response in
// the session inventory if the session is still at generation
func (m *Manager) fetchTag(s *Session, pos adbreak.Position, tag string, generation uint64) {
	if m.deps.Fetcher == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.FetchTimeout)
		defer cancel()
		resp := m.deps.Fetcher.FetchVASTAd(ctx, tag, m.cfg.MaxRedirects)

		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.alive || s.generation != generation {
			log.Debug().Str("session_id", s.ID).Str("position", string(pos)).Msg("discarding ad fetched for ended session")
			return
		}
		s.inventory.Tags[pos] = resp
	}()
}
