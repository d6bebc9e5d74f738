package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thenexusengine/tne_streamads/internal/scheduler"
)

const settingsColumns = `enabled, pre_roll_enabled, mid_roll_enabled, post_roll_enabled,
	mid_roll_interval_minutes, min_video_duration_for_midroll_seconds, skip_after_seconds,
	ad_source, vast_pre_roll_tag, vast_mid_roll_tag, vast_post_roll_tag, vmap_url, fallback_to_custom`

// SettingsStore reads and writes the single ad_settings row
type SettingsStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSettingsStore creates a settings store
func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db, timeout: DefaultDBTimeout}
}

// AdSettings returns the configured settings. A missing row yields the
// defaults.
func (s *SettingsStore) AdSettings(ctx context.Context) (scheduler.AdSettings, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT ` + settingsColumns + ` FROM ad_settings WHERE id = 1`

	var (
		settings                scheduler.AdSettings
		source                  string
		preTag, midTag, postTag sql.NullString
		vmapURL                 sql.NullString
		interval, minDuration   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&settings.Enabled,
		&settings.PreRollEnabled,
		&settings.MidRollEnabled,
		&settings.PostRollEnabled,
		&interval,
		&minDuration,
		&settings.SkipAfterSeconds,
		&source,
		&preTag,
		&midTag,
		&postTag,
		&vmapURL,
		&settings.FallbackToCustom,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduler.DefaultSettings(), nil
	}
	if err != nil {
		return scheduler.AdSettings{}, fmt.Errorf("failed to load ad settings: %w", err)
	}

	settings.MidRollIntervalMinutes = int(interval.Int64)
	settings.MinVideoDurationForMidrollSeconds = int(minDuration.Int64)
	settings.Source = scheduler.ParseAdSource(source)
	settings.VASTPreRollTag = preTag.String
	settings.VASTMidRollTag = midTag.String
	settings.VASTPostRollTag = postTag.String
	settings.VMAPURL = vmapURL.String

	return settings, nil
}

// Save upserts the settings row
func (s *SettingsStore) Save(ctx context.Context, settings scheduler.AdSettings) error {
	if settings.MidRollIntervalMinutes < 0 || settings.SkipAfterSeconds < 0 || settings.MinVideoDurationForMidrollSeconds < 0 {
		return fmt.Errorf("ad settings must not contain negative durations")
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO ad_settings (id, ` + settingsColumns + `, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			pre_roll_enabled = EXCLUDED.pre_roll_enabled,
			mid_roll_enabled = EXCLUDED.mid_roll_enabled,
			post_roll_enabled = EXCLUDED.post_roll_enabled,
			mid_roll_interval_minutes = EXCLUDED.mid_roll_interval_minutes,
			min_video_duration_for_midroll_seconds = EXCLUDED.min_video_duration_for_midroll_seconds,
			skip_after_seconds = EXCLUDED.skip_after_seconds,
			ad_source = EXCLUDED.ad_source,
			vast_pre_roll_tag = EXCLUDED.vast_pre_roll_tag,
			vast_mid_roll_tag = EXCLUDED.vast_mid_roll_tag,
			vast_post_roll_tag = EXCLUDED.vast_post_roll_tag,
			vmap_url = EXCLUDED.vmap_url,
			fallback_to_custom = EXCLUDED.fallback_to_custom,
			updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query,
		settings.Enabled,
		settings.PreRollEnabled,
		settings.MidRollEnabled,
		settings.PostRollEnabled,
		settings.MidRollIntervalMinutes,
		settings.MinVideoDurationForMidrollSeconds,
		settings.SkipAfterSeconds,
		string(scheduler.ParseAdSource(string(settings.Source))),
		nullString(settings.VASTPreRollTag),
		nullString(settings.VASTMidRollTag),
		nullString(settings.VASTPostRollTag),
		nullString(settings.VMAPURL),
		settings.FallbackToCustom,
	)
	if err != nil {
		return fmt.Errorf("failed to save ad settings: %w", err)
	}
	return nil
}
