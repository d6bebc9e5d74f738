package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/thenexusengine/tne_streamads/internal/adbreak"
	"github.com/thenexusengine/tne_streamads/internal/scheduler"
)

// ErrCustomAdNotFound is returned when updating or deleting an unknown ad
var ErrCustomAdNotFound = errors.New("custom ad not found")

// CustomAdStore manages the custom_ads table
type CustomAdStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewCustomAdStore creates a custom ad store
func NewCustomAdStore(db *sql.DB) *CustomAdStore {
	return &CustomAdStore{db: db, timeout: DefaultDBTimeout}
}

// CustomAds returns the active inventory
func (s *CustomAdStore) CustomAds(ctx context.Context) ([]scheduler.CustomAd, error) {
	return s.query(ctx, `
		SELECT id, video_url, click_url, ad_type, is_active
		FROM custom_ads
		WHERE is_active = true
		ORDER BY created_at ASC
	`)
}

// List returns every ad, active or not
func (s *CustomAdStore) List(ctx context.Context) ([]scheduler.CustomAd, error) {
	return s.query(ctx, `
		SELECT id, video_url, click_url, ad_type, is_active
		FROM custom_ads
		ORDER BY created_at ASC
	`)
}

// GetByID returns one ad, or nil when it does not exist
func (s *CustomAdStore) GetByID(ctx context.Context, id string) (*scheduler.CustomAd, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, video_url, click_url, ad_type, is_active
		FROM custom_ads
		WHERE id = $1
	`, id)

	ad, err := scanCustomAd(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get custom ad: %w", err)
	}
	return ad, nil
}

// Create inserts a new ad
func (s *CustomAdStore) Create(ctx context.Context, ad *scheduler.CustomAd) error {
	if err := ValidateCustomAd(ad); err != nil {
		return err
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_ads (id, video_url, click_url, ad_type, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, ad.ID, ad.VideoURL, nullString(ad.ClickURL), string(ad.Type), ad.Active)
	if err != nil {
		return fmt.Errorf("failed to create custom ad: %w", err)
	}
	return nil
}

// SetActive toggles whether an ad is served
func (s *CustomAdStore) SetActive(ctx context.Context, id string, active bool) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `UPDATE custom_ads SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update custom ad: %w", err)
	}
	return requireAffected(result)
}

// Delete removes an ad
func (s *CustomAdStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM custom_ads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete custom ad: %w", err)
	}
	return requireAffected(result)
}

// ValidateCustomAd checks an ad before it is stored
func ValidateCustomAd(ad *scheduler.CustomAd) error {
	if ad == nil {
		return fmt.Errorf("custom ad is required")
	}
	if ad.ID == "" {
		return fmt.Errorf("custom ad id is required")
	}
	if !isHTTPURL(ad.VideoURL) {
		return fmt.Errorf("video_url must be an http(s) URL")
	}
	if ad.ClickURL != "" && !isHTTPURL(ad.ClickURL) {
		return fmt.Errorf("click_url must be an http(s) URL")
	}
	switch ad.Type {
	case adbreak.PreRoll, adbreak.MidRoll, adbreak.PostRoll:
	default:
		return fmt.Errorf("invalid ad type %q", ad.Type)
	}
	return nil
}

func (s *CustomAdStore) query(ctx context.Context, query string) ([]scheduler.CustomAd, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query custom ads: %w", err)
	}
	defer rows.Close()

	ads := []scheduler.CustomAd{}
	for rows.Next() {
		ad, err := scanCustomAd(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custom ad: %w", err)
		}
		ads = append(ads, *ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating custom ads: %w", err)
	}
	return ads, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomAd(row scanner) (*scheduler.CustomAd, error) {
	var (
		ad       scheduler.CustomAd
		clickURL sql.NullString
		adType   string
	)
	if err := row.Scan(&ad.ID, &ad.VideoURL, &clickURL, &adType, &ad.Active); err != nil {
		return nil, err
	}
	ad.ClickURL = clickURL.String
	ad.Type = adbreak.Position(adType)
	return &ad, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrCustomAdNotFound
	}
	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
