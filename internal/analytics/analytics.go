// Package analytics records ad impressions. Impressions are posted to an
// optional analytics collaborator and counted per ad in Redis. Recording is
// fire-and-forget: failures are logged and never reach the caller.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ImpressionType enumerates the impression kinds the player reports
type ImpressionType string

const (
	View     ImpressionType = "view"
	Skip     ImpressionType = "skip"
	Click    ImpressionType = "click"
	Complete ImpressionType = "complete"
)

// ParseImpressionType validates an impression type name
func ParseImpressionType(s string) (ImpressionType, bool) {
	t := ImpressionType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case View, Skip, Click, Complete:
		return t, true
	}
	return "", false
}

// Impression is one ad impression report
type Impression struct {
	AdID      string         `json:"ad_id"`
	Type      ImpressionType `json:"impression_type"`
	UserID    string         `json:"user_id,omitempty"`
	TitleID   string         `json:"title_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Position  string         `json:"position,omitempty"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Validate checks the required fields
func (i *Impression) Validate() error {
	if i.AdID == "" {
		return fmt.Errorf("ad_id is required")
	}
	if _, ok := ParseImpressionType(string(i.Type)); !ok {
		return fmt.Errorf("invalid impression_type %q", i.Type)
	}
	return nil
}

// Counter is the hash counter store; *redis.Client implements it
type Counter interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

const (
	// DefaultTimeout bounds one delivery to the analytics collaborator
	DefaultTimeout = 2 * time.Second

	counterPrefix = "impressions:"
)

// Recorder delivers impressions
type Recorder struct {
	endpoint string
	client   *http.Client
	counter  Counter
	timeout  time.Duration
	wg       sync.WaitGroup
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithEndpoint posts every impression as JSON to url
func WithEndpoint(url string) RecorderOption {
	return func(r *Recorder) {
		r.endpoint = url
	}
}

// WithHTTPClient sets the client used for the analytics endpoint
func WithHTTPClient(client *http.Client) RecorderOption {
	return func(r *Recorder) {
		r.client = client
	}
}

// WithCounter counts impressions per ad and type
func WithCounter(c Counter) RecorderOption {
	return func(r *Recorder) {
		r.counter = c
	}
}

// NewRecorder creates an impression recorder
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		client:  &http.Client{Timeout: DefaultTimeout},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record delivers imp in the background. It never blocks on the network.
func (r *Recorder) Record(_ context.Context, imp Impression) {
	if imp.Timestamp.IsZero() {
		imp.Timestamp = time.Now().UTC()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("ad_id", imp.AdID).Msg("impression delivery panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.deliver(ctx, imp)
	}()
}

// Wait blocks until in-flight deliveries finish
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Counts returns the impression counters of an ad
func (r *Recorder) Counts(ctx context.Context, adID string) (map[ImpressionType]int64, error) {
	out := make(map[ImpressionType]int64)
	if r.counter == nil {
		return out, nil
	}

	fields, err := r.counter.HGetAll(ctx, counterPrefix+adID)
	if err != nil {
		return nil, fmt.Errorf("failed to read impression counters: %w", err)
	}
	for field, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[ImpressionType(field)] = n
	}
	return out, nil
}

func (r *Recorder) deliver(ctx context.Context, imp Impression) {
	if r.counter != nil {
		if err := r.counter.HIncrBy(ctx, counterPrefix+imp.AdID, string(imp.Type), 1); err != nil {
			log.Debug().Err(err).Str("ad_id", imp.AdID).Msg("impression counter failed")
		}
	}

	if r.endpoint == "" {
		return
	}

	body, err := json.Marshal(imp)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		log.Debug().Err(err).Msg("invalid analytics endpoint")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("ad_id", imp.AdID).Msg("impression post failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Debug().Int("status", resp.StatusCode).Str("ad_id", imp.AdID).Msg("impression post rejected")
	}
}
