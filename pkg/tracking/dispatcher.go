package tracking

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/thenexusengine/tne_streamads/pkg/macros"
)

const (
	// DefaultTimeout bounds a single pixel request
	DefaultTimeout = 5 * time.Second

	// DefaultUserAgent identifies pixel requests
	DefaultUserAgent = "streamads-tracker/1.0"

	beaconAccept = "image/*,*/*;q=0.8"
)

// Firer sends tracking URLs without blocking the caller
type Firer interface {
	FireEvent(kind EventKind, urls []string, macroValues map[string]string)
}

// Metrics records pixel delivery outcomes
type Metrics interface {
	RecordTrackingPixel(event, result string)
}

// Dispatcher fires tracking pixels fire-and-forget
type Dispatcher struct {
	client    *http.Client
	plain     *http.Client // client without a cookie jar
	userAgent string
	limiter   *rate.Limiter
	metrics   Metrics
	wg        sync.WaitGroup
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithHTTPClient sets a custom HTTP client for pixel requests
func WithHTTPClient(client *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		d.client = client
	}
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) DispatcherOption {
	return func(d *Dispatcher) {
		d.userAgent = ua
	}
}

// WithRateLimit caps outbound pixel requests per second. Requests over the
// limit wait in their own goroutine; the caller is never delayed.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithMetrics attaches a delivery metrics sink
func WithMetrics(m Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a pixel dispatcher
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}

	plain := *d.client
	plain.Jar = nil
	d.plain = &plain
	return d
}

// Fire substitutes macros into every URL and sends them in the background
func (d *Dispatcher) Fire(urls []string, macroValues map[string]string) {
	d.FireEvent("", urls, macroValues)
}

// FireEvent is Fire with an event label for logs and metrics
func (d *Dispatcher) FireEvent(kind EventKind, urls []string, macroValues map[string]string) {
	for _, tmpl := range urls {
		target := macros.Substitute(strings.TrimSpace(tmpl), macroValues)
		if !isHTTPURL(target) {
			d.record(kind, "skipped")
			continue
		}

		d.wg.Add(1)
		go d.send(kind, target)
	}
}

// Wait blocks until every in-flight pixel request has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) send(kind EventKind, target string) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Str("event", string(kind)).Msg("tracking pixel panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.record(kind, "dropped")
			return
		}
	}

	// The beacon and a credential-less fetch go out together; delivery counts
	// if either path reaches the tracker.
	errs := make(chan error, 2)
	go func() { errs <- d.get(ctx, d.client, target, beaconAccept) }()
	go func() { errs <- d.get(ctx, d.plain, target, "*/*") }()

	var delivered bool
	var lastErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}

	if !delivered {
		log.Debug().Err(lastErr).Str("event", string(kind)).Str("url", target).Msg("tracking pixel failed")
		d.record(kind, "error")
		return
	}
	d.record(kind, "ok")
}

func (d *Dispatcher) get(ctx context.Context, client *http.Client, target, accept string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create tracking request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send tracking request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("tracking request failed with status: %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) record(kind EventKind, result string) {
	if d.metrics == nil {
		return
	}
	event := string(kind)
	if event == "" {
		event = "custom"
	}
	d.metrics.RecordTrackingPixel(event, result)
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
