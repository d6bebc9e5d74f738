package vast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thenexusengine/tne_streamads/pkg/breaker"
	"github.com/thenexusengine/tne_streamads/pkg/macros"
	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

const (
	// DefaultMaxRedirects is the Wrapper redirect budget
	DefaultMaxRedirects = 5

	// DefaultFetchTimeout bounds a single ad document request
	DefaultFetchTimeout = 5 * time.Second

	// DefaultUserAgent identifies ad document requests
	DefaultUserAgent = "streamads-vast/1.0"

	acceptHeader    = "application/xml, text/xml, */*"
	maxDocumentSize = 2 << 20
)

// VAST error codes reported through Wrapper and InLine Error URLs
const (
	ErrorCodeWrapperTimeout = "301"
	ErrorCodeWrapperLimit   = "302"
	ErrorCodeNoAdsAfterWrap = "303"
)

// Fetch outcomes reported to Metrics
const (
	FetchResultOK          = "ok"
	FetchResultCacheHit    = "cache_hit"
	FetchResultHTTPError   = "http_error"
	FetchResultError       = "error"
	FetchResultCircuitOpen = "circuit_open"
)

// DocumentCache stores raw ad documents keyed by tag URL
type DocumentCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, doc string)
}

// Metrics receives fetcher observations
type Metrics interface {
	RecordVASTFetch(result string, duration time.Duration)
	RecordWrapperDepth(depth int)
	RecordParseError(doc string)
}

// Fetcher retrieves VAST documents over HTTP and resolves Wrapper chains
type Fetcher struct {
	client     *http.Client
	userAgent  string
	cache      DocumentCache
	breakers   *breaker.Group
	metrics    Metrics
	errorFirer tracking.Firer
	inflight   singleflight.Group
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithFetchClient sets the HTTP client used for ad documents
func WithFetchClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithFetchUserAgent overrides the User-Agent header
func WithFetchUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithDocumentCache enables caching of playlists fetched with Fetch. Concurrent
// fetches of the same playlist are collapsed into one request while caching is
// on. VAST ad responses are never cached: each one is a fresh ad decision with
// its own impression URLs.
func WithDocumentCache(cache DocumentCache) FetcherOption {
	return func(f *Fetcher) {
		f.cache = cache
	}
}

// WithBreakers guards each ad-server host with its own circuit breaker
func WithBreakers(group *breaker.Group) FetcherOption {
	return func(f *Fetcher) {
		f.breakers = group
	}
}

// WithFetchMetrics attaches a metrics sink
func WithFetchMetrics(m Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithErrorTracking fires Wrapper Error URLs when a chain fails to resolve
func WithErrorTracking(firer tracking.Firer) FetcherOption {
	return func(f *Fetcher) {
		f.errorFirer = firer
	}
}

// NewFetcher creates a VAST fetcher
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: DefaultFetchTimeout,
		},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchVASTAd fetches the tag at tagURL and resolves its Wrappers with a budget
// of maxRedirects. Network, HTTP and parse failures yield an empty response:
// no ad is a normal outcome of ad serving.
func (f *Fetcher) FetchVASTAd(ctx context.Context, tagURL string, maxRedirects int) *Response {
	body, err := f.fetch(ctx, tagURL, false)
	if err != nil {
		log.Warn().Err(err).Str("url", tagURL).Msg("VAST fetch failed, continuing without ad")
		return emptyResponse()
	}

	doc, err := parseDocument(body)
	if err != nil {
		f.recordParseError()
		log.Warn().Err(err).Str("url", tagURL).Msg("VAST parse failed, continuing without ad")
		return emptyResponse()
	}

	return f.resolve(ctx, doc, maxRedirects)
}

// ParseAndResolve parses an inline VAST document and resolves its Wrappers.
// Parse failures are returned to the caller.
func (f *Fetcher) ParseAndResolve(ctx context.Context, xmlData string, maxRedirects int) (*Response, error) {
	doc, err := parseDocument(xmlData)
	if err != nil {
		f.recordParseError()
		return nil, err
	}
	return f.resolve(ctx, doc, maxRedirects), nil
}

// Fetch returns the raw document at tagURL, served from the cache when one is
// configured. Used for VMAP playlists, which share the ad-server plumbing.
func (f *Fetcher) Fetch(ctx context.Context, tagURL string) (string, error) {
	return f.fetch(ctx, tagURL, true)
}

// FetchDocument fetches the raw document at tagURL, bypassing the cache.
// Failures are returned as *FetchError.
func (f *Fetcher) FetchDocument(ctx context.Context, tagURL string) (string, error) {
	return f.fetch(ctx, tagURL, false)
}

// RecordParseError reports a parse failure of a document kind to the metrics sink
func (f *Fetcher) RecordParseError(doc string) {
	if f.metrics != nil {
		f.metrics.RecordParseError(doc)
	}
}

// ValidateTag fetches tagURL strictly for an operator testing a tag: fetch and
// parse failures are returned, the document is checked against the VAST
// structure rules and its Wrappers are resolved.
func (f *Fetcher) ValidateTag(ctx context.Context, tagURL string, maxRedirects int) (*Response, *ValidationResult, error) {
	body, err := f.FetchDocument(ctx, tagURL)
	if err != nil {
		return nil, nil, err
	}

	validation, err := ValidateDocument(body)
	if err != nil {
		return nil, nil, err
	}

	resp, err := f.ParseAndResolve(ctx, body, maxRedirects)
	if err != nil {
		return nil, validation, err
	}
	return resp, validation, nil
}

// pending is one unit of the wrapper worklist
type pending struct {
	entry
	budget int
	depth  int
	events tracking.EventSet
	clicks []string
}

// resolve walks the document's Wrappers depth-first with an explicit stack so
// InLine ads come out in document order. Every wrapper hop consumes one unit
// of budget; a wrapper reached with no budget left is dropped.
func (f *Fetcher) resolve(ctx context.Context, doc *document, maxRedirects int) *Response {
	resp := &Response{
		Version:   doc.version,
		Ads:       []Ad{},
		ErrorURLs: doc.errorURLs,
	}

	stack := pushEntries(nil, doc.entries, maxRedirects, 0, nil, nil)
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if item.ad != nil {
			resp.Ads = append(resp.Ads, wrapAd(*item.ad, item.events, item.clicks, item.depth))
			if f.metrics != nil {
				f.metrics.RecordWrapperDepth(item.depth)
			}
			continue
		}

		w := item.wrapper
		chainErrors := w.TrackingEvents.Prepend(item.events)[tracking.EventError]

		if item.budget <= 0 {
			log.Warn().
				Err(ErrRedirectBudgetExhausted).
				Str("ad_id", w.AdID).
				Str("url", w.TagURI).
				Int("depth", item.depth).
				Msg("dropping wrapped VAST ad")
			f.fireChainError(chainErrors, ErrorCodeWrapperLimit)
			continue
		}

		if ctx.Err() != nil {
			log.Debug().Err(ctx.Err()).Str("url", w.TagURI).Msg("wrapper resolution cancelled")
			continue
		}

		body, err := f.fetch(ctx, w.TagURI, false)
		if err != nil {
			log.Warn().Err(err).Str("url", w.TagURI).Int("depth", item.depth+1).Msg("wrapper fetch failed")
			f.fireChainError(chainErrors, ErrorCodeWrapperTimeout)
			continue
		}

		inner, err := parseDocument(body)
		if err != nil {
			f.recordParseError()
			log.Warn().Err(err).Str("url", w.TagURI).Int("depth", item.depth+1).Msg("wrapped VAST parse failed")
			f.fireChainError(chainErrors, ErrorCodeNoAdsAfterWrap)
			continue
		}
		if len(inner.entries) == 0 {
			f.fireChainError(chainErrors, ErrorCodeNoAdsAfterWrap)
			continue
		}

		children := inner.entries
		if !w.AllowMultipleAds && len(children) > 1 {
			children = children[:1]
		}
		budget := item.budget - 1
		if !w.FollowAdditionalWrappers {
			budget = 0
		}

		events := w.TrackingEvents.Prepend(item.events)
		clicks := append(append([]string(nil), item.clicks...), w.ClickTracking...)
		stack = pushEntries(stack, children, budget, item.depth+1, events, clicks)
	}

	return resp
}

// pushEntries pushes entries in reverse so they pop in document order
func pushEntries(stack []pending, entries []entry, budget, depth int, events tracking.EventSet, clicks []string) []pending {
	for i := len(entries) - 1; i >= 0; i-- {
		stack = append(stack, pending{
			entry:  entries[i],
			budget: budget,
			depth:  depth,
			events: events,
			clicks: clicks,
		})
	}
	return stack
}

func (f *Fetcher) fireChainError(urls []string, code string) {
	if f.errorFirer == nil || len(urls) == 0 {
		return
	}
	f.errorFirer.FireEvent(tracking.EventError, urls, map[string]string{macros.KeyErrorCode: code})
}

func (f *Fetcher) fetch(ctx context.Context, tagURL string, useCache bool) (string, error) {
	useCache = useCache && f.cache != nil
	if useCache {
		if doc, ok := f.cache.Get(ctx, tagURL); ok {
			f.recordFetch(FetchResultCacheHit, 0)
			return doc, nil
		}

		v, err, _ := f.inflight.Do(tagURL, func() (interface{}, error) {
			body, err := f.get(ctx, tagURL)
			if err != nil {
				return "", err
			}
			f.cache.Set(ctx, tagURL, body)
			return body, nil
		})
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}

	return f.get(ctx, tagURL)
}

func (f *Fetcher) get(ctx context.Context, tagURL string) (string, error) {
	target := macros.Substitute(tagURL, nil)

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		f.recordFetch(FetchResultError, 0)
		return "", &FetchError{URL: target, Err: fmt.Errorf("invalid ad tag URL")}
	}

	start := time.Now()
	var body string
	do := func() error {
		var err error
		body, err = f.do(ctx, target)
		return err
	}

	if f.breakers != nil {
		err = f.breakers.Execute(u.Host, do)
	} else {
		err = do()
	}

	var fetchErr *FetchError
	switch {
	case err == nil:
		f.recordFetch(FetchResultOK, time.Since(start))
		return body, nil
	case errors.Is(err, breaker.ErrCircuitOpen), errors.Is(err, breaker.ErrTooManyConcurrent):
		f.recordFetch(FetchResultCircuitOpen, 0)
		return "", &FetchError{URL: target, Err: err}
	case errors.As(err, &fetchErr) && fetchErr.StatusCode != 0:
		f.recordFetch(FetchResultHTTPError, time.Since(start))
		return "", err
	default:
		f.recordFetch(FetchResultError, time.Since(start))
		return "", err
	}
}

func (f *Fetcher) do(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &FetchError{URL: target, Err: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))
		return "", &FetchError{URL: target, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return "", &FetchError{URL: target, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	return string(data), nil
}

func (f *Fetcher) recordFetch(result string, d time.Duration) {
	if f.metrics != nil {
		f.metrics.RecordVASTFetch(result, d)
	}
}

func (f *Fetcher) recordParseError() {
	f.RecordParseError(DocVAST)
}

func emptyResponse() *Response {
	return &Response{Ads: []Ad{}}
}
