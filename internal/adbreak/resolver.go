// Package adbreak resolves VMAP ad breaks into a playback-ordered timeline of
// playable ads.
package adbreak

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thenexusengine/tne_streamads/pkg/vast"
	"github.com/thenexusengine/tne_streamads/pkg/vmap"
)

// Position classifies a break by where it plays
type Position string

const (
	PreRoll  Position = "pre_roll"
	MidRoll  Position = "mid_roll"
	PostRoll Position = "post_roll"
)

// DefaultConcurrency bounds parallel break resolution
const DefaultConcurrency = 8

// ResolvedAdBreak is a VMAP break with its VAST source fetched and parsed
type ResolvedAdBreak struct {
	BreakID           string             `json:"break_id"`
	Position          Position           `json:"position"`
	TimeOffsetSeconds *float64           `json:"time_offset_seconds,omitempty"`
	Ads               []vast.Ad          `json:"ads"`
	TrackingEvents    vmap.BreakTracking `json:"tracking_events"`
}

// Categorized partitions a sorted timeline by position
type Categorized struct {
	PreRoll  *ResolvedAdBreak  `json:"pre_roll"`
	MidRolls []ResolvedAdBreak `json:"mid_rolls"`
	PostRoll *ResolvedAdBreak  `json:"post_roll"`
}

// Fetcher is the VAST plumbing the resolver needs; *vast.Fetcher implements it
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
	FetchVASTAd(ctx context.Context, url string, maxRedirects int) *vast.Response
	ParseAndResolve(ctx context.Context, xmlData string, maxRedirects int) (*vast.Response, error)
	RecordParseError(doc string)
}

// Resolver turns VMAP breaks into resolved breaks
type Resolver struct {
	fetcher      Fetcher
	maxRedirects int
	concurrency  int
}

// NewResolver creates a resolver with the given wrapper redirect budget
func NewResolver(fetcher Fetcher, maxRedirects int) *Resolver {
	if maxRedirects < 0 {
		maxRedirects = vast.DefaultMaxRedirects
	}
	return &Resolver{
		fetcher:      fetcher,
		maxRedirects: maxRedirects,
		concurrency:  DefaultConcurrency,
	}
}

// ParseTimeOffset classifies a VMAP timeOffset. "start" is a pre-roll at 0 and
// "end" a post-roll without offset. Anything else is a mid-roll whose offset
// is decoded as HH:MM:SS[.mmm], a percentage of durationSeconds, or seconds.
// Undecodable offsets, #N positions and percentages without a duration leave
// the offset nil.
func ParseTimeOffset(offset string, durationSeconds *float64) (Position, *float64) {
	trimmed := strings.TrimSpace(offset)
	switch strings.ToLower(trimmed) {
	case vmap.OffsetStart:
		zero := 0.0
		return PreRoll, &zero
	case vmap.OffsetEnd:
		return PostRoll, nil
	}

	if strings.HasPrefix(trimmed, "#") {
		return MidRoll, nil
	}

	var duration float64
	if durationSeconds != nil {
		duration = *durationSeconds
	}
	return MidRoll, vast.ParseOffset(trimmed, duration)
}

// ResolveAdBreak fetches or parses the break's VAST source. A break without a
// source, or whose source fails, resolves to zero ads.
func (r *Resolver) ResolveAdBreak(ctx context.Context, brk vmap.AdBreak, durationSeconds *float64) ResolvedAdBreak {
	position, offset := ParseTimeOffset(brk.TimeOffset, durationSeconds)
	resolved := ResolvedAdBreak{
		BreakID:           brk.BreakID,
		Position:          position,
		TimeOffsetSeconds: offset,
		Ads:               []vast.Ad{},
		TrackingEvents:    brk.TrackingEvents,
	}

	src := brk.AdSource
	if src == nil {
		return resolved
	}

	budget := r.maxRedirects
	if !src.FollowRedirects {
		budget = 0
	}

	var resp *vast.Response
	switch {
	case src.VASTURL != "":
		resp = r.fetcher.FetchVASTAd(ctx, src.VASTURL, budget)
	case src.VASTInlineXML != "":
		var err error
		resp, err = r.fetcher.ParseAndResolve(ctx, src.VASTInlineXML, budget)
		if err != nil {
			log.Warn().Err(err).Str("break_id", brk.BreakID).Msg("inline VAST in ad break is invalid")
			return resolved
		}
	default:
		return resolved
	}

	ads := resp.Ads
	if !src.AllowMultipleAds && len(ads) > 1 {
		ads = ads[:1]
	}
	if ads != nil {
		resolved.Ads = ads
	}
	return resolved
}

// ResolveAll resolves every linear break of resp in parallel and returns them
// in playback order
func (r *Resolver) ResolveAll(ctx context.Context, resp *vmap.Response, durationSeconds *float64) []ResolvedAdBreak {
	if resp == nil {
		return []ResolvedAdBreak{}
	}

	var linear []vmap.AdBreak
	for _, brk := range resp.AdBreaks {
		if brk.IsLinear() {
			linear = append(linear, brk)
		}
	}

	results := make([]ResolvedAdBreak, len(linear))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range linear {
		i := i
		g.Go(func() error {
			results[i] = r.ResolveAdBreak(gctx, linear[i], durationSeconds)
			return nil
		})
	}
	_ = g.Wait()

	SortBreaks(results)
	return results
}

// Timeline fetches the VMAP playlist at vmapURL and resolves it. Fetch and
// parse failures are returned so the caller can decide to go without ads.
func (r *Resolver) Timeline(ctx context.Context, vmapURL string, durationSeconds *float64) (Categorized, error) {
	body, err := r.fetcher.Fetch(ctx, vmapURL)
	if err != nil {
		return Categorized{}, err
	}

	resp, err := vmap.Parse(body)
	if err != nil {
		r.fetcher.RecordParseError(vast.DocVMAP)
		return Categorized{}, err
	}

	return Categorize(r.ResolveAll(ctx, resp, durationSeconds)), nil
}

// SortBreaks orders breaks pre-roll first, mid-rolls by ascending offset with
// undefined offsets last, and post-roll last. The sort is stable.
func SortBreaks(breaks []ResolvedAdBreak) {
	sort.SliceStable(breaks, func(i, j int) bool {
		a, b := breaks[i], breaks[j]
		if rank(a.Position) != rank(b.Position) {
			return rank(a.Position) < rank(b.Position)
		}
		if a.Position != MidRoll {
			return false
		}
		switch {
		case a.TimeOffsetSeconds == nil:
			return false
		case b.TimeOffsetSeconds == nil:
			return true
		default:
			return *a.TimeOffsetSeconds < *b.TimeOffsetSeconds
		}
	})
}

func rank(p Position) int {
	switch p {
	case PreRoll:
		return 0
	case MidRoll:
		return 1
	default:
		return 2
	}
}

// Categorize partitions a sorted timeline. When several pre-rolls or
// post-rolls exist the first of each is used.
func Categorize(sorted []ResolvedAdBreak) Categorized {
	out := Categorized{MidRolls: []ResolvedAdBreak{}}
	for i := range sorted {
		brk := sorted[i]
		switch brk.Position {
		case PreRoll:
			if out.PreRoll == nil {
				out.PreRoll = &brk
			}
		case PostRoll:
			if out.PostRoll == nil {
				out.PostRoll = &brk
			}
		default:
			out.MidRolls = append(out.MidRolls, brk)
		}
	}
	return out
}

// HasAds reports whether any break in the timeline carries a playable ad
func (c Categorized) HasAds() bool {
	if c.PreRoll != nil && len(c.PreRoll.Ads) > 0 {
		return true
	}
	if c.PostRoll != nil && len(c.PostRoll.Ads) > 0 {
		return true
	}
	for _, m := range c.MidRolls {
		if len(m.Ads) > 0 {
			return true
		}
	}
	return false
}
