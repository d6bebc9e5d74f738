package vast

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

// Ad is a playable linear ad extracted from an InLine element, possibly
// reached through a Wrapper chain
type Ad struct {
	ID                string            `json:"id"`
	Sequence          int               `json:"sequence,omitempty"`
	AdSystem          string            `json:"ad_system,omitempty"`
	Title             string            `json:"title"`
	Description       string            `json:"description,omitempty"`
	MediaFiles        []MediaFile       `json:"media_files"`
	ClickThrough      string            `json:"click_through,omitempty"`
	ClickTracking     []string          `json:"click_tracking,omitempty"`
	TrackingEvents    tracking.EventSet `json:"tracking_events"`
	SkipOffsetSeconds *float64          `json:"skip_offset_seconds,omitempty"`
	DurationSeconds   float64           `json:"duration_seconds"`
	WrapperDepth      int               `json:"wrapper_depth,omitempty"`
}

// BestMediaFile returns the preferred rendition for playback
func (a *Ad) BestMediaFile() *MediaFile {
	return SelectBestMediaFile(a.MediaFiles)
}

// Events returns the ad's tracking events with the VideoClicks ClickTracking
// URLs merged into the click event
func (a *Ad) Events() tracking.EventSet {
	events := a.TrackingEvents.Clone()
	events.Add(tracking.EventClick, a.ClickTracking...)
	return events
}

// WrapperRef is an unresolved Wrapper ad. Its tracking URLs are prepended to
// whatever InLine ads its VASTAdTagURI resolves to.
type WrapperRef struct {
	AdID                     string
	Sequence                 int
	TagURI                   string
	TrackingEvents           tracking.EventSet
	ClickTracking            []string
	FollowAdditionalWrappers bool
	AllowMultipleAds         bool
}

// Response is the parsed content of a VAST document
type Response struct {
	Version   string       `json:"version"`
	Ads       []Ad         `json:"ads"`
	ErrorURLs []string     `json:"error_urls,omitempty"`
	Wrappers  []WrapperRef `json:"-"`
}

// Empty reports whether the response has no playable ads
func (r *Response) Empty() bool {
	return r == nil || len(r.Ads) == 0
}

// entry keeps InLine ads and Wrappers in document order
type entry struct {
	ad      *Ad
	wrapper *WrapperRef
}

type document struct {
	version   string
	errorURLs []string
	entries   []entry
}

// Parse parses a VAST document. Wrapper ads are returned unresolved in
// Response.Wrappers; use a Fetcher to follow them.
func Parse(xmlData string) (*Response, error) {
	doc, err := parseDocument(xmlData)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Version:   doc.version,
		Ads:       []Ad{},
		ErrorURLs: doc.errorURLs,
	}
	for _, e := range doc.entries {
		switch {
		case e.ad != nil:
			resp.Ads = append(resp.Ads, *e.ad)
		case e.wrapper != nil:
			resp.Wrappers = append(resp.Wrappers, *e.wrapper)
		}
	}
	return resp, nil
}

func parseDocument(xmlData string) (*document, error) {
	v, err := decode(xmlData)
	if err != nil {
		return nil, err
	}

	doc := &document{
		version:   v.Version,
		errorURLs: urlValues(v.Errors),
	}
	for i := range v.Ads {
		raw := &v.Ads[i]
		switch {
		case raw.InLine != nil:
			ad, err := convertInLine(raw)
			if err != nil {
				log.Debug().Err(err).Str("ad_id", raw.ID).Msg("dropping VAST ad")
				continue
			}
			doc.entries = append(doc.entries, entry{ad: ad})
		case raw.Wrapper != nil:
			ref := convertWrapper(raw)
			if ref.TagURI == "" {
				log.Debug().Str("ad_id", raw.ID).Msg("dropping VAST wrapper without VASTAdTagURI")
				continue
			}
			doc.entries = append(doc.entries, entry{wrapper: ref})
		}
	}
	return doc, nil
}

func convertInLine(raw *AdXML) (*Ad, error) {
	in := raw.InLine
	ad := &Ad{
		ID:             raw.ID,
		Sequence:       int(raw.Sequence),
		AdSystem:       strings.TrimSpace(in.AdSystem.Value),
		Title:          strings.TrimSpace(in.AdTitle),
		Description:    strings.TrimSpace(in.Description),
		TrackingEvents: tracking.EventSet{},
	}

	ad.TrackingEvents.Add(tracking.EventImpression, urlValues(in.Impressions)...)
	ad.TrackingEvents.Add(tracking.EventError, urlValues(in.Errors)...)

	if linear := firstLinear(in.Creatives); linear != nil {
		ad.DurationSeconds = ParseDuration(linear.Duration)
		if linear.SkipOffset != "" {
			ad.SkipOffsetSeconds = ParseOffset(linear.SkipOffset, ad.DurationSeconds)
		}

		for _, mf := range linear.MediaFiles {
			u := cleanURL(mf.Value)
			if u == "" {
				continue
			}
			ad.MediaFiles = append(ad.MediaFiles, MediaFile{
				URL:      u,
				MIMEType: strings.TrimSpace(mf.Type),
				Width:    int(mf.Width),
				Height:   int(mf.Height),
				Bitrate:  int(mf.Bitrate),
				Delivery: mf.Delivery,
			})
		}

		addTrackingEvents(ad.TrackingEvents, linear.TrackingEvents)

		if vc := linear.VideoClicks; vc != nil {
			if vc.ClickThrough != nil {
				ad.ClickThrough = cleanURL(vc.ClickThrough.Value)
			}
			ad.ClickTracking = urlValues(vc.ClickTracking)
		}
	}

	if len(ad.MediaFiles) == 0 {
		return nil, ErrNoPlayableCreative
	}
	return ad, nil
}

func convertWrapper(raw *AdXML) *WrapperRef {
	w := raw.Wrapper
	ref := &WrapperRef{
		AdID:                     raw.ID,
		Sequence:                 int(raw.Sequence),
		TagURI:                   cleanURL(w.VASTAdTagURI.Value),
		TrackingEvents:           tracking.EventSet{},
		FollowAdditionalWrappers: w.FollowAdditionalWraps == nil || bool(*w.FollowAdditionalWraps),
		AllowMultipleAds:         w.AllowMultipleAds == nil || bool(*w.AllowMultipleAds),
	}

	ref.TrackingEvents.Add(tracking.EventImpression, urlValues(w.Impressions)...)
	ref.TrackingEvents.Add(tracking.EventError, urlValues(w.Errors)...)

	if linear := firstLinear(w.Creatives); linear != nil {
		addTrackingEvents(ref.TrackingEvents, linear.TrackingEvents)
		if linear.VideoClicks != nil {
			ref.ClickTracking = urlValues(linear.VideoClicks.ClickTracking)
		}
	}
	return ref
}

func addTrackingEvents(set tracking.EventSet, events []Tracking) {
	for _, t := range events {
		kind, ok := tracking.ParseEventName(t.Event)
		if !ok {
			continue
		}
		set.Add(kind, cleanURL(t.Value))
	}
}

// wrapAd returns a copy of a with the accumulated wrapper tracking placed first
func wrapAd(a Ad, events tracking.EventSet, clickTracking []string, depth int) Ad {
	if len(events) > 0 {
		a.TrackingEvents = a.TrackingEvents.Prepend(events)
	}
	if len(clickTracking) > 0 {
		a.ClickTracking = append(append([]string(nil), clickTracking...), a.ClickTracking...)
	}
	a.WrapperDepth = depth
	return a
}
