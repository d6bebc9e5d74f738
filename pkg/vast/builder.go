package vast

import (
	"errors"
	"time"

	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

// Builder provides a fluent interface for constructing VAST documents
type Builder struct {
	vast    *VAST
	current *AdXML
	err     error
}

// NewBuilder creates a new VAST builder
func NewBuilder(version string) *Builder {
	if version == "" {
		version = "4.0"
	}
	return &Builder{
		vast: &VAST{
			Version: version,
			Ads:     make([]AdXML, 0),
		},
	}
}

// AddAd starts building a new ad, finalizing the previous one
func (b *Builder) AddAd(id string) *Builder {
	if b.err != nil {
		return b
	}
	b.Done()
	b.current = &AdXML{ID: id}
	return b
}

// WithInLine makes the current ad an InLine ad
func (b *Builder) WithInLine(adSystem, adTitle string) *Builder {
	if b.err != nil || b.current == nil {
		return b
	}
	b.current.InLine = &InLine{
		AdSystem: AdSystem{Value: adSystem},
		AdTitle:  adTitle,
	}
	return b
}

// WithWrapper makes the current ad a Wrapper pointing at tagURI
func (b *Builder) WithWrapper(adSystem, tagURI string) *Builder {
	if b.err != nil || b.current == nil {
		return b
	}
	b.current.Wrapper = &Wrapper{
		AdSystem:     AdSystem{Value: adSystem},
		VASTAdTagURI: URLText{Value: tagURI},
	}
	return b
}

// WithImpression adds an impression URL to the current ad
func (b *Builder) WithImpression(u string) *Builder {
	if b.err != nil || b.current == nil {
		return b
	}
	switch {
	case b.current.InLine != nil:
		b.current.InLine.Impressions = append(b.current.InLine.Impressions, URLText{Value: u})
	case b.current.Wrapper != nil:
		b.current.Wrapper.Impressions = append(b.current.Wrapper.Impressions, URLText{Value: u})
	}
	return b
}

// WithError adds an Error URL to the current ad
func (b *Builder) WithError(u string) *Builder {
	if b.err != nil || b.current == nil {
		return b
	}
	switch {
	case b.current.InLine != nil:
		b.current.InLine.Errors = append(b.current.InLine.Errors, URLText{Value: u})
	case b.current.Wrapper != nil:
		b.current.Wrapper.Errors = append(b.current.Wrapper.Errors, URLText{Value: u})
	}
	return b
}

// WithLinearCreative adds a linear creative to the current ad
func (b *Builder) WithLinearCreative(id string, duration time.Duration) *LinearBuilder {
	if b.err != nil {
		return &LinearBuilder{parent: b}
	}
	if b.current == nil || (b.current.InLine == nil && b.current.Wrapper == nil) {
		b.err = errors.New("linear creative requires an InLine or Wrapper ad")
		return &LinearBuilder{parent: b}
	}

	creative := Creative{
		ID:     id,
		Linear: &Linear{Duration: FormatDuration(duration)},
	}

	var creatives *[]Creative
	if b.current.InLine != nil {
		creatives = &b.current.InLine.Creatives
	} else {
		creatives = &b.current.Wrapper.Creatives
	}
	*creatives = append(*creatives, creative)

	return &LinearBuilder{
		parent: b,
		linear: (*creatives)[len(*creatives)-1].Linear,
	}
}

// Done finalizes the current ad
func (b *Builder) Done() *Builder {
	if b.err != nil {
		return b
	}
	if b.current != nil {
		b.vast.Ads = append(b.vast.Ads, *b.current)
		b.current = nil
	}
	return b
}

// Build returns the constructed document
func (b *Builder) Build() (*VAST, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.Done()
	return b.vast, nil
}

// LinearBuilder provides a fluent interface for building linear creatives
type LinearBuilder struct {
	parent *Builder
	linear *Linear
}

// WithMediaFile adds a progressive media file
func (lb *LinearBuilder) WithMediaFile(u, mimeType string, width, height int) *LinearBuilder {
	if lb.linear == nil {
		return lb
	}
	lb.linear.MediaFiles = append(lb.linear.MediaFiles, MediaXML{
		Delivery: "progressive",
		Type:     mimeType,
		Width:    Int(width),
		Height:   Int(height),
		Value:    u,
	})
	return lb
}

// WithSkipOffset makes the creative skippable after offset
func (lb *LinearBuilder) WithSkipOffset(offset time.Duration) *LinearBuilder {
	if lb.linear == nil {
		return lb
	}
	lb.linear.SkipOffset = FormatDuration(offset)
	return lb
}

// WithTracking adds a tracking event URL
func (lb *LinearBuilder) WithTracking(event tracking.EventKind, u string) *LinearBuilder {
	if lb.linear == nil {
		return lb
	}
	lb.linear.TrackingEvents = append(lb.linear.TrackingEvents, Tracking{
		Event: string(event),
		Value: u,
	})
	return lb
}

// WithClickThrough sets the click-through URL
func (lb *LinearBuilder) WithClickThrough(u string) *LinearBuilder {
	if lb.linear == nil {
		return lb
	}
	if lb.linear.VideoClicks == nil {
		lb.linear.VideoClicks = &VideoClicks{}
	}
	lb.linear.VideoClicks.ClickThrough = &URLText{Value: u}
	return lb
}

// WithClickTracking adds a click tracking URL
func (lb *LinearBuilder) WithClickTracking(u string) *LinearBuilder {
	if lb.linear == nil {
		return lb
	}
	if lb.linear.VideoClicks == nil {
		lb.linear.VideoClicks = &VideoClicks{}
	}
	lb.linear.VideoClicks.ClickTracking = append(lb.linear.VideoClicks.ClickTracking, URLText{Value: u})
	return lb
}

// EndLinear returns to the ad builder
func (lb *LinearBuilder) EndLinear() *Builder {
	return lb.parent
}

// NewEmpty returns a VAST document without ads, optionally carrying an Error URL.
// Players treat it as "no fill".
func NewEmpty(errorURL string) *VAST {
	v := &VAST{Version: "4.0", Ads: make([]AdXML, 0)}
	if errorURL != "" {
		v.Errors = append(v.Errors, URLText{Value: errorURL})
	}
	return v
}
