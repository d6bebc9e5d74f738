// Package vmap parses VMAP 1.0 ad playlists. Element lookups accept both the
// vmap-prefixed and the bare element names.
package vmap

import (
	"strings"

	"github.com/google/uuid"

	"github.com/thenexusengine/tne_streamads/pkg/vast"
)

// ParseError is the error returned for malformed VMAP documents
type ParseError = vast.ParseError

// Well-known timeOffset keywords and break types
const (
	OffsetStart = "start"
	OffsetEnd   = "end"

	BreakTypeLinear    = "linear"
	BreakTypeNonLinear = "nonlinear"
	BreakTypeDisplay   = "display"
)

// Break tracking event names
const (
	EventBreakStart = "breakStart"
	EventBreakEnd   = "breakEnd"
	EventError      = "error"
)

// Response is a parsed VMAP document
type Response struct {
	Version  string    `json:"version"`
	AdBreaks []AdBreak `json:"ad_breaks"`
}

// AdBreak is one scheduled ad break
type AdBreak struct {
	BreakID        string        `json:"break_id"`
	TimeOffset     string        `json:"time_offset"`
	BreakType      string        `json:"break_type"`
	RepeatAfter    string        `json:"repeat_after,omitempty"`
	AdSource       *AdSource     `json:"ad_source,omitempty"`
	TrackingEvents BreakTracking `json:"tracking_events"`
}

// IsLinear reports whether the break carries linear ads. breakType may list
// several comma-separated types.
func (b *AdBreak) IsLinear() bool {
	for _, t := range strings.Split(b.BreakType, ",") {
		if strings.EqualFold(strings.TrimSpace(t), BreakTypeLinear) {
			return true
		}
	}
	return false
}

// AdSource references the VAST for a break, inline or by URL
type AdSource struct {
	ID               string `json:"id,omitempty"`
	VASTURL          string `json:"vast_url,omitempty"`
	VASTInlineXML    string `json:"vast_inline_xml,omitempty"`
	AllowMultipleAds bool   `json:"allow_multiple_ads"`
	FollowRedirects  bool   `json:"follow_redirects"`
}

// BreakTracking holds break-level tracking URLs
type BreakTracking struct {
	BreakStart []string `json:"break_start,omitempty"`
	BreakEnd   []string `json:"break_end,omitempty"`
	Error      []string `json:"error,omitempty"`
}

// Parse parses a VMAP document. Malformed XML or a missing VMAP root yields a *ParseError.
func Parse(xmlData string) (*Response, error) {
	xmlData = strings.TrimSpace(xmlData)
	if xmlData == "" {
		return nil, &ParseError{Doc: vast.DocVMAP, Reason: "empty document"}
	}

	root, err := buildTree(xmlData)
	if err != nil {
		return nil, &ParseError{Doc: vast.DocVMAP, Reason: "malformed XML", Err: err}
	}
	if !root.is("VMAP") {
		return nil, &ParseError{Doc: vast.DocVMAP, Reason: "root element is <" + root.local + ">, expected <VMAP>"}
	}

	version, _ := root.attr("version")
	resp := &Response{
		Version:  version,
		AdBreaks: []AdBreak{},
	}
	for _, n := range root.childrenNamed("AdBreak") {
		resp.AdBreaks = append(resp.AdBreaks, parseAdBreak(n))
	}
	return resp, nil
}

func parseAdBreak(n *node) AdBreak {
	brk := AdBreak{
		TimeOffset: attrOrDefault(n, "timeOffset", OffsetStart),
		BreakType:  attrOrDefault(n, "breakType", BreakTypeLinear),
		BreakID:    attrOrDefault(n, "breakId", ""),
	}
	if brk.BreakID == "" {
		brk.BreakID = uuid.NewString()
	}
	brk.RepeatAfter, _ = n.attr("repeatAfter")

	if src := n.child("AdSource"); src != nil {
		brk.AdSource = parseAdSource(src)
	}

	if events := n.child("TrackingEvents"); events != nil {
		for _, t := range events.childrenNamed("Tracking") {
			u := t.textValue()
			if u == "" {
				continue
			}
			event, _ := t.attr("event")
			switch strings.ToLower(strings.TrimSpace(event)) {
			case "breakstart":
				brk.TrackingEvents.BreakStart = append(brk.TrackingEvents.BreakStart, u)
			case "breakend":
				brk.TrackingEvents.BreakEnd = append(brk.TrackingEvents.BreakEnd, u)
			case "error":
				brk.TrackingEvents.Error = append(brk.TrackingEvents.Error, u)
			}
		}
	}

	return brk
}

func parseAdSource(n *node) *AdSource {
	src := &AdSource{
		AllowMultipleAds: boolAttr(n, "allowMultipleAds"),
		FollowRedirects:  boolAttr(n, "followRedirects"),
	}
	src.ID, _ = n.attr("id")

	if data := n.child("VASTAdData"); data != nil {
		src.VASTInlineXML = stripCDATA(data.inner)
	}
	if tag := n.child("AdTagURI"); tag != nil {
		src.VASTURL = tag.textValue()
	}
	return src
}

func attrOrDefault(n *node, name, def string) string {
	if v, ok := n.attr(name); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// boolAttr is true unless the attribute is explicitly "false"
func boolAttr(n *node, name string) bool {
	v, ok := n.attr(name)
	return !ok || !strings.EqualFold(strings.TrimSpace(v), "false")
}

func stripCDATA(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<![CDATA[")
	s = strings.TrimSuffix(s, "]]>")
	return strings.TrimSpace(s)
}
