// Package vast parses VAST (Video Ad Serving Template) documents into playable ads
// and resolves Wrapper redirect chains.
package vast

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// VAST is the XML document tree of a VAST response
type VAST struct {
	XMLName xml.Name  `xml:"VAST"`
	Version string    `xml:"version,attr"`
	Ads     []AdXML   `xml:"Ad"`
	Errors  []URLText `xml:"Error,omitempty"`
}

// AdXML is a single Ad element. Exactly one of InLine or Wrapper is set in a valid document.
type AdXML struct {
	ID       string   `xml:"id,attr,omitempty"`
	Sequence Int      `xml:"sequence,attr,omitempty"`
	InLine   *InLine  `xml:"InLine,omitempty"`
	Wrapper  *Wrapper `xml:"Wrapper,omitempty"`
}

// InLine carries a playable creative
type InLine struct {
	AdSystem    AdSystem    `xml:"AdSystem"`
	AdTitle     string      `xml:"AdTitle"`
	Description string      `xml:"Description,omitempty"`
	Advertiser  string      `xml:"Advertiser,omitempty"`
	Errors      []URLText   `xml:"Error,omitempty"`
	Impressions []URLText   `xml:"Impression"`
	Creatives   []Creative  `xml:"Creatives>Creative"`
	Extensions  *Extensions `xml:"Extensions,omitempty"`
}

// Wrapper redirects to another VAST document
type Wrapper struct {
	AdSystem              AdSystem   `xml:"AdSystem"`
	VASTAdTagURI          URLText    `xml:"VASTAdTagURI"`
	Errors                []URLText  `xml:"Error,omitempty"`
	Impressions           []URLText  `xml:"Impression"`
	Creatives             []Creative `xml:"Creatives>Creative,omitempty"`
	FollowAdditionalWraps *Bool      `xml:"followAdditionalWrappers,attr,omitempty"`
	AllowMultipleAds      *Bool      `xml:"allowMultipleAds,attr,omitempty"`
	FallbackOnNoAd        *Bool      `xml:"fallbackOnNoAd,attr,omitempty"`
}

// Int is a numeric attribute decoded leniently. Ad servers emit values such
// as "720.0" or "500-800"; anything that is not a plain number reads as 0
// instead of failing the whole document.
type Int int

// UnmarshalXMLAttr implements xml.UnmarshalerAttr
func (i *Int) UnmarshalXMLAttr(attr xml.Attr) error {
	*i = Int(parseLenientInt(attr.Value))
	return nil
}

// MarshalXMLAttr implements xml.MarshalerAttr
func (i Int) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: strconv.Itoa(int(i))}, nil
}

func parseLenientInt(s string) int {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

// Bool is a boolean attribute decoded leniently: only false, 0 and no
// (any case) read as false
type Bool bool

// UnmarshalXMLAttr implements xml.UnmarshalerAttr
func (b *Bool) UnmarshalXMLAttr(attr xml.Attr) error {
	switch strings.ToLower(strings.TrimSpace(attr.Value)) {
	case "false", "0", "no":
		*b = false
	default:
		*b = true
	}
	return nil
}

// MarshalXMLAttr implements xml.MarshalerAttr
func (b Bool) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: strconv.FormatBool(bool(b))}, nil
}

// AdSystem identifies the ad server
type AdSystem struct {
	Version string `xml:"version,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// URLText is an element whose text content is a URL, usually wrapped in CDATA
type URLText struct {
	ID    string `xml:"id,attr,omitempty"`
	Value string `xml:",chardata"`
}

// Creative is a single creative within an ad
type Creative struct {
	ID           string        `xml:"id,attr,omitempty"`
	AdID         string        `xml:"adId,attr,omitempty"`
	Sequence     Int           `xml:"sequence,attr,omitempty"`
	Linear       *Linear       `xml:"Linear,omitempty"`
	NonLinearAds *NonLinearAds `xml:"NonLinearAds,omitempty"`
	CompanionAds *CompanionAds `xml:"CompanionAds,omitempty"`
}

// Linear is a linear video creative
type Linear struct {
	SkipOffset     string       `xml:"skipoffset,attr,omitempty"`
	Duration       string       `xml:"Duration"`
	MediaFiles     []MediaXML   `xml:"MediaFiles>MediaFile"`
	TrackingEvents []Tracking   `xml:"TrackingEvents>Tracking"`
	VideoClicks    *VideoClicks `xml:"VideoClicks,omitempty"`
}

// MediaXML is a MediaFile element
type MediaXML struct {
	ID           string `xml:"id,attr,omitempty"`
	Delivery     string `xml:"delivery,attr,omitempty"`
	Type         string `xml:"type,attr"`
	Width        Int    `xml:"width,attr,omitempty"`
	Height       Int    `xml:"height,attr,omitempty"`
	Codec        string `xml:"codec,attr,omitempty"`
	Bitrate      Int    `xml:"bitrate,attr,omitempty"`
	APIFramework string `xml:"apiFramework,attr,omitempty"`
	Value        string `xml:",chardata"`
}

// Tracking is a TrackingEvents/Tracking element
type Tracking struct {
	Event  string `xml:"event,attr"`
	Offset string `xml:"offset,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// VideoClicks holds click-through and click tracking URLs
type VideoClicks struct {
	ClickThrough  *URLText  `xml:"ClickThrough,omitempty"`
	ClickTracking []URLText `xml:"ClickTracking,omitempty"`
	CustomClick   []URLText `xml:"CustomClick,omitempty"`
}

// NonLinearAds are overlay creatives. They are parsed but never played.
type NonLinearAds struct {
	TrackingEvents []Tracking `xml:"TrackingEvents>Tracking,omitempty"`
}

// CompanionAds are companion banners. They are parsed but never played.
type CompanionAds struct {
	Required string `xml:"required,attr,omitempty"`
}

// Extensions contains vendor extensions
type Extensions struct {
	Extension []Extension `xml:"Extension"`
}

// Extension is a single vendor extension, kept as raw XML
type Extension struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",innerxml"`
}

// rootProbe reads only the root element name
type rootProbe struct {
	XMLName xml.Name
}

// decode parses the XML tree of a VAST document
func decode(xmlData string) (*VAST, error) {
	xmlData = strings.TrimSpace(xmlData)
	if xmlData == "" {
		return nil, &ParseError{Doc: DocVAST, Reason: "empty document"}
	}

	var probe rootProbe
	if err := xml.Unmarshal([]byte(xmlData), &probe); err != nil {
		return nil, &ParseError{Doc: DocVAST, Reason: "malformed XML", Err: err}
	}
	if probe.XMLName.Local != "VAST" {
		return nil, &ParseError{Doc: DocVAST, Reason: fmt.Sprintf("root element is <%s>, expected <VAST>", probe.XMLName.Local)}
	}

	doc := &VAST{}
	if err := xml.Unmarshal([]byte(xmlData), doc); err != nil {
		return nil, &ParseError{Doc: DocVAST, Reason: "malformed XML", Err: err}
	}
	return doc, nil
}

// Marshal serializes a VAST document to XML
func (v *VAST) Marshal() ([]byte, error) {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal VAST: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// firstLinear returns the first creative carrying a Linear element
func firstLinear(creatives []Creative) *Linear {
	for i := range creatives {
		if creatives[i].Linear != nil {
			return creatives[i].Linear
		}
	}
	return nil
}

// cleanURL strips whitespace and literal CDATA markers around a URL
func cleanURL(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<![CDATA[")
	s = strings.TrimSuffix(s, "]]>")
	return strings.TrimSpace(s)
}

func urlValues(elems []URLText) []string {
	out := make([]string, 0, len(elems))
	for _, e := range elems {
		if u := cleanURL(e.Value); u != "" {
			out = append(out, u)
		}
	}
	return out
}
