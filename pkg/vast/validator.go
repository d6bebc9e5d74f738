package vast

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/thenexusengine/tne_streamads/pkg/tracking"
)

// ValidationError represents a VAST validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field, message string) {
	vr.Valid = false
	vr.Errors = append(vr.Errors, ValidationError{
		Field:   field,
		Message: message,
	})
}

// AddWarning records a problem the player tolerates
func (vr *ValidationResult) AddWarning(field, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{
		Field:   field,
		Message: message,
	})
}

// ValidateDocument parses xmlData and validates its structure. A document that
// cannot be parsed at all is returned as a *ParseError.
func ValidateDocument(xmlData string) (*ValidationResult, error) {
	v, err := decode(xmlData)
	if err != nil {
		return nil, err
	}
	return v.Validate(), nil
}

// Validate validates a VAST document
func (v *VAST) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	if v.Version == "" {
		result.AddError("VAST.version", "version attribute is required")
	} else if !isValidVersion(v.Version) {
		result.AddError("VAST.version", fmt.Sprintf("unsupported version: %s", v.Version))
	}

	// An empty VAST is a valid "no fill" answer when it carries an Error element
	if len(v.Ads) == 0 && len(v.Errors) == 0 {
		result.AddError("VAST.Ad", "VAST must contain at least one Ad or an Error element")
	}

	for i := range v.Ads {
		validateAd(&v.Ads[i], i, result)
	}

	return result
}

func validateAd(ad *AdXML, index int, result *ValidationResult) {
	prefix := fmt.Sprintf("VAST.Ad[%d]", index)

	if ad.InLine == nil && ad.Wrapper == nil {
		result.AddError(prefix, "Ad must contain either InLine or Wrapper")
		return
	}
	if ad.InLine != nil && ad.Wrapper != nil {
		result.AddError(prefix, "Ad cannot contain both InLine and Wrapper")
		return
	}

	if ad.InLine != nil {
		validateInLine(ad.InLine, prefix+".InLine", result)
	} else {
		validateWrapper(ad.Wrapper, prefix+".Wrapper", result)
	}
}

func validateInLine(inline *InLine, prefix string, result *ValidationResult) {
	if strings.TrimSpace(inline.AdSystem.Value) == "" {
		result.AddError(prefix+".AdSystem", "AdSystem is required")
	}
	if strings.TrimSpace(inline.AdTitle) == "" {
		result.AddError(prefix+".AdTitle", "AdTitle is required")
	}
	if len(inline.Impressions) == 0 {
		result.AddError(prefix+".Impression", "At least one Impression is required")
	}
	validateURLs(inline.Impressions, prefix+".Impression", result)
	validateURLs(inline.Errors, prefix+".Error", result)

	if len(inline.Creatives) == 0 {
		result.AddError(prefix+".Creatives", "At least one Creative is required")
	}

	hasLinear := false
	for i := range inline.Creatives {
		c := &inline.Creatives[i]
		cp := fmt.Sprintf("%s.Creative[%d]", prefix, i)
		if c.Linear == nil && c.NonLinearAds == nil && c.CompanionAds == nil {
			result.AddError(cp, "Creative must contain Linear, NonLinearAds, or CompanionAds")
			continue
		}
		if c.Linear != nil {
			hasLinear = true
			validateLinear(c.Linear, cp+".Linear", result)
		}
	}

	if len(inline.Creatives) > 0 && !hasLinear {
		result.AddWarning(prefix+".Creatives", "no Linear creative; the ad will not be played")
	}
}

func validateWrapper(wrapper *Wrapper, prefix string, result *ValidationResult) {
	if strings.TrimSpace(wrapper.AdSystem.Value) == "" {
		result.AddError(prefix+".AdSystem", "AdSystem is required")
	}

	tag := cleanURL(wrapper.VASTAdTagURI.Value)
	if tag == "" {
		result.AddError(prefix+".VASTAdTagURI", "VASTAdTagURI is required")
	} else if !isValidURL(tag) {
		result.AddError(prefix+".VASTAdTagURI", "Invalid VAST Ad Tag URI")
	}

	validateURLs(wrapper.Impressions, prefix+".Impression", result)
	validateURLs(wrapper.Errors, prefix+".Error", result)

	if linear := firstLinear(wrapper.Creatives); linear != nil {
		validateTracking(linear.TrackingEvents, prefix+".Linear", result)
	}
}

func validateLinear(linear *Linear, prefix string, result *ValidationResult) {
	if linear.Duration == "" {
		result.AddError(prefix+".Duration", "Duration is required")
	} else if _, ok := parseClock(linear.Duration); !ok {
		result.AddError(prefix+".Duration", "Invalid duration format (expected HH:MM:SS[.mmm])")
	}

	if linear.SkipOffset != "" && ParseOffset(linear.SkipOffset, ParseDuration(linear.Duration)) == nil {
		result.AddError(prefix+".skipoffset", "Invalid skipoffset (expected HH:MM:SS or n%)")
	}

	if len(linear.MediaFiles) == 0 {
		result.AddError(prefix+".MediaFiles", "At least one MediaFile is required")
	}

	hasMP4 := false
	for i := range linear.MediaFiles {
		mf := &linear.MediaFiles[i]
		validateMediaFile(mf, fmt.Sprintf("%s.MediaFile[%d]", prefix, i), result)
		if (MediaFile{URL: cleanURL(mf.Value), MIMEType: mf.Type}).IsMP4() {
			hasMP4 = true
		}
	}
	if len(linear.MediaFiles) > 0 && !hasMP4 {
		result.AddWarning(prefix+".MediaFiles", "no MP4 rendition; playback support varies by device")
	}

	validateTracking(linear.TrackingEvents, prefix, result)

	if vc := linear.VideoClicks; vc != nil {
		if vc.ClickThrough != nil {
			if u := cleanURL(vc.ClickThrough.Value); u != "" && !isValidURL(u) {
				result.AddError(prefix+".VideoClicks.ClickThrough", "Invalid ClickThrough URL")
			}
		}
		validateURLs(vc.ClickTracking, prefix+".VideoClicks.ClickTracking", result)
	}
}

func validateMediaFile(mf *MediaXML, prefix string, result *ValidationResult) {
	if mf.Delivery != "" && mf.Delivery != "progressive" && mf.Delivery != "streaming" {
		result.AddError(prefix+".delivery", "delivery must be 'progressive' or 'streaming'")
	}

	if mf.Type == "" {
		result.AddError(prefix+".type", "type attribute is required")
	} else if !isValidMIMEType(mf.Type) {
		result.AddError(prefix+".type", "Invalid MIME type")
	}

	if mf.Width <= 0 {
		result.AddError(prefix+".width", "width must be greater than 0")
	}
	if mf.Height <= 0 {
		result.AddError(prefix+".height", "height must be greater than 0")
	}

	u := cleanURL(mf.Value)
	if u == "" {
		result.AddError(prefix, "MediaFile URL is required")
	} else if !isValidURL(u) {
		result.AddError(prefix, "Invalid MediaFile URL")
	}
}

func validateTracking(events []Tracking, prefix string, result *ValidationResult) {
	for i, t := range events {
		tp := fmt.Sprintf("%s.Tracking[%d]", prefix, i)
		if t.Event == "" {
			result.AddError(tp+".event", "event attribute is required")
		} else if _, ok := tracking.ParseEventName(t.Event); !ok && !isKnownIgnoredEvent(t.Event) {
			result.AddWarning(tp+".event", fmt.Sprintf("Unknown event type: %s", t.Event))
		}

		u := cleanURL(t.Value)
		if u == "" {
			result.AddError(tp, "Tracking URL is required")
		} else if !isValidURL(u) {
			result.AddError(tp, "Invalid Tracking URL")
		}
	}
}

func validateURLs(elems []URLText, prefix string, result *ValidationResult) {
	for i, e := range elems {
		u := cleanURL(e.Value)
		field := fmt.Sprintf("%s[%d]", prefix, i)
		if u == "" {
			result.AddError(field, "URL is required")
		} else if !isValidURL(u) {
			result.AddError(field, "Invalid URL")
		}
	}
}

func isValidVersion(version string) bool {
	validVersions := map[string]bool{
		"2.0": true,
		"3.0": true,
		"4.0": true,
		"4.1": true,
		"4.2": true,
		"4.3": true,
	}
	return validVersions[version]
}

func isValidURL(urlStr string) bool {
	// Unexpanded macros like [CACHEBUSTER] or ${TIMESTAMP} are legal in templates
	if strings.Contains(urlStr, "${") || strings.Contains(urlStr, "[") {
		lower := strings.ToLower(urlStr)
		return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "//")
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidMIMEType(mimeType string) bool {
	switch mimeType {
	case "application/x-mpegURL", "application/vnd.apple.mpegurl", "application/dash+xml", "application/javascript":
		return true
	}
	return strings.HasPrefix(mimeType, "video/")
}

// isKnownIgnoredEvent lists VAST events that are valid but not tracked here
func isKnownIgnoredEvent(event string) bool {
	switch strings.ToLower(event) {
	case "creativeview", "mute", "unmute", "pause", "resume", "rewind", "fullscreen",
		"exitfullscreen", "expand", "collapse", "acceptinvitation", "close", "progress",
		"closelinear", "playerexpand", "playercollapse", "loaded", "notused", "otheradinteraction":
		return true
	}
	return false
}
