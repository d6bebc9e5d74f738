package vast

import (
	"net/url"
	"path"
	"strings"
)

// maxPreferredHeight caps resolution preference; anything taller ties with 1080p
const maxPreferredHeight = 1080

// MediaFile is one rendition of a linear creative
type MediaFile struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bitrate  int    `json:"bitrate,omitempty"`
	Delivery string `json:"delivery,omitempty"`
}

// IsMP4 reports whether the rendition is MP4 by MIME type or URL extension
func (m MediaFile) IsMP4() bool {
	if strings.Contains(strings.ToLower(m.MIMEType), "mp4") {
		return true
	}
	p := m.URL
	if u, err := url.Parse(m.URL); err == nil {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".mp4")
}

// SelectBestMediaFile prefers MP4 renditions when any exist, then the tallest
// rendition with heights capped at 1080. Ties keep input order. Returns nil for
// an empty list.
func SelectBestMediaFile(files []MediaFile) *MediaFile {
	if len(files) == 0 {
		return nil
	}

	candidates := files
	var mp4 []MediaFile
	for _, f := range files {
		if f.IsMP4() {
			mp4 = append(mp4, f)
		}
	}
	if len(mp4) > 0 {
		candidates = mp4
	}

	best := candidates[0]
	for _, f := range candidates[1:] {
		if cappedHeight(f) > cappedHeight(best) {
			best = f
		}
	}
	return &best
}

func cappedHeight(f MediaFile) int {
	if f.Height > maxPreferredHeight {
		return maxPreferredHeight
	}
	return f.Height
}
