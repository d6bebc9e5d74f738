package vast

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration converts a VAST HH:MM:SS[.mmm] duration to seconds.
// Malformed input yields 0.
func ParseDuration(s string) float64 {
	secs, ok := parseClock(s)
	if !ok {
		return 0
	}
	return secs
}

// ParseOffset decodes an offset given as HH:MM:SS[.mmm], as a percentage of
// durationSeconds ("25%"), or as plain seconds. It returns nil when the value
// cannot be decoded or is a percentage without a positive duration.
func ParseOffset(s string, durationSeconds float64) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil || pct < 0 || durationSeconds <= 0 {
			return nil
		}
		v := durationSeconds * pct / 100
		return &v
	}

	if strings.Contains(s, ":") {
		secs, ok := parseClock(s)
		if !ok {
			return nil
		}
		return &secs
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return nil
	}
	return &secs
}

// FormatDuration renders d as HH:MM:SS or HH:MM:SS.mmm when it has a fractional part
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond

	if ms > 0 {
		return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func parseClock(s string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, false
	}

	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, false
	}

	return float64(hours*3600+minutes*60) + seconds, true
}
