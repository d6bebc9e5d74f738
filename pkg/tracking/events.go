// Package tracking fires VAST tracking pixels and deduplicates per-ad lifecycle events.
package tracking

import "strings"

// EventKind is a tracking event category
type EventKind string

const (
	EventImpression    EventKind = "impression"
	EventStart         EventKind = "start"
	EventFirstQuartile EventKind = "firstQuartile"
	EventMidpoint      EventKind = "midpoint"
	EventThirdQuartile EventKind = "thirdQuartile"
	EventComplete      EventKind = "complete"
	EventSkip          EventKind = "skip"
	EventClick         EventKind = "click"
	EventError         EventKind = "error"
)

// AllEvents lists every event kind in lifecycle order
var AllEvents = []EventKind{
	EventImpression,
	EventStart,
	EventFirstQuartile,
	EventMidpoint,
	EventThirdQuartile,
	EventComplete,
	EventSkip,
	EventClick,
	EventError,
}

// IsOneShot reports whether kind fires at most once per ad instance
func (k EventKind) IsOneShot() bool {
	return k != EventClick && k != EventError
}

// vastEventNames maps lowercased VAST Tracking@event values to event kinds
var vastEventNames = map[string]EventKind{
	"impression":    EventImpression,
	"start":         EventStart,
	"firstquartile": EventFirstQuartile,
	"midpoint":      EventMidpoint,
	"thirdquartile": EventThirdQuartile,
	"complete":      EventComplete,
	"skip":          EventSkip,
	"click":         EventClick,
	"clicktracking": EventClick,
	"error":         EventError,
}

// ParseEventName maps a VAST Tracking event attribute to a kind.
// Unknown names (pause, mute, progress, ...) report false.
func ParseEventName(name string) (EventKind, bool) {
	kind, ok := vastEventNames[strings.ToLower(strings.TrimSpace(name))]
	return kind, ok
}

// EventSet maps an event kind to its URL templates. Duplicates are kept.
type EventSet map[EventKind][]string

// Add appends urls to kind, skipping blanks
func (s EventSet) Add(kind EventKind, urls ...string) {
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			s[kind] = append(s[kind], u)
		}
	}
}

// Prepend returns a new set with other's URLs placed before s's URLs for every kind
func (s EventSet) Prepend(other EventSet) EventSet {
	out := make(EventSet, len(s)+len(other))
	for kind, urls := range other {
		out[kind] = append(out[kind], urls...)
	}
	for kind, urls := range s {
		out[kind] = append(out[kind], urls...)
	}
	return out
}

// Clone returns a deep copy
func (s EventSet) Clone() EventSet {
	out := make(EventSet, len(s))
	for kind, urls := range s {
		out[kind] = append([]string(nil), urls...)
	}
	return out
}
