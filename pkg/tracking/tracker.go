package tracking

import (
	"sync"

	"github.com/thenexusengine/tne_streamads/pkg/macros"
)

// Quartile thresholds in percent of ad playback
const (
	FirstQuartileThreshold = 25.0
	MidpointThreshold      = 50.0
	ThirdQuartileThreshold = 75.0
)

// Tracker fires the tracking events of one displayed ad instance.
// One-shot events fire at most once until Reset; click and error always fire.
type Tracker struct {
	events EventSet
	firer  Firer

	mu     sync.Mutex
	fired  map[EventKind]bool
	macros map[string]string
}

// NewTracker creates a tracker over the ad's event set
func NewTracker(events EventSet, firer Firer) *Tracker {
	if events == nil {
		events = EventSet{}
	}
	return &Tracker{
		events: events,
		firer:  firer,
		fired:  make(map[EventKind]bool),
		macros: make(map[string]string),
	}
}

// SetMacro sets a macro value applied to every subsequent fire
func (t *Tracker) SetMacro(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.macros[key] = value
}

// FireImpression fires the impression URLs once
func (t *Tracker) FireImpression() bool {
	return t.fireOnce(EventImpression)
}

// FireStart fires the start URLs once
func (t *Tracker) FireStart() bool {
	return t.fireOnce(EventStart)
}

// FireQuartile fires every quartile event whose threshold progressPercent has
// reached and that has not fired yet. Lower progress never un-fires anything.
func (t *Tracker) FireQuartile(progressPercent float64) []EventKind {
	var fired []EventKind
	if progressPercent >= FirstQuartileThreshold && t.fireOnce(EventFirstQuartile) {
		fired = append(fired, EventFirstQuartile)
	}
	if progressPercent >= MidpointThreshold && t.fireOnce(EventMidpoint) {
		fired = append(fired, EventMidpoint)
	}
	if progressPercent >= ThirdQuartileThreshold && t.fireOnce(EventThirdQuartile) {
		fired = append(fired, EventThirdQuartile)
	}
	return fired
}

// FireComplete fires the complete URLs once
func (t *Tracker) FireComplete() bool {
	return t.fireOnce(EventComplete)
}

// FireSkip fires the skip URLs once
func (t *Tracker) FireSkip() bool {
	return t.fireOnce(EventSkip)
}

// FireClick fires the click tracking URLs, every time it is called
func (t *Tracker) FireClick() {
	t.fire(EventClick, nil)
}

// FireError fires the error URLs with the optional VAST error code
func (t *Tracker) FireError(code string) {
	var extra map[string]string
	if code != "" {
		extra = map[string]string{macros.KeyErrorCode: code}
	}
	t.fire(EventError, extra)
}

// HasFired reports whether a one-shot event has fired
func (t *Tracker) HasFired(kind EventKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired[kind]
}

// Reset forgets every fired event
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fired = make(map[EventKind]bool)
}

func (t *Tracker) fireOnce(kind EventKind) bool {
	t.mu.Lock()
	if t.fired[kind] {
		t.mu.Unlock()
		return false
	}
	t.fired[kind] = true
	t.mu.Unlock()

	t.fire(kind, nil)
	return true
}

func (t *Tracker) fire(kind EventKind, extra map[string]string) {
	urls := t.events[kind]
	if len(urls) == 0 || t.firer == nil {
		return
	}

	t.mu.Lock()
	values := make(map[string]string, len(t.macros)+len(extra))
	for k, v := range t.macros {
		values[k] = v
	}
	t.mu.Unlock()
	for k, v := range extra {
		values[k] = v
	}

	t.firer.FireEvent(kind, urls, values)
}
