package scanner

import (
	"sync"
	"time"
)

// DefaultMinStableTime is the sliding window §4.5 requires at least two
// sightings to fall within before a port is declared stable.
const DefaultMinStableTime = 10 * time.Second

// DefaultStableSightings is the sighting count required within the window.
const DefaultStableSightings = 2

// StabilityFilter sits between a Scanner and the control session. It
// maintains its own notion of which ports it has reported as active,
// independent of the Scanner's own committed set: a port must accumulate
// StableSightings probe hits within MinStableTime before the filter reports
// it `new`; once reported, a single miss in the scanned range reports it
// `closed` immediately and clears its history.
//
// Process holds an internal mutex, so concurrent calls are serialized; the
// Agent drives it from a single consumer of the Scanner's Result stream.
type StabilityFilter struct {
	minStableTime   time.Duration
	stableSightings int

	mu       sync.Mutex
	history  map[int][]time.Time // recent sighting timestamps, pruned to the window
	reported map[int]bool        // ports this filter has emitted `new` for
	now      func() time.Time
}

// NewStabilityFilter creates a filter with the given window and sighting
// threshold. Zero values select the package defaults.
func NewStabilityFilter(minStableTime time.Duration, stableSightings int) *StabilityFilter {
	if minStableTime <= 0 {
		minStableTime = DefaultMinStableTime
	}
	if stableSightings <= 0 {
		stableSightings = DefaultStableSightings
	}
	return &StabilityFilter{
		minStableTime:   minStableTime,
		stableSightings: stableSightings,
		history:         make(map[int][]time.Time),
		reported:        make(map[int]bool),
		now:             time.Now,
	}
}

// Process consumes one Scanner sweep Result and returns the events the
// control session should actually act on.
func (f *StabilityFilter) Process(res Result) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Event
	for _, port := range res.ScannedRange {
		active := res.FoundActive[port]
		switch {
		case active && !f.reported[port]:
			f.recordSighting(port)
			if f.isStableLocked(port) {
				f.reported[port] = true
				delete(f.history, port)
				out = append(out, Event{Kind: EventNew, Port: port})
			}
		case !active && f.reported[port]:
			delete(f.reported, port)
			delete(f.history, port)
			out = append(out, Event{Kind: EventClosed, Port: port})
		case !active:
			// Never reported and now missing again: drop any partial
			// sighting history so a later reappearance starts a fresh
			// window, matching "unstable ports do not produce new events".
			delete(f.history, port)
		}
	}
	return out
}

func (f *StabilityFilter) recordSighting(port int) {
	now := f.now()
	cutoff := now.Add(-f.minStableTime)
	sightings := f.history[port]
	pruned := sightings[:0]
	for _, t := range sightings {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	f.history[port] = append(pruned, now)
}

func (f *StabilityFilter) isStableLocked(port int) bool {
	return len(f.history[port]) >= f.stableSightings
}
