// Package eventstest provides test helpers for the events package.
package eventstest

import (
	"sync"

	"github.com/flemzord/tokenguard/internal/events"
)

// Recorder collects emitted events in memory. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

// Emit implements events.Emitter.
func (r *Recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name events.Name) int {
	return len(r.Named(name))
}

var _ events.Emitter = (*Recorder)(nil)
