// Package realtime fans events out to connected sessions.
//
// A Hub owns this instance's sessions. Presence mirrors them into the
// shared store so any instance can answer "is this user online". A Relay
// carries events between instances over Redis pub/sub. The Broadcaster
// sits on top and adds duplicate suppression, priority tiers and
// last-writer-wins resolution per resource.
package realtime

import (
	"encoding/json"
	"time"
)

// Event is one message pushed to a session.
type Event struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority string          `json:"priority,omitempty"`
	// Resource names the logical object the event describes. Events for
	// the same resource are resolved by At, newest wins.
	Resource string    `json:"resource,omitempty"`
	At       time.Time `json:"at"`
}

// Status is a user's presence across all instances.
type Status struct {
	Online  bool     `json:"online"`
	Handles []string `json:"handles,omitempty"`
}

// Resolve keeps, for every resource, only the event with the latest At
// (ties go to the larger ID). Events without a resource pass through.
// Output order follows the first appearance of each kept event.
func Resolve(events []Event) []Event {
	best := map[string]int{}
	for i, ev := range events {
		if ev.Resource == "" {
			continue
		}
		j, ok := best[ev.Resource]
		if !ok || newer(ev, events[j]) {
			best[ev.Resource] = i
		}
	}
	out := make([]Event, 0, len(events))
	for i, ev := range events {
		if ev.Resource != "" && best[ev.Resource] != i {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func newer(a, b Event) bool {
	if !a.At.Equal(b.At) {
		return a.At.After(b.At)
	}
	return a.ID > b.ID
}
