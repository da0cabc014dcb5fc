package realtime

import (
	"context"
)

// Transport reaches a user's sessions wherever they are connected.
type Transport interface {
	BroadcastToUser(ctx context.Context, userID string, ev Event) error
	PresenceOf(ctx context.Context, userID string) (Status, error)
}

// Fanout delivers to local sessions and, when a relay is set, to every
// other instance.
type Fanout struct {
	hub      *Hub
	presence *Presence
	relay    *Relay
}

var _ Transport = (*Fanout)(nil)

// NewFanout builds a Transport. relay may be nil for single-instance runs.
func NewFanout(hub *Hub, presence *Presence, relay *Relay) *Fanout {
	return &Fanout{hub: hub, presence: presence, relay: relay}
}

func (f *Fanout) BroadcastToUser(ctx context.Context, userID string, ev Event) error {
	f.hub.Deliver(userID, ev)
	if f.relay == nil {
		return nil
	}
	// no sessions elsewhere
	if st, err := f.presence.PresenceOf(ctx, userID); err == nil && len(st.Handles) <= len(f.hub.Handles(userID)) {
		return nil
	}
	return f.relay.Publish(ctx, userID, ev)
}

func (f *Fanout) PresenceOf(ctx context.Context, userID string) (Status, error) {
	return f.presence.PresenceOf(ctx, userID)
}
