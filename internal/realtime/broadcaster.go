package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const (
	DefaultDedupTTL    = 60 * time.Second
	defaultSendTimeout = 2 * time.Second
	fanoutLimit        = 16
	lwwHorizon         = 10 * time.Minute
	lwwMaxResources    = 10000
)

var ErrNoEventID = errors.New("realtime: event id required")

type BroadcasterConfig struct {
	DedupTTL    time.Duration
	SendTimeout time.Duration
}

// Report summarizes one broadcast. Failures are counted, never returned.
type Report struct {
	Duplicate bool `json:"duplicate,omitempty"`
	Stale     bool `json:"stale,omitempty"`
	Reached   int  `json:"reached"`
	Offline   int  `json:"offline"`
	Failed    int  `json:"failed"`
}

type Broadcaster struct {
	st    store.Store
	tr    Transport
	clock notify.Clock
	log   logx.Logger
	bus   eventbus.Bus
	cfg   BroadcasterConfig

	mu          sync.Mutex
	lastEmitted map[string]time.Time
}

func NewBroadcaster(cfg BroadcasterConfig, st store.Store, tr Transport, clock notify.Clock, log logx.Logger, bus eventbus.Bus) *Broadcaster {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if clock == nil {
		clock = notify.SystemClock{}
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Broadcaster{
		st:          st,
		tr:          tr,
		clock:       clock,
		log:         log.With(logx.String("comp", "realtime")),
		bus:         bus,
		cfg:         cfg,
		lastEmitted: map[string]time.Time{},
	}
}

// Broadcast delivers ev to every online target once per eventID within the
// dedup TTL. A repeated eventID is a no-op.
func (b *Broadcaster) Broadcast(ctx context.Context, eventID string, targets []string, ev Event) Report {
	if !b.claim(ctx, eventID) {
		return Report{Duplicate: true}
	}
	ev = b.stamp(eventID, ev)
	rep := b.fanout(ctx, targets, ev)
	b.publish(eventID, rep)
	return rep
}

// BroadcastSplit sends high to the active subset first and normal to the
// rest of the audience. A nil active set is derived from presence.
func (b *Broadcaster) BroadcastSplit(ctx context.Context, eventID string, audience, active []string, high, normal Event) Report {
	if !b.claim(ctx, eventID) {
		return Report{Duplicate: true}
	}
	if active == nil {
		active = b.online(ctx, audience)
	}
	isActive := make(map[string]bool, len(active))
	for _, u := range active {
		isActive[u] = true
	}
	rest := make([]string, 0, len(audience))
	for _, u := range audience {
		if !isActive[u] {
			rest = append(rest, u)
		}
	}

	high = b.stamp(eventID, high)
	high.Priority = string(notify.PriorityHigh)
	normal = b.stamp(eventID, normal)
	normal.Priority = string(notify.PriorityNormal)

	rep := b.fanout(ctx, active, high)
	r2 := b.fanout(ctx, rest, normal)
	rep.Reached += r2.Reached
	rep.Offline += r2.Offline
	rep.Failed += r2.Failed
	b.publish(eventID, rep)
	return rep
}

// Publish broadcasts ev unless a newer event for the same resource was
// already emitted by this instance.
func (b *Broadcaster) Publish(ctx context.Context, eventID string, targets []string, ev Event) Report {
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	if ev.Resource != "" && !b.advance(ev.Resource, ev.At) {
		b.log.Debug("stale event dropped", logx.String("event", eventID), logx.String("resource", ev.Resource))
		return Report{Stale: true}
	}
	return b.Broadcast(ctx, eventID, targets, ev)
}

func (b *Broadcaster) advance(resource string, at time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastEmitted[resource]; ok && !at.After(last) {
		return false
	}
	b.lastEmitted[resource] = at
	if len(b.lastEmitted) > lwwMaxResources {
		cutoff := b.clock.Now().Add(-lwwHorizon)
		for k, t := range b.lastEmitted {
			if t.Before(cutoff) {
				delete(b.lastEmitted, k)
			}
		}
	}
	return true
}

// claim records eventID and reports whether this caller owns the
// broadcast. An unreachable store lets the broadcast through.
func (b *Broadcaster) claim(ctx context.Context, eventID string) bool {
	if eventID == "" {
		return true
	}
	ok, err := b.st.SetNX(ctx, dedupKey(eventID), "1", b.cfg.DedupTTL)
	if err != nil {
		b.log.Warn("dedup unavailable, broadcasting anyway", logx.String("event", eventID), logx.Err(err))
		return true
	}
	if !ok {
		b.log.Debug("duplicate broadcast suppressed", logx.String("event", eventID))
	}
	return ok
}

func (b *Broadcaster) stamp(eventID string, ev Event) Event {
	if ev.ID == "" {
		ev.ID = eventID
	}
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	return ev
}

func (b *Broadcaster) online(ctx context.Context, users []string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		st, err := b.tr.PresenceOf(ctx, u)
		if err == nil && st.Online {
			out = append(out, u)
		}
	}
	return out
}

// fanout isolates every target: one slow or failing user never affects another.
func (b *Broadcaster) fanout(ctx context.Context, targets []string, ev Event) Report {
	var reached, offline, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(fanoutLimit)
	for _, u := range targets {
		u := u
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
			defer cancel()
			st, err := b.tr.PresenceOf(tctx, u)
			if err != nil {
				failed.Add(1)
				b.log.Warn("presence lookup failed", logx.String("user", u), logx.Err(err))
				return nil
			}
			if !st.Online {
				offline.Add(1)
				return nil
			}
			if err := b.tr.BroadcastToUser(tctx, u, ev); err != nil {
				failed.Add(1)
				b.log.Warn("realtime delivery failed", logx.String("user", u), logx.String("event", ev.ID), logx.Err(err))
				return nil
			}
			reached.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return Report{Reached: int(reached.Load()), Offline: int(offline.Load()), Failed: int(failed.Load())}
}

// BroadcastEvent is the payload of eventbus.TypeBroadcast.
type BroadcastEvent struct {
	EventID string `json:"event_id"`
	Report
}

// Counter implements analytics.Countable.
func (e BroadcastEvent) Counter() (string, string) { return "broadcast", "sent" }

func (b *Broadcaster) publish(eventID string, rep Report) {
	b.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcast, Time: b.clock.Now(), Data: BroadcastEvent{EventID: eventID, Report: rep}})
}

func dedupKey(eventID string) string { return "dedup:" + eventID }
