package realtime

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// Presence mirrors local sessions into a per-user sorted set in the store.
// Members are "<instance>/<session>" scored by their expiry; Beat renews
// them so a crashed instance's sessions age out on their own.
type Presence struct {
	st       store.Store
	hub      *Hub
	clock    notify.Clock
	ttl      time.Duration
	instance string
	log      logx.Logger
}

func NewPresence(st store.Store, hub *Hub, clock notify.Clock, ttl time.Duration, instance string, log logx.Logger) *Presence {
	if clock == nil {
		clock = notify.SystemClock{}
	}
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &Presence{st: st, hub: hub, clock: clock, ttl: ttl, instance: instance, log: log.With(logx.String("comp", "realtime.presence"))}
}

func (p *Presence) Instance() string { return p.instance }

// Attach opens a local session and announces it.
func (p *Presence) Attach(ctx context.Context, userID string) *Session {
	s := p.hub.Attach(userID)
	if err := p.mark(ctx, userID, s.ID); err != nil {
		p.log.Warn("presence announce failed", logx.String("user", userID), logx.Err(err))
	}
	return s
}

func (p *Presence) Detach(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	p.hub.Detach(s)
	if _, err := p.st.ZRem(ctx, presenceKey(s.UserID), p.member(s.ID)); err != nil {
		p.log.Warn("presence withdraw failed", logx.String("user", s.UserID), logx.Err(err))
	}
}

// Beat renews every local session.
func (p *Presence) Beat(ctx context.Context) error {
	var firstErr error
	for user, ids := range p.hub.Sessions() {
		for _, id := range ids {
			if err := p.mark(ctx, user, id); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run beats every ttl/3 until ctx is done.
func (p *Presence) Run(ctx context.Context) error {
	t := time.NewTicker(p.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.Beat(ctx); err != nil {
				p.log.Warn("presence heartbeat failed", logx.Err(err))
			}
		}
	}
}

// PresenceOf reports the user's sessions on every instance. When the store
// is unreachable it falls back to this instance's sessions.
func (p *Presence) PresenceOf(ctx context.Context, userID string) (Status, error) {
	local := p.hub.Handles(userID)
	now := float64(p.clock.Now().UnixMilli())

	if _, err := p.st.ZRemRangeByScore(ctx, presenceKey(userID), 0, now); err != nil {
		p.log.Warn("presence lookup failed, using local sessions", logx.String("user", userID), logx.Err(err))
		return Status{Online: len(local) > 0, Handles: local}, nil
	}
	members, err := p.st.ZRangeByScore(ctx, presenceKey(userID), now, math.Inf(1), 0)
	if err != nil {
		p.log.Warn("presence lookup failed, using local sessions", logx.String("user", userID), logx.Err(err))
		return Status{Online: len(local) > 0, Handles: local}, nil
	}

	seen := make(map[string]bool, len(members)+len(local))
	handles := make([]string, 0, len(members)+len(local))
	for _, id := range local {
		seen[id] = true
		handles = append(handles, id)
	}
	for _, m := range members {
		_, id, _ := strings.Cut(m.Value, "/")
		if !seen[id] {
			seen[id] = true
			handles = append(handles, id)
		}
	}
	return Status{Online: len(handles) > 0, Handles: handles}, nil
}

func (p *Presence) mark(ctx context.Context, userID, sessionID string) error {
	exp := float64(p.clock.Now().Add(p.ttl).UnixMilli())
	if err := p.st.ZAdd(ctx, presenceKey(userID), store.Member{Value: p.member(sessionID), Score: exp}); err != nil {
		return err
	}
	return p.st.Expire(ctx, presenceKey(userID), p.ttl)
}

func (p *Presence) member(sessionID string) string { return p.instance + "/" + sessionID }

func presenceKey(userID string) string { return "presence:" + userID }
