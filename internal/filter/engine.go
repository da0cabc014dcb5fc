package filter

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/config"
	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/profile"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// Deps are the collaborators an Engine reads from. Nil lookups behave as
// "no record".
type Deps struct {
	Store       store.Store
	Preferences profile.Preferences
	Engagements profile.Engagements
	Reputation  profile.Reputation
	Clock       notify.Clock
	Log         logx.Logger
	Bus         eventbus.Bus
}

type Engine struct {
	mu  sync.RWMutex
	cfg Config

	st    store.Store
	prefs profile.Preferences
	eng   profile.Engagements
	rep   profile.Reputation
	clock notify.Clock
	log   logx.Logger
	bus   eventbus.Bus
}

// DecisionEvent is the payload of eventbus.TypeFilterDecision.
type DecisionEvent struct {
	UserID string    `json:"user_id"`
	Kind   string    `json:"kind"`
	Action string    `json:"action"`
	Reason string    `json:"reason"`
	Score  float64   `json:"score"`
	At     time.Time `json:"at"`
}

// Analytics actions.
const (
	ActionAllowed = "allowed"
	ActionBlocked = "blocked"
	ActionDelayed = "delayed"
	ActionBatched = "batched"
)

func New(cfg Config, d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = notify.SystemClock{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	return &Engine{
		cfg:   DefaultConfig().Merge(cfg),
		st:    d.Store,
		prefs: d.Preferences,
		eng:   d.Engagements,
		rep:   d.Reputation,
		clock: d.Clock,
		log:   d.Log.With(logx.String("comp", "filter")),
		bus:   d.Bus,
	}
}

// Apply swaps the rule set. In-flight evaluations finish with the old one.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = DefaultConfig().Merge(cfg)
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Evaluate runs every rule against in. It never returns an error; rules
// that cannot reach their data let the intent through.
func (e *Engine) Evaluate(ctx context.Context, in *notify.Intent) notify.Decision {
	cfg := e.config()
	now := e.clock.Now()
	kind := in.Kind()

	score := e.score(ctx, cfg, in, now)
	d := e.evaluate(ctx, cfg, in, kind, score, now)
	d.Score = score

	e.bus.Publish(eventbus.Event{Type: eventbus.TypeFilterDecision, Time: now, Data: DecisionEvent{
		UserID: in.UserID,
		Kind:   kind,
		Action: actionOf(d),
		Reason: d.Reason,
		Score:  score,
		At:     now,
	}})
	if !d.Allowed {
		e.log.Debug("intent filtered",
			logx.String("intent", in.ID),
			logx.String("user", in.UserID),
			logx.String("kind", kind),
			logx.String("reason", d.Reason),
			logx.Float64("score", score),
			logx.Duration("delay", d.Delay),
		)
	}
	return d
}

func (e *Engine) evaluate(ctx context.Context, cfg Config, in *notify.Intent, kind string, score float64, now time.Time) notify.Decision {
	prefs, _, err := e.lookupPrefs(ctx, in.UserID)
	if err != nil {
		e.log.Warn("preferences lookup failed", logx.String("user", in.UserID), logx.Err(err))
	}
	if prefs.TypeDisabled(kind) {
		return notify.Decision{Reason: notify.ReasonDisabledType}
	}
	if prefs.PushDisabled {
		return notify.Decision{Reason: notify.ReasonPushDisabled}
	}

	if reason := e.checkSpam(ctx, cfg, in, now); reason != "" {
		return notify.Decision{Reason: reason}
	}

	if !(cfg.HighBypass && in.Priority == notify.PriorityHigh) {
		if e.overFrequency(ctx, cfg, in.UserID, kind, now) {
			return notify.Decision{Reason: notify.ReasonFrequencyLimited, Delay: cfg.FrequencyDelay}
		}
	}

	if delay, ok := e.quietDelay(cfg, in, prefs, score, now); ok {
		return notify.Decision{Reason: notify.ReasonQuietHours, Delay: delay}
	}

	// only batchable kinds batch; the intent flag lifts the score ceiling
	if in.Priority != notify.PriorityHigh && slices.Contains(cfg.BatchKinds, kind) &&
		(score <= cfg.BatchScoreThreshold || in.BatchEligible) {
		return notify.Decision{Allowed: true, Reason: notify.ReasonBatched, Batch: true, Delay: cfg.BatchWindow}
	}
	return notify.Decision{Allowed: true, Reason: notify.ReasonOK}
}

func (e *Engine) lookupPrefs(ctx context.Context, user string) (profile.Prefs, bool, error) {
	if e.prefs == nil {
		return profile.Prefs{}, false, nil
	}
	return e.prefs.Preferences(ctx, user)
}

// overFrequency counts this intent into fixed hour and day buckets and
// reports whether either ceiling is exceeded. Blocked intents still count.
func (e *Engine) overFrequency(ctx context.Context, cfg Config, user, kind string, now time.Time) bool {
	lim, ok := cfg.Limits[kind]
	if !ok || e.st == nil {
		return false
	}
	over := false
	for _, b := range []struct {
		name  string
		width time.Duration
		max   int
	}{
		{"h", time.Hour, lim.PerHour},
		{"d", 24 * time.Hour, lim.PerDay},
	} {
		if b.max <= 0 {
			continue
		}
		n, err := e.st.Incr(ctx, frequencyKey(user, kind, b.name, now.Truncate(b.width)), b.width)
		if err != nil {
			e.logStoreErr("frequency", err)
			return false
		}
		if n > int64(b.max) {
			over = true
		}
	}
	return over
}

func (e *Engine) logStoreErr(check string, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		e.log.Warn("filter check skipped: store unavailable", logx.String("check", check), logx.Err(err))
		return
	}
	e.log.Warn("filter check failed", logx.String("check", check), logx.Err(err))
}

func actionOf(d notify.Decision) string {
	switch {
	case d.Batch:
		return ActionBatched
	case !d.Allowed && d.Delay > 0:
		return ActionDelayed
	case !d.Allowed:
		return ActionBlocked
	default:
		return ActionAllowed
	}
}

// quietDelay reports the wait until the user's quiet window ends when now
// falls inside it and the intent is not important enough to interrupt.
func (e *Engine) quietDelay(cfg Config, in *notify.Intent, prefs profile.Prefs, score float64, now time.Time) (time.Duration, bool) {
	if in.Priority == notify.PriorityHigh || in.QuietHoursOverride || prefs.QuietDisabled {
		return 0, false
	}
	if score >= cfg.QuietThreshold {
		return 0, false
	}
	start, err := config.ParseClock("quiet_start", prefs.QuietStart, cfg.QuietStart)
	if err != nil {
		start = cfg.QuietStart
	}
	end, err := config.ParseClock("quiet_end", prefs.QuietEnd, cfg.QuietEnd)
	if err != nil {
		end = cfg.QuietEnd
	}
	loc := cfg.Location
	if prefs.Timezone != "" {
		if l, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = l
		}
	}
	return QuietWait(now, start, end, loc)
}

// QuietWait returns how long until the [start,end) window ends when now is
// inside it. Windows where start > end wrap past midnight.
func QuietWait(now time.Time, start, end time.Duration, loc *time.Location) (time.Duration, bool) {
	if start == end {
		return 0, false
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	off := local.Sub(midnight)

	var inside bool
	if start < end {
		inside = off >= start && off < end
	} else {
		inside = off >= start || off < end
	}
	if !inside {
		return 0, false
	}
	endAt := time.Date(y, m, d, int(end/time.Hour), int(end%time.Hour/time.Minute), 0, 0, loc)
	if !endAt.After(local) {
		endAt = time.Date(y, m, d+1, int(end/time.Hour), int(end%time.Hour/time.Minute), 0, 0, loc)
	}
	return endAt.Sub(local), true
}

func frequencyKey(user, kind, bucket string, at time.Time) string {
	return "freq:" + user + ":" + kind + ":" + bucket + ":" + itoa(at.Unix())
}

// Counter implements analytics.Countable.
func (e DecisionEvent) Counter() (string, string) { return e.Action, e.Reason }
