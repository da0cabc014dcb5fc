// Package analytics tallies pipeline decisions into daily counters in the
// shared store. Recording is fire-and-forget: a slow store drops events
// rather than stalling the pipeline.
package analytics

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const (
	DefaultTTL = 30 * 24 * time.Hour
	dateLayout = "2006-01-02"
	opTimeout  = 2 * time.Second
)

// Countable is implemented by event payloads that should be tallied.
type Countable interface {
	Counter() (action, reason string)
}

// Count is one counter for a day.
type Count struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
	N      int64  `json:"n"`
}

type Recorder struct {
	st    store.Store
	clock notify.Clock
	log   logx.Logger
	ttl   time.Duration
}

func NewRecorder(st store.Store, clock notify.Clock, log logx.Logger) *Recorder {
	if clock == nil {
		clock = notify.SystemClock{}
	}
	return &Recorder{st: st, clock: clock, log: log.With(logx.String("comp", "analytics")), ttl: DefaultTTL}
}

// Record increments the counter for (action, reason) on the day of at.
func (r *Recorder) Record(ctx context.Context, at time.Time, action, reason string) error {
	if at.IsZero() {
		at = r.clock.Now()
	}
	day := at.UTC().Format(dateLayout)
	if reason == "" {
		reason = notify.ReasonOK
	}
	if _, err := r.st.Incr(ctx, counterKey(day, action, reason), r.ttl); err != nil {
		return err
	}
	// the index is what lets Counts enumerate a day without a key scan
	if err := r.st.ZAdd(ctx, indexKey(day), store.Member{Value: action + ":" + reason}); err != nil {
		return err
	}
	return r.st.Expire(ctx, indexKey(day), r.ttl)
}

// Counts returns every counter recorded for day, sorted by action then reason.
func (r *Recorder) Counts(ctx context.Context, day time.Time) ([]Count, error) {
	d := day.UTC().Format(dateLayout)
	members, err := r.st.ZRangeByScore(ctx, indexKey(d), 0, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Count, 0, len(members))
	for _, m := range members {
		action, reason, _ := strings.Cut(m.Value, ":")
		raw, ok, err := r.st.Get(ctx, counterKey(d, action, reason))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, _ := strconv.ParseInt(raw, 10, 64)
		out = append(out, Count{Action: action, Reason: reason, N: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Action != out[j].Action {
			return out[i].Action < out[j].Action
		}
		return out[i].Reason < out[j].Reason
	})
	return out, nil
}

// Run consumes bus events until ctx is done. Payloads that are not
// Countable are ignored.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c, ok := ev.Data.(Countable)
			if !ok {
				continue
			}
			action, reason := c.Counter()
			opCtx, cancel := context.WithTimeout(ctx, opTimeout)
			err := r.Record(opCtx, ev.Time, action, reason)
			cancel()
			if err != nil {
				r.log.Debug("analytics counter dropped", logx.String("action", action), logx.String("reason", reason), logx.Err(err))
			}
		}
	}
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) { return time.Parse(dateLayout, s) }

func counterKey(day, action, reason string) string {
	return "analytics:" + day + ":" + action + ":" + reason
}

func indexKey(day string) string { return "analytics:" + day + ":index" }
