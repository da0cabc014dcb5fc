package filter

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
)

// checkSpam records the arrival in the sender's sliding windows and
// returns a block reason, or "" when the intent passes.
func (e *Engine) checkSpam(ctx context.Context, cfg Config, in *notify.Intent, now time.Time) string {
	sender := in.SenderID()
	if sender == "" {
		return ""
	}
	if slices.Contains(cfg.Blacklist, sender) {
		return notify.ReasonBlacklisted
	}
	if e.st == nil {
		return ""
	}
	if _, found, err := e.st.Get(ctx, blacklistKey(sender)); err != nil {
		e.logStoreErr("blacklist", err)
	} else if found {
		return notify.ReasonBlacklisted
	}

	if cfg.RapidFireCount > 0 {
		n, err := e.window(ctx, rapidFireKey(sender, in.BatchKey()), in.ID, now, cfg.RapidFireWindow)
		if err != nil {
			e.logStoreErr("rapid_fire", err)
		} else if n >= int64(cfg.RapidFireCount) {
			return notify.ReasonRapidFire
		}
	}
	if cfg.SenderHourlyMax > 0 {
		n, err := e.window(ctx, senderKey(sender), in.ID, now, time.Hour)
		if err != nil {
			e.logStoreErr("sender_flood", err)
		} else if n > int64(cfg.SenderHourlyMax) {
			return notify.ReasonSenderFlood
		}
	}
	return ""
}

// window adds member to a sorted set scored by arrival time, drops entries
// older than width and returns the remaining count.
func (e *Engine) window(ctx context.Context, key, member string, now time.Time, width time.Duration) (int64, error) {
	ts := float64(now.UnixMilli())
	if _, err := e.st.ZRemRangeByScore(ctx, key, 0, ts-float64(width.Milliseconds())); err != nil {
		return 0, err
	}
	if member == "" {
		member = strconv.FormatInt(now.UnixNano(), 36)
	}
	if err := e.st.ZAdd(ctx, key, store.Member{Value: member, Score: ts}); err != nil {
		return 0, err
	}
	_ = e.st.Expire(ctx, key, width)
	return e.st.ZCard(ctx, key)
}

var errNoStore = errors.New("filter: no store configured")

// Block adds sender to the runtime blacklist kept in the store.
func (e *Engine) Block(ctx context.Context, sender string) error {
	if e.st == nil {
		return errNoStore
	}
	return e.st.Set(ctx, blacklistKey(sender), "1", 0)
}

// Unblock removes sender from the runtime blacklist. Configured entries
// still apply.
func (e *Engine) Unblock(ctx context.Context, sender string) error {
	if e.st == nil {
		return errNoStore
	}
	return e.st.Del(ctx, blacklistKey(sender))
}

func blacklistKey(sender string) string        { return "spam:blacklist:" + sender }
func rapidFireKey(sender, batch string) string { return "spam:burst:" + sender + ":" + batch }
func senderKey(sender string) string           { return "spam:sender:" + sender }

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
