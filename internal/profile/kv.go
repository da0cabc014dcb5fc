package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
)

// KV stores profile documents as JSON values in the shared store. Sender
// reputation is cached in-process for ReputationTTL.
type KV struct {
	st    store.Store
	clock notify.Clock
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]repEntry
}

type repEntry struct {
	score float64
	ok    bool
	exp   time.Time
}

func NewKV(st store.Store, clock notify.Clock, reputationTTL time.Duration) *KV {
	if clock == nil {
		clock = notify.SystemClock{}
	}
	if reputationTTL <= 0 {
		reputationTTL = 10 * time.Minute
	}
	return &KV{st: st, clock: clock, ttl: reputationTTL, cache: map[string]repEntry{}}
}

func prefsKey(u string) string      { return "profile:prefs:" + u }
func engagementKey(u string) string { return "profile:engagement:" + u }
func reputationKey(s string) string { return "profile:reputation:" + s }
func destKey(u string) string       { return "profile:destinations:" + u }
func followersKey(u string) string  { return "profile:followers:" + u }

func (k *KV) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := k.st.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (k *KV) putJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.st.Set(ctx, key, string(b), 0)
}

func (k *KV) Preferences(ctx context.Context, userID string) (Prefs, bool, error) {
	var p Prefs
	ok, err := k.getJSON(ctx, prefsKey(userID), &p)
	return p, ok, err
}

func (k *KV) SetPreferences(ctx context.Context, userID string, p Prefs) error {
	return k.putJSON(ctx, prefsKey(userID), p)
}

func (k *KV) Engagement(ctx context.Context, userID string) (Engagement, bool, error) {
	var e Engagement
	ok, err := k.getJSON(ctx, engagementKey(userID), &e)
	return e, ok, err
}

func (k *KV) SetEngagement(ctx context.Context, userID string, e Engagement) error {
	return k.putJSON(ctx, engagementKey(userID), e)
}

func (k *KV) Reputation(ctx context.Context, senderID string) (float64, bool, error) {
	now := k.clock.Now()
	k.mu.Lock()
	if e, hit := k.cache[senderID]; hit && now.Before(e.exp) {
		k.mu.Unlock()
		return e.score, e.ok, nil
	}
	k.mu.Unlock()

	raw, ok, err := k.st.Get(ctx, reputationKey(senderID))
	if err != nil {
		return 0, false, err
	}
	var score float64
	if ok {
		if score, err = strconv.ParseFloat(raw, 64); err != nil {
			return 0, false, fmt.Errorf("reputation %s: %w", senderID, err)
		}
	}
	k.mu.Lock()
	k.cache[senderID] = repEntry{score: score, ok: ok, exp: now.Add(k.ttl)}
	k.mu.Unlock()
	return score, ok, nil
}

func (k *KV) SetReputation(ctx context.Context, senderID string, score float64) error {
	k.mu.Lock()
	delete(k.cache, senderID)
	k.mu.Unlock()
	return k.st.Set(ctx, reputationKey(senderID), strconv.FormatFloat(score, 'f', -1, 64), 0)
}

func (k *KV) Destinations(ctx context.Context, userID string) ([]dispatch.Destination, error) {
	var out []dispatch.Destination
	if _, err := k.getJSON(ctx, destKey(userID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddDestination registers d for userID; re-adding an existing token is a no-op.
func (k *KV) AddDestination(ctx context.Context, userID string, d dispatch.Destination) error {
	cur, err := k.Destinations(ctx, userID)
	if err != nil {
		return err
	}
	if slices.Contains(cur, d) {
		return nil
	}
	return k.putJSON(ctx, destKey(userID), append(cur, d))
}

func (k *KV) Forget(ctx context.Context, userID string, d dispatch.Destination) error {
	cur, err := k.Destinations(ctx, userID)
	if err != nil {
		return err
	}
	next := slices.DeleteFunc(cur, func(x dispatch.Destination) bool { return x == d })
	if len(next) == 0 {
		return k.st.Del(ctx, destKey(userID))
	}
	return k.putJSON(ctx, destKey(userID), next)
}

// Followers returns the stored follower list. A user without a record has no followers.
func (k *KV) Followers(ctx context.Context, userID string) ([]string, error) {
	out := []string{}
	if _, err := k.getJSON(ctx, followersKey(userID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (k *KV) SetFollowers(ctx context.Context, userID string, followers []string) error {
	return k.putJSON(ctx, followersKey(userID), followers)
}
