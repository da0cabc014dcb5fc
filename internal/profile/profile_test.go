package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify/notifytest"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
)

var (
	_ Preferences  = (*KV)(nil)
	_ Engagements  = (*KV)(nil)
	_ Reputation   = (*KV)(nil)
	_ Destinations = (*KV)(nil)
	_ Followers    = (*KV)(nil)
	_ Preferences  = (*Static)(nil)
	_ Reputation   = (*Static)(nil)
	_ Destinations = (*Static)(nil)
	_ Followers    = NoFollowers{}
)

func newKV(t *testing.T) (*KV, *notifytest.Clock, store.Store) {
	t.Helper()
	clk := notifytest.NewClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	return NewKV(st, clk, time.Minute), clk, st
}

func TestPreferencesRoundTripAndMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv, _, _ := newKV(t)
	if _, ok, err := kv.Preferences(ctx, "u1"); ok || err != nil {
		t.Fatalf("missing prefs: ok=%v err=%v", ok, err)
	}
	if err := kv.SetPreferences(ctx, "u1", Prefs{DisabledTypes: []string{"like"}}); err != nil {
		t.Fatal(err)
	}
	p, ok, err := kv.Preferences(ctx, "u1")
	if !ok || err != nil || !p.TypeDisabled("like") || p.TypeDisabled("mention") {
		t.Fatalf("prefs = %+v ok=%v err=%v", p, ok, err)
	}
}

func TestReputationIsCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv, clk, st := newKV(t)
	if _, ok, _ := kv.Reputation(ctx, "s1"); ok {
		t.Fatal("unknown sender reported known")
	}
	// write behind the cache's back
	_ = st.Set(ctx, reputationKey("s1"), "0.3", 0)
	if _, ok, _ := kv.Reputation(ctx, "s1"); ok {
		t.Fatal("cache should still report unknown")
	}
	clk.Advance(2 * time.Minute)
	if r, ok, _ := kv.Reputation(ctx, "s1"); !ok || r != 0.3 {
		t.Fatalf("reputation = %v ok=%v", r, ok)
	}
	if err := kv.SetReputation(ctx, "s1", 0.9); err != nil {
		t.Fatal(err)
	}
	if r, _, _ := kv.Reputation(ctx, "s1"); r != 0.9 {
		t.Fatalf("SetReputation must invalidate cache, got %v", r)
	}
}

func TestDestinationsAddForget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv, _, _ := newKV(t)
	a := dispatch.Destination{Kind: "fcm", Token: "a"}
	b := dispatch.Destination{Kind: "telegram", Token: "42"}
	for _, d := range []dispatch.Destination{a, b, a} {
		if err := kv.AddDestination(ctx, "u1", d); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := kv.Destinations(ctx, "u1")
	if len(got) != 2 {
		t.Fatalf("destinations = %+v", got)
	}
	_ = kv.Forget(ctx, "u1", a)
	got, _ = kv.Destinations(ctx, "u1")
	if len(got) != 1 || got[0] != b {
		t.Fatalf("after forget = %+v", got)
	}
	_ = kv.Forget(ctx, "u1", b)
	if got, _ = kv.Destinations(ctx, "u1"); len(got) != 0 {
		t.Fatalf("after forget all = %+v", got)
	}
}

func TestFollowersContract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv, _, _ := newKV(t)
	got, err := kv.Followers(ctx, "nobody")
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("no followers must be empty and nil error, got %v %v", got, err)
	}
	_ = kv.SetFollowers(ctx, "u1", []string{"u2", "u3"})
	if got, _ = kv.Followers(ctx, "u1"); len(got) != 2 {
		t.Fatalf("followers = %v", got)
	}
	if _, err := (NoFollowers{}).Followers(ctx, "u1"); !errors.Is(err, ErrFollowersUnavailable) {
		t.Fatalf("NoFollowers err = %v", err)
	}
}
