package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify/notifytest"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	"github.com/moorej2400/sobertube-app-sub003/internal/store/storetest"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

var day = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type counted struct{ action, reason string }

func (c counted) Counter() (string, string) { return c.action, c.reason }

func TestRecordAndCounts(t *testing.T) {
	t.Parallel()
	clock := notifytest.NewClock(day)
	r := NewRecorder(store.NewMemory(clock), clock, logx.Nop())
	ctx := context.Background()

	for _, c := range []counted{
		{"blocked", "rapid_fire"},
		{"allowed", "ok"},
		{"blocked", "rapid_fire"},
		{"delayed", "quiet_hours"},
	} {
		if err := r.Record(ctx, day, c.action, c.reason); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := r.Record(ctx, day.Add(24*time.Hour), "allowed", "ok"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := r.Counts(ctx, day)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := []Count{
		{Action: "allowed", Reason: "ok", N: 1},
		{Action: "blocked", Reason: "rapid_fire", N: 2},
		{Action: "delayed", Reason: "quiet_hours", N: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("Counts = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Counts[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCountersExpire(t *testing.T) {
	t.Parallel()
	clock := notifytest.NewClock(day)
	r := NewRecorder(store.NewMemory(clock), clock, logx.Nop())
	if err := r.Record(context.Background(), day, "allowed", "ok"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	clock.Advance(DefaultTTL + time.Minute)
	got, err := r.Counts(context.Background(), day)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Counts after ttl = %+v, want none", got)
	}
}

func TestRunConsumesCountableEvents(t *testing.T) {
	t.Parallel()
	clock := notifytest.NewClock(day)
	r := NewRecorder(store.NewMemory(clock), clock, logx.Nop())
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ready := make(chan struct{})
	go func() {
		defer close(done)
		close(ready)
		_ = r.Run(ctx, bus)
	}()
	<-ready

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeFilterDecision, Time: day, Data: counted{"batched", "batched"}})
		bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFinished, Time: day, Data: "ignored"})
		got, err := r.Counts(context.Background(), day)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if len(got) == 1 && got[0].Action == "batched" && got[0].N > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counter never recorded: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRecordStoreDown(t *testing.T) {
	t.Parallel()
	r := NewRecorder(storetest.Broken{}, nil, logx.Nop())
	if err := r.Record(context.Background(), day, "allowed", "ok"); err == nil {
		t.Fatal("Record succeeded on a broken store")
	}
}
