package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/filter"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify/notifytest"
	"github.com/moorej2400/sobertube-app-sub003/internal/profile"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	"github.com/moorej2400/sobertube-app-sub003/internal/render"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	"github.com/moorej2400/sobertube-app-sub003/internal/store/storetest"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type stubFilter func(*notify.Intent) notify.Decision

func (f stubFilter) Evaluate(_ context.Context, in *notify.Intent) notify.Decision { return f(in) }

func allowAll() stubFilter {
	return func(*notify.Intent) notify.Decision {
		return notify.Decision{Allowed: true, Reason: notify.ReasonOK, Score: 0.9}
	}
}

type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int
	order []string
	msgs  []dispatch.Message
}

func (f *fakeSender) SendAll(_ context.Context, dests []dispatch.Destination, msg dispatch.Message) []dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.order = append(f.order, msg.Data["intent_id"])
	out := make([]dispatch.Result, len(dests))
	for i, d := range dests {
		out[i] = dispatch.Result{Destination: d, Err: f.fail[d.Token]}
		if out[i].Err == nil {
			f.msgs = append(f.msgs, msg)
		}
	}
	return out
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Append(_ context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) Recent(context.Context, journal.Outcome, int) ([]journal.Entry, error) {
	return nil, nil
}
func (j *memJournal) Prune(context.Context, time.Time) (int, error) { return 0, nil }
func (j *memJournal) Close() error                                  { return nil }

func (j *memJournal) of(o journal.Outcome) []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.Entry
	for _, e := range j.entries {
		if e.Outcome == o {
			out = append(out, e)
		}
	}
	return out
}

type fakeRealtime struct {
	reached int
	ids     []string
}

func (f *fakeRealtime) Broadcast(_ context.Context, eventID string, _ []string, _ realtime.Event) realtime.Report {
	f.ids = append(f.ids, eventID)
	return realtime.Report{Reached: f.reached}
}

type fakeScheduler struct {
	mu       sync.Mutex
	names    []string
	triggers []string
}

func (f *fakeScheduler) AddSchedule(name, _ string, _ time.Duration, _ func(context.Context) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return nil
}

func (f *fakeScheduler) Trigger(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, name)
	return nil
}

type harness struct {
	q     *Service
	clock *notifytest.Clock
	st    store.Store
	send  *fakeSender
	prof  *profile.Static
	jr    *memJournal
}

func newHarness(t *testing.T, cfg Config, f Evaluator, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		clock: notifytest.NewClock(t0),
		send:  &fakeSender{fail: map[string]error{}},
		prof:  profile.NewStatic(),
		jr:    &memJournal{},
	}
	h.st = store.NewMemory(h.clock)
	h.prof.Dests["u1"] = []dispatch.Destination{{Kind: "log", Token: "t1"}}
	if f == nil {
		f = filter.New(filter.Config{}, filter.Deps{Store: h.st, Clock: h.clock, Log: logx.Nop()})
	}
	var seq atomic.Int64
	d := Deps{
		Store:        h.st,
		Filter:       f,
		Renderer:     render.NewCatalog("en"),
		Sender:       h.send,
		Destinations: h.prof,
		Preferences:  h.prof,
		Journal:      h.jr,
		Clock:        h.clock,
		Log:          logx.Nop(),
		NewID:        func() string { return fmt.Sprintf("id%d", seq.Add(1)) },
	}
	for _, o := range opts {
		o(&d)
	}
	h.q = New(cfg, d)
	return h
}

func mkIntent(kind string, vars ...string) *notify.Intent {
	in := &notify.Intent{UserID: "u1", TemplateID: kind + ".post", Vars: map[string]string{}}
	for i := 0; i+1 < len(vars); i += 2 {
		in.Vars[vars[i]] = vars[i+1]
	}
	return in
}

func (h *harness) submit(t *testing.T, in *notify.Intent) notify.Admission {
	t.Helper()
	adm, err := h.q.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return adm
}

func TestSubmitImmediateAndDrain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	adm := h.submit(t, mkIntent("mention", "actor", "ana", "text", "hi"))
	if adm.Status != notify.StatusAllowed || adm.ID == "" {
		t.Fatalf("admission = %+v", adm)
	}
	if snap := h.q.Snapshot(context.Background()); snap.Main != 1 || !snap.StoreOK {
		t.Fatalf("snapshot = %+v", snap)
	}

	rep := h.q.Drain(context.Background())
	if rep.Main != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.send.msgs) != 1 || h.send.msgs[0].Body != "ana mentioned you: hi" {
		t.Fatalf("sent = %+v", h.send.msgs)
	}
	if got := h.jr.of(journal.OutcomeSent); len(got) != 1 || got[0].IntentID != adm.ID {
		t.Fatalf("journal sent = %+v", got)
	}
	if _, ok, _ := h.st.Get(context.Background(), intentKey(adm.ID)); ok {
		t.Fatal("body kept after delivery")
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	for _, in := range []*notify.Intent{nil, {UserID: "u1"}, {TemplateID: "like"}, {UserID: "u", TemplateID: "x", Priority: "urgent"}} {
		if _, err := h.q.Submit(context.Background(), in); !errors.Is(err, notify.ErrInvalidIntent) {
			t.Fatalf("Submit(%+v) err = %v, want ErrInvalidIntent", in, err)
		}
	}
}

func TestDrainPriorityFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	low := h.submit(t, mkIntent("comment"))
	in := mkIntent("comment")
	in.Priority = notify.PriorityHigh
	high := h.submit(t, in)

	rep := h.q.Drain(context.Background())
	if rep.Priority != 1 || rep.Main != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(h.send.order) != 2 || h.send.order[0] != high.ID || h.send.order[1] != low.ID {
		t.Fatalf("order = %v, want [%s %s]", h.send.order, high.ID, low.ID)
	}
}

func TestRetryBoundThenDead(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	h.send.fail["t1"] = errors.New("provider timeout")
	adm := h.submit(t, mkIntent("comment"))

	for i := 0; i < 10; i++ {
		h.q.Drain(context.Background())
		h.clock.Advance(time.Hour)
	}
	if got := h.send.Calls(); got != notify.DefaultMaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", got, notify.DefaultMaxRetries+1)
	}
	dead := h.jr.of(journal.OutcomeDead)
	if len(dead) != 1 || dead[0].IntentID != adm.ID || dead[0].Attempts != 4 || dead[0].Intent == nil {
		t.Fatalf("dead = %+v", dead)
	}
	if n, _ := h.st.ZCard(context.Background(), keyDelayed); n != 0 {
		t.Fatalf("delayed = %d after dead", n)
	}
}

func TestRetryUsesBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	h.send.fail["t1"] = errors.New("provider timeout")
	adm := h.submit(t, mkIntent("comment"))

	if rep := h.q.Drain(context.Background()); rep.Retried != 1 {
		t.Fatalf("report = %+v", rep)
	}
	due, _ := h.st.ZRangeByScore(context.Background(), keyDelayed, 0, 1e18, 0)
	if len(due) != 1 || due[0].Value != adm.ID || due[0].Score != dueScore(t0.Add(2*time.Second)) {
		t.Fatalf("delayed = %+v, want %s at +2s", due, adm.ID)
	}

	// not due yet
	h.clock.Advance(time.Second)
	if rep := h.q.Drain(context.Background()); rep.Delayed != 0 {
		t.Fatalf("early drain = %+v", rep)
	}
	h.clock.Advance(time.Second)
	delete(h.send.fail, "t1")
	if rep := h.q.Drain(context.Background()); rep.Delayed != 1 || rep.Sent != 1 {
		t.Fatalf("due drain = %+v", rep)
	}
}

func TestPermanentFailureIsDeadAtOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	h.send.fail["t1"] = notify.Permanent(errors.New("bad payload"))
	h.submit(t, mkIntent("comment"))
	rep := h.q.Drain(context.Background())
	if rep.Dead != 1 || h.send.Calls() != 1 {
		t.Fatalf("report = %+v calls = %d", rep, h.send.Calls())
	}
}

func TestUnknownTemplateIsDead(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	in := &notify.Intent{UserID: "u1", TemplateID: "nope"}
	h.submit(t, in)
	if rep := h.q.Drain(context.Background()); rep.Dead != 1 || h.send.Calls() != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestPartialDestinationFailureSucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	h.prof.Dests["u1"] = []dispatch.Destination{{Kind: "fcm", Token: "a"}, {Kind: "fcm", Token: "b"}, {Kind: "telegram", Token: "c"}}
	h.send.fail["b"] = errors.New("boom")
	h.submit(t, mkIntent("follow"))
	if rep := h.q.Drain(context.Background()); rep.Sent != 1 || rep.Retried != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestUnregisteredTokenIsForgotten(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	h.prof.Dests["u1"] = []dispatch.Destination{{Kind: "fcm", Token: "stale"}, {Kind: "fcm", Token: "fresh"}}
	h.send.fail["stale"] = notify.Permanent(dispatch.ErrUnregistered)
	h.submit(t, mkIntent("follow"))
	h.q.Drain(context.Background())

	dests, _ := h.prof.Destinations(context.Background(), "u1")
	if len(dests) != 1 || dests[0].Token != "fresh" {
		t.Fatalf("destinations = %+v", dests)
	}
}

func TestNoRouteIsDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	delete(h.prof.Dests, "u1")
	h.submit(t, mkIntent("follow"))
	rep := h.q.Drain(context.Background())
	if rep.Dropped != 1 || rep.Retried != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if got := h.jr.of(journal.OutcomeSkipped); len(got) != 1 || got[0].Reason != "no_destination" {
		t.Fatalf("journal = %+v", got)
	}
}

func TestRealtimeOnlyDelivery(t *testing.T) {
	t.Parallel()
	rt := &fakeRealtime{reached: 1}
	h := newHarness(t, Config{}, allowAll(), func(d *Deps) { d.Realtime = rt })
	delete(h.prof.Dests, "u1")
	adm := h.submit(t, mkIntent("follow"))
	if rep := h.q.Drain(context.Background()); rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rt.ids) != 1 || rt.ids[0] != "intent:"+adm.ID+":0" {
		t.Fatalf("broadcast ids = %v", rt.ids)
	}
}

func TestFilterOutcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		decision   notify.Decision
		kind       string
		wantStatus notify.AdmissionStatus
		wantReason string
		wantAfter  time.Duration
	}{
		{"preference block", notify.Decision{Reason: notify.ReasonDisabledType}, "like", notify.StatusSkipped, notify.ReasonDisabledType, 0},
		{"spam", notify.Decision{Reason: notify.ReasonRapidFire}, "mention", notify.StatusSkipped, notify.ReasonRapidFire, 0},
		{"frequency non-critical", notify.Decision{Reason: notify.ReasonFrequencyLimited, Delay: time.Hour}, "like", notify.StatusSkipped, notify.ReasonFrequencyLimited, 0},
		{"frequency critical", notify.Decision{Reason: notify.ReasonFrequencyLimited, Delay: time.Hour}, "system", notify.StatusDelayed, notify.ReasonFrequencyLimited, time.Hour},
		{"quiet hours", notify.Decision{Reason: notify.ReasonQuietHours, Delay: 9 * time.Hour}, "like", notify.StatusDelayed, notify.ReasonQuietHours, 9 * time.Hour},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, stubFilter(func(*notify.Intent) notify.Decision { return tc.decision }))
			adm := h.submit(t, mkIntent(tc.kind))
			if adm.Status != tc.wantStatus || adm.Reason != tc.wantReason {
				t.Fatalf("admission = %+v", adm)
			}
			if tc.wantAfter > 0 && !adm.NotBefore.Equal(t0.Add(tc.wantAfter)) {
				t.Fatalf("not before = %v, want %v", adm.NotBefore, t0.Add(tc.wantAfter))
			}
			if tc.wantStatus == notify.StatusSkipped && len(h.jr.of(journal.OutcomeSkipped)) != 1 {
				t.Fatal("skip not journaled")
			}
		})
	}
}

func TestDelayedWaitsForDueTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, stubFilter(func(*notify.Intent) notify.Decision {
		return notify.Decision{Reason: notify.ReasonQuietHours, Delay: 9 * time.Hour, Score: 0.3}
	}))
	h.submit(t, mkIntent("like"))

	h.clock.Advance(8 * time.Hour)
	if rep := h.q.Drain(context.Background()); rep.Sent != 0 {
		t.Fatalf("sent inside quiet hours: %+v", rep)
	}
	h.clock.Advance(time.Hour)
	if rep := h.q.Drain(context.Background()); rep.Delayed != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestScheduleFutureIntent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	adm, err := h.q.Schedule(context.Background(), mkIntent("system"), t0.Add(time.Hour))
	if err != nil || adm.Status != notify.StatusDelayed || adm.Reason != notify.ReasonScheduled {
		t.Fatalf("Schedule = %+v, %v", adm, err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	ctx := context.Background()

	delayed, _ := h.q.Schedule(ctx, mkIntent("system"), t0.Add(time.Minute))
	queued := h.submit(t, mkIntent("system"))

	for _, id := range []string{delayed.ID, queued.ID} {
		if ok, err := h.q.Cancel(ctx, id); err != nil || !ok {
			t.Fatalf("Cancel(%s) = %v, %v", id, ok, err)
		}
	}
	if ok, err := h.q.Cancel(ctx, "missing"); err != nil || ok {
		t.Fatalf("Cancel(missing) = %v, %v", ok, err)
	}

	h.clock.Advance(time.Hour)
	rep := h.q.Drain(ctx)
	if rep.Sent != 0 || rep.Missing != 1 || rep.Delayed != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestBatchFlushesOneDigest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, nil)
	for _, actor := range []string{"ana", "bo", "cy"} {
		if adm := h.submit(t, mkIntent("like", "actor", actor)); adm.Status != notify.StatusBatched {
			t.Fatalf("admission = %+v, want batched", adm)
		}
	}

	if rep := h.q.Drain(context.Background()); rep.Batches != 0 || h.send.Calls() != 0 {
		t.Fatalf("flushed before window: %+v", rep)
	}
	h.clock.Advance(5 * time.Minute)
	rep := h.q.Drain(context.Background())
	if rep.Batches != 1 || rep.Sent != 1 || h.send.Calls() != 1 {
		t.Fatalf("report = %+v calls = %d", rep, h.send.Calls())
	}
	msg := h.send.msgs[0]
	if msg.Title != "3 new like notifications" || msg.Body != "ana, bo and 1 other: 3 new like notifications" {
		t.Fatalf("digest = %q / %q", msg.Title, msg.Body)
	}
	if got := h.jr.of(journal.OutcomeBatchedDelivered); len(got) != 3 {
		t.Fatalf("batched_delivered = %d, want 3", len(got))
	}
}

func TestBatchCapFlushesEarly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{BatchMaxSize: 4}, nil)
	for i := 0; i < 4; i++ {
		h.submit(t, mkIntent("like", "actor", "x"))
	}
	rep := h.q.Drain(context.Background())
	if rep.Batches != 1 || rep.Sent != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if h.send.msgs[0].Data["count"] != "4" {
		t.Fatalf("digest data = %v", h.send.msgs[0].Data)
	}
}

func TestRateGate(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{PerMinuteLimit: 2, HighBypass: true}, allowAll())

	h.submit(t, mkIntent("like"))
	h.submit(t, mkIntent("like"))
	if adm := h.submit(t, mkIntent("like")); adm.Status != notify.StatusSkipped || adm.Reason != notify.ReasonRateLimited {
		t.Fatalf("third like = %+v", adm)
	}
	if adm := h.submit(t, mkIntent("mention")); adm.Status != notify.StatusDelayed || !adm.NotBefore.Equal(t0.Add(time.Minute)) {
		t.Fatalf("critical over limit = %+v", adm)
	}
	in := mkIntent("like")
	in.Priority = notify.PriorityHigh
	if adm := h.submit(t, in); adm.Status != notify.StatusAllowed {
		t.Fatalf("high priority = %+v", adm)
	}

	h.clock.Advance(61 * time.Second)
	if adm := h.submit(t, mkIntent("like")); adm.Status != notify.StatusAllowed {
		t.Fatalf("after window = %+v", adm)
	}
}

func TestDrainDoesNotOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	h.q.drainMu.Lock()
	rep := h.q.Drain(context.Background())
	h.q.drainMu.Unlock()
	if !rep.Overlapped {
		t.Fatalf("report = %+v, want overlapped", rep)
	}
}

func TestRegisterAndKick(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll())
	sched := &fakeScheduler{}
	if err := h.q.Register(sched); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(sched.names) != 2 || sched.names[0] != JobDrain || sched.names[1] != JobBatches {
		t.Fatalf("schedules = %v", sched.names)
	}
	h.submit(t, mkIntent("mention"))
	if len(sched.triggers) != 1 || sched.triggers[0] != JobDrain {
		t.Fatalf("triggers = %v", sched.triggers)
	}
}

func TestStoreDownSendsInline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, allowAll(), func(d *Deps) { d.Store = storetest.Broken{} })
	adm := h.submit(t, mkIntent("mention"))
	if adm.Status != notify.StatusAllowed || h.send.Calls() != 1 {
		t.Fatalf("admission = %+v calls = %d", adm, h.send.Calls())
	}
	if snap := h.q.Snapshot(context.Background()); snap.StoreOK {
		t.Fatal("snapshot reports a healthy store")
	}
}

func TestNextDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n    int
		max  time.Duration
		want time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, 2 * time.Second},
		{3, 0, 8 * time.Second},
		{10, time.Minute, time.Minute},
		{-1, 0, time.Second},
	}
	for _, tc := range tests {
		if got := NextDelay(tc.n, tc.max); got != tc.want {
			t.Fatalf("NextDelay(%d, %v) = %v, want %v", tc.n, tc.max, got, tc.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		actors []string
		count  int
		want   string
	}{
		{nil, 3, ""},
		{[]string{"ana"}, 1, "ana: 1 new like notification"},
		{[]string{"ana", "bo"}, 2, "ana and bo: 2 new like notifications"},
		{[]string{"ana", "bo", "cy", "di"}, 5, "ana, bo and 2 others: 5 new like notifications"},
	}
	for _, tc := range tests {
		if got := Summarize(tc.actors, tc.count, "like"); got != tc.want {
			t.Fatalf("Summarize(%v) = %q, want %q", tc.actors, got, tc.want)
		}
	}
}
