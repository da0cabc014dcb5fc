package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moorej2400/sobertube-app-sub003/internal/analytics"
	"github.com/moorej2400/sobertube-app-sub003/internal/filter"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify/notifytest"
	"github.com/moorej2400/sobertube-app-sub003/internal/profile"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeIntents struct {
	mu      sync.Mutex
	pending map[string]bool
}

func (f *fakeIntents) Submit(_ context.Context, in *notify.Intent) (notify.Admission, error) {
	if err := in.Validate(); err != nil {
		return notify.Admission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = map[string]bool{}
	}
	f.pending["i1"] = true
	return notify.Admission{Status: notify.StatusAllowed, Reason: notify.ReasonOK, ID: "i1"}, nil
}

func (f *fakeIntents) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.pending[id]
	delete(f.pending, id)
	return ok, nil
}

type fakeJournal struct {
	journal.Nop
	entries []journal.Entry
	limit   int
}

func (f *fakeJournal) Recent(_ context.Context, _ journal.Outcome, limit int) ([]journal.Entry, error) {
	f.limit = limit
	return f.entries, nil
}

type rig struct {
	srv      *Server
	h        http.Handler
	hub      *realtime.Hub
	presence *realtime.Presence
	prof     *profile.Static
	rec      *analytics.Recorder
	jr       *fakeJournal
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	clock := notifytest.NewClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	st := store.NewMemory(clock)
	hub := realtime.NewHub(8, logx.Nop())
	presence := realtime.NewPresence(st, hub, clock, time.Minute, "test", logx.Nop())
	bc := realtime.NewBroadcaster(realtime.BroadcasterConfig{}, st, realtime.NewFanout(hub, presence, nil), clock, logx.Nop(), nil)
	prof := profile.NewStatic()
	r := &rig{
		hub:      hub,
		presence: presence,
		prof:     prof,
		rec:      analytics.NewRecorder(st, clock, logx.Nop()),
		jr:       &fakeJournal{},
	}
	r.srv = New(cfg, Deps{
		Intents:    &fakeIntents{},
		Broadcasts: bc,
		Streams:    presence,
		Followers:  prof,
		Journal:    r.jr,
		Analytics:  r.rec,
		Metrics: func(context.Context) map[string]float64 {
			return map[string]float64{"notifyd_sent_total": 3, "notifyd_goroutines": 12}
		},
	}, logx.Nop())
	r.h = r.srv.Routes(cfg)
	return r
}

func (r *rig) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.h.ServeHTTP(w, req)
	return w
}

func TestSubmitAndCancel(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})

	w := r.do(t, http.MethodPost, "/v1/intents", `{"user_id":"u1","template_id":"like.post"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body = %s", w.Code, w.Body)
	}
	var adm notify.Admission
	if err := json.Unmarshal(w.Body.Bytes(), &adm); err != nil || adm.ID != "i1" || adm.Status != notify.StatusAllowed {
		t.Fatalf("admission = %+v err = %v", adm, err)
	}

	if w := r.do(t, http.MethodPost, "/v1/intents", `{"user_id":"u1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid intent status = %d", w.Code)
	}
	if w := r.do(t, http.MethodPost, "/v1/intents", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", w.Code)
	}

	if w := r.do(t, http.MethodDelete, "/v1/intents/i1", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}
	if w := r.do(t, http.MethodDelete, "/v1/intents/i1", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second cancel status = %d", w.Code)
	}
}

func TestTokenGuard(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Token: "s3cret"})

	if w := r.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}
	if w := r.do(t, http.MethodGet, "/metrics", "", "Authorization", "Bearer nope"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", w.Code)
	}
	if w := r.do(t, http.MethodGet, "/metrics", "", "Authorization", "Bearer s3cret"); w.Code != http.StatusOK {
		t.Fatalf("bearer status = %d", w.Code)
	}
	if w := r.do(t, http.MethodGet, "/metrics?token=s3cret", ""); w.Code != http.StatusOK {
		t.Fatalf("query token status = %d", w.Code)
	}
	if w := r.do(t, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
}

func TestMetricsFormat(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	w := r.do(t, http.MethodGet, "/metrics", "")
	want := "notifyd_goroutines 12\nnotifyd_sent_total 3\n"
	if w.Body.String() != want {
		t.Fatalf("metrics = %q, want %q", w.Body.String(), want)
	}
}

func TestHealthUnavailable(t *testing.T) {
	t.Parallel()
	srv := New(Config{}, Deps{Health: func(context.Context) (any, bool) { return gin.H{"store": "down"}, false }}, logx.Nop())
	w := httptest.NewRecorder()
	srv.Routes(Config{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "down") {
		t.Fatalf("healthz = %d %s", w.Code, w.Body)
	}
}

func TestBroadcastFollowers(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	body := `{"event_id":"e1","name":"post.created","followers_of":"author"}`

	r.srv.deps.Followers = profile.NoFollowers{}
	r.h = r.srv.Routes(Config{})
	if w := r.do(t, http.MethodPost, "/v1/broadcasts", body); w.Code != http.StatusNotImplemented {
		t.Fatalf("unwired followers status = %d", w.Code)
	}

	r.srv.deps.Followers = r.prof
	r.h = r.srv.Routes(Config{})
	r.prof.Follow["author"] = []string{"f1", "f2"}
	sess := r.presence.Attach(context.Background(), "f1")
	defer r.presence.Detach(context.Background(), sess)

	w := r.do(t, http.MethodPost, "/v1/broadcasts", body)
	var rep realtime.Report
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil || w.Code != http.StatusOK {
		t.Fatalf("broadcast = %d %s", w.Code, w.Body)
	}
	if rep.Reached != 1 || rep.Offline != 1 {
		t.Fatalf("report = %+v", rep)
	}
	select {
	case ev := <-sess.Events():
		if ev.Name != "post.created" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("follower session got nothing")
	}

	w = r.do(t, http.MethodPost, "/v1/broadcasts", body)
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil || !rep.Duplicate {
		t.Fatalf("repeat broadcast = %s", w.Body)
	}
	if w := r.do(t, http.MethodPost, "/v1/broadcasts", `{"targets":["f1"]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing event id status = %d", w.Code)
	}
}

func TestDeadAndAnalytics(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	r.jr.entries = []journal.Entry{{IntentID: "x", Outcome: journal.OutcomeDead, Reason: "retries_exhausted"}}

	w := r.do(t, http.MethodGet, "/v1/dead?limit=9999", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"retries_exhausted"`) || r.jr.limit != maxDeadList {
		t.Fatalf("dead = %d %s limit=%d", w.Code, w.Body, r.jr.limit)
	}
	if w := r.do(t, http.MethodGet, "/v1/dead?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}

	at := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	if err := r.rec.Record(context.Background(), at, "intent.sent", ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	w = r.do(t, http.MethodGet, "/v1/analytics/2026-03-04", "")
	var out struct {
		Counts []analytics.Count `json:"counts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || len(out.Counts) != 1 || out.Counts[0].N != 1 {
		t.Fatalf("analytics = %d %s", w.Code, w.Body)
	}
	if w := r.do(t, http.MethodGet, "/v1/analytics/yesterday", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d", w.Code)
	}
}

func TestSenderBlacklist(t *testing.T) {
	t.Parallel()
	clock := notifytest.NewClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	eng := filter.New(filter.Config{}, filter.Deps{Store: store.NewMemory(clock), Clock: clock, Log: logx.Nop()})
	r := &rig{}
	r.srv = New(Config{}, Deps{Senders: eng}, logx.Nop())
	r.h = r.srv.Routes(Config{})

	blocked := func() bool {
		in := &notify.Intent{ID: "x", UserID: "u1", TemplateID: "mention.post", CreatedAt: clock.Now(),
			Metadata: map[string]string{"sender_id": "spammer"}}
		return eng.Evaluate(context.Background(), in).Reason == notify.ReasonBlacklisted
	}

	if w := r.do(t, http.MethodPut, "/v1/senders/spammer/block", ""); w.Code != http.StatusNoContent {
		t.Fatalf("block status = %d", w.Code)
	}
	if !blocked() {
		t.Fatal("sender not blocked")
	}
	if w := r.do(t, http.MethodDelete, "/v1/senders/spammer/block", ""); w.Code != http.StatusNoContent {
		t.Fatalf("unblock status = %d", w.Code)
	}
	if blocked() {
		t.Fatal("sender still blocked")
	}
}

func TestStream(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{})
	ts := httptest.NewServer(r.h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/stream/u9", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
				events <- strings.TrimSpace(name)
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("no event within 2s")
			return ""
		}
	}
	if got := next(); got != "ready" {
		t.Fatalf("first event = %q", got)
	}
	if n := r.hub.Deliver("u9", realtime.Event{ID: "e", Name: "notification"}); n != 1 {
		t.Fatalf("delivered to %d sessions", n)
	}
	if got := next(); got != "notification" {
		t.Fatalf("second event = %q", got)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	srv := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	srv.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Stop(ctx)
	if srv.Supervisor() != nil || srv.Addr() != "" {
		t.Fatal("server still running after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	srv := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := srv.serveOnce(context.Background()); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("serveOnce = %v, want refusal", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.1.2.3:8080":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
