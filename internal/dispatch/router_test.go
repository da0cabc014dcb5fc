package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	tele "gopkg.in/telebot.v4"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

type fakeProvider struct {
	name string
	mu   sync.Mutex
	fail map[string]error
	sent []string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Send(_ context.Context, token string, _ Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[token]; err != nil {
		return err
	}
	f.sent = append(f.sent, token)
	return nil
}

func TestSendAllIsolatesFailures(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: "fcm", fail: map[string]error{"t2": errors.New("boom")}}
	r := NewRouter(Config{}, logx.Nop())
	r.Register(p)

	dests := []Destination{{Kind: "fcm", Token: "t1"}, {Kind: "fcm", Token: "t2"}, {Kind: "fcm", Token: "t3"}}
	res := r.SendAll(context.Background(), dests, Message{Title: "hi"})
	if len(res) != 3 {
		t.Fatalf("results = %d", len(res))
	}
	if res[0].Err != nil || res[1].Err == nil || res[2].Err != nil {
		t.Fatalf("unexpected results: %+v", res)
	}
	if !Succeeded(res) {
		t.Fatal("partial success must count as success")
	}
	if len(p.sent) != 2 {
		t.Fatalf("sent = %v", p.sent)
	}
}

func TestUnknownKindIsPermanent(t *testing.T) {
	t.Parallel()
	r := NewRouter(Config{}, logx.Nop())
	err := r.Send(context.Background(), Destination{Kind: "sms", Token: "x"}, Message{})
	if !errors.Is(err, ErrNoProvider) || !notify.IsPermanent(err) {
		t.Fatalf("err = %v", err)
	}
	if Succeeded([]Result{{Err: err}}) {
		t.Fatal("all-failed results reported success")
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: "fcm", fail: map[string]error{"bad": errors.New("unavailable")}}
	r := NewRouter(Config{BreakerMaxFailures: 2, BreakerOpenTimeout: time.Minute}, logx.Nop())
	r.Register(p)

	d := Destination{Kind: "fcm", Token: "bad"}
	for i := 0; i < 2; i++ {
		_ = r.Send(context.Background(), d, Message{})
	}
	if got := r.BreakerStates()["fcm"]; got != "open" {
		t.Fatalf("breaker state = %s, want open", got)
	}
	err := r.Send(context.Background(), Destination{Kind: "fcm", Token: "good"}, Message{})
	if err == nil || !strings.Contains(err.Error(), "open") {
		t.Fatalf("expected open-state error, got %v", err)
	}
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{name: "fcm", fail: map[string]error{"dead": notify.Permanent(ErrUnregistered)}}
	r := NewRouter(Config{BreakerMaxFailures: 1}, logx.Nop())
	r.Register(p)
	for i := 0; i < 3; i++ {
		_ = r.Send(context.Background(), Destination{Kind: "fcm", Token: "dead"}, Message{})
	}
	if got := r.BreakerStates()["fcm"]; got != "closed" {
		t.Fatalf("breaker state = %s, want closed", got)
	}
}

type fakeFCM struct{ last *messaging.Message }

func (f *fakeFCM) Send(_ context.Context, m *messaging.Message) (string, error) {
	f.last = m
	return "projects/x/messages/1", nil
}

func TestFCMPriorityMapping(t *testing.T) {
	t.Parallel()
	c := &fakeFCM{}
	f := &FCM{client: c}
	if err := f.Send(context.Background(), "tok", Message{Title: "a", Body: "b", Priority: "high"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if c.last.Android.Priority != "high" || c.last.APNS.Headers["apns-priority"] != "10" {
		t.Fatalf("high priority not mapped: %+v", c.last)
	}
	_ = f.Send(context.Background(), "tok", Message{Title: "a"})
	if c.last.Android.Priority != "normal" || c.last.APNS.Headers["apns-priority"] != "5" {
		t.Fatalf("normal priority not mapped: %+v", c.last)
	}
}

type fakeBot struct {
	chat int64
	text string
	err  error
}

func (b *fakeBot) Send(to tele.Recipient, what any, _ ...any) (*tele.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.chat = to.(*tele.Chat).ID
	b.text = what.(string)
	return &tele.Message{}, nil
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()
	b := &fakeBot{}
	tg := &Telegram{bot: b, alertChatID: -100}
	if err := tg.Send(context.Background(), "42", Message{Title: "T", Body: "B"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if b.chat != 42 || b.text != "T\nB" {
		t.Fatalf("sent chat=%d text=%q", b.chat, b.text)
	}
	if err := tg.Send(context.Background(), "not-a-chat", Message{}); !notify.IsPermanent(err) {
		t.Fatalf("bad chat id err = %v", err)
	}
	if err := tg.SendAlert(context.Background(), "[ERROR] x"); err != nil || b.chat != -100 {
		t.Fatalf("alert chat=%d err=%v", b.chat, err)
	}

	b.err = tele.ErrBlockedByUser
	if err := tg.Send(context.Background(), "42", Message{}); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("blocked err = %v", err)
	}
}
