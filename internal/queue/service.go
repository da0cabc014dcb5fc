package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/profile"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	"github.com/moorej2400/sobertube-app-sub003/internal/render"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const (
	JobDrain   = "queue.drain"
	JobBatches = "queue.batches"

	bodyTTL        = 7 * 24 * time.Hour
	journalTimeout = 2 * time.Second
)

type Evaluator interface {
	Evaluate(ctx context.Context, in *notify.Intent) notify.Decision
}

type Sender interface {
	SendAll(ctx context.Context, dests []dispatch.Destination, msg dispatch.Message) []dispatch.Result
}

type Broadcaster interface {
	Broadcast(ctx context.Context, eventID string, targets []string, ev realtime.Event) realtime.Report
}

// Scheduler is the subset of the cron scheduler the queue registers with.
type Scheduler interface {
	AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error
	Trigger(name string) error
}

// Deps are the collaborators of a Service. Realtime, Journal, Bus, Clock
// and NewID are optional.
type Deps struct {
	Store        store.Store
	Filter       Evaluator
	Renderer     render.Renderer
	Sender       Sender
	Destinations profile.Destinations
	Preferences  profile.Preferences
	Realtime     Broadcaster
	Journal      journal.Journal
	Clock        notify.Clock
	Log          logx.Logger
	Bus          eventbus.Bus
	NewID        func() string
}

type Service struct {
	mu  sync.RWMutex
	cfg Config

	st      store.Store
	filter  Evaluator
	render  render.Renderer
	sender  Sender
	dests   profile.Destinations
	prefs   profile.Preferences
	rt      Broadcaster
	journal journal.Journal
	clock   notify.Clock
	log     logx.Logger
	bus     eventbus.Bus
	newID   func() string

	trigger func(name string) error

	drainMu sync.Mutex
	lastMu  sync.Mutex
	last    DrainReport

	submitted atomic.Uint64
	sent      atomic.Uint64
	retried   atomic.Uint64
	dead      atomic.Uint64
	dropped   atomic.Uint64
	failures  atomic.Uint64
}

func New(cfg Config, d Deps) *Service {
	if d.Clock == nil {
		d.Clock = notify.SystemClock{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Journal == nil {
		d.Journal = journal.Nop{}
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		st:      d.Store,
		filter:  d.Filter,
		render:  d.Renderer,
		sender:  d.Sender,
		dests:   d.Destinations,
		prefs:   d.Preferences,
		rt:      d.Realtime,
		journal: d.Journal,
		clock:   d.Clock,
		log:     d.Log.With(logx.String("comp", "queue")),
		bus:     d.Bus,
		newID:   d.NewID,
	}
}

// Apply swaps the configuration. Registered schedules keep their specs
// until Register is called again.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Register adds the drain and batch sweep schedules and routes immediate
// work through sched so drains never overlap.
func (s *Service) Register(sched Scheduler) error {
	cfg := s.config()
	if err := sched.AddSchedule(JobDrain, cfg.DrainSchedule, cfg.DrainTimeout, func(ctx context.Context) error {
		return s.Drain(ctx).Err
	}); err != nil {
		return err
	}
	if err := sched.AddSchedule(JobBatches, cfg.BatchSchedule, cfg.DrainTimeout, func(ctx context.Context) error {
		_, err := s.FlushDueBatches(ctx)
		return err
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.trigger = sched.Trigger
	s.mu.Unlock()
	return nil
}

// kick asks for a drain soon. Without a scheduler it does nothing and the
// next tick picks the work up.
func (s *Service) kick() {
	s.mu.RLock()
	trigger := s.trigger
	s.mu.RUnlock()
	if trigger == nil {
		return
	}
	if err := trigger(JobDrain); err != nil {
		s.log.Debug("drain kick not queued", logx.Err(err))
	}
}

// Snapshot reports queue depths and lifetime counters.
type Snapshot struct {
	Priority   int64       `json:"priority"`
	Main       int64       `json:"main"`
	Delayed    int64       `json:"delayed"`
	BatchesDue int64       `json:"batches_due"`
	StoreOK    bool        `json:"store_ok"`
	StoreError string      `json:"store_error,omitempty"`
	Submitted  uint64      `json:"submitted"`
	Sent       uint64      `json:"sent"`
	Retried    uint64      `json:"retried"`
	Dead       uint64      `json:"dead"`
	Dropped    uint64      `json:"dropped"`
	Errors     uint64      `json:"errors"`
	LastDrain  DrainReport `json:"last_drain"`
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Submitted: s.submitted.Load(),
		Sent:      s.sent.Load(),
		Retried:   s.retried.Load(),
		Dead:      s.dead.Load(),
		Dropped:   s.dropped.Load(),
		Errors:    s.failures.Load(),
	}
	s.lastMu.Lock()
	snap.LastDrain = s.last
	s.lastMu.Unlock()

	var errs []error
	var err error
	snap.Priority, err = s.st.LLen(ctx, keyPriority)
	errs = append(errs, err)
	snap.Main, err = s.st.LLen(ctx, keyMain)
	errs = append(errs, err)
	snap.Delayed, err = s.st.ZCard(ctx, keyDelayed)
	errs = append(errs, err)
	snap.BatchesDue, err = s.st.ZCard(ctx, keyBatchDue)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		snap.StoreError = err.Error()
	} else {
		snap.StoreOK = true
	}
	return snap
}

func (s *Service) saveBody(ctx context.Context, in *notify.Intent) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return s.st.Set(ctx, intentKey(in.ID), string(b), bodyTTL)
}

// loadBody returns ok=false when the intent was cancelled or already handled.
func (s *Service) loadBody(ctx context.Context, id string) (*notify.Intent, bool, error) {
	raw, ok, err := s.st.Get(ctx, intentKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var in notify.Intent
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, false, err
	}
	return &in, true, nil
}

func (s *Service) record(e journal.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := s.journal.Append(ctx, e); err != nil {
		s.log.Warn("journal append failed", logx.String("intent", e.IntentID), logx.String("outcome", string(e.Outcome)), logx.Err(err))
	}
}

// IntentEvent is the payload of every intent.* bus event.
type IntentEvent struct {
	Type      string    `json:"type"`
	IntentID  string    `json:"intent_id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Counter implements analytics.Countable.
func (e IntentEvent) Counter() (string, string) {
	if e.Reason == "" {
		return e.Type, notify.ReasonOK
	}
	return e.Type, e.Reason
}

func (s *Service) emit(typ string, in *notify.Intent, reason string) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: IntentEvent{
		Type:      typ,
		IntentID:  in.ID,
		UserID:    in.UserID,
		Kind:      in.Kind(),
		Reason:    reason,
		Attempt:   in.RetryCount,
		NotBefore: in.ScheduledFor,
	}})
}

const (
	keyPriority = "q:priority"
	keyMain     = "q:main"
	keyDelayed  = "q:delayed"
	keyBatchDue = "batch:due"
)

func intentKey(id string) string            { return "intent:" + id }
func batchKey(user, template string) string { return "batch:" + user + ":" + template }
func rateKey(user string) string            { return "rate:" + user }
func dueScore(t time.Time) float64          { return float64(t.UnixMilli()) }

func listFor(p notify.Priority) string {
	if p == notify.PriorityHigh {
		return keyPriority
	}
	return keyMain
}
