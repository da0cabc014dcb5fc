package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	rtsup "github.com/moorej2400/sobertube-app-sub003/internal/runtime/supervisor"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service runs tasks on a fixed worker pool fed by a bounded queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32
	dropped  uint64
	skipped  uint64

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
	track      bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}

	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))))
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		queue, stopCh := s.q, s.stopCh
		s.sup.Go0(fmt.Sprintf("taskengine.worker.%d", idx), func(c context.Context) {
			s.worker(c, stopCh, queue)
		})
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop signals workers and waits for in-flight tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh, sup := s.stopCh, s.sup
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			s.log.Warn("task engine stop incomplete", logx.Err(err))
		}
	}
}

// Enqueue queues t for execution and returns its run id.
func (s *Service) Enqueue(t Task) (string, error) {
	if t.Run == nil {
		return "", fmt.Errorf("task %q: nil Run", t.Name)
	}
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil
	s.mu.Unlock()
	if !cfg.Enabled {
		return "", ErrDisabled
	}
	if !running {
		return "", ErrStopped
	}

	opt := t.Opt.withDefaults()
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("%s#%d", t.Name, atomic.AddUint64(&s.idSeq, 1))
	}

	qt := queuedTask{task: t, enqueuedAt: time.Now(), timeout: timeout, opt: opt}
	if opt.Overlap == OverlapSkipIfRunning {
		qt.state = t.State
		if qt.state == nil {
			qt.state = s.stateFor(t.Name)
		}
		if !qt.state.tryAcquire() {
			atomic.AddUint64(&s.skipped, 1)
			return "", ErrOverlapSkip
		}
		qt.track = true
	}

	select {
	case q <- qt:
		return t.ID, nil
	default:
		if qt.track {
			qt.state.release()
		}
		atomic.AddUint64(&s.dropped, 1)
		s.warnQueueFull(t.Name, cap(q))
		return "", ErrQueueFull
	}
}

func (s *Service) stateFor(name string) *RunState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &RunState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) warnQueueFull(name string, capacity int) {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&s.lastQueueFullWarnAt)
	if now-last < int64(warnThrottleEvery) || !atomic.CompareAndSwapInt64(&s.lastQueueFullWarnAt, last, now) {
		return
	}
	s.log.Warn("task dropped: queue full", logx.String("task", name), logx.Int("queue_cap", capacity))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Workers: s.cfg.Workers}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	s.mu.Unlock()

	snap.InFlight = int(atomic.LoadInt32(&s.inFlight))
	snap.Dropped = atomic.LoadUint64(&s.dropped)
	snap.Skipped = atomic.LoadUint64(&s.skipped)

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) addHistory(h HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, h)
	if over := len(s.history) - limit; over > 0 {
		s.history = append([]HistoryItem(nil), s.history[over:]...)
	}
	s.hmu.Unlock()
}
