package queue

import (
	"context"
	"errors"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// DrainReport summarizes one drain cycle.
type DrainReport struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Overlapped bool          `json:"overlapped,omitempty"`

	Priority int `json:"priority"`
	Main     int `json:"main"`
	Delayed  int `json:"delayed"`
	Batches  int `json:"batches"`

	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Dead    int `json:"dead"`
	Dropped int `json:"dropped"`
	Missing int `json:"missing"`

	Err error `json:"-"`
}

// settleTimeout bounds the store writes that follow a pop. They run even
// after the drain context ends, since a popped id exists nowhere else.
const settleTimeout = 5 * time.Second

func settleCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (r DrainReport) idle() bool {
	return r.Priority+r.Main+r.Delayed+r.Batches == 0
}

// Drain sends the priority list to empty, then up to DrainBatchSize main
// entries, then due delayed entries, then due batches. A drain already in
// progress makes this call return immediately with Overlapped set.
func (s *Service) Drain(ctx context.Context) DrainReport {
	if !s.drainMu.TryLock() {
		return DrainReport{Started: s.clock.Now(), Overlapped: true}
	}
	defer s.drainMu.Unlock()

	cfg := s.config()
	rep := DrainReport{Started: s.clock.Now()}

	for ctx.Err() == nil {
		id, ok, err := s.st.LPop(ctx, keyPriority)
		if err != nil {
			rep.Err = errors.Join(rep.Err, err)
			break
		}
		if !ok {
			break
		}
		rep.Priority++
		s.process(ctx, cfg, id, &rep)
	}

	for i := 0; i < cfg.DrainBatchSize && ctx.Err() == nil; i++ {
		id, ok, err := s.st.LPop(ctx, keyMain)
		if err != nil {
			rep.Err = errors.Join(rep.Err, err)
			break
		}
		if !ok {
			break
		}
		rep.Main++
		s.process(ctx, cfg, id, &rep)
	}

	var due []store.Member
	if ctx.Err() == nil {
		var err error
		due, err = s.st.ZRangeByScore(ctx, keyDelayed, 0, dueScore(s.clock.Now()), cfg.DrainBatchSize)
		if err != nil {
			rep.Err = errors.Join(rep.Err, err)
		}
	}
	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		won, err := s.st.ZRem(ctx, keyDelayed, m.Value)
		if err != nil {
			rep.Err = errors.Join(rep.Err, err)
			break
		}
		if !won {
			continue
		}
		rep.Delayed++
		s.process(ctx, cfg, m.Value, &rep)
	}

	if ctx.Err() == nil {
		n, err := s.flushDue(ctx, cfg, &rep)
		rep.Batches = n
		rep.Err = errors.Join(rep.Err, err)
	}

	rep.Duration = s.clock.Now().Sub(rep.Started)
	s.lastMu.Lock()
	s.last = rep
	s.lastMu.Unlock()

	if rep.Err != nil {
		s.log.Warn("drain incomplete", logx.Err(rep.Err))
	}
	if !rep.idle() {
		s.log.Debug("drain finished",
			logx.Int("priority", rep.Priority), logx.Int("main", rep.Main),
			logx.Int("delayed", rep.Delayed), logx.Int("batches", rep.Batches),
			logx.Int("sent", rep.Sent), logx.Int("retried", rep.Retried), logx.Int("dead", rep.Dead),
			logx.Duration("took", rep.Duration))
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDrainFinished, Time: s.clock.Now(), Data: rep})
	return rep
}

// process loads a popped id and makes one delivery attempt.
func (s *Service) process(ctx context.Context, cfg Config, id string, rep *DrainReport) {
	bctx, cancel := settleCtx(ctx)
	defer cancel()
	in, ok, err := s.loadBody(bctx, id)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			// the id is already popped; put it back for the next cycle
			s.log.Warn("intent body unavailable", logx.String("intent", id), logx.Err(err))
			if err := s.st.ZAdd(bctx, keyDelayed, store.Member{Value: id, Score: dueScore(s.clock.Now())}); err != nil {
				s.failures.Add(1)
				s.log.Error("popped intent not returned to the queue", logx.String("intent", id), logx.Err(err))
			}
			return
		}
		s.failures.Add(1)
		s.log.Error("intent body corrupt, dropped", logx.String("intent", id), logx.Err(err))
		_ = s.st.Del(bctx, intentKey(id))
		return
	}
	if !ok {
		rep.Missing++
		return
	}
	s.attempt(ctx, cfg, in, rep)
}

// attempt delivers in once and moves it to its next state. The send obeys
// ctx; the bookkeeping after it does not.
func (s *Service) attempt(ctx context.Context, cfg Config, in *notify.Intent, rep *DrainReport) {
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := s.deliver(sctx, cfg, in)
	cancel()

	ctx, cancel = settleCtx(ctx)
	defer cancel()

	switch {
	case err == nil:
		s.markSent(ctx, in, rep)
	case errors.Is(err, errNoRoute):
		s.log.Warn("intent dropped: no destinations and no live sessions", logx.String("intent", in.ID), logx.String("user", in.UserID))
		_ = s.st.Del(ctx, intentKey(in.ID))
		s.settleMembers(ctx, in, journal.OutcomeSkipped, "no_destination")
		s.record(journal.EntryFor(in, journal.OutcomeSkipped, "no_destination", s.clock.Now()))
		s.emit(eventbus.TypeIntentSkipped, in, "no_destination")
		s.dropped.Add(1)
		rep.Dropped++
	case notify.IsPermanent(err):
		s.markDead(ctx, in, err, rep)
	default:
		s.scheduleRetry(ctx, cfg, in, err, rep)
	}
}

func (s *Service) markSent(ctx context.Context, in *notify.Intent, rep *DrainReport) {
	in.State = notify.StateSent
	_ = s.st.Del(ctx, intentKey(in.ID))
	s.settleMembers(ctx, in, journal.OutcomeBatchedDelivered, "")
	s.record(journal.EntryFor(in, journal.OutcomeSent, "", s.clock.Now()))
	s.emit(eventbus.TypeIntentSent, in, "")
	s.sent.Add(1)
	rep.Sent++
}

func (s *Service) markDead(ctx context.Context, in *notify.Intent, cause error, rep *DrainReport) {
	in.State = notify.StateDead
	_ = s.st.Del(ctx, intentKey(in.ID))
	reason := "retries_exhausted"
	if notify.IsPermanent(cause) {
		reason = "permanent"
	}
	s.log.Error("intent permanently failed",
		logx.String("intent", in.ID), logx.String("user", in.UserID), logx.String("template", in.TemplateID),
		logx.Int("attempts", in.RetryCount+1), logx.String("reason", reason), logx.Err(cause))

	s.settleMembers(ctx, in, journal.OutcomeDead, reason)
	e := journal.EntryFor(in, journal.OutcomeDead, reason, s.clock.Now())
	e.Error = cause.Error()
	e.Attempts = in.RetryCount + 1
	e.Intent = in
	s.record(e)
	s.emit(eventbus.TypeIntentDead, in, reason)
	s.dead.Add(1)
	rep.Dead++
}

// scheduleRetry re-enqueues in as delayed by NextDelay, or declares it dead
// once RetryCount exceeds MaxRetries.
func (s *Service) scheduleRetry(ctx context.Context, cfg Config, in *notify.Intent, cause error, rep *DrainReport) {
	in.RetryCount++
	limit := in.MaxRetries
	if limit <= 0 {
		limit = cfg.MaxRetries
	}
	if in.RetryCount > limit {
		in.RetryCount--
		s.markDead(ctx, in, cause, rep)
		return
	}

	delay := NextDelay(in.RetryCount, cfg.RetryMaxDelay)
	in.State = notify.StateDelayed
	in.ScheduledFor = s.clock.Now().Add(delay)
	s.log.Warn("delivery failed, retry scheduled",
		logx.String("intent", in.ID), logx.Int("retry", in.RetryCount), logx.Duration("backoff", delay), logx.Err(cause))

	if err := s.saveBody(ctx, in); err != nil {
		s.storeLost(in, "retry", err)
		return
	}
	if err := s.st.ZAdd(ctx, keyDelayed, store.Member{Value: in.ID, Score: dueScore(in.ScheduledFor)}); err != nil {
		s.storeLost(in, "retry", err)
		return
	}
	s.emit(eventbus.TypeIntentRetry, in, "")
	s.retried.Add(1)
	rep.Retried++
}
