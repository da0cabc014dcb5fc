package queue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// rateRetry is how long a critical intent waits after tripping the
// per-minute gate.
const rateRetry = time.Minute

// Submit validates in, runs it through the filter and places it on the
// matching structure. The returned error is non-nil only for malformed
// intents; delivery is always asynchronous.
func (s *Service) Submit(ctx context.Context, in *notify.Intent) (notify.Admission, error) {
	if in == nil {
		return notify.Admission{}, fmt.Errorf("%w: nil", notify.ErrInvalidIntent)
	}
	now := s.clock.Now()
	in.Normalize(now, s.newID)
	if err := in.Validate(); err != nil {
		return notify.Admission{}, err
	}
	s.submitted.Add(1)
	cfg := s.config()

	d := s.filter.Evaluate(ctx, in)
	adm := notify.Admission{ID: in.ID, Score: d.Score}

	switch {
	case !d.Allowed && d.Delay > 0 && (d.Reason != notify.ReasonFrequencyLimited || s.critical(cfg, in)):
		return s.admitDelayed(ctx, in, now.Add(d.Delay), d.Reason, adm), nil
	case !d.Allowed:
		return s.admitSkipped(in, d.Reason, adm), nil
	case d.Batch:
		return s.admitBatched(ctx, cfg, in, now, adm), nil
	case !in.Due(now):
		return s.admitDelayed(ctx, in, in.ScheduledFor, notify.ReasonScheduled, adm), nil
	}

	if s.overRate(ctx, cfg, in, now) {
		if s.critical(cfg, in) {
			return s.admitDelayed(ctx, in, now.Add(rateRetry), notify.ReasonRateLimited, adm), nil
		}
		return s.admitSkipped(in, notify.ReasonRateLimited, adm), nil
	}
	return s.admitImmediate(ctx, in, adm), nil
}

// Schedule submits in with an earliest send time of at.
func (s *Service) Schedule(ctx context.Context, in *notify.Intent, at time.Time) (notify.Admission, error) {
	if in == nil {
		return notify.Admission{}, fmt.Errorf("%w: nil", notify.ErrInvalidIntent)
	}
	in.ScheduledFor = at
	return s.Submit(ctx, in)
}

// Cancel deletes a pending intent. Delayed entries are removed outright;
// queued or batched ones are skipped when their turn comes.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	_, existed, err := s.st.Get(ctx, intentKey(id))
	if err != nil {
		return false, err
	}
	removed, err := s.st.ZRem(ctx, keyDelayed, id)
	if err != nil {
		return false, err
	}
	if err := s.st.Del(ctx, intentKey(id)); err != nil {
		return false, err
	}
	if existed || removed {
		s.log.Debug("intent cancelled", logx.String("intent", id))
	}
	return existed || removed, nil
}

func (s *Service) critical(cfg Config, in *notify.Intent) bool {
	return in.Priority == notify.PriorityHigh || slices.Contains(cfg.CriticalKinds, in.Kind())
}

func (s *Service) admitImmediate(ctx context.Context, in *notify.Intent, adm notify.Admission) notify.Admission {
	in.State = notify.StateImmediate
	adm.Status = notify.StatusAllowed
	adm.Reason = notify.ReasonOK

	if err := s.saveBody(ctx, in); err != nil {
		s.sendInline(ctx, in, err)
		return adm
	}
	if _, err := s.st.RPush(ctx, listFor(in.Priority), in.ID); err != nil {
		_ = s.st.Del(ctx, intentKey(in.ID))
		s.sendInline(ctx, in, err)
		return adm
	}
	s.emit(eventbus.TypeIntentQueued, in, "")
	s.kick()
	return adm
}

func (s *Service) admitDelayed(ctx context.Context, in *notify.Intent, at time.Time, reason string, adm notify.Admission) notify.Admission {
	in.State = notify.StateDelayed
	in.ScheduledFor = at
	adm.Status = notify.StatusDelayed
	adm.Reason = reason
	adm.NotBefore = at

	if err := s.saveBody(ctx, in); err != nil {
		s.storeLost(in, "delay", err)
		return adm
	}
	if err := s.st.ZAdd(ctx, keyDelayed, store.Member{Value: in.ID, Score: dueScore(at)}); err != nil {
		_ = s.st.Del(ctx, intentKey(in.ID))
		s.storeLost(in, "delay", err)
		return adm
	}
	s.emit(eventbus.TypeIntentDelayed, in, reason)
	return adm
}

func (s *Service) admitSkipped(in *notify.Intent, reason string, adm notify.Admission) notify.Admission {
	in.State = notify.StateFiltered
	adm.Status = notify.StatusSkipped
	adm.Reason = reason
	s.dropped.Add(1)
	s.record(journal.EntryFor(in, journal.OutcomeSkipped, reason, s.clock.Now()))
	s.emit(eventbus.TypeIntentSkipped, in, reason)
	return adm
}

func (s *Service) admitBatched(ctx context.Context, cfg Config, in *notify.Intent, now time.Time, adm notify.Admission) notify.Admission {
	in.State = notify.StateBatched
	adm.Status = notify.StatusBatched
	adm.Reason = notify.ReasonBatched
	adm.NotBefore = now.Add(cfg.BatchWindow)

	key := batchKey(in.UserID, in.TemplateID)
	if err := s.saveBody(ctx, in); err != nil {
		s.sendInline(ctx, in, err)
		adm.Status, adm.Reason, adm.NotBefore = notify.StatusAllowed, notify.ReasonOK, time.Time{}
		return adm
	}
	n, err := s.st.RPush(ctx, key, in.ID)
	if err != nil {
		_ = s.st.Del(ctx, intentKey(in.ID))
		s.sendInline(ctx, in, err)
		adm.Status, adm.Reason, adm.NotBefore = notify.StatusAllowed, notify.ReasonOK, time.Time{}
		return adm
	}

	switch {
	case n >= int64(cfg.BatchMaxSize):
		adm.NotBefore = now
		err = s.st.ZAdd(ctx, keyBatchDue, store.Member{Value: key, Score: dueScore(now)})
	case n == 1:
		err = s.st.ZAdd(ctx, keyBatchDue, store.Member{Value: key, Score: dueScore(adm.NotBefore)})
	}
	if err != nil {
		s.log.Warn("batch flush time not recorded", logx.String("batch", key), logx.Err(err))
	}
	s.emit(eventbus.TypeIntentBatched, in, notify.ReasonBatched)
	if n >= int64(cfg.BatchMaxSize) {
		s.kick()
	}
	return adm
}

// overRate counts in against the user's one-minute sliding window.
func (s *Service) overRate(ctx context.Context, cfg Config, in *notify.Intent, now time.Time) bool {
	if cfg.PerMinuteLimit <= 0 || (cfg.HighBypass && in.Priority == notify.PriorityHigh) {
		return false
	}
	key := rateKey(in.UserID)
	ts := dueScore(now)
	if _, err := s.st.ZRemRangeByScore(ctx, key, 0, ts-float64(time.Minute.Milliseconds())); err != nil {
		s.log.Warn("rate gate skipped: store unavailable", logx.Err(err))
		return false
	}
	if err := s.st.ZAdd(ctx, key, store.Member{Value: in.ID, Score: ts}); err != nil {
		s.log.Warn("rate gate skipped: store unavailable", logx.Err(err))
		return false
	}
	_ = s.st.Expire(ctx, key, time.Minute)
	n, err := s.st.ZCard(ctx, key)
	if err != nil {
		return false
	}
	return n > int64(cfg.PerMinuteLimit)
}

// sendInline is the fallback when the store cannot hold the intent: one
// delivery attempt now, no retry.
func (s *Service) sendInline(ctx context.Context, in *notify.Intent, cause error) {
	s.log.Warn("store unavailable, sending inline", logx.String("intent", in.ID), logx.Err(cause))
	cfg := s.config()
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := s.deliver(sctx, cfg, in); err != nil {
		s.failures.Add(1)
		s.log.Error("inline delivery failed, intent lost", logx.String("intent", in.ID), logx.Err(err))
		return
	}
	s.sent.Add(1)
	s.record(journal.EntryFor(in, journal.OutcomeSent, "inline", s.clock.Now()))
	s.emit(eventbus.TypeIntentSent, in, "inline")
}

func (s *Service) storeLost(in *notify.Intent, op string, err error) {
	s.failures.Add(1)
	s.log.Error("intent not persisted", logx.String("intent", in.ID), logx.String("op", op), logx.Err(err))
}
