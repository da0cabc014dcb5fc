package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		// a closed stopCh wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	log := s.log.With(logx.String("task", qt.task.Name), logx.String("run_id", qt.task.ID))

	var err error
	attempts := 0
	for {
		attempts++
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || attempts > qt.opt.RetryMax {
			break
		}
		wait := retryDelay(qt.opt, attempts, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			err = errors.Join(err, ctx.Err())
		case <-stopCh:
			t.Stop()
			err = errors.Join(err, ErrStopped)
		case <-t.C:
			continue
		}
		break
	}

	dur := time.Since(start)
	ev := TaskEvent{
		ID:         qt.task.ID,
		Name:       qt.task.Name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
	}
	typ := eventbus.TypeTaskFinished
	if err != nil {
		ev.Error = err.Error()
		typ = eventbus.TypeTaskFailed
		log.Warn("task failed", logx.Int("attempts", attempts), logx.Duration("took", dur), logx.Err(err))
	} else {
		log.Debug("task finished", logx.Duration("took", dur))
	}
	s.addHistory(HistoryItem{
		ID:         ev.ID,
		Name:       ev.Name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
		Attempts:   attempts,
		Error:      ev.Error,
	})
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	return qt.task.Run(runCtx)
}

// retryDelay is RetryBase*2^(attempt-1), capped at RetryMaxDelay, with 20% jitter.
func retryDelay(opt TaskOptions, attempt int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase << (attempt - 1)
	if d <= 0 || d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	if j := int64(d) / 5; j > 0 && rng != nil {
		d += time.Duration(rng.Int63n(j + 1))
	}
	return d
}
