package scheduler

import (
	"errors"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/task/engine"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// reportEnqueueError logs trigger failures, at most once per schedule per throttle window.
func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// a drain still running when the next tick fires is normal
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Err(err))
}
