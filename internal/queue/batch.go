package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/moorej2400/sobertube-app-sub003/internal/eventbus"
	"github.com/moorej2400/sobertube-app-sub003/internal/journal"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/render"
	"github.com/moorej2400/sobertube-app-sub003/internal/store"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

const (
	metaMembers  = "batch_members"
	metaBatchKey = "batch_key"
)

// BatchEvent is the payload of eventbus.TypeBatchFlushed.
type BatchEvent struct {
	Key      string `json:"key"`
	UserID   string `json:"user_id"`
	DigestID string `json:"digest_id,omitempty"`
	Members  int    `json:"members"`
}

// FlushDueBatches sends every batch whose window elapsed or whose cap was
// reached and reports how many it flushed.
func (s *Service) FlushDueBatches(ctx context.Context) (int, error) {
	var rep DrainReport
	return s.flushDue(ctx, s.config(), &rep)
}

func (s *Service) flushDue(ctx context.Context, cfg Config, rep *DrainReport) (int, error) {
	due, err := s.st.ZRangeByScore(ctx, keyBatchDue, 0, dueScore(s.clock.Now()), cfg.DrainBatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, m := range due {
		if ctx.Err() != nil {
			break
		}
		won, err := s.st.ZRem(ctx, keyBatchDue, m.Value)
		if err != nil {
			errs = append(errs, err)
			break
		}
		if !won {
			continue
		}
		ok, err := s.flushBatch(ctx, cfg, m.Value, rep)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// flushBatch pops every member of key. A single member is sent as itself;
// two or more become one digest intent that carries the member ids.
func (s *Service) flushBatch(ctx context.Context, cfg Config, key string, rep *DrainReport) (bool, error) {
	bctx, cancel := settleCtx(ctx)
	defer cancel()

	var members []*notify.Intent
	// bounded: producers may keep appending while we pop
	for i := 0; i < cfg.BatchMaxSize*4; i++ {
		id, ok, err := s.st.LPop(ctx, key)
		if err != nil {
			// whatever is left waits for the next flush
			s.requeueBatch(bctx, key)
			if len(members) == 0 {
				return false, err
			}
			break
		}
		if !ok {
			break
		}
		in, found, err := s.loadBody(bctx, id)
		if errors.Is(err, store.ErrUnavailable) {
			if _, perr := s.st.RPush(bctx, key, id); perr != nil {
				s.storeLost(&notify.Intent{ID: id}, "batch", perr)
			}
			s.requeueBatch(bctx, key)
			break
		}
		if err != nil {
			s.log.Warn("batch member unreadable", logx.String("batch", key), logx.String("intent", id), logx.Err(err))
			continue
		}
		if !found {
			continue
		}
		members = append(members, in)
	}
	if len(members) == 0 {
		return false, nil
	}

	out := members[0]
	if len(members) > 1 {
		out = s.digest(key, members)
		if err := s.saveBody(bctx, out); err != nil {
			s.log.Warn("digest body not persisted, retries disabled", logx.String("batch", key), logx.Err(err))
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeBatchFlushed, Time: s.clock.Now(), Data: BatchEvent{
		Key:      key,
		UserID:   out.UserID,
		DigestID: out.ID,
		Members:  len(members),
	}})
	s.attempt(ctx, cfg, out, rep)
	return true, nil
}

// requeueBatch marks key due now so members left in the list are flushed
// on the next cycle.
func (s *Service) requeueBatch(ctx context.Context, key string) {
	if err := s.st.ZAdd(ctx, keyBatchDue, store.Member{Value: key, Score: dueScore(s.clock.Now())}); err != nil {
		s.log.Warn("batch flush time not recorded", logx.String("batch", key), logx.Err(err))
	}
}

// digest builds the synthetic summary intent for members, which share a
// user and template.
func (s *Service) digest(key string, members []*notify.Intent) *notify.Intent {
	first := members[0]
	ids := make([]string, len(members))
	var actors []string
	seen := map[string]bool{}
	for i, m := range members {
		ids[i] = m.ID
		if a := m.Vars["actor"]; a != "" && !seen[a] {
			seen[a] = true
			actors = append(actors, a)
		}
	}
	kind := first.Kind()
	now := s.clock.Now()
	return &notify.Intent{
		ID:         s.newID(),
		UserID:     first.UserID,
		TemplateID: render.DigestTemplate,
		Vars: map[string]string{
			"kind":     kind,
			"count":    strconv.Itoa(len(members)),
			"summary":  Summarize(actors, len(members), kind),
			"template": first.TemplateID,
		},
		Priority:   notify.PriorityNormal,
		CreatedAt:  now,
		MaxRetries: first.MaxRetries,
		Locale:     first.Locale,
		Channels:   first.Channels,
		Metadata: map[string]string{
			"type":       "digest",
			metaBatchKey: key,
			metaMembers:  strings.Join(ids, ","),
		},
		State: notify.StateImmediate,
	}
}

// Summarize renders the digest line: "ana: 1 new like notification",
// "ana and bo: ...", "ana, bo and 3 others: ...". No actors yields "".
func Summarize(actors []string, count int, kind string) string {
	if len(actors) == 0 {
		return ""
	}
	var who string
	switch len(actors) {
	case 1:
		who = actors[0]
	case 2:
		who = actors[0] + " and " + actors[1]
	default:
		rest := len(actors) - 2
		noun := "others"
		if rest == 1 {
			noun = "other"
		}
		who = fmt.Sprintf("%s, %s and %d %s", actors[0], actors[1], rest, noun)
	}
	plural := "s"
	if count == 1 {
		plural = ""
	}
	return fmt.Sprintf("%s: %d new %s notification%s", who, count, kind, plural)
}

// settleMembers finalizes the members carried by a digest.
func (s *Service) settleMembers(ctx context.Context, digest *notify.Intent, outcome journal.Outcome, reason string) {
	raw := digest.Metadata[metaMembers]
	if raw == "" {
		return
	}
	now := s.clock.Now()
	for _, id := range strings.Split(raw, ",") {
		in, ok, err := s.loadBody(ctx, id)
		if err != nil || !ok {
			in = &notify.Intent{ID: id, UserID: digest.UserID, TemplateID: digest.Vars["template"]}
		}
		_ = s.st.Del(ctx, intentKey(id))
		s.record(journal.EntryFor(in, outcome, reason, now))
	}
}
