package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/moorej2400/sobertube-app-sub003/internal/dispatch"
	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	"github.com/moorej2400/sobertube-app-sub003/internal/realtime"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// errNoRoute means the user has neither push destinations nor a live
// session. Retrying would not change that.
var errNoRoute = errors.New("no destinations and no live sessions")

// deliver renders in and sends it on every channel it wants. It succeeds
// when at least one destination or session received it.
func (s *Service) deliver(ctx context.Context, cfg Config, in *notify.Intent) error {
	rendered, err := s.render.Render(ctx, in.TemplateID, in.Vars, s.locale(ctx, in))
	if err != nil {
		return notify.Permanent(err)
	}
	data := make(map[string]string, len(rendered.Data)+1)
	for k, v := range rendered.Data {
		data[k] = v
	}
	data["intent_id"] = in.ID
	msg := dispatch.Message{Title: rendered.Title, Body: rendered.Body, Data: data, Priority: string(in.Priority)}

	var (
		errs      []error
		delivered bool
		attempted bool
		permanent = true
	)

	if in.Wants(notify.ChannelPush) && s.sender != nil && s.dests != nil {
		dests, err := s.dests.Destinations(ctx, in.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("destinations: %w", err))
			permanent = false
		}
		if len(dests) > 0 {
			attempted = true
			results := s.sender.SendAll(ctx, dests, msg)
			if dispatch.Succeeded(results) {
				delivered = true
			}
			for _, r := range results {
				if r.Err == nil {
					continue
				}
				s.log.Warn("destination failed",
					logx.String("intent", in.ID), logx.String("kind", r.Destination.Kind), logx.Err(r.Err))
				if errors.Is(r.Err, dispatch.ErrUnregistered) {
					s.forget(ctx, in.UserID, r.Destination)
				}
				if !notify.IsPermanent(r.Err) {
					permanent = false
				}
				errs = append(errs, r.Err)
			}
		}
	}

	if in.Wants(notify.ChannelRealtime) && s.rt != nil {
		payload, err := json.Marshal(rendered)
		if err == nil {
			// one dedup key per attempt so a retry is not mistaken for a duplicate
			eventID := fmt.Sprintf("intent:%s:%d", in.ID, in.RetryCount)
			rep := s.rt.Broadcast(ctx, eventID, []string{in.UserID}, realtime.Event{
				ID:       in.ID,
				Name:     "notification",
				Payload:  payload,
				Priority: string(in.Priority),
				At:       in.CreatedAt,
			})
			if rep.Reached > 0 {
				delivered = true
			}
			if rep.Reached > 0 || rep.Failed > 0 {
				attempted = true
			}
			if rep.Failed > 0 {
				permanent = false
				errs = append(errs, fmt.Errorf("realtime: %d session deliveries failed", rep.Failed))
			}
		}
	}

	switch {
	case delivered:
		return nil
	case !attempted && len(errs) == 0:
		return errNoRoute
	case permanent:
		return notify.Permanent(errors.Join(errs...))
	default:
		return errors.Join(errs...)
	}
}

func (s *Service) locale(ctx context.Context, in *notify.Intent) string {
	if in.Locale != "" || s.prefs == nil {
		return in.Locale
	}
	p, ok, err := s.prefs.Preferences(ctx, in.UserID)
	if err != nil || !ok {
		return ""
	}
	return p.Locale
}

func (s *Service) forget(ctx context.Context, user string, d dispatch.Destination) {
	if err := s.dests.Forget(ctx, user, d); err != nil {
		s.log.Warn("unregistered token not removed", logx.String("user", user), logx.String("kind", d.Kind), logx.Err(err))
		return
	}
	s.log.Info("unregistered token removed", logx.String("user", user), logx.String("kind", d.Kind))
}
