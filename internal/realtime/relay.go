package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

// Relay forwards events between instances over a Redis pub/sub channel.
// Each instance delivers relayed events to its own hub and ignores the
// ones it published itself.
type Relay struct {
	rdb      *redis.Client
	channel  string
	instance string
	hub      *Hub
	log      logx.Logger
}

type envelope struct {
	Origin string `json:"origin"`
	UserID string `json:"user_id"`
	Event  Event  `json:"event"`
}

func NewRelay(rdb *redis.Client, channel, instance string, hub *Hub, log logx.Logger) *Relay {
	if channel == "" {
		channel = "notifyd:realtime"
	}
	return &Relay{rdb: rdb, channel: channel, instance: instance, hub: hub, log: log.With(logx.String("comp", "realtime.relay"))}
}

func (r *Relay) Publish(ctx context.Context, userID string, ev Event) error {
	b, err := json.Marshal(envelope{Origin: r.instance, UserID: userID, Event: ev})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Run subscribes and delivers until ctx is done. It returns an error when
// the subscription cannot be established or the channel closes, so a
// supervisor can restart it.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("relay subscribed", logx.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("relay subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("relay message dropped", logx.Err(err))
				continue
			}
			if env.Origin == r.instance {
				continue
			}
			r.hub.Deliver(env.UserID, env.Event)
		}
	}
}
