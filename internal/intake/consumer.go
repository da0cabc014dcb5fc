// Package intake consumes notification intents from an AMQP queue and
// submits them to the scheduler.
//
// Topology: a durable direct exchange, a durable intake queue bound to it
// with RoutingKey, and a dead-letter queue that receives rejected payloads
// through the default exchange.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/streadway/amqp"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	DeadLetter string
	Prefetch   int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = "notifications"
	}
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "notifyd.intents"
	}
	if strings.TrimSpace(c.RoutingKey) == "" {
		c.RoutingKey = "intent"
	}
	if strings.TrimSpace(c.DeadLetter) == "" {
		c.DeadLetter = c.Queue + ".dlq"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 32
	}
	return c
}

// Submitter is the part of the queue service the consumer drives.
type Submitter interface {
	Submit(ctx context.Context, in *notify.Intent) (notify.Admission, error)
}

// Channel is the subset of *amqp.Channel the consumer uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Conn is one broker connection.
type Conn interface {
	Channel() (Channel, error)
	Close() error
}

type amqpConn struct{ c *amqp.Connection }

func (a amqpConn) Channel() (Channel, error) {
	ch, err := a.c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a amqpConn) Close() error { return a.c.Close() }

// Dial connects to a real broker.
func Dial(url string) (Conn, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{c: c}, nil
}

type disposition int

const (
	ack disposition = iota
	reject
	requeue
)

type Consumer struct {
	cfg  Config
	sub  Submitter
	log  logx.Logger
	dial func(url string) (Conn, error)
}

// New builds a consumer. dial defaults to Dial.
func New(cfg Config, sub Submitter, dial func(string) (Conn, error), log logx.Logger) *Consumer {
	if dial == nil {
		dial = Dial
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{cfg: cfg.withDefaults(), sub: sub, log: log, dial: dial}
}

// Declare creates the exchange, intake queue and dead-letter queue.
func (c *Consumer) Declare(ch Channel) error {
	cfg := c.cfg
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.DeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq: %w", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DeadLetter,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.Queue, err)
	}
	return nil
}

// Run consumes until ctx is done. A lost connection returns an error so the
// caller's restart loop reconnects.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := c.Declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, "notifyd", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	c.log.Info("intake consuming", logx.String("queue", c.cfg.Queue), logx.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			c.settle(d, c.handle(ctx, d.Body))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body []byte) disposition {
	var in notify.Intent
	if err := json.Unmarshal(body, &in); err != nil {
		c.log.Warn("intake payload rejected", logx.Int("bytes", len(body)), logx.Err(err))
		return reject
	}
	adm, err := c.sub.Submit(ctx, &in)
	switch {
	case errors.Is(err, notify.ErrInvalidIntent):
		c.log.Warn("intake intent rejected", logx.String("user", in.UserID), logx.Err(err))
		return reject
	case err != nil:
		c.log.Warn("intake submit failed, requeued", logx.Err(err))
		return requeue
	}
	c.log.Debug("intake intent admitted",
		logx.String("intent", adm.ID), logx.String("status", string(adm.Status)), logx.String("reason", adm.Reason))
	return ack
}

func (c *Consumer) settle(d amqp.Delivery, disp disposition) {
	var err error
	switch disp {
	case ack:
		err = d.Ack(false)
	case reject:
		err = d.Nack(false, false)
	case requeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		c.log.Warn("intake settle failed", logx.Uint64("tag", d.DeliveryTag), logx.Err(err))
	}
}
