package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	v1 "github.com/roboricindustries/raycon-collab/pkg/pubsub"
)

// -----------------------------------------------------------------------------
// Consumer model (generic, supervised)
// -----------------------------------------------------------------------------

// ConsumerSpec defines a single consumer.
type ConsumerSpec struct {
	Name         string
	Exchange     string // main exchange to bind, default: config Exchange
	ExchangeKind string // kind of exchange default: topic
	Queue        string // empty => broker-named
	BindingKeys  []string
	Prefetch     int // 0 => use global default

	// Per-client queues are exclusive and auto-delete; the presence
	// consumer shares one durable queue between relay replicas.
	Durable    bool
	Exclusive  bool
	AutoDelete bool

	// Requeue sends transient failures back to the queue. Off by default:
	// coordination events are not worth redelivering late.
	Requeue bool

	Consume func(ctx context.Context, d amqp.Delivery) error
}

// ErrPoison is shared with the in-process router so one JSONHandler
// serves both.
var ErrPoison = v1.ErrPoison

func (c *Client) RunWithConsumers(ctx context.Context, specs ...ConsumerSpec) error {
	c.consumerClosed = make(chan string, len(specs)*2)
	c.consumerSpecs = make(map[string]ConsumerSpec, len(specs))

	for _, s := range specs {
		c.consumerSpecs[s.Name] = s
		if err := c.startConsumer(ctx, s); err != nil {
			return fmt.Errorf("start %s: %w", s.Name, err)
		}
	}

	errCh := c.connection().NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case name := <-c.consumerClosed:
			if s, ok := c.consumerSpecs[name]; ok {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer failed", slog.String("name", name), slog.Any("error", err))
				}
			}

		case err, ok := <-errCh:
			if !ok {
				err = &amqp.Error{Reason: "connection closed"}
			}
			c.logger.Error("amqp connection closed, reconnecting", slog.Any("error", err))
			if err := c.reconnectLoop(ctx); err != nil {
				return err
			}
			for _, s := range c.consumerSpecs {
				if err := c.startConsumer(ctx, s); err != nil {
					c.logger.Error("restart consumer after reconnect failed", slog.String("name", s.Name), slog.Any("error", err))
				}
			}
			errCh = c.connection().NotifyClose(make(chan *amqp.Error, 1))
		}
	}
}

func (c *Client) reconnectLoop(ctx context.Context) error {
	backoff := c.config.ReconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.connect(ctx)
		if err == nil {
			c.logger.With("op", "rabbitmq.reconnect").Info("reconnected")
			return nil
		}
		wait := JitteredDelay(backoff, c.config.ReconnectCap, c.config.ReconnectJitter)
		c.logger.Error("reconnect failed", slog.Any("error", err), slog.Duration("retry_in", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff*2 < c.config.ReconnectCap {
			backoff *= 2
		}
	}
}

// startConsumer declares the per-consumer topology and runs the loop.
func (c *Client) startConsumer(ctx context.Context, spec ConsumerSpec) error {
	ch, err := c.connection().Channel()
	if err != nil {
		return err
	}

	pf := spec.Prefetch
	if pf <= 0 {
		pf = c.config.ConsumerPrefetch
	}
	if err := ch.Qos(pf, 0, false); err != nil {
		_ = ch.Close()
		return err
	}

	queue, err := c.declareConsumerTopology(ch, spec)
	if err != nil {
		_ = ch.Close()
		return err
	}

	msgs, err := ch.Consume(queue, "", false, spec.Exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.consumerWG.Add(1)
	go func() {
		defer c.consumerWG.Done()
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return

			case <-closeCh:
				// best-effort drain pending deliveries to requeue faster
				for {
					select {
					case d, ok := <-msgs:
						if !ok {
							goto drained
						}
						_ = d.Nack(false, spec.Requeue)
					default:
						goto drained
					}
				}
			drained:
				select {
				case c.consumerClosed <- spec.Name:
				default:
				}
				_ = ch.Close()
				return

			case d, ok := <-msgs:
				if !ok {
					_ = ch.Close()
					return
				}

				err := spec.Consume(ctx, d)
				switch {
				case err == nil:
					_ = d.Ack(false)
				case errors.Is(err, ErrPoison):
					c.logger.Warn("poison message dropped", slog.String("name", spec.Name), slog.String("id", d.MessageId), slog.Any("error", err))
					_ = d.Ack(false)
				default:
					_ = d.Nack(false, spec.Requeue)
				}
			}
		}
	}()

	c.logger.Info("consumer started", slog.String("name", spec.Name), slog.String("queue", queue), slog.Int("prefetch", pf))
	return nil
}

// declareConsumerTopology declares the queue and its bindings and returns
// the queue name, which the broker picks when spec.Queue is empty.
func (c *Client) declareConsumerTopology(ch *amqp.Channel, s ConsumerSpec) (string, error) {
	exchange := FirstNonEmpty(s.Exchange, c.config.Exchange)
	exKind := FirstNonEmpty(s.ExchangeKind, "topic")
	if err := ch.ExchangeDeclare(exchange, exKind, true, false, false, false, nil); err != nil {
		return "", err
	}

	args := amqp.Table{}
	if ms := c.config.MessageTTL.Milliseconds(); ms > 0 {
		args["x-message-ttl"] = int32(ms)
	}
	q, err := ch.QueueDeclare(s.Queue, s.Durable, s.AutoDelete, s.Exclusive, false, args)
	if err != nil {
		return "", err
	}
	keys := s.BindingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return "", err
		}
	}
	return q.Name, nil
}
