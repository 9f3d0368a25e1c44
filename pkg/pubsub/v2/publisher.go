package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

var errNack = errors.New("publish not acknowledged by broker")

// PublishEnvelope publishes an Envelope as JSON with proper AMQP headers
// to the configured exchange.
func (c *Client) PublishEnvelope(ctx context.Context, routingKey string, env common.Envelope) error {
	pool := c.channelPool()
	if pool == nil {
		return errConnClosed
	}
	ch, err := pool.Borrow(ctx, c.config.PoolRetryDelay)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	defer pool.Return(ch)

	if !c.config.Confirm {
		return c.RawPublish(ctx, ch, c.config.Exchange, routingKey, env)
	}

	// Confirm mode is idempotent on a channel already in it.
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("confirm mode: %w", err)
	}
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	pub, err := c.encode(env)
	if err != nil {
		return err
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, c.config.Exchange, routingKey, false, false, pub)
	if err != nil {
		return err
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errNack
	}
	return nil
}

// Publish satisfies the v1 Publisher interface.
func (c *Client) Publish(ctx context.Context, key string, msg common.Envelope) error {
	return c.PublishEnvelope(ctx, key, msg)
}

func (c *Client) RawPublish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, env common.Envelope) error {
	if exchange == "" {
		exchange = c.config.Exchange
	}
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope.Meta.ID is required")
	}
	pub, err := c.encode(env)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, pub)
}

func (c *Client) encode(env common.Envelope) (amqp.Publishing, error) {
	// Ensure metadata consistency
	if env.Meta.CorrelationID == nil {
		id := env.Meta.ID
		env.Meta.CorrelationID = &id // fallback to ID if no correlation
	}
	if env.Meta.Time.IsZero() {
		env.Meta.Time = time.Now().UTC()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		DeliveryMode:  amqp.Transient,
		Expiration:    expiration(c.config.MessageTTL),
		MessageId:     env.Meta.ID,
		CorrelationId: *env.Meta.CorrelationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		AppId:         FirstNonEmpty(env.Meta.ProducerID(), c.config.AppID),
	}, nil
}
