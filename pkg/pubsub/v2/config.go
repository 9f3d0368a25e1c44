package pubsub

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig defines client config and topology defaults.
type RabbitMQConfig struct {
	URL string
	// Exchange is the topic exchange every collaboration event goes through.
	Exchange string
	// Extra exchanges declared alongside Exchange.
	Exchanges []string

	AppID            string // stamped on every publish
	PublishPoolSize  int
	ConsumerPrefetch int
	ConnTimeout      time.Duration
	PoolRetryDelay   time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectJitter  int // percent
	// MessageTTL expires undelivered events; lock traffic is useless once stale.
	MessageTTL time.Duration
	// Confirm waits for a broker ack on every PublishEnvelope.
	Confirm bool

	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

func (c RabbitMQConfig) withDefaults() RabbitMQConfig {
	c.Exchange = FirstNonEmpty(c.Exchange, DefaultExchange)
	if c.PublishPoolSize <= 0 {
		c.PublishPoolSize = 16
	}
	if c.ConsumerPrefetch <= 0 {
		c.ConsumerPrefetch = 32
	}
	c.ConnTimeout = durationOr(c.ConnTimeout, 30*time.Second)
	c.PoolRetryDelay = durationOr(c.PoolRetryDelay, 50*time.Millisecond)
	c.ReconnectBase = durationOr(c.ReconnectBase, time.Second)
	c.ReconnectCap = durationOr(c.ReconnectCap, 30*time.Second)
	c.MessageTTL = durationOr(c.MessageTTL, 30*time.Second)
	return c
}

const DefaultExchange = "collab.events"
