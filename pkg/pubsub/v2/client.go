package pubsub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

type Client struct {
	mu     sync.RWMutex
	conn   *amqp.Connection
	pool   *ChannelPool
	config RabbitMQConfig
	logger *slog.Logger

	consumerWG     sync.WaitGroup
	consumerClosed chan string
	consumerSpecs  map[string]ConsumerSpec
}

func (c *Client) Config() RabbitMQConfig { return c.config }

func NewClient(ctx context.Context, config RabbitMQConfig, logger *slog.Logger) (*Client, error) {
	const op = "rabbitmq.NewClient"

	if config.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	config = config.withDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	u, _ := url.Parse(config.URL)
	host := ""
	if u != nil {
		host = u.Host
	}
	logger.With("op", op).Info("connecting to rabbitmq", slog.String("host", host))

	// amqp has no ctx on dial; bound it by ConnTimeout or the ctx deadline.
	dctx, cancel := context.WithTimeout(ctx, config.ConnTimeout)
	defer cancel()

	client := &Client{config: config, logger: logger}
	if err := client.connect(dctx); err != nil {
		logger.With("op", op).Error("connect failed", slog.Any("error", err))
		return nil, err
	}
	logger.With("op", op).Info("client ready", slog.String("exchange", config.Exchange))
	return client, nil
}

// connect dials, declares exchanges and builds the publisher pool.
func (c *Client) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context done before connection attempt: %w", err)
	}
	dial := c.config.Dialer
	if dial == nil {
		dial = func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) }
	}
	conn, err := dial(ctx, c.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	tempCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := c.setupExchanges(tempCh); err != nil {
		tempCh.Close()
		conn.Close()
		return err
	}
	_ = tempCh.Close()

	pool, err := NewChannelPool(conn, c.config.PublishPoolSize)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create channel pool: %w", err)
	}

	c.mu.Lock()
	old, oldPool := c.conn, c.pool
	c.conn, c.pool = conn, pool
	c.mu.Unlock()

	if oldPool != nil {
		oldPool.Close()
	}
	if old != nil && !old.IsClosed() {
		_ = old.Close()
	}
	return nil
}

// setupExchanges declares only exchanges here.
// Queues/bindings are per-consumer (exclusive client queues live and die
// with their connection).
func (c *Client) setupExchanges(ch *amqp.Channel) error {
	declare := func(ex string) error {
		if ex == "" {
			return nil
		}
		return ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil)
	}
	if err := declare(c.config.Exchange); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	for _, ex := range c.config.Exchanges {
		if err := declare(ex); err != nil {
			return fmt.Errorf("declare extra exchange %q: %w", ex, err)
		}
	}
	return nil
}

func (c *Client) connection() *amqp.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) channelPool() *ChannelPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// Close stops consumers, closes pool and connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.consumerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	if p := c.channelPool(); p != nil {
		p.Close()
	}
	if conn := c.connection(); conn != nil {
		_ = conn.Close()
	}
}
