package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DialOptions tunes RetryDialer.
type DialOptions struct {
	Attempts int           // default 1
	Delay    time.Duration // first backoff step, doubled per attempt
	// ConnectionName shows up in the broker's connection list.
	ConnectionName string
	Heartbeat      time.Duration
	Logger         *slog.Logger
}

const MaxDelay = 60 * time.Second

var dialConfig = amqp091.DialConfig

// RetryDialer returns a dial func that retries with capped exponential
// backoff. It stops early when ctx is cancelled.
func RetryDialer(opts DialOptions) func(ctx context.Context, url string) (*amqp091.Connection, error) {
	logger := orDiscard(opts.Logger)
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	cfg := amqp091.Config{
		Heartbeat: opts.Heartbeat,
		Locale:    "en_US",
	}
	if opts.ConnectionName != "" {
		cfg.Properties = amqp091.Table{"connection_name": opts.ConnectionName}
	}

	return func(ctx context.Context, url string) (*amqp091.Connection, error) {
		var lastErr error
		for i := 1; i <= attempts; i++ {
			conn, err := dialConfig(url, cfg)
			if err == nil {
				if i > 1 {
					logger.Info("rabbit connected", slog.Int("attempt", i))
				}
				return conn, nil
			}
			lastErr = err
			if i == attempts {
				break
			}

			sleep := backoffStep(opts.Delay, i)
			logger.Warn("rabbit dial failed",
				slog.Int("attempt", i),
				slog.Duration("sleep", sleep),
				slog.Any("error", err),
			)

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
			case <-timer.C:
			}
		}
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, lastErr)
	}
}

func backoffStep(base time.Duration, attempt int) time.Duration {
	sleep := float64(base) * math.Pow(2, float64(attempt-1))
	if sleep > float64(MaxDelay) {
		return MaxDelay
	}
	return time.Duration(sleep)
}
