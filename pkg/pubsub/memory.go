package pubsub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// Bus is an in-process event channel. Every Send is JSON round-tripped
// and delivered synchronously to every subscriber, the sender included,
// which is how a relay echoes messages back.
//
// Subscribers are called without any Bus lock held, so a handler may
// Send again.
type Bus struct {
	subs Subscribers
	log  *slog.Logger

	mu   sync.RWMutex
	sent int
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{log: orDiscard(logger)}
}

func (b *Bus) Send(ctx context.Context, msg common.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := common.ToRaw(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sent++
	b.mu.Unlock()

	n := b.subs.Deliver(raw)
	b.log.Debug("bus deliver", slog.String("type", raw.Meta.Type), slog.Int("subscribers", n))
	return nil
}

// Subscribe registers a handler; the returned func removes it and is
// safe to call more than once.
func (b *Bus) Subscribe(handler func(common.RawEnvelope)) func() {
	return b.subs.Add(handler)
}

// ClearQueue is a no-op: the bus never queues.
func (b *Bus) ClearQueue() {}

// Publish delivers msg regardless of key.
func (b *Bus) Publish(ctx context.Context, key string, msg common.Envelope) error {
	return b.Send(ctx, msg)
}

func (b *Bus) Close() error { return nil }

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int { return b.subs.Len() }

// Sent returns the number of messages sent so far.
func (b *Bus) Sent() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sent
}
