package pubsub

import (
	"context"
	"log/slog"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// FallbackPublisher drops everything it is given. It stands in for a
// real transport when none is configured, so a coordinator can still run
// locally (every send is logged and skipped, nothing is ever received).
type FallbackPublisher struct {
	log *slog.Logger
}

func (p *FallbackPublisher) Publish(ctx context.Context, key string, msg common.Envelope) error {
	p.log.Warn("FallbackPublisher: skipped publish", slog.String("key", key), slog.String("type", msg.Meta.Type))
	return nil
}

// Send satisfies the coordinator channel; it behaves like Publish.
func (p *FallbackPublisher) Send(ctx context.Context, msg common.Envelope) error {
	return p.Publish(ctx, msg.Meta.Type, msg)
}

func (p *FallbackPublisher) Subscribe(func(common.RawEnvelope)) func() {
	return func() {}
}

func (p *FallbackPublisher) ClearQueue() {}

func (p *FallbackPublisher) Close() error {
	return nil
}

func NewFallback(logger *slog.Logger) *FallbackPublisher {
	return &FallbackPublisher{
		log: orDiscard(logger),
	}
}
