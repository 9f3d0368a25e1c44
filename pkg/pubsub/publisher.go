package pubsub

import (
	"context"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// Publisher sends an envelope under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg common.Envelope) error
}
