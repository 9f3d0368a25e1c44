package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	v1 "github.com/roboricindustries/raycon-collab/pkg/pubsub"
	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// EventChannel carries collaboration events over the topic exchange.
// Each instance consumes from its own exclusive queue, so a client sees
// every event of the workflows it binds, its own included.
type EventChannel struct {
	client *Client
	spec   ConsumerSpec
	log    *slog.Logger
	subs   v1.Subscribers
}

type EventChannelOptions struct {
	// ClientID names the queue; a uuid when empty.
	ClientID string
	// WorkflowID restricts the binding to one workflow; empty binds all.
	WorkflowID string
}

func NewEventChannel(client *Client, opts EventChannelOptions, logger *slog.Logger) *EventChannel {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := FirstNonEmpty(opts.ClientID, uuid.NewString())
	e := &EventChannel{
		client: client,
		log:    logger.With(slog.String("component", "amqp-channel"), slog.String("client", id)),
	}
	e.spec = ConsumerSpec{
		Name:        "collab-client",
		Queue:       "collab.client." + id,
		BindingKeys: []string{collaboration.BindingKey(opts.WorkflowID)},
		Exclusive:   true,
		AutoDelete:  true,
		Consume:     e.consume,
	}
	return e
}

// Run consumes until ctx is done, reconnecting on connection loss.
func (e *EventChannel) Run(ctx context.Context) error {
	return e.client.RunWithConsumers(ctx, e.spec)
}

// Send publishes msg under workflow.<id>.<type>.
func (e *EventChannel) Send(ctx context.Context, msg common.Envelope) error {
	wf, ok := collaboration.WorkflowOf(msg.Data)
	if !ok {
		return fmt.Errorf("%s: payload carries no workflow id", msg.Meta.Type)
	}
	route := collaboration.MetaFor(wf, msg.Meta.Type)
	return e.client.PublishEnvelope(ctx, route.RoutingKey, msg)
}

func (e *EventChannel) Subscribe(handler func(common.RawEnvelope)) func() {
	return e.subs.Add(handler)
}

// ClearQueue is a no-op: publishes go straight to the broker or fail.
func (e *EventChannel) ClearQueue() {}

func (e *EventChannel) consume(_ context.Context, d amqp.Delivery) error {
	var env common.RawEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if env.Meta.Type == "" {
		env.Meta.Type = d.Type
		if _, t, err := collaboration.ParseRoutingKey(d.RoutingKey); err == nil {
			env.Meta.Type = FirstNonEmpty(d.Type, t)
		}
	}
	e.subs.Deliver(env)
	return nil
}
