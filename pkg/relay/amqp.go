package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roboricindustries/raycon-collab/pkg/presence"
	"github.com/roboricindustries/raycon-collab/pkg/pubsub"
	v2 "github.com/roboricindustries/raycon-collab/pkg/pubsub/v2"
	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// PresenceQueue is shared by every relay replica; the broker balances
// opened/closed events between them.
const PresenceQueue = "collab.presence"

// AMQPPresence maintains rosters for clients on the AMQP transport. The
// producer of workflowOpened/workflowClosed identifies the participant,
// and rosters go back out as collaboratorsChanged on the same exchange.
type AMQPPresence struct {
	tracker   *presence.Tracker
	publisher pubsub.Publisher
	router    *pubsub.Router
	log       *slog.Logger
}

func NewAMQPPresence(tracker *presence.Tracker, publisher pubsub.Publisher, logger *slog.Logger) *AMQPPresence {
	p := &AMQPPresence{
		tracker:   tracker,
		publisher: publisher,
		log:       orDiscard(logger).With(slog.String("component", "amqp-presence")),
	}
	p.router = pubsub.NewRouter(p.log)
	p.router.RegisterHandler(collaboration.WorkflowOpened, pubsub.JSONHandler(p.onOpened))
	p.router.RegisterHandler(collaboration.WorkflowClosed, pubsub.JSONHandler(p.onClosed))
	return p
}

// Spec is the consumer the relay registers on its AMQP client.
func (p *AMQPPresence) Spec() v2.ConsumerSpec {
	return v2.ConsumerSpec{
		Name:  "collab-presence",
		Queue: PresenceQueue,
		BindingKeys: []string{
			collaboration.AnyWorkflowKey(collaboration.WorkflowOpened),
			collaboration.AnyWorkflowKey(collaboration.WorkflowClosed),
		},
		Durable: true,
		Consume: p.Consume,
	}
}

// Run consumes presence events and sweeps until ctx is done.
func (p *AMQPPresence) Run(ctx context.Context, client *v2.Client, sweep time.Duration) error {
	go p.tracker.Run(ctx, sweep, func(wf string) { p.publishRoster(ctx, wf) })
	return client.RunWithConsumers(ctx, p.Spec())
}

func (p *AMQPPresence) Consume(ctx context.Context, d amqp.Delivery) error {
	var env common.RawEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return fmt.Errorf("%w: %v", pubsub.ErrPoison, err)
	}
	if env.Meta.Producer == nil && d.AppId != "" {
		id := d.AppId
		env.Meta.Producer = &id
	}
	return p.router.Dispatch(ctx, env)
}

func (p *AMQPPresence) onOpened(ctx context.Context, meta common.Meta, m collaboration.WorkflowOpenedV1) error {
	user := meta.ProducerID()
	if user == "" {
		return fmt.Errorf("%w: workflowOpened without producer", pubsub.ErrPoison)
	}
	changed, err := p.tracker.Opened(ctx, m.WorkflowID, collaboration.User{ID: user})
	if err != nil {
		return err
	}
	if changed {
		p.publishRoster(ctx, m.WorkflowID)
	}
	return nil
}

func (p *AMQPPresence) onClosed(ctx context.Context, meta common.Meta, m collaboration.WorkflowClosedV1) error {
	user := meta.ProducerID()
	if user == "" {
		return fmt.Errorf("%w: workflowClosed without producer", pubsub.ErrPoison)
	}
	changed, err := p.tracker.Closed(ctx, m.WorkflowID, user)
	if err != nil {
		return err
	}
	if changed {
		p.publishRoster(ctx, m.WorkflowID)
	}
	return nil
}

func (p *AMQPPresence) publishRoster(ctx context.Context, wf string) {
	roster, err := p.tracker.Roster(ctx, wf)
	if err != nil {
		p.log.Error("roster failed", slog.String("workflow", wf), slog.Any("err", err))
		return
	}
	env := common.Envelope{Meta: common.NewMeta(collaboration.CollaboratorsChanged, producer), Data: roster}
	key := collaboration.RoutingKey(wf, collaboration.CollaboratorsChanged)
	if err := p.publisher.Publish(ctx, key, env); err != nil {
		p.log.Error("publish roster failed", slog.String("workflow", wf), slog.Any("err", err))
	}
}
