package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

func TestEventChannelTopology(t *testing.T) {
	e := NewEventChannel(nil, EventChannelOptions{ClientID: "abc", WorkflowID: "wf-1"}, nil)
	if e.spec.Queue != "collab.client.abc" {
		t.Fatalf("queue = %q", e.spec.Queue)
	}
	if len(e.spec.BindingKeys) != 1 || e.spec.BindingKeys[0] != "workflow.wf-1.*" {
		t.Fatalf("bindings = %v", e.spec.BindingKeys)
	}
	if !e.spec.Exclusive || !e.spec.AutoDelete || e.spec.Durable {
		t.Fatal("client queue must be exclusive, auto-delete and transient")
	}

	dotted := NewEventChannel(nil, EventChannelOptions{ClientID: "abc", WorkflowID: "team.wf1"}, nil)
	if dotted.spec.BindingKeys[0] != "workflow.team%2Ewf1.*" {
		t.Fatalf("dotted id bindings = %v", dotted.spec.BindingKeys)
	}

	all := NewEventChannel(nil, EventChannelOptions{}, nil)
	if all.spec.BindingKeys[0] != "workflow.#" || all.spec.Queue == "collab.client." {
		t.Fatalf("default spec = %+v", all.spec)
	}
}

func TestEventChannelConsumeFansOut(t *testing.T) {
	e := NewEventChannel(nil, EventChannelOptions{ClientID: "x"}, nil)
	var got []string
	unsub := e.Subscribe(func(env common.RawEnvelope) { got = append(got, "a:"+env.Meta.Type) })
	e.Subscribe(func(env common.RawEnvelope) { got = append(got, "b:"+env.Meta.Type) })

	body, _ := json.Marshal(common.Envelope{
		Meta: common.NewMeta(collaboration.WriteAccessReleased, "u1"),
		Data: collaboration.WriteAccessReleasedV1{WorkflowID: "wf-1"},
	})
	if err := e.consume(context.Background(), amqp.Delivery{Body: body}); err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub()
	if err := e.consume(context.Background(), amqp.Delivery{Body: body}); err != nil {
		t.Fatal(err)
	}

	want := []string{"a:writeAccessReleased", "b:writeAccessReleased", "b:writeAccessReleased"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEventChannelConsumeTypeFromRoutingKey(t *testing.T) {
	e := NewEventChannel(nil, EventChannelOptions{}, nil)
	var got string
	e.Subscribe(func(env common.RawEnvelope) { got = env.Meta.Type })

	body := []byte(`{"meta":{"id":"1"},"data":{"workflowId":"wf-1"}}`)
	tests := []struct {
		delivery amqp.Delivery
		want     string
	}{
		{amqp.Delivery{Body: body, RoutingKey: "workflow.wf-1.workflowClosed"}, collaboration.WorkflowClosed},
		{amqp.Delivery{Body: body, RoutingKey: "workflow.wf-1.workflowClosed", Type: collaboration.WorkflowOpened}, collaboration.WorkflowOpened},
		{amqp.Delivery{Body: body, RoutingKey: "workflow.team%2Ewf1.writeAccessAcquired"}, collaboration.WriteAccessAcquired},
		{amqp.Delivery{Body: body, RoutingKey: "garbage"}, ""},
		{amqp.Delivery{Body: body, RoutingKey: "workflow.wf-1.bogus"}, ""},
	}
	for _, tt := range tests {
		got = "unset"
		if err := e.consume(context.Background(), tt.delivery); err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("type for %q/%q = %q, want %q", tt.delivery.RoutingKey, tt.delivery.Type, got, tt.want)
		}
	}
}

func TestEventChannelConsumePoison(t *testing.T) {
	e := NewEventChannel(nil, EventChannelOptions{}, nil)
	err := e.consume(context.Background(), amqp.Delivery{Body: []byte("{not json")})
	if !errors.Is(err, ErrPoison) {
		t.Fatalf("err = %v, want ErrPoison", err)
	}
}

func TestEventChannelSendRejectsUnscoped(t *testing.T) {
	e := NewEventChannel(nil, EventChannelOptions{}, nil)
	err := e.Send(context.Background(), common.Envelope{Meta: common.NewMeta("x", ""), Data: map[string]string{}})
	if err == nil {
		t.Fatal("expected error for payload without workflow id")
	}
}

func TestEncode(t *testing.T) {
	c := &Client{config: RabbitMQConfig{AppID: "collabctl", MessageTTL: 30 * time.Second}}

	env := common.Envelope{Meta: common.NewMeta(collaboration.WorkflowOpened, "u7"), Data: collaboration.WorkflowOpenedV1{WorkflowID: "wf"}}
	pub, err := c.encode(env)
	if err != nil {
		t.Fatal(err)
	}
	if pub.CorrelationId != env.Meta.ID {
		t.Fatalf("correlation = %q, want fallback to id", pub.CorrelationId)
	}
	if pub.AppId != "u7" || pub.Type != collaboration.WorkflowOpened || pub.Expiration != "30000" {
		t.Fatalf("publishing = %+v", pub)
	}
	if pub.DeliveryMode != amqp.Transient {
		t.Fatal("coordination events must not be persisted")
	}
	if env.Meta.CorrelationID != nil {
		t.Fatal("encode mutated the caller's envelope")
	}

	anon := common.Envelope{Meta: common.NewMeta(collaboration.WorkflowOpened, ""), Data: collaboration.WorkflowOpenedV1{WorkflowID: "wf"}}
	pub, _ = c.encode(anon)
	if pub.AppId != "collabctl" {
		t.Fatalf("AppId = %q", pub.AppId)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := RabbitMQConfig{URL: "amqp://x"}.withDefaults()
	if c.Exchange != DefaultExchange || c.PublishPoolSize != 16 || c.ReconnectCap != 30*time.Second || c.MessageTTL != 30*time.Second {
		t.Fatalf("defaults = %+v", c)
	}
	keep := RabbitMQConfig{Exchange: "other", PublishPoolSize: 2}.withDefaults()
	if keep.Exchange != "other" || keep.PublishPoolSize != 2 {
		t.Fatalf("overrides lost: %+v", keep)
	}
}

func TestJitteredDelay(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := JitteredDelay(time.Second, 2*time.Second, 25)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("delay %v outside ±25%%", d)
		}
	}
	if d := JitteredDelay(10*time.Second, time.Second, 10); d != time.Second {
		t.Fatalf("cap not applied: %v", d)
	}
}

func TestExpiration(t *testing.T) {
	tests := map[time.Duration]string{0: "", -time.Second: "", 1500 * time.Millisecond: "1500"}
	for in, want := range tests {
		if got := expiration(in); got != want {
			t.Errorf("expiration(%v) = %q, want %q", in, got, want)
		}
	}
}
