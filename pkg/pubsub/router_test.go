package pubsub

import (
	"context"
	"errors"
	"testing"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

type testPayload struct {
	WorkflowID string `json:"workflowId"`
}

func (p *testPayload) Validate() error {
	if p.WorkflowID == "" {
		return errors.New("workflowId required")
	}
	return nil
}

func rawOf(t *testing.T, typ string, data any) common.RawEnvelope {
	t.Helper()
	raw, err := common.ToRaw(common.Envelope{Meta: common.NewMeta(typ, "u1"), Data: data})
	if err != nil {
		t.Fatalf("ToRaw failed: %v", err)
	}
	return raw
}

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter(nil)

	var got testPayload
	var gotProducer string
	r.RegisterHandler("workflowOpened", JSONHandler(func(_ context.Context, meta common.Meta, p testPayload) error {
		got = p
		gotProducer = meta.ProducerID()
		return nil
	}))

	if err := r.Dispatch(context.Background(), rawOf(t, "workflowOpened", testPayload{WorkflowID: "wf1"})); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.WorkflowID != "wf1" {
		t.Errorf("handler got %+v", got)
	}
	if gotProducer != "u1" {
		t.Errorf("producer = %q, want u1", gotProducer)
	}
}

func TestRouter_NoHandler(t *testing.T) {
	r := NewRouter(nil)
	err := r.Dispatch(context.Background(), rawOf(t, "unknown", testPayload{WorkflowID: "wf1"}))
	if !errors.Is(err, ErrNoHandler) {
		t.Errorf("err = %v, want ErrNoHandler", err)
	}
}

func TestRouter_PoisonOnDecodeAndValidation(t *testing.T) {
	r := NewRouter(nil)
	called := false
	r.RegisterHandler("x", JSONHandler(func(context.Context, common.Meta, testPayload) error {
		called = true
		return nil
	}))

	tests := []struct {
		name string
		env  common.RawEnvelope
	}{
		{name: "malformed", env: common.RawEnvelope{Meta: common.Meta{Type: "x"}, Data: []byte("{")}},
		{name: "invalid", env: rawOf(t, "x", testPayload{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch(context.Background(), tt.env)
			if !errors.Is(err, ErrPoison) {
				t.Errorf("err = %v, want ErrPoison", err)
			}
		})
	}
	if called {
		t.Error("handler must not run for poison messages")
	}
}

func TestRouter_EventTypesSorted(t *testing.T) {
	r := NewRouter(nil)
	noop := func(context.Context, common.RawEnvelope) error { return nil }
	r.RegisterHandler("writeAccessReleased", noop)
	r.RegisterHandler("collaboratorsChanged", noop)
	r.RegisterHandler("writeAccessAcquired", noop)

	got := r.EventTypes()
	want := []string{"collaboratorsChanged", "writeAccessAcquired", "writeAccessReleased"}
	if len(got) != len(want) {
		t.Fatalf("EventTypes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("EventTypes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
