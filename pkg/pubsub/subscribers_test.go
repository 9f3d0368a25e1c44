package pubsub

import (
	"testing"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

func TestSubscribersOrderAndRemoval(t *testing.T) {
	var s Subscribers
	var got []string
	record := func(name string) func(common.RawEnvelope) {
		return func(common.RawEnvelope) { got = append(got, name) }
	}
	s.Add(record("a"))
	removeB := s.Add(record("b"))
	s.Add(record("c"))

	if n := s.Deliver(common.RawEnvelope{}); n != 3 {
		t.Fatalf("Deliver = %d, want 3", n)
	}
	removeB()
	removeB()
	if s.Len() != 2 {
		t.Fatalf("Len = %d after removal", s.Len())
	}
	s.Deliver(common.RawEnvelope{})

	want := []string{"a", "b", "c", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSubscribersHandlerMayUnsubscribe(t *testing.T) {
	var s Subscribers
	calls := 0
	var remove func()
	remove = s.Add(func(common.RawEnvelope) {
		calls++
		remove()
	})
	s.Deliver(common.RawEnvelope{})
	s.Deliver(common.RawEnvelope{})
	if calls != 1 || s.Len() != 0 {
		t.Fatalf("calls = %d, len = %d", calls, s.Len())
	}
}
