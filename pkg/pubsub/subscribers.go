package pubsub

import (
	"sync"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// Subscribers is the handler registry every event channel shares.
// Handlers run in registration order, without the registry lock held,
// so a handler may subscribe, unsubscribe or send. The zero value is
// ready to use.
type Subscribers struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []subscriber
}

type subscriber struct {
	id uint64
	fn func(common.RawEnvelope)
}

// Add registers fn. The returned func removes it and is safe to call
// more than once.
func (s *Subscribers) Add(fn func(common.RawEnvelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subscribers) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, h := range s.handlers {
		if h.id == id {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Deliver hands env to every handler registered when it was called and
// returns how many there were.
func (s *Subscribers) Deliver(env common.RawEnvelope) int {
	s.mu.Lock()
	fns := make([]func(common.RawEnvelope), len(s.handlers))
	for i, h := range s.handlers {
		fns[i] = h.fn
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
	return len(fns)
}

// Len returns the number of live handlers.
func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}
