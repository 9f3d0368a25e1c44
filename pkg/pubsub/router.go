package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

var (
	// ErrPoison indicates non-retriable "bad content" (e.g., JSON decode fail).
	ErrPoison = errors.New("poison message")
	// ErrNoHandler is returned by Dispatch for an unregistered event type.
	ErrNoHandler = errors.New("no handler")
)

type HandlerFunc func(ctx context.Context, env common.RawEnvelope) error

// Router is the dispatch table from event type to handler.
type Router struct {
	mu       sync.RWMutex
	log      *slog.Logger
	handlers map[string]HandlerFunc
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		log:      orDiscard(logger),
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterHandler replaces any handler already registered for eventType.
func (r *Router) RegisterHandler(eventType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// EventTypes returns the registered types, sorted.
func (r *Router) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dispatch runs the handler for env.Meta.Type.
func (r *Router) Dispatch(ctx context.Context, env common.RawEnvelope) error {
	r.mu.RLock()
	handler, ok := r.handlers[env.Meta.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Warn("no handler", slog.String("type", env.Meta.Type), slog.String("id", env.Meta.ID))
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Meta.Type)
	}
	if err := handler(ctx, env); err != nil {
		r.log.Error("handler error", slog.String("type", env.Meta.Type), slog.Any("err", err))
		return err
	}
	return nil
}

type validator interface{ Validate() error }

// JSONHandler wraps a typed handler and turns decode or validation
// failure into ErrPoison.
func JSONHandler[T any](h func(context.Context, common.Meta, T) error) HandlerFunc {
	return func(ctx context.Context, env common.RawEnvelope) error {
		v, err := common.Decode[T](env)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		if val, ok := any(&v).(validator); ok {
			if err := val.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrPoison, err)
			}
		}
		return h(ctx, env.Meta, v)
	}
}
