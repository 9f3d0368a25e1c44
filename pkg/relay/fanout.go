package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Fanout carries relay broadcasts to every replica, the publishing one
// included. Payloads are encoded envelopes.
type Fanout interface {
	Publish(ctx context.Context, payload []byte) error
	// Run delivers payloads to fn until ctx is done.
	Run(ctx context.Context, fn func(payload []byte)) error
	// Ready is closed once Run is delivering.
	Ready() <-chan struct{}
}

// LocalFanout serves a single replica.
type LocalFanout struct {
	mu    sync.RWMutex
	fn    func([]byte)
	ready chan struct{}
	once  sync.Once
}

func NewLocalFanout() *LocalFanout { return &LocalFanout{ready: make(chan struct{})} }

func (l *LocalFanout) Ready() <-chan struct{} { return l.ready }

func (l *LocalFanout) Publish(_ context.Context, payload []byte) error {
	l.mu.RLock()
	fn := l.fn
	l.mu.RUnlock()
	if fn != nil {
		fn(payload)
	}
	return nil
}

func (l *LocalFanout) Run(ctx context.Context, fn func([]byte)) error {
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
	l.once.Do(func() { close(l.ready) })
	<-ctx.Done()
	l.mu.Lock()
	l.fn = nil
	l.mu.Unlock()
	return ctx.Err()
}

// RedisFanout uses one Redis pub/sub channel shared by all replicas.
type RedisFanout struct {
	rdb     redis.UniversalClient
	channel string
	log     *slog.Logger
	ready   chan struct{}
	once    sync.Once
}

func NewRedisFanout(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisFanout {
	if channel == "" {
		channel = "collab:relay:events"
	}
	return &RedisFanout{rdb: rdb, channel: channel, log: orDiscard(logger), ready: make(chan struct{})}
}

func (r *RedisFanout) Publish(ctx context.Context, payload []byte) error {
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

func (r *RedisFanout) Run(ctx context.Context, fn func([]byte)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.once.Do(func() { close(r.ready) })
	r.log.Info("redis fanout subscribed", slog.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(msg.Payload))
		}
	}
}

// Ready is closed once the subscription is confirmed.
func (r *RedisFanout) Ready() <-chan struct{} { return r.ready }
