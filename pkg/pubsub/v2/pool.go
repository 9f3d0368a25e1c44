package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// -----------------------------------------------------------------------------
// Channel pool (lean)
// -----------------------------------------------------------------------------

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

// ChannelPool keeps a bounded number of publisher channels alive.
// Invariant: len(permits) == total channels (idle + borrowed) <= capacity.
type ChannelPool struct {
	conn     *amqp.Connection
	pool     chan *amqp.Channel
	capacity int

	closed  atomic.Bool
	newChMu sync.Mutex
	permits chan struct{}
}

func NewChannelPool(conn *amqp.Connection, capacity int) (*ChannelPool, error) {
	if conn == nil {
		return nil, errConnClosed
	}
	if capacity <= 0 {
		capacity = 16
	}
	return &ChannelPool{
		conn:     conn,
		pool:     make(chan *amqp.Channel, capacity),
		capacity: capacity,
		permits:  make(chan struct{}, capacity),
	}, nil
}

// Borrow returns an idle channel or opens a new one while under capacity,
// waiting up to ctx for one to be returned otherwise.
func (cp *ChannelPool) Borrow(ctx context.Context, retryDelay time.Duration) (*amqp.Channel, error) {
	if cp.closed.Load() {
		return nil, errPoolClosed
	}
	retryDelay = durationOr(retryDelay, 50*time.Millisecond)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-cp.pool:
			if !ok {
				return nil, errPoolClosed
			}
			if !cp.conn.IsClosed() && !ch.IsClosed() {
				return ch, nil
			}
			// Stale: replace it under the permit it already holds.
			_ = SafeClose(ch)
			nch, err := cp.open()
			if err == nil {
				return nch, nil
			}
			<-cp.permits
			if err := sleepCtx(ctx, retryDelay); err != nil {
				return nil, err
			}

		default:
			if cp.conn.IsClosed() {
				return nil, errConnClosed
			}
			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.open()
				if err == nil {
					return nch, nil
				}
				<-cp.permits
				if err := sleepCtx(ctx, retryDelay); err != nil {
					return nil, err
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
}

func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if cp.closed.Load() || cp.conn.IsClosed() || ch.IsClosed() {
		_ = SafeClose(ch)
		cp.release()
		return
	}
	select {
	case cp.pool <- ch:
	default:
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) Close() {
	if cp.closed.Swap(true) {
		return
	}
	close(cp.pool)
	for ch := range cp.pool {
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.permits:
	default:
	}
}

func (cp *ChannelPool) open() (*amqp.Channel, error) {
	cp.newChMu.Lock()
	defer cp.newChMu.Unlock()
	if cp.conn.IsClosed() {
		return nil, errConnClosed
	}
	return cp.conn.Channel()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
