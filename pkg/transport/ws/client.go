// Package ws is the websocket event channel between a coordinator and the
// relay. It reconnects with exponential backoff and queues outbound
// events while disconnected.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-collab/pkg/pubsub"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

var (
	ErrClosed    = errors.New("ws: client closed")
	ErrQueueFull = errors.New("ws: outbound queue full")
)

const defaultWriteTimeout = 10 * time.Second

type Options struct {
	URL        string
	Header     http.Header
	QueueSize  int           // outbound messages held while disconnected, default 256
	MaxBackoff time.Duration // reconnect backoff cap, default 30s
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Client is safe for concurrent use.
type Client struct {
	opts Options
	log  *slog.Logger

	subs pubsub.Subscribers
	done chan struct{} // closed by Close

	mu     sync.Mutex
	conn   *websocket.Conn
	queue  [][]byte
	closed bool

	// writeMu serialises writers; gorilla allows one at a time.
	writeMu sync.Mutex
}

func New(opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		opts: opts,
		log:  log.With(slog.String("component", "ws"), slog.String("url", opts.URL)),
		done: make(chan struct{}),
	}
}

// Run keeps a connection up until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	for {
		if c.isClosed() {
			return ErrClosed
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.attach(conn); err != nil {
			c.log.Warn("flush after connect failed", slog.Any("err", err))
			continue
		}
		c.log.Info("connected")
		c.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("disconnected, reconnecting")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	var conn *websocket.Conn
	op := func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		cn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.log.Warn("dial failed", slog.Any("err", err), slog.Duration("retry_in", d))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return conn, nil
	}
	if errors.Is(err, ErrClosed) {
		return nil, err
	}
	// The backoff stops as soon as its next wait would pass the ctx
	// deadline, which can be before ctx itself is done.
	c.log.Debug("dial gave up", slog.Any("err", err))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// attach flushes the queue in order, then publishes conn for direct sends.
func (c *Client) attach(conn *websocket.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return ErrClosed
		}
		if len(c.queue) == 0 {
			c.conn = conn
			c.mu.Unlock()
			return nil
		}
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, msg := range pending {
			if err := c.write(conn, msg, time.Now().Add(defaultWriteTimeout)); err != nil {
				c.mu.Lock()
				c.queue = append(pending[i:], c.queue...)
				c.mu.Unlock()
				_ = conn.Close()
				return err
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer c.detach(conn)

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				c.log.Debug("read failed", slog.Any("err", err))
			}
			return
		}
		var env common.RawEnvelope
		if err := json.Unmarshal(buf, &env); err != nil {
			c.log.Warn("dropped undecodable message", slog.Any("err", err))
			continue
		}
		c.deliver(env)
	}
}

// detach forgets conn if it is still the current one.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) write(conn *websocket.Conn, msg []byte, deadline time.Time) error {
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// Send writes msg now when connected, otherwise queues it for the next
// connection. A failed write also queues it.
func (c *Client) Send(ctx context.Context, msg common.Envelope) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		err := c.enqueueLocked(buf)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.write(conn, buf, deadline); err != nil {
		c.log.Warn("write failed, queued", slog.String("type", msg.Meta.Type), slog.Any("err", err))
		c.detach(conn)
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.enqueueLocked(buf)
	}
	return nil
}

func (c *Client) enqueueLocked(buf []byte) error {
	if len(c.queue) >= c.opts.QueueSize {
		return ErrQueueFull
	}
	c.queue = append(c.queue, buf)
	return nil
}

// Subscribe registers handler for inbound events. The returned func is
// idempotent.
func (c *Client) Subscribe(handler func(common.RawEnvelope)) func() {
	return c.subs.Add(handler)
}

func (c *Client) deliver(env common.RawEnvelope) { c.subs.Deliver(env) }

// ClearQueue drops everything queued while disconnected.
func (c *Client) ClearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.queue); n > 0 {
		c.log.Debug("cleared outbound queue", slog.Int("dropped", n))
	}
	c.queue = nil
}

// Pending reports how many messages wait for a connection.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close sends a close frame when connected and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
