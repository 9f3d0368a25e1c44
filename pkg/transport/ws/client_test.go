package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

// echoServer records every frame it reads and can push frames to the
// connected client.
type echoServer struct {
	*httptest.Server
	received chan common.RawEnvelope
	conns    chan *websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{
		received: make(chan common.RawEnvelope, 16),
		conns:    make(chan *websocket.Conn, 4),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, buf, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env common.RawEnvelope
			if json.Unmarshal(buf, &env) == nil {
				s.received <- env
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func opened(wf string) common.Envelope {
	return common.Envelope{Meta: common.NewMeta(collaboration.WorkflowOpened, "u1"), Data: collaboration.WorkflowOpenedV1{WorkflowID: wf}}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestQueuedWhileDisconnectedFlushesInOrder(t *testing.T) {
	srv := newEchoServer(t)
	c := New(Options{URL: srv.wsURL()})

	for _, wf := range []string{"a", "b", "c"} {
		if err := c.Send(context.Background(), opened(wf)); err != nil {
			t.Fatal(err)
		}
	}
	if c.Pending() != 3 {
		t.Fatalf("pending = %d", c.Pending())
	}

	runClient(t, c)
	for _, want := range []string{"a", "b", "c"} {
		env := waitFor(t, srv.received)
		m, err := common.Decode[collaboration.WorkflowOpenedV1](env)
		if err != nil || m.WorkflowID != want {
			t.Fatalf("got %+v (%v), want workflow %q", m, err, want)
		}
	}
}

func TestSendAndReceiveWhileConnected(t *testing.T) {
	srv := newEchoServer(t)
	c := New(Options{URL: srv.wsURL()})
	got := make(chan common.RawEnvelope, 1)
	c.Subscribe(func(env common.RawEnvelope) { got <- env })
	runClient(t, c)

	server := waitFor(t, srv.conns)
	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := c.Send(context.Background(), opened("wf")); err != nil {
		t.Fatal(err)
	}
	if env := waitFor(t, srv.received); env.Meta.Type != collaboration.WorkflowOpened {
		t.Fatalf("server got %q", env.Meta.Type)
	}

	push, _ := json.Marshal(common.Envelope{
		Meta: common.NewMeta(collaboration.CollaboratorsChanged, "relay"),
		Data: collaboration.CollaboratorsChangedV1{WorkflowID: "wf"},
	})
	if err := server.WriteMessage(websocket.TextMessage, push); err != nil {
		t.Fatal(err)
	}
	if env := waitFor(t, got); env.Meta.Type != collaboration.CollaboratorsChanged {
		t.Fatalf("client got %q", env.Meta.Type)
	}
}

func TestClearQueueAndLimits(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/unused", QueueSize: 2})
	ctx := context.Background()
	if err := c.Send(ctx, opened("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, opened("b")); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, opened("c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	c.ClearQueue()
	if c.Pending() != 0 {
		t.Fatalf("pending = %d after clear", c.Pending())
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, opened("d")); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := c.Run(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Run after Close = %v", err)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c := New(Options{})
	calls := 0
	unsub := c.Subscribe(func(common.RawEnvelope) { calls++ })
	c.deliver(common.RawEnvelope{})
	unsub()
	unsub()
	c.deliver(common.RawEnvelope{})
	if calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestRunStopsOnContextWhileDialing(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/unreachable", MaxBackoff: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
}

func TestRunStopsOnCloseWhileDialing(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/unreachable", MaxBackoff: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	_ = c.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Run = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
