package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-collab/pkg/audit"
	"github.com/roboricindustries/raycon-collab/pkg/collab"
	"github.com/roboricindustries/raycon-collab/pkg/presence"
	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
	"github.com/roboricindustries/raycon-collab/pkg/transport/ws"
)

type testRelay struct {
	*Server
	http     *httptest.Server
	recorder *audit.Memory
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	rec := audit.NewMemory(50)
	s := New(Config{SweepInterval: time.Hour}, presence.NewTracker(presence.NewMemoryStore()), WithRecorder(rec))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	<-s.Ready()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testRelay{Server: s, http: srv, recorder: rec}
}

func (r *testRelay) wsURL(userID string) string {
	return "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws?userId=" + url.QueryEscape(userID)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type peer struct {
	c      *collab.Coordinator
	ws     *ws.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func join(t *testing.T, r *testRelay, userID string, opts ...collab.Option) *peer {
	t.Helper()
	cl := ws.New(ws.Options{URL: r.wsURL(userID), MaxBackoff: 100 * time.Millisecond})
	opts = append([]collab.Option{collab.WithTimings(collab.Timings{
		HandoffDelay:      20 * time.Millisecond,
		InactivityTimeout: time.Hour,
		ExitReopenDelay:   300 * time.Millisecond,
	})}, opts...)
	c, err := collab.New(collab.Config{
		Channel:  cl,
		Identity: collab.StaticIdentity(userID),
		Workflow: collab.StaticWorkflow("wf"),
	}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{c: c, ws: cl, cancel: cancel, done: make(chan struct{})}
	go func() {
		_ = cl.Run(ctx)
		close(p.done)
	}()
	c.Start(context.Background())
	t.Cleanup(func() {
		c.Stop(context.Background())
		p.crash()
	})
	return p
}

// crash drops the connection without a clean stop.
func (p *peer) crash() {
	p.cancel()
	_ = p.ws.Close()
	<-p.done
}

func rosterIDs(c *collab.Coordinator) string {
	var ids []string
	for _, x := range c.Collaborators() {
		ids = append(ids, x.User.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func TestRelayEndToEnd(t *testing.T) {
	r := startRelay(t)
	u1 := join(t, r, "u1")
	eventually(t, "u1 in roster", func() bool { return rosterIDs(u1.c) == "u1" })
	u2 := join(t, r, "u2")
	eventually(t, "both rosters", func() bool { return rosterIDs(u1.c) == "u1,u2" && rosterIDs(u2.c) == "u1,u2" })

	if !u1.c.Acquire(context.Background()) {
		t.Fatal("u1 could not acquire")
	}
	eventually(t, "u2 read-only", func() bool { return u2.c.IsReadOnly() && u2.c.CurrentWriterID() == "u1" })
	eventually(t, "relay writer", func() bool { return r.Writer("wf") == "u1" })
	if u2.c.Acquire(context.Background()) {
		t.Fatal("u2 acquired while u1 writes")
	}

	// u1 vanishes while holding the lock; the relay releases for it and
	// u2 takes over.
	u1.crash()
	eventually(t, "u2 writer", func() bool { return u2.c.IsLocalWriter() })
	eventually(t, "roster without u1", func() bool { return rosterIDs(u2.c) == "u2" })
	eventually(t, "relay writer u2", func() bool { return r.Writer("wf") == "u2" })

	resp, err := http.Get(r.http.URL + "/workflows/wf/collaborators")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body collaboratorsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Writer != "u2" || len(body.Collaborators) != 1 || body.Collaborators[0].User.ID != "u2" {
		t.Fatalf("collaborators = %+v", body)
	}

	history, _ := r.recorder.History(context.Background(), "wf", 0)
	found := false
	for _, ev := range history {
		if ev.Type == collaboration.WriteAccessReleased && ev.UserID == "u1" && ev.Detail == "disconnected" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no disconnect release in history: %+v", history)
	}
}

// exitHook is a single registered page-exit callback.
type exitHook struct {
	mu sync.Mutex
	fn func()
}

func (h *exitHook) RegisterExitHook(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.fn = nil
	}
}

func (h *exitHook) fire() {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func TestRelayCancelledExitKeepsSingleWriter(t *testing.T) {
	r := startRelay(t)
	hook := &exitHook{}
	u1 := join(t, r, "u1", collab.WithExitHooks(hook),
		collab.WithUnsavedState(collab.UnsavedFunc(func() bool { return true })))
	u2 := join(t, r, "u2")
	eventually(t, "both rosters", func() bool { return rosterIDs(u1.c) == "u1,u2" && rosterIDs(u2.c) == "u1,u2" })

	if !u1.c.Acquire(context.Background()) {
		t.Fatal("u1 could not acquire")
	}
	eventually(t, "u2 read-only", func() bool { return u2.c.CurrentWriterID() == "u1" })

	// u1 announces an exit, u2 inherits the lock, then u1 stays after all.
	hook.fire()
	eventually(t, "u2 writer", func() bool { return u2.c.IsLocalWriter() })
	eventually(t, "u1 sees u2", func() bool { return u1.c.CurrentWriterID() == "u2" })
	eventually(t, "u1 back in roster", func() bool { return rosterIDs(u2.c) == "u1,u2" && rosterIDs(u1.c) == "u1,u2" })

	if u1.c.IsLocalWriter() {
		t.Fatal("u1 and u2 both hold write access")
	}
	if !u1.c.IsReadOnly() {
		t.Fatalf("u1 state = %v", u1.c.State())
	}
	if u1.c.Acquire(context.Background()) {
		t.Fatal("u1 acquired while u2 writes")
	}
}

func TestRelayCleanStop(t *testing.T) {
	r := startRelay(t)
	u1 := join(t, r, "u1")
	u2 := join(t, r, "u2")
	eventually(t, "rosters", func() bool { return rosterIDs(u2.c) == "u1,u2" })

	u2.c.Acquire(context.Background())
	eventually(t, "u1 sees u2", func() bool { return u1.c.CurrentWriterID() == "u2" })

	u2.c.Stop(context.Background())
	eventually(t, "u1 takes over", func() bool { return u1.c.IsLocalWriter() })
	eventually(t, "u1 alone", func() bool { return rosterIDs(u1.c) == "u1" })
}

func dialRaw(t *testing.T, r *testRelay, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL(userID), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEnv(t *testing.T, conn *websocket.Conn, eventType, producer string, data any) {
	t.Helper()
	if err := conn.WriteJSON(common.Envelope{Meta: common.NewMeta(eventType, producer), Data: data}); err != nil {
		t.Fatal(err)
	}
}

func readEnv(t *testing.T, conn *websocket.Conn) common.RawEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env common.RawEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestRelayRejectsForeignAcquire(t *testing.T) {
	r := startRelay(t)
	conn := dialRaw(t, r, "u1")
	writeEnv(t, conn, collaboration.WorkflowOpened, "u1", collaboration.WorkflowOpenedV1{WorkflowID: "wf"})
	if env := readEnv(t, conn); env.Meta.Type != collaboration.CollaboratorsChanged {
		t.Fatalf("got %q", env.Meta.Type)
	}

	writeEnv(t, conn, collaboration.WriteAccessAcquired, "u1", collaboration.WriteAccessAcquiredV1{WorkflowID: "wf", UserID: "u9"})
	// A heartbeat answers with the roster; frames are handled in order,
	// so the bad acquire has been processed by the time it arrives.
	writeEnv(t, conn, collaboration.WorkflowOpened, "u1", collaboration.WorkflowOpenedV1{WorkflowID: "wf"})
	if env := readEnv(t, conn); env.Meta.Type != collaboration.CollaboratorsChanged {
		t.Fatalf("got %q, want the roster and no acquire echo", env.Meta.Type)
	}
	if w := r.Writer("wf"); w != "" {
		t.Fatalf("writer = %q", w)
	}
}

func TestRelayStampsReleaser(t *testing.T) {
	r := startRelay(t)
	conn := dialRaw(t, r, "u1")
	writeEnv(t, conn, collaboration.WorkflowOpened, "u1", collaboration.WorkflowOpenedV1{WorkflowID: "wf"})
	readEnv(t, conn)

	writeEnv(t, conn, collaboration.WriteAccessReleased, "u1", collaboration.WriteAccessReleasedV1{WorkflowID: "wf"})
	env := readEnv(t, conn)
	m, err := common.Decode[collaboration.WriteAccessReleasedV1](env)
	if err != nil {
		t.Fatal(err)
	}
	if m.UserID != "u1" || env.Meta.ProducerID() != "u1" {
		t.Fatalf("release = %+v from %q", m, env.Meta.ProducerID())
	}
}

func TestRelayHTTP(t *testing.T) {
	r := startRelay(t)
	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/ws", http.StatusBadRequest},
		{"/workflows/wf/collaborators", http.StatusOK},
		{"/workflows/wf/history?limit=5", http.StatusOK},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Get(r.http.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, resp.StatusCode, tt.want)
		}
	}
}
