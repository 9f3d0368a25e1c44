// Package relay is the presence and fan-out server coordinators connect
// to over websocket. It maintains rosters from workflowOpened and
// workflowClosed, rebroadcasts write-lock events to everyone viewing the
// workflow, and releases the lock on behalf of a writer whose connection
// drops.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roboricindustries/raycon-collab/pkg/audit"
	"github.com/roboricindustries/raycon-collab/pkg/presence"
	"github.com/roboricindustries/raycon-collab/pkg/pubsub"
	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
	"github.com/roboricindustries/raycon-collab/pkg/schemas/common"
)

const producer = "relay"

type Config struct {
	Addr          string
	SweepInterval time.Duration
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	tracker  *presence.Tracker
	fanout   Fanout
	recorder audit.Recorder
	hub      *hub
	router   *pubsub.Router
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	writers map[string]string // workflow -> user id, as last broadcast
}

type Option func(*Server)

func WithFanout(f Fanout) Option { return func(s *Server) { s.fanout = f } }

func WithRecorder(r audit.Recorder) Option { return func(s *Server) { s.recorder = r } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func New(cfg Config, tracker *presence.Tracker, opts ...Option) *Server {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	s := &Server{
		cfg:      cfg,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracker:  tracker,
		recorder: audit.Nop{},
		writers:  make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fanout == nil {
		s.fanout = NewLocalFanout()
	}
	s.log = s.log.With(slog.String("component", "relay"))
	s.hub = newHub(s.log)

	s.router = pubsub.NewRouter(s.log)
	s.router.RegisterHandler(collaboration.WorkflowOpened, pubsub.JSONHandler(s.onOpened))
	s.router.RegisterHandler(collaboration.WorkflowClosed, pubsub.JSONHandler(s.onClosed))
	s.router.RegisterHandler(collaboration.WriteAccessAcquired, pubsub.JSONHandler(s.onAcquired))
	s.router.RegisterHandler(collaboration.WriteAccessReleased, pubsub.JSONHandler(s.onReleased))
	return s
}

// Handler exposes the websocket endpoint and the read-only HTTP API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/collaborators", s.getCollaborators).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}/history", s.getHistory).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	return r
}

// Run consumes the fanout and sweeps presence until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	go s.tracker.Run(ctx, s.cfg.SweepInterval, func(wf string) {
		s.broadcastRoster(ctx, wf)
	})
	err := s.fanout.Run(ctx, s.onFanout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ListenAndServe runs the HTTP server and Run together.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	go func() { errCh <- s.Run(ctx) }()
	go func() {
		s.log.Info("relay listening", slog.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// userFrom reads the participant from the query string.
func userFrom(r *http.Request) (collaboration.User, bool) {
	q := r.URL.Query()
	u := collaboration.User{
		ID:        q.Get("userId"),
		Email:     q.Get("email"),
		FirstName: q.Get("firstName"),
		LastName:  q.Get("lastName"),
	}
	return u, u.ID != ""
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", slog.Any("err", err))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		user: user,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		open: make(map[string]struct{}),
		subs: make(map[string]struct{}),
	}
	s.hub.add(c)
	s.log.Info("connected", slog.String("conn", c.id), slog.String("user", user.ID))
	go c.writePump()
	s.readPump(c)
}

type connKey struct{}

func connFrom(ctx context.Context) *client {
	c, _ := ctx.Value(connKey{}).(*client)
	return c
}

func (s *Server) readPump(c *client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.disconnect(c)

	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx = context.WithValue(ctx, connKey{}, c)
	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		// Any frame proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env common.RawEnvelope
		if err := json.Unmarshal(buf, &env); err != nil {
			s.log.Warn("undecodable frame", slog.String("conn", c.id), slog.Any("err", err))
			continue
		}
		_ = s.router.Dispatch(ctx, env)
	}
}

// disconnect forgets c, removes its user from the workflows only it had
// open and releases any lock the user held and can no longer release.
func (s *Server) disconnect(c *client) {
	s.hub.remove(c)
	c.closeSend()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Info("disconnected", slog.String("conn", c.id), slog.String("user", c.user.ID))

	for _, wf := range c.workflows() {
		if s.hub.userHasOpen(c.user.ID, wf, c) {
			continue
		}
		changed, err := s.tracker.Closed(ctx, wf, c.user.ID)
		if err != nil {
			s.log.Error("presence close failed", slog.String("workflow", wf), slog.Any("err", err))
			continue
		}
		if changed {
			s.broadcastRoster(ctx, wf)
		}
	}

	if s.hub.userConnected(c.user.ID, c) {
		return
	}
	for _, wf := range s.heldBy(c.user.ID) {
		s.log.Info("releasing for disconnected writer", slog.String("workflow", wf), slog.String("user", c.user.ID))
		s.record(ctx, audit.Event{WorkflowID: wf, Type: collaboration.WriteAccessReleased, UserID: c.user.ID, Detail: "disconnected"})
		s.broadcast(ctx, collaboration.WriteAccessReleased, c.user.ID,
			collaboration.WriteAccessReleasedV1{WorkflowID: wf, UserID: c.user.ID})
	}
}

func (s *Server) heldBy(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for wf, w := range s.writers {
		if w == userID {
			out = append(out, wf)
		}
	}
	return out
}

func (s *Server) onOpened(ctx context.Context, _ common.Meta, m collaboration.WorkflowOpenedV1) error {
	c := connFrom(ctx)
	if c == nil {
		return nil
	}
	c.setOpen(m.WorkflowID, true)
	changed, err := s.tracker.Opened(ctx, m.WorkflowID, c.user)
	if err != nil {
		return err
	}
	if changed {
		s.record(ctx, audit.Event{WorkflowID: m.WorkflowID, Type: collaboration.WorkflowOpened, UserID: c.user.ID})
		s.broadcastRoster(ctx, m.WorkflowID)
	} else {
		// A heartbeat or reconnect: resend the roster to this connection.
		s.sendRoster(ctx, c, m.WorkflowID)
	}
	return nil
}

func (s *Server) onClosed(ctx context.Context, _ common.Meta, m collaboration.WorkflowClosedV1) error {
	c := connFrom(ctx)
	if c == nil {
		return nil
	}
	c.setOpen(m.WorkflowID, false)
	if s.hub.userHasOpen(c.user.ID, m.WorkflowID, c) {
		return nil
	}
	changed, err := s.tracker.Closed(ctx, m.WorkflowID, c.user.ID)
	if err != nil {
		return err
	}
	if changed {
		s.record(ctx, audit.Event{WorkflowID: m.WorkflowID, Type: collaboration.WorkflowClosed, UserID: c.user.ID})
		s.broadcastRoster(ctx, m.WorkflowID)
	}
	return nil
}

func (s *Server) onAcquired(ctx context.Context, _ common.Meta, m collaboration.WriteAccessAcquiredV1) error {
	c := connFrom(ctx)
	if c == nil {
		return nil
	}
	if m.UserID != c.user.ID {
		s.log.Warn("acquire on behalf of another user rejected", slog.String("conn", c.id), slog.String("claimed", m.UserID))
		return pubsub.ErrPoison
	}
	s.record(ctx, audit.Event{WorkflowID: m.WorkflowID, Type: collaboration.WriteAccessAcquired, UserID: m.UserID})
	s.broadcast(ctx, collaboration.WriteAccessAcquired, c.user.ID, m)
	return nil
}

func (s *Server) onReleased(ctx context.Context, _ common.Meta, m collaboration.WriteAccessReleasedV1) error {
	c := connFrom(ctx)
	if c == nil {
		return nil
	}
	if m.UserID == "" {
		m.UserID = c.user.ID
	}
	s.record(ctx, audit.Event{WorkflowID: m.WorkflowID, Type: collaboration.WriteAccessReleased, UserID: m.UserID})
	s.broadcast(ctx, collaboration.WriteAccessReleased, c.user.ID, m)
	return nil
}

// broadcast publishes a workflow event to every replica.
func (s *Server) broadcast(ctx context.Context, eventType, from string, data collaboration.Scoped) {
	buf, err := json.Marshal(common.Envelope{Meta: common.NewMeta(eventType, from), Data: data})
	if err != nil {
		s.log.Error("encode broadcast", slog.String("type", eventType), slog.Any("err", err))
		return
	}
	if err := s.fanout.Publish(ctx, buf); err != nil {
		s.log.Error("fanout publish failed", slog.String("type", eventType), slog.Any("err", err))
	}
}

func (s *Server) broadcastRoster(ctx context.Context, wf string) {
	roster, err := s.tracker.Roster(ctx, wf)
	if err != nil {
		s.log.Error("roster failed", slog.String("workflow", wf), slog.Any("err", err))
		return
	}
	s.broadcast(ctx, collaboration.CollaboratorsChanged, producer, roster)
}

func (s *Server) sendRoster(ctx context.Context, c *client, wf string) {
	roster, err := s.tracker.Roster(ctx, wf)
	if err != nil {
		return
	}
	buf, err := json.Marshal(common.Envelope{Meta: common.NewMeta(collaboration.CollaboratorsChanged, producer), Data: roster})
	if err != nil {
		return
	}
	c.trySend(buf)
}

// onFanout runs on every replica for every broadcast. It updates the
// writer table and delivers to local viewers.
func (s *Server) onFanout(payload []byte) {
	var env common.RawEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.log.Warn("undecodable fanout payload", slog.Any("err", err))
		return
	}
	var scoped struct {
		WorkflowID string `json:"workflowId"`
		UserID     string `json:"userId"`
	}
	if err := json.Unmarshal(env.Data, &scoped); err != nil || scoped.WorkflowID == "" {
		return
	}

	switch env.Meta.Type {
	case collaboration.WriteAccessAcquired:
		s.mu.Lock()
		s.writers[scoped.WorkflowID] = scoped.UserID
		s.mu.Unlock()
	case collaboration.WriteAccessReleased:
		s.mu.Lock()
		delete(s.writers, scoped.WorkflowID)
		s.mu.Unlock()
	}
	s.hub.deliver(scoped.WorkflowID, payload)
}

// Ready is closed once broadcasts are being delivered.
func (s *Server) Ready() <-chan struct{} { return s.fanout.Ready() }

// Writer returns the user last seen acquiring wf, "" when none.
func (s *Server) Writer(wf string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writers[wf]
}

func (s *Server) record(ctx context.Context, ev audit.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := s.recorder.Record(ctx, ev); err != nil {
		s.log.Warn("audit record failed", slog.Any("err", err))
	}
}

type collaboratorsResponse struct {
	WorkflowID    string                       `json:"workflowId"`
	Writer        string                       `json:"writer,omitempty"`
	Collaborators []collaboration.Collaborator `json:"collaborators"`
}

func (s *Server) getCollaborators(w http.ResponseWriter, r *http.Request) {
	wf := mux.Vars(r)["id"]
	roster, err := s.tracker.Roster(r.Context(), wf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, collaboratorsResponse{
		WorkflowID:    wf,
		Writer:        s.Writer(wf),
		Collaborators: roster.Collaborators,
	})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.recorder.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": s.hub.count()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
