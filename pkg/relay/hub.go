package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	collaboration "github.com/roboricindustries/raycon-collab/pkg/schemas/collaboration/v1"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 * 1024
	sendBuffer = 256
)

// client is one websocket connection.
type client struct {
	id   string
	user collaboration.User
	ws   *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	open map[string]struct{} // workflows this connection is present on
	subs map[string]struct{} // workflows this connection receives events for

	sendMu sync.Mutex
	closed bool
}

// setOpen records presence on wf. Opening also subscribes the
// connection to wf; closing leaves the subscription in place so a
// participant that announced an exit still learns who writes next.
func (c *client) setOpen(wf string, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if open {
		c.open[wf] = struct{}{}
		c.subs[wf] = struct{}{}
	} else {
		delete(c.open, wf)
	}
}

func (c *client) subscribed(wf string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[wf]
	return ok
}

func (c *client) isOpen(wf string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.open[wf]
	return ok
}

func (c *client) workflows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.open))
	for wf := range c.open {
		out = append(out, wf)
	}
	return out
}

// trySend queues payload without blocking. It reports false when the
// buffer is full or the connection is closing.
func (c *client) trySend(payload []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// hub is the set of connections on this replica.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{clients: make(map[*client]struct{}), log: log}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// userHasOpen reports whether another connection of userID still has wf
// open on this replica.
func (h *hub) userHasOpen(userID, wf string, except *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c != except && c.user.ID == userID && c.isOpen(wf) {
			return true
		}
	}
	return false
}

func (h *hub) userConnected(userID string, except *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c != except && c.user.ID == userID {
			return true
		}
	}
	return false
}

// deliver queues payload for every connection subscribed to wf. A
// connection whose buffer is full is dropped.
func (h *hub) deliver(wf string, payload []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.subscribed(wf) {
			continue
		}
		if !c.trySend(payload) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow connection", slog.String("conn", c.id), slog.String("user", c.user.ID))
		c.closeSend()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
