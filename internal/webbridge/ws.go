package webbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rhythmsession/server/internal/engine"
	"github.com/rhythmsession/server/internal/model"
)

// broadcastCoalesceWindow is the minimum gap between two catalog
// broadcasts: RoomChanged may fire many times per room per second, but
// the hub folds every trailing call inside the window into one flush.
const broadcastCoalesceWindow = 100 * time.Millisecond

const statsInterval = 10 * time.Second

// wsMessage is the envelope every message on the connection uses in both
// directions, text frames, JSON.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type getRoomDetailsPayload struct {
	RoomID string `json:"roomId"`
}

// client is one connected spectator socket: a buffered outbound queue fed
// by the hub, and an optional single room subscription for the
// roomDetails push.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	roomID string
}

func (c *client) subscribe(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *client) subscribedTo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		// slow consumer; drop rather than block the broadcast loop.
	}
}

// hub fans out the room catalog to every connected spectator socket. It
// implements engine.RoomChangeHook so the engine can notify it without
// importing this package back.
type hub struct {
	eng *engine.Engine
	log *zap.Logger

	mu           sync.Mutex
	clients      map[*client]struct{}
	changedRooms map[string]struct{}

	dirty    chan struct{}
	lastSent time.Time

	statusFn       func() []byte
	allowedOrigins func() []string
}

func (h *hub) roomByID(roomID string) (model.Room, bool) {
	for _, r := range h.eng.RoomCatalog() {
		if r.ID == roomID {
			return r, true
		}
	}
	return model.Room{}, false
}

var _ engine.RoomChangeHook = (*hub)(nil)

func newHub(eng *engine.Engine, log *zap.Logger) *hub {
	return &hub{
		eng:          eng,
		log:          log,
		clients:      make(map[*client]struct{}),
		changedRooms: make(map[string]struct{}),
		dirty:        make(chan struct{}, 1),
	}
}

// RoomChanged implements engine.RoomChangeHook. It may fire many times
// per room per second; the room id is recorded so the next flush can
// refresh both the catalog broadcast and any roomDetails subscriber for
// exactly the rooms that changed, and the flush itself is coalesced to
// at most once per broadcastCoalesceWindow.
func (h *hub) RoomChanged(roomID string) {
	h.mu.Lock()
	h.changedRooms[roomID] = struct{}{}
	h.mu.Unlock()
	select {
	case h.dirty <- struct{}{}:
	default:
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

func (h *hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
}

func (h *hub) broadcastRoomDetails(roomID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.subscribedTo() == roomID {
			c.enqueue(payload)
		}
	}
}

// run drives the throttled catalog broadcast and the periodic stats push
// until ctx is canceled. A timer armed on the first RoomChanged since the
// last flush ensures the coalesce window is honored even under a steady
// stream of changes.
func (h *hub) run(ctx context.Context) {
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	var flushTimer *time.Timer
	var flushCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if flushTimer != nil {
				flushTimer.Stop()
			}
			return
		case <-h.dirty:
			if flushCh != nil {
				continue // a flush is already armed for this window
			}
			wait := broadcastCoalesceWindow - time.Since(h.lastSent)
			if wait < 0 {
				wait = 0
			}
			flushTimer = time.NewTimer(wait)
			flushCh = flushTimer.C
		case <-flushCh:
			flushCh = nil
			h.lastSent = time.Now()
			h.flushRoomList()
			h.flushRoomDetails()
		case <-statsTicker.C:
			h.flushStats()
		}
	}
}

func (h *hub) flushRoomList() {
	if h.statusFn == nil {
		return
	}
	h.broadcast(h.statusFn())
}

// flushRoomDetails pushes a fresh roomDetails message to every client
// subscribed to a room that changed since the last flush, then clears
// the changed set for the next window.
func (h *hub) flushRoomDetails() {
	h.mu.Lock()
	changed := h.changedRooms
	h.changedRooms = make(map[string]struct{})
	h.mu.Unlock()

	for roomID := range changed {
		room, ok := h.roomByID(roomID)
		if !ok {
			continue
		}
		raw, err := json.Marshal(wsMessage{Type: "roomDetails", Payload: mustJSON(toRoomView(room))})
		if err != nil {
			continue
		}
		h.broadcastRoomDetails(roomID, raw)
	}
}

func (h *hub) flushStats() {
	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	payload, err := json.Marshal(wsMessage{Type: "serverStats", Payload: mustJSON(statsPayload{ViewerCount: n})})
	if err != nil {
		return
	}
	h.broadcast(payload)
}

type statsPayload struct {
	ViewerCount int `json:"viewerCount"`
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

var upgrader = websocket.Upgrader{
	WriteBufferPool: &sync.Pool{New: func() any { return make([]byte, 4096) }},
}

// registerWsStatus installs the hub's roomList message builder, which
// serializes the currently visible rooms.
func (s *Server) registerWsStatus() {
	s.hub.statusFn = func() []byte {
		raw, err := json.Marshal(wsMessage{Type: "roomList", Payload: mustJSON(s.visibleRooms())})
		if err != nil {
			return nil
		}
		return raw
	}
}

// serveWs upgrades to a WebSocket, sends an initial room-list snapshot,
// then relays inbound getRoomDetails subscription requests until the
// peer disconnects. Origin checking reuses the same allow-list rule as
// the HTTP CORS middleware: no Origin header (non-browser client) is
// allowed through, a present one must scheme+host match an allowed entry.
func (h *hub) serveWs(c *gin.Context) {
	allowed := h.allowedOrigins
	upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(origin, allowed())
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, 32)}
	h.add(cl)

	go h.writePump(cl)
	if h.statusFn != nil {
		cl.enqueue(h.statusFn())
	}
	h.readPump(cl)
}

func (h *hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (h *hub) readPump(c *client) {
	defer h.remove(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type != "getRoomDetails" {
			continue
		}
		var payload getRoomDetailsPayload
		if json.Unmarshal(msg.Payload, &payload) != nil {
			continue
		}
		c.subscribe(payload.RoomID)
		if room, ok := h.roomByID(payload.RoomID); ok {
			raw, err := json.Marshal(wsMessage{Type: "roomDetails", Payload: mustJSON(toRoomView(room))})
			if err == nil {
				c.enqueue(raw)
			}
		}
	}
}

func originAllowed(origin string, allowed []string) bool {
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		allowedURL, err := url.Parse(a)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}
