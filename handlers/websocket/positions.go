package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"shapesync/core"
	"shapesync/middleware"
)

const (
	positionsWriteWait = 5 * time.Second
	positionsMaxSize   = 64 * 1024

	OpSet   = "set"
	OpClear = "clear"

	MessagePositions = "positions"
)

type (
	// PositionBackend is where the relay keeps the live record map. The
	// in-process ephemeral.MemoryChannel serves a single node, the Redis
	// channel serves several.
	PositionBackend interface {
		core.PositionChannel
		ClearUser(ctx context.Context, userID string) (int, error)
	}

	// ClientMessage is what a client sends on /ws/positions.
	ClientMessage struct {
		Op      string               `json:"op"`
		ShapeID string               `json:"shapeId,omitempty"`
		Record  *core.PositionRecord `json:"record,omitempty"`
	}

	// PositionsMessage carries the full current record map to a client.
	PositionsMessage struct {
		Type    string                         `json:"type"`
		Records map[string]core.PositionRecord `json:"records"`
	}
)

// PositionHub relays position records between websocket clients. Every
// client receives the full map after each change; a slow client only ever
// gets the newest map, older ones are skipped.
type PositionHub struct {
	backend     PositionBackend
	upgrader    websocket.Upgrader
	unsubscribe func()

	mu     sync.Mutex
	conns  map[string]*positionConn
	latest map[string]core.PositionRecord
}

type positionConn struct {
	id       string
	userID   string
	userName string
	ws       *websocket.Conn

	mu      sync.Mutex
	pending map[string]core.PositionRecord
	notify  chan struct{}
	done    chan struct{}
}

func NewPositionHub(ctx context.Context, backend PositionBackend) (*PositionHub, error) {
	h := &PositionHub{
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowedOrigin,
		},
		conns:  make(map[string]*positionConn),
		latest: map[string]core.PositionRecord{},
	}
	unsubscribe, err := backend.Subscribe(ctx, h.broadcast)
	if err != nil {
		return nil, err
	}
	h.unsubscribe = unsubscribe
	return h, nil
}

// allowedOrigin follows the socket.io CORS policy: local origins, same
// host, and non-browser clients.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return parsed.Host == r.Host
}

func (h *PositionHub) broadcast(records map[string]core.PositionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = records
	for _, c := range h.conns {
		c.offer(records)
	}
}

func (c *positionConn) offer(records map[string]core.PositionRecord) {
	c.mu.Lock()
	c.pending = records
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *positionConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			c.mu.Lock()
			records := c.pending
			c.pending = nil
			c.mu.Unlock()
			if records == nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(positionsWriteWait))
			if err := c.ws.WriteJSON(PositionsMessage{Type: MessagePositions, Records: records}); err != nil {
				logrus.WithError(err).WithField("conn_id", c.id).Debug("Failed to write positions")
				c.ws.Close()
				return
			}
		}
	}
}

// ServeHTTP must sit behind middleware.AuthJWT: the caller's identity is
// stamped on every record it publishes.
func (h *PositionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "User claims not found", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade positions connection")
		return
	}
	ws.SetReadLimit(positionsMaxSize)

	c := &positionConn{
		id:       uuid.NewString(),
		userID:   claims.UserID(),
		userName: claims.Name,
		ws:       ws,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	log := logrus.WithFields(logrus.Fields{"conn_id": c.id, "user_id": c.userID})

	h.mu.Lock()
	h.conns[c.id] = c
	c.offer(h.latest)
	h.mu.Unlock()
	log.Debug("Positions client connected")

	go c.writeLoop()
	h.readLoop(c, log)

	h.mu.Lock()
	delete(h.conns, c.id)
	remaining := 0
	for _, other := range h.conns {
		if other.userID == c.userID {
			remaining++
		}
	}
	h.mu.Unlock()
	close(c.done)
	ws.Close()

	if remaining == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), positionsWriteWait)
		defer cancel()
		n, err := h.backend.ClearUser(ctx, c.userID)
		if err != nil {
			log.WithError(err).Warn("Failed to clear positions of disconnected user")
		} else if n > 0 {
			log.WithField("shape_count", n).Info("Cleared positions of disconnected user")
		}
	}
	log.Debug("Positions client disconnected")
}

func (h *PositionHub) readLoop(c *positionConn, log *logrus.Entry) {
	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("Positions connection closed")
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(buf, &msg); err != nil {
			log.WithError(err).Debug("Ignoring malformed positions message")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), positionsWriteWait)
		err = h.apply(ctx, c, msg)
		cancel()
		if err != nil {
			log.WithError(err).Warn("Failed to relay position")
		}
	}
}

func (h *PositionHub) apply(ctx context.Context, c *positionConn, msg ClientMessage) error {
	switch msg.Op {
	case OpSet:
		if msg.Record == nil || msg.Record.ShapeID == "" {
			return nil
		}
		rec := *msg.Record
		rec.DraggingBy, rec.DraggingByName = c.userID, c.userName
		rec.UpdatedAt = core.NowMillis()
		return h.backend.Publish(ctx, rec)
	case OpClear:
		h.mu.Lock()
		current, ok := h.latest[msg.ShapeID]
		h.mu.Unlock()
		// a client may only withdraw its own drag
		if !ok || current.DraggingBy != c.userID {
			return nil
		}
		return h.backend.Clear(ctx, msg.ShapeID)
	}
	return nil
}

// Connections reports how many clients are attached.
func (h *PositionHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *PositionHub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	conns := make([]*positionConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}
