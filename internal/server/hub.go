package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pixelwatch/internal/pixel"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// BadgeMessage is what websocket subscribers receive.
type BadgeMessage struct {
	Type      string    `json:"type"`
	ContextID string    `json:"context_id"`
	Badge     badgeView `json:"badge"`
	Timestamp time.Time `json:"timestamp"`
}

const msgBadgeChanged = "badge_changed"

// Hub
// ------------------------------------------------------------
// Fans badge changes out to websocket subscribers. A client subscribes
// to one context (?context=ID) or to all of them.
//
// BadgeChanged is called on the engine goroutine and never blocks: a
// full broadcast queue drops the notification, and a client whose send
// buffer is full is disconnected.
type Hub struct {
	clients    map[*client]struct{}
	broadcast  chan BadgeMessage
	register   chan *client
	unregister chan *client
	log        zerolog.Logger

	mu    sync.RWMutex // guards clients for Len
	clock func() time.Time
	done  chan struct{} // closed when Run returns
}

type client struct {
	id      string
	context string // empty = every context
	conn    *websocket.Conn
	send    chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		broadcast:  make(chan BadgeMessage, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        log,
		clock:      time.Now,
		done:       make(chan struct{}),
	}
}

// Run is the hub loop; it returns when ctx is done and closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("client", c.id).Str("context", c.context).Int("clients", n).Msg("subscriber connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("client", c.id).Int("clients", n).Msg("subscriber disconnected")

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg BadgeMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal badge message")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.context != "" && c.context != msg.ContextID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			h.log.Warn().Str("client", c.id).Msg("slow subscriber dropped")
		}
	}
}

// BadgeChanged implements pixel.Notifier.
func (h *Hub) BadgeChanged(contextID string, b pixel.Badge) {
	msg := BadgeMessage{
		Type:      msgBadgeChanged,
		ContextID: contextID,
		Badge:     newBadgeView(contextID, b),
		Timestamp: h.clock().UTC(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Str("context", contextID).Msg("badge broadcast queue full")
	}
}

// Len is the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the connection. When a
// context is named and initial is non-nil, its current badge is sent
// first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial func(ctx context.Context, id string) (pixel.Badge, error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:      uuid.NewString(),
		context: r.URL.Query().Get("context"),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}

	if c.context != "" && initial != nil {
		if b, err := initial(r.Context(), c.context); err == nil {
			msg := BadgeMessage{
				Type:      msgBadgeChanged,
				ContextID: c.context,
				Badge:     newBadgeView(c.context, b),
				Timestamp: h.clock().UTC(),
			}
			if payload, err := json.Marshal(msg); err == nil {
				c.send <- payload
			}
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	go h.readPump(c)
}

// readPump only keeps the connection alive; clients do not send.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
