package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quorum/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 4096
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin in local setups; access control
	// happens at the frame level via bearer identity.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Identity is the caller identity behind a socket, resolved from its token.
type Identity struct {
	UserID string
	Handle string
}

// Identifier resolves bearer tokens for socket connections.
type Identifier interface {
	IdentityFromToken(ctx context.Context, token string) (Identity, error)
}

// inboundFrame is what clients send: join-thread, thread-message, typing.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsConn struct {
	id     string
	socket *websocket.Conn

	// mu guards send and closed: a broadcast may hold a registry snapshot
	// taken before this connection detached, so Deliver can race teardown.
	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown closes the send channel exactly once; later Deliver calls return
// false instead of sending on a closed channel.
func (c *wsConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WSHandler upgrades HTTP requests into room connections.
type WSHandler struct {
	hub   *Hub
	ident Identifier
}

func NewWSHandler(hub *Hub, ident Identifier) *WSHandler {
	return &WSHandler{hub: hub, ident: ident}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade failed: %v", err)
		return
	}

	var identity Identity
	if token := r.URL.Query().Get("token"); token != "" {
		resolved, err := h.ident.IdentityFromToken(r.Context(), token)
		if err != nil {
			_ = socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
				time.Now().Add(writeWait))
			_ = socket.Close()
			return
		}
		identity = resolved
	}

	conn := &wsConn{
		id:     util.NewID("conn"),
		socket: socket,
		send:   make(chan []byte, sendBufferSize),
	}

	go h.writePump(conn)
	h.readLoop(conn, identity)
}

func (h *WSHandler) readLoop(conn *wsConn, identity Identity) {
	defer func() {
		h.hub.Detach(conn.id)
		conn.shutdown()
	}()

	conn.socket.SetReadLimit(maxFrameSize)
	_ = conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	conn.socket.SetPongHandler(func(string) error {
		return conn.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("realtime: connection %s closed: %v", conn.id, err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		h.handleFrame(conn, identity, frame)
	}
}

func (h *WSHandler) handleFrame(conn *wsConn, identity Identity, frame inboundFrame) {
	switch frame.Event {
	case "join-thread":
		var data struct {
			ThreadID string `json:"threadId"`
			UserID   string `json:"userId"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.ThreadID == "" {
			return
		}
		userID := identity.UserID
		if userID == "" {
			userID = data.UserID
		}
		h.hub.Attach(conn, data.ThreadID, userID)

	case "typing":
		// Ephemeral, never persisted; relayed to everyone but the typist.
		if identity.UserID == "" {
			return
		}
		var data struct {
			ThreadID string `json:"threadId"`
			IsTyping bool   `json:"isTyping"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.ThreadID == "" {
			return
		}
		h.hub.BroadcastExcept(data.ThreadID, conn.id, EventUserTyping, map[string]any{
			"userId":   identity.UserID,
			"username": identity.Handle,
			"isTyping": data.IsTyping,
		})

	case "thread-message":
		// Fire-and-forget relay ahead of persistence; the REST post-message
		// path is the authoritative write.
		if identity.UserID == "" {
			return
		}
		var data struct {
			ThreadID string `json:"threadId"`
			Message  string `json:"message"`
		}
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.ThreadID == "" || data.Message == "" {
			return
		}
		h.hub.BroadcastExcept(data.ThreadID, conn.id, EventNewMessage, map[string]any{
			"threadId": data.ThreadID,
			"message":  data.Message,
			"userId":   identity.UserID,
			"username": identity.Handle,
		})
	}
}

func (h *WSHandler) writePump(conn *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.socket.Close()
	}()

	for {
		select {
		case data, ok := <-conn.send:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
