package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Room event names delivered to clients.
const (
	EventParticipantCount = "participant-count"
	EventNewMessage       = "new-message"
	EventUserTyping       = "user-typing"
	EventThreadClosed     = "thread-closed"
)

// Envelope is the wire frame: what clients receive, and what crosses the
// Publisher seam between processes. Except names a connection to skip during
// local delivery (typing relays back to everyone but the typist).
type Envelope struct {
	Event    string `json:"event"`
	ThreadID string `json:"threadId"`
	Data     any    `json:"data"`
	Except   string `json:"except,omitempty"`
}

// Publisher is the fan-out seam. The single-process default is none (events
// are delivered straight to local connections); a multi-instance deployment
// plugs in a shared pub/sub like RedisBridge here.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// Hub owns the publish side of the real-time channel for every room.
type Hub struct {
	registry  *Registry
	publisher Publisher
}

func NewHub(registry *Registry) *Hub {
	return &Hub{registry: registry}
}

// SetPublisher routes all broadcasts through an external pub/sub. The
// publisher's subscription side must feed frames back via DeliverLocal.
func (h *Hub) SetPublisher(p Publisher) {
	h.publisher = p
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

// Attach binds a connection to a thread's room and emits updated
// participant counts to the room it left (if any) and the room it joined.
func (h *Hub) Attach(conn Conn, threadID, userID string) {
	previous, previousCount, count := h.registry.Attach(conn, threadID, userID)
	if previous != "" {
		h.Broadcast(previous, EventParticipantCount, previousCount)
	}
	h.Broadcast(threadID, EventParticipantCount, count)
}

// Detach removes a connection and tells the room it left what remains.
func (h *Hub) Detach(connID string) {
	threadID, count, ok := h.registry.Detach(connID)
	if !ok {
		return
	}
	h.Broadcast(threadID, EventParticipantCount, count)
}

// Broadcast delivers event/payload to every connection in the thread's room.
func (h *Hub) Broadcast(threadID, event string, payload any) {
	h.send(Envelope{Event: event, ThreadID: threadID, Data: payload})
}

// BroadcastExcept is Broadcast minus the originating connection.
func (h *Hub) BroadcastExcept(threadID, exceptConnID, event string, payload any) {
	h.send(Envelope{Event: event, ThreadID: threadID, Data: payload, Except: exceptConnID})
}

func (h *Hub) send(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("realtime: marshal %s event: %v", env.Event, err)
		return
	}
	if h.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.publisher.Publish(ctx, data); err == nil {
			return
		} else {
			log.Printf("realtime: publish %s event, delivering locally: %v", env.Event, err)
		}
	}
	h.deliver(env.ThreadID, env.Except, data)
}

// DeliverLocal hands a frame from the publisher's subscription side to the
// connections this process holds.
func (h *Hub) DeliverLocal(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("realtime: decode published frame: %v", err)
		return
	}
	h.deliver(env.ThreadID, env.Except, data)
}

func (h *Hub) deliver(threadID, except string, data []byte) {
	for _, conn := range h.registry.Members(threadID) {
		if except != "" && conn.ID() == except {
			continue
		}
		if !conn.Deliver(data) {
			log.Printf("realtime: dropping slow connection %s", conn.ID())
			h.Detach(conn.ID())
		}
	}
}
