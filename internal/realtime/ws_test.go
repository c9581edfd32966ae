package realtime

import (
	"testing"
)

func newTestWSConn(id string) *wsConn {
	return &wsConn{id: id, send: make(chan []byte, sendBufferSize)}
}

func TestDeliverAfterShutdownReturnsFalse(t *testing.T) {
	conn := newTestWSConn("conn_1")
	if !conn.Deliver([]byte(`{"event":"participant-count"}`)) {
		t.Fatal("expected delivery to an open connection to succeed")
	}

	conn.shutdown()
	if conn.Deliver([]byte(`{"event":"new-message"}`)) {
		t.Fatal("expected delivery after shutdown to report failure")
	}

	// Concurrent teardown paths may run the defer more than once.
	conn.shutdown()
}

// A broadcast may act on a registry snapshot taken before the connection's
// read loop detached and tore down. Delivery to a member of that stale
// snapshot must fail cleanly instead of sending on a closed channel.
func TestBroadcastWithStaleSnapshotDoesNotPanic(t *testing.T) {
	registry := NewRegistry()
	hub := NewHub(registry)

	leaving := newTestWSConn("conn_leaving")
	staying := newTestWSConn("conn_staying")
	hub.Attach(leaving, "th_1", "usr_a")
	hub.Attach(staying, "th_1", "usr_b")
	drain(leaving)
	drain(staying)

	snapshot := registry.Members("th_1")
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 members in snapshot, got %d", len(snapshot))
	}

	// The read loop's teardown sequence runs between snapshot and delivery.
	hub.Detach(leaving.id)
	leaving.shutdown()

	for _, conn := range snapshot {
		delivered := conn.Deliver([]byte(`{"event":"new-message"}`))
		if conn.ID() == leaving.id && delivered {
			t.Errorf("expected delivery to torn-down connection %s to fail", conn.ID())
		}
		if conn.ID() == staying.id && !delivered {
			t.Errorf("expected delivery to live connection %s to succeed", conn.ID())
		}
	}
}

func TestBroadcastEvictsTornDownConnection(t *testing.T) {
	registry := NewRegistry()
	hub := NewHub(registry)

	conn := newTestWSConn("conn_1")
	hub.Attach(conn, "th_1", "usr_a")
	drain(conn)

	// Socket died but the read loop has not detached yet.
	conn.shutdown()

	hub.Broadcast("th_1", EventNewMessage, map[string]any{"messageId": "msg_1"})

	if members := registry.Members("th_1"); len(members) != 0 {
		t.Errorf("expected torn-down connection to be evicted, %d members remain", len(members))
	}
}

func drain(conn *wsConn) {
	for {
		select {
		case <-conn.send:
		default:
			return
		}
	}
}
