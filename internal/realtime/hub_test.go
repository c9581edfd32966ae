package realtime

import (
	"encoding/json"
	"testing"
)

func decodeEnvelopes(t *testing.T, frames [][]byte) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, len(frames))
	for _, raw := range frames {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func TestHubBroadcastReachesRoomOnly(t *testing.T) {
	hub := NewHub(NewRegistry())
	inRoom := &fakeConn{id: "conn_a"}
	elsewhere := &fakeConn{id: "conn_b"}
	hub.Attach(inRoom, "th_1", "usr_1")
	hub.Attach(elsewhere, "th_2", "usr_2")
	inRoom.delivered = nil
	elsewhere.delivered = nil

	hub.Broadcast("th_1", EventNewMessage, map[string]string{"message": "hi"})

	envs := decodeEnvelopes(t, inRoom.delivered)
	if len(envs) != 1 || envs[0].Event != EventNewMessage {
		t.Fatalf("expected one new-message frame, got %+v", envs)
	}
	if len(elsewhere.delivered) != 0 {
		t.Fatalf("th_2 connection received %d stray frames", len(elsewhere.delivered))
	}
}

func TestHubBroadcastExceptSkipsOrigin(t *testing.T) {
	hub := NewHub(NewRegistry())
	origin := &fakeConn{id: "conn_a"}
	other := &fakeConn{id: "conn_b"}
	hub.Attach(origin, "th_1", "usr_1")
	hub.Attach(other, "th_1", "usr_2")
	origin.delivered = nil
	other.delivered = nil

	hub.BroadcastExcept("th_1", origin.id, EventUserTyping, map[string]any{"isTyping": true})

	if len(origin.delivered) != 0 {
		t.Fatalf("origin received its own typing event")
	}
	envs := decodeEnvelopes(t, other.delivered)
	if len(envs) != 1 || envs[0].Event != EventUserTyping {
		t.Fatalf("expected one user-typing frame, got %+v", envs)
	}
}

func TestHubAttachEmitsParticipantCounts(t *testing.T) {
	hub := NewHub(NewRegistry())
	first := &fakeConn{id: "conn_a"}
	second := &fakeConn{id: "conn_b"}

	hub.Attach(first, "th_1", "usr_1")
	hub.Attach(second, "th_1", "usr_2")

	envs := decodeEnvelopes(t, first.delivered)
	var counts []float64
	for _, env := range envs {
		if env.Event == EventParticipantCount && env.ThreadID == "th_1" {
			counts = append(counts, env.Data.(float64))
		}
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 2 {
		t.Fatalf("expected counts [1 2], got %v", counts)
	}

	// Moving the second connection to another thread shrinks th_1.
	hub.Attach(second, "th_2", "usr_2")
	envs = decodeEnvelopes(t, first.delivered)
	last := envs[len(envs)-1]
	if last.Event != EventParticipantCount || last.ThreadID != "th_1" || last.Data.(float64) != 1 {
		t.Fatalf("expected th_1 count 1 after move, got %+v", last)
	}
}

func TestHubDropsSlowConnections(t *testing.T) {
	hub := NewHub(NewRegistry())
	slow := &fakeConn{id: "conn_a", full: true}
	healthy := &fakeConn{id: "conn_b"}
	hub.Registry().Attach(slow, "th_1", "usr_1")
	hub.Registry().Attach(healthy, "th_1", "usr_2")

	hub.Broadcast("th_1", EventNewMessage, "payload")

	if got := hub.Registry().Count("th_1"); got != 1 {
		t.Fatalf("expected slow connection evicted, count=%d", got)
	}
	if len(healthy.delivered) == 0 {
		t.Fatal("healthy connection should still receive the event")
	}
}
