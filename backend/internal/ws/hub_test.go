package ws

import (
	"context"
	"testing"
	"time"

	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/transport"
)

var taskRef = ot.EntityRef{Type: "task", ID: "t-1"}

func testConn() *Conn {
	return NewConn(nil, nil, nil, nil, nil, "u1", "alice")
}

func recvOutbound(t *testing.T, c *Conn) OutboundMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func TestHub_PumpsOperationsIntoRoom(t *testing.T) {
	bus := transport.NewMemory()
	h := NewHub(bus, nil)
	c := testConn()
	if err := h.Join(taskRef, c); err != nil {
		t.Fatalf("Join error = %v", err)
	}
	defer h.Leave(taskRef, c)

	err := bus.Publish(context.Background(), transport.ChannelFor(taskRef), transport.Message{
		Kind: transport.KindOperation,
		Operation: &transport.OperationPayload{
			Op: ot.Operation{
				EntityType: taskRef.Type,
				EntityID:   taskRef.ID,
				Field:      "description",
				Ops:        []ot.Op{{Kind: ot.KindInsert, Pos: 0, Text: "x"}},
				AuthorID:   "bob",
			},
			ServerSeq: 4,
			ClientID:  "client-bob",
		},
	})
	if err != nil {
		t.Fatalf("Publish error = %v", err)
	}

	msg := recvOutbound(t, c)
	op, ok := msg.(OpBroadcastMessage)
	if !ok {
		t.Fatalf("message = %T, want OpBroadcastMessage", msg)
	}
	if op.Type != "op_broadcast" || op.Revision != 4 || op.AuthorID != "bob" {
		t.Fatalf("broadcast = %+v, want revision 4 from bob", op)
	}
}

func TestHub_PumpsPresenceIntoRoom(t *testing.T) {
	bus := transport.NewMemory()
	h := NewHub(bus, nil)
	c := testConn()
	if err := h.Join(taskRef, c); err != nil {
		t.Fatalf("Join error = %v", err)
	}
	defer h.Leave(taskRef, c)

	err := bus.Publish(context.Background(), transport.ChannelFor(taskRef), transport.Message{
		Kind:     transport.KindPresence,
		Presence: &transport.PresencePayload{Entity: taskRef, Left: true},
	})
	if err != nil {
		t.Fatalf("Publish error = %v", err)
	}

	msg := recvOutbound(t, c)
	sm, ok := msg.(ServerMessage)
	if !ok {
		t.Fatalf("message = %T, want ServerMessage", msg)
	}
	if sm.Type != "presence" || !sm.Left {
		t.Fatalf("presence = %+v, want left notice", sm)
	}
}

func TestHub_LastLeaveStopsPump(t *testing.T) {
	bus := transport.NewMemory()
	h := NewHub(bus, nil)
	c1 := testConn()
	c2 := testConn()
	if err := h.Join(taskRef, c1); err != nil {
		t.Fatalf("Join error = %v", err)
	}
	if err := h.Join(taskRef, c2); err != nil {
		t.Fatalf("Join error = %v", err)
	}

	h.Leave(taskRef, c1)
	h.mu.RLock()
	_, pumping := h.pumps[taskRef]
	h.mu.RUnlock()
	if !pumping {
		t.Fatalf("pump stopped while the room still has a connection")
	}

	h.Leave(taskRef, c2)
	h.mu.RLock()
	_, pumping = h.pumps[taskRef]
	_, roomed := h.rooms[taskRef]
	h.mu.RUnlock()
	if pumping || roomed {
		t.Fatalf("room state not cleaned up: pump=%v room=%v", pumping, roomed)
	}
}
