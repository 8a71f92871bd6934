package transport

import (
	"context"
	"testing"
	"time"

	"taskcollab/backend/internal/ot"
)

func TestMemory_PublishReachesAllSubscribers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	channel := ChannelFor(ot.EntityRef{Type: "task", ID: "t-1"})

	s1, err := m.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	defer s1.Close()
	s2, err := m.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	defer s2.Close()

	msg := Message{Kind: KindOperation, Operation: &OperationPayload{ServerSeq: 7}}
	if err := m.Publish(ctx, channel, msg); err != nil {
		t.Fatalf("Publish error = %v", err)
	}

	for i, sub := range []Subscription{s1, s2} {
		select {
		case got := <-sub.C():
			if got.Operation == nil || got.Operation.ServerSeq != 7 {
				t.Fatalf("subscriber %d got %+v, want ServerSeq 7", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestMemory_ChannelsAreIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	s, err := m.Subscribe(ctx, ChannelFor(ot.EntityRef{Type: "task", ID: "t-1"}))
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	defer s.Close()

	other := ChannelFor(ot.EntityRef{Type: "task", ID: "t-2"})
	if err := m.Publish(ctx, other, Message{Kind: KindOperation, Operation: &OperationPayload{ServerSeq: 1}}); err != nil {
		t.Fatalf("Publish error = %v", err)
	}

	select {
	case got := <-s.C():
		t.Fatalf("unexpected message %+v on unrelated channel", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_CloseStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	channel := ChannelFor(ot.EntityRef{Type: "task", ID: "t-1"})

	s, err := m.Subscribe(ctx, channel)
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close error = %v", err)
	}

	// Publishing after close must not panic or block.
	if err := m.Publish(ctx, channel, Message{Kind: KindPresence, Presence: &PresencePayload{}}); err != nil {
		t.Fatalf("Publish error = %v", err)
	}

	if _, ok := <-s.C(); ok {
		t.Fatalf("closed subscription still delivering")
	}
}
