package collab

import (
	"testing"
	"time"
)

func TestEventDispatcher_EnqueueNeverBlocks(t *testing.T) {
	// No workers drain the queue, so the second event meets it full. The
	// caller holds the per-document commit lock; Enqueue must drop, not wait.
	d := &EventDispatcher{queue: make(chan OpCommittedEvent, 1)}
	d.Enqueue(OpCommittedEvent{EntityType: "task", EntityID: "t-1", Revision: 1})

	done := make(chan struct{})
	go func() {
		d.Enqueue(OpCommittedEvent{EntityType: "task", EntityID: "t-1", Revision: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Enqueue blocked on a full queue")
	}

	if got := len(d.queue); got != 1 {
		t.Fatalf("queued events = %d, want 1 (overflow dropped)", got)
	}
}
