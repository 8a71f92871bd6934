package session

import (
	"testing"
	"time"

	"taskcollab/backend/internal/ot"
)

var testRef = ot.EntityRef{Type: "task", ID: "t-1"}

// fakeClock drives Manager time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager() (*Manager, *fakeClock) {
	m := NewManager(ManagerOptions{
		Timeout:  30 * time.Second,
		Throttle: 100 * time.Millisecond,
	})
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m.now = clk.now
	return m, clk
}

func TestManager_JoinLeaveLifecycle(t *testing.T) {
	m, _ := newTestManager()

	got := m.Join(testRef, Presence{UserID: "u1", DisplayName: "Ada"})
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("Join returned %+v, want single entry u1", got)
	}
	if got[0].Status != StatusOnline {
		t.Fatalf("Status = %q, want %q", got[0].Status, StatusOnline)
	}

	m.Join(testRef, Presence{UserID: "u2", DisplayName: "Bob"})
	if n := len(m.Presences(testRef)); n != 2 {
		t.Fatalf("Presences = %d entries, want 2", n)
	}

	m.Leave(testRef, "u1")
	if n := len(m.Presences(testRef)); n != 1 {
		t.Fatalf("after leave: %d entries, want 1", n)
	}

	// Last participant out disposes the session.
	m.Leave(testRef, "u2")
	if m.SessionCount() != 0 {
		t.Fatalf("session not disposed after last leave")
	}

	// Leaving again is a no-op.
	m.Leave(testRef, "u2")
}

func TestManager_CursorThrottle(t *testing.T) {
	m, clk := newTestManager()
	m.Join(testRef, Presence{UserID: "u1"})

	// 50 cursor moves over 200ms at a 100ms throttle: at most ~2 broadcasts.
	sent := 0
	for i := 0; i < 50; i++ {
		if _, ok := m.UpdateCursor(testRef, "u1", Cursor{Offset: i}); ok {
			sent++
		}
		clk.advance(4 * time.Millisecond)
	}
	if sent > 2 {
		t.Fatalf("broadcast %d cursor updates, want at most 2", sent)
	}
	if sent == 0 {
		t.Fatalf("throttle must let the first update through")
	}

	// The latest position is retained even when its broadcast was dropped.
	got := m.Presences(testRef)
	if got[0].Cursor == nil || got[0].Cursor.Offset != 49 {
		t.Fatalf("retained cursor = %+v, want offset 49", got[0].Cursor)
	}
}

func TestManager_ThrottleIsPerUser(t *testing.T) {
	m, _ := newTestManager()
	m.Join(testRef, Presence{UserID: "u1"})
	m.Join(testRef, Presence{UserID: "u2"})

	if _, ok := m.UpdateCursor(testRef, "u1", Cursor{Offset: 1}); !ok {
		t.Fatalf("u1 first update throttled")
	}
	if _, ok := m.UpdateCursor(testRef, "u2", Cursor{Offset: 1}); !ok {
		t.Fatalf("u2 throttled by u1's broadcast")
	}
}

func TestManager_PresenceExpiry(t *testing.T) {
	m, clk := newTestManager()
	m.Join(testRef, Presence{UserID: "u1"})
	m.Join(testRef, Presence{UserID: "u2"})

	clk.advance(31 * time.Second)
	m.Touch(testRef, "u2")
	m.sweep()

	got := m.Presences(testRef)
	if len(got) != 1 || got[0].UserID != "u2" {
		t.Fatalf("after sweep: %+v, want only u2", got)
	}

	clk.advance(31 * time.Second)
	m.sweep()
	if m.SessionCount() != 0 {
		t.Fatalf("fully expired session not disposed")
	}
}

func TestManager_UpdateUnknownUser(t *testing.T) {
	m, _ := newTestManager()
	if _, ok := m.UpdateCursor(testRef, "ghost", Cursor{}); ok {
		t.Fatalf("cursor update for a non-participant must not broadcast")
	}
}

func TestColorFor_StableAndInPalette(t *testing.T) {
	a := ColorFor("user-42")
	if a != ColorFor("user-42") {
		t.Fatalf("color not stable across calls")
	}
	found := false
	for _, c := range palette {
		if c == a {
			found = true
		}
	}
	if !found {
		t.Fatalf("color %q not in palette", a)
	}
}
