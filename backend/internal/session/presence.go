package session

import (
	"sync"
	"time"

	"taskcollab/backend/internal/ot"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Offset int `json:"offset"`
}

type Selection struct {
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Direction string `json:"direction"` // "forward" | "backward"
}

// Presence is the ephemeral per-user state broadcast to collaborators.
// It is never persisted.
type Presence struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	AvatarRef   string     `json:"avatarRef,omitempty"`
	Status      Status     `json:"status"`
	Cursor      *Cursor    `json:"cursor,omitempty"`
	Selection   *Selection `json:"selection,omitempty"`
	Color       string     `json:"color"`
	LastSeen    time.Time  `json:"lastSeen"`
}

type participant struct {
	presence      Presence
	lastBroadcast time.Time
}

type sessionState struct {
	participants map[string]*participant
}

// Manager tracks the participants of every active collaboration session and
// their cursor/selection state. Sessions are keyed by entity; one is created
// on first join and disposed when the last participant leaves or expires.
//
// Cursor and selection updates are throttled per user: at most one broadcast
// per throttle interval, intermediate positions dropped, most recent wins.
type Manager struct {
	mu       sync.RWMutex
	sessions map[ot.EntityRef]*sessionState

	timeout    time.Duration
	throttle   time.Duration
	sweepEvery time.Duration

	now  func() time.Time
	done chan struct{}
}

type ManagerOptions struct {
	Timeout    time.Duration // presence expiry, default 30s
	Throttle   time.Duration // min interval between cursor broadcasts, default 100ms
	SweepEvery time.Duration // sweep tick, default 5s
}

func NewManager(opt ManagerOptions) *Manager {
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.Throttle <= 0 {
		opt.Throttle = 100 * time.Millisecond
	}
	if opt.SweepEvery <= 0 {
		opt.SweepEvery = 5 * time.Second
	}
	return &Manager{
		sessions:   make(map[ot.EntityRef]*sessionState),
		timeout:    opt.Timeout,
		throttle:   opt.Throttle,
		sweepEvery: opt.SweepEvery,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start launches the background sweep that expires silent participants.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.done)
}

// Join adds the user to the entity's session and returns the presence list
// the joiner should see (including themselves). The color is a stable
// function of the user id, so it survives reconnects.
func (m *Manager) Join(ref ot.EntityRef, user Presence) []Presence {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.sessions[ref]
	if ss == nil {
		ss = &sessionState{participants: make(map[string]*participant)}
		m.sessions[ref] = ss
	}
	user.Status = StatusOnline
	user.Color = ColorFor(user.UserID)
	user.LastSeen = m.now()
	ss.participants[user.UserID] = &participant{presence: user}

	return ss.list(m.now(), m.timeout)
}

// Leave removes the user immediately. An empty session is disposed.
// Leaving twice, or leaving a session never joined, is a no-op.
func (m *Manager) Leave(ref ot.EntityRef, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ss := m.sessions[ref]
	if ss == nil {
		return
	}
	delete(ss.participants, userID)
	if len(ss.participants) == 0 {
		delete(m.sessions, ref)
	}
}

// Touch refreshes the user's liveness without moving their cursor.
func (m *Manager) Touch(ref ot.EntityRef, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.participant(ref, userID); p != nil {
		p.presence.LastSeen = m.now()
		p.presence.Status = StatusOnline
	}
}

// UpdateCursor records the user's cursor. The returned flag reports whether
// this update passed the throttle and should be broadcast; when false the
// position is still retained so the next allowed broadcast carries it.
func (m *Manager) UpdateCursor(ref ot.EntityRef, userID string, c Cursor) (Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(ref, userID)
	if p == nil {
		return Presence{}, false
	}
	p.presence.Cursor = &c
	p.presence.LastSeen = m.now()
	return p.presence, m.allowBroadcast(p)
}

// UpdateSelection records the user's selection, throttled like UpdateCursor.
func (m *Manager) UpdateSelection(ref ot.EntityRef, userID string, sel Selection) (Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(ref, userID)
	if p == nil {
		return Presence{}, false
	}
	p.presence.Selection = &sel
	p.presence.LastSeen = m.now()
	return p.presence, m.allowBroadcast(p)
}

// SetStatus updates the user's status (online/away) and always broadcasts.
func (m *Manager) SetStatus(ref ot.EntityRef, userID string, s Status) (Presence, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(ref, userID)
	if p == nil {
		return Presence{}, false
	}
	p.presence.Status = s
	p.presence.LastSeen = m.now()
	return p.presence, true
}

// Presences returns the live participants of the entity's session.
func (m *Manager) Presences(ref ot.EntityRef) []Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ss := m.sessions[ref]
	if ss == nil {
		return nil
	}
	return ss.list(m.now(), m.timeout)
}

// SessionCount reports the number of live sessions across all entities.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) participant(ref ot.EntityRef, userID string) *participant {
	ss := m.sessions[ref]
	if ss == nil {
		return nil
	}
	return ss.participants[userID]
}

func (m *Manager) allowBroadcast(p *participant) bool {
	now := m.now()
	if now.Sub(p.lastBroadcast) < m.throttle {
		return false
	}
	p.lastBroadcast = now
	return true
}

// sweep drops participants whose LastSeen exceeded the timeout. Timing out
// is routine disconnection handling, not an error.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.timeout)
	for ref, ss := range m.sessions {
		for id, p := range ss.participants {
			if p.presence.LastSeen.Before(cutoff) {
				delete(ss.participants, id)
			}
		}
		if len(ss.participants) == 0 {
			delete(m.sessions, ref)
		}
	}
}

func (ss *sessionState) list(now time.Time, timeout time.Duration) []Presence {
	cutoff := now.Add(-timeout)
	out := make([]Presence, 0, len(ss.participants))
	for _, p := range ss.participants {
		if p.presence.LastSeen.Before(cutoff) {
			continue
		}
		out = append(out, p.presence)
	}
	return out
}
