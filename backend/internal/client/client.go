package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskcollab/backend/internal/collab"
	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/session"
	"taskcollab/backend/internal/transport"
)

const (
	defaultJoinTimeout = 10 * time.Second
	eventBuffer        = 64

	submitMaxRetry   = 3
	submitBackoff    = 50 * time.Millisecond
	submitMaxBackoff = 500 * time.Millisecond
)

// Client runs the reconciliation loop for one participant editing one
// entity: optimistic local edits, pending-operation tracking with a single
// operation in flight, and transformation of incoming broadcasts against
// whatever has not been acknowledged yet.
type Client struct {
	engine   collab.Engine
	bus      transport.Transport
	sessions *session.Manager

	entity      ot.EntityRef
	clientID    string
	userID      string
	displayName string
	joinTimeout time.Duration

	mu            sync.Mutex
	state         State
	fields        map[string]string
	lastLocal     map[string]string
	revision      uint64
	lastServerSeq uint64
	pending       []ot.Operation
	inFlight      bool
	clientSeq     uint64
	presences     map[string]session.Presence

	sub    transport.Subscription
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

type Options struct {
	Engine      collab.Engine
	Bus         transport.Transport
	Sessions    *session.Manager // nil: no presence registration
	Entity      ot.EntityRef
	ClientID    string
	UserID      string
	DisplayName string
	JoinTimeout time.Duration
}

func New(opt Options) *Client {
	if opt.JoinTimeout <= 0 {
		opt.JoinTimeout = defaultJoinTimeout
	}
	if opt.ClientID == "" {
		opt.ClientID = uuid.NewString()
	}
	return &Client{
		engine:      opt.Engine,
		bus:         opt.Bus,
		sessions:    opt.Sessions,
		entity:      opt.Entity,
		clientID:    opt.ClientID,
		userID:      opt.UserID,
		displayName: opt.DisplayName,
		joinTimeout: opt.JoinTimeout,
		state:       StateIdle,
		fields:      make(map[string]string),
		lastLocal:   make(map[string]string),
		presences:   make(map[string]session.Presence),
		events:      make(chan Event, eventBuffer),
		done:        make(chan struct{}),
	}
}

// Events is the client's outbound stream. It is closed by Leave.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Field returns the optimistic local content, which includes edits not yet
// acknowledged by the authority.
func (c *Client) Field(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields[name]
}

func (c *Client) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// LastLocal returns the pre-resync text of a field, kept so that work
// discarded by a forced resync stays recoverable.
func (c *Client) LastLocal(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLocal[name]
}

// Join subscribes to the entity's channel, loads the current snapshot and
// registers presence. A join that cannot complete within the configured
// timeout fails with ErrConnectionFailed and the client returns to Idle.
func (c *Client) Join(ctx context.Context) ([]session.Presence, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed, StateLeaving:
		c.mu.Unlock()
		return nil, collab.ErrSessionClosed
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("join from state %s: %w", c.state, collab.ErrSessionClosed)
	}
	c.setStateLocked(StateJoining)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()

	sub, err := c.bus.Subscribe(ctx, transport.ChannelFor(c.entity))
	if err != nil {
		c.failJoin()
		return nil, fmt.Errorf("subscribe %s: %v: %w", c.entity, err, collab.ErrConnectionFailed)
	}
	snap, err := c.engine.Snapshot(ctx, c.entity)
	if err != nil {
		sub.Close()
		c.failJoin()
		return nil, fmt.Errorf("snapshot %s: %v: %w", c.entity, err, collab.ErrConnectionFailed)
	}

	var roster []session.Presence
	if c.sessions != nil {
		roster = c.sessions.Join(c.entity, session.Presence{UserID: c.userID, DisplayName: c.displayName})
	}

	c.mu.Lock()
	if c.state != StateJoining {
		// Leave raced the join.
		c.mu.Unlock()
		sub.Close()
		return nil, collab.ErrSessionClosed
	}
	for f, content := range snap.Fields {
		c.fields[f] = content
	}
	c.revision = snap.Revision
	c.lastServerSeq = snap.Revision
	for _, p := range roster {
		c.presences[p.UserID] = p
	}
	c.sub = sub
	c.setStateLocked(StateActive)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.recvLoop(sub)

	for _, p := range roster {
		if p.UserID != c.userID {
			continue
		}
		err := c.bus.Publish(ctx, transport.ChannelFor(c.entity), transport.Message{
			Kind:     transport.KindPresence,
			Presence: &transport.PresencePayload{Entity: c.entity, User: p},
		})
		if err != nil {
			log.Printf("collab client presence publish failed entity=%s err=%v", c.entity, err)
		}
	}
	return roster, nil
}

func (c *Client) failJoin() {
	c.mu.Lock()
	if c.state == StateJoining {
		c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
}

// Leave tears the session down: pending unacknowledged operations are
// discarded, never resent. Safe to call repeatedly and mid-join.
func (c *Client) Leave() {
	c.mu.Lock()
	switch c.state {
	case StateClosed, StateLeaving:
		c.mu.Unlock()
		return
	case StateJoining:
		// recvLoop never started; Join notices the state change and aborts.
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		close(c.done)
		c.leaveSession()
		close(c.events)
		return
	case StateIdle:
		c.setStateLocked(StateClosed)
		c.mu.Unlock()
		close(c.done)
		close(c.events)
		return
	}
	c.setStateLocked(StateLeaving)
	c.pending = nil
	c.inFlight = false
	sub := c.sub
	c.mu.Unlock()

	close(c.done)
	c.leaveSession()
	if sub != nil {
		sub.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	close(c.events)
}

func (c *Client) leaveSession() {
	if c.sessions == nil {
		return
	}
	c.sessions.Leave(c.entity, c.userID)
	err := c.bus.Publish(context.Background(), transport.ChannelFor(c.entity), transport.Message{
		Kind: transport.KindPresence,
		Presence: &transport.PresencePayload{
			Entity: c.entity,
			User:   session.Presence{UserID: c.userID, Status: session.StatusOffline},
			Left:   true,
		},
	})
	if err != nil {
		log.Printf("collab client presence publish failed entity=%s err=%v", c.entity, err)
	}
}

// Edit reconciles a field to newText: the difference is derived, applied
// optimistically and queued. Only one operation is in flight at a time;
// later edits wait buffered until the acknowledgement comes back.
func (c *Client) Edit(field, newText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return collab.ErrSessionClosed
	}
	ops := ot.Diff(c.fields[field], newText)
	if len(ops) == 0 {
		return nil
	}
	c.fields[field] = newText
	op := ot.Operation{
		EntityType:    c.entity.Type,
		EntityID:      c.entity.ID,
		Field:         field,
		Ops:           ops,
		BaseRevision:  c.revision,
		AuthorID:      c.userID,
		ClientTime:    time.Now(),
		CorrelationID: uuid.NewString(),
	}
	c.pending = append(c.pending, op)
	c.sendNextLocked()
	return nil
}

// sendNextLocked dispatches the head of the pending queue unless an
// operation is already in flight. Caller holds c.mu.
func (c *Client) sendNextLocked() {
	if c.inFlight || len(c.pending) == 0 || c.state != StateActive {
		return
	}
	c.inFlight = true
	c.clientSeq++
	op := c.pending[0]
	op.BaseRevision = c.revision
	seq := c.clientSeq

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		backoff := submitBackoff
		for attempt := 0; ; attempt++ {
			_, err := c.engine.Submit(context.Background(), op, c.clientID, seq)
			switch {
			case err == nil:
				// Acknowledged through the broadcast echo; nothing to do here.
				return
			case errors.Is(err, collab.ErrStaleOperation):
				c.resync()
				return
			case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
				// Already committed; the echo settles it.
				return
			}

			if attempt >= submitMaxRetry {
				log.Printf("collab client submit failed entity=%s attempts=%d err=%v", c.entity, attempt+1, err)
				c.mu.Lock()
				c.inFlight = false
				c.emitLocked(Event{Kind: EventSubmitFailed, Field: op.Field, Error: err.Error()})
				c.mu.Unlock()
				return
			}
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > submitMaxBackoff {
				backoff = submitMaxBackoff
			}
			// Leave may have discarded the queue while we were backing off;
			// resubmitting then would break at-most-once.
			c.mu.Lock()
			stillWanted := c.state == StateActive && len(c.pending) > 0
			c.mu.Unlock()
			if !stillWanted {
				return
			}
		}
	}()
}

// resync recovers from a base revision that fell out of the authority's
// history window: pending work is discarded, the fresh snapshot adopted and
// the latest local text replayed as a brand new edit. The discarded text
// stays available through LastLocal.
func (c *Client) resync() {
	snap, err := c.engine.Snapshot(context.Background(), c.entity)
	if err != nil {
		log.Printf("collab client resync failed entity=%s err=%v", c.entity, err)
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	replay := make(map[string]string)
	for f, local := range c.fields {
		c.lastLocal[f] = local
		if local != snap.Fields[f] {
			replay[f] = local
		}
		c.fields[f] = snap.Fields[f]
	}
	for f, content := range snap.Fields {
		c.fields[f] = content
	}
	c.pending = nil
	c.inFlight = false
	c.revision = snap.Revision
	c.lastServerSeq = snap.Revision
	c.emitLocked(Event{Kind: EventResynced, Revision: snap.Revision})
	c.mu.Unlock()

	for f, text := range replay {
		if err := c.Edit(f, text); err != nil {
			log.Printf("collab client replay failed entity=%s field=%s err=%v", c.entity, f, err)
		}
	}
}

func (c *Client) recvLoop(sub transport.Subscription) {
	defer c.wg.Done()
	for msg := range sub.C() {
		switch msg.Kind {
		case transport.KindOperation:
			if msg.Operation != nil {
				c.handleOperation(*msg.Operation)
			}
		case transport.KindPresence:
			if msg.Presence != nil {
				c.handlePresence(*msg.Presence)
			}
		}
	}
}

func (c *Client) handleOperation(p transport.OperationPayload) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return
	}
	// Delivery is at-least-once; replays carry an already-seen sequence.
	if p.ServerSeq <= c.lastServerSeq {
		c.mu.Unlock()
		return
	}
	// Delivery also drops broadcasts on a full buffer. A sequence gap means
	// one was lost; refill from the authority instead of applying out of
	// order and diverging.
	if p.ServerSeq > c.lastServerSeq+1 {
		from := c.lastServerSeq
		c.mu.Unlock()
		c.catchUp(from)
		return
	}

	if p.ClientID == c.clientID {
		// Echo of our own in-flight operation: it is part of the server
		// state now, local text already reflects it.
		c.lastServerSeq = p.ServerSeq
		c.revision = p.ServerSeq
		if len(c.pending) > 0 {
			c.pending = c.pending[1:]
		}
		c.inFlight = false
		for i := range c.pending {
			c.pending[i].BaseRevision = c.revision
		}
		if p.Conflict {
			c.emitLocked(Event{Kind: EventConflict, Field: p.Op.Field, Revision: p.ServerSeq})
		}
		c.sendNextLocked()
		c.mu.Unlock()
		return
	}

	// Remote operation: step it through every unacknowledged local
	// operation so it applies to the optimistic text, rewriting the
	// pending queue to follow it. Local state advances only once the
	// rebased op actually applied.
	remote := p.Op
	conflict := p.Conflict
	rebased := make([]ot.Operation, len(c.pending))
	copy(rebased, c.pending)
	for i := range rebased {
		var cf bool
		rebased[i], remote, cf = ot.TransformPair(rebased[i], remote)
		conflict = conflict || cf
		rebased[i].BaseRevision = p.ServerSeq
	}

	content, err := ot.ApplyOps(c.fields[remote.Field], remote.Ops)
	if err != nil {
		log.Printf("collab client apply failed entity=%s rev=%d err=%v", c.entity, p.ServerSeq, err)
		c.mu.Unlock()
		c.resync()
		return
	}
	c.pending = rebased
	c.lastServerSeq = p.ServerSeq
	c.revision = p.ServerSeq
	c.fields[remote.Field] = content
	c.emitLocked(Event{Kind: EventRemoteEdit, Field: remote.Field, Content: content, Revision: p.ServerSeq})
	if conflict {
		c.emitLocked(Event{Kind: EventConflict, Field: remote.Field, Revision: p.ServerSeq})
	}
	c.mu.Unlock()
}

// catchUp replays the commits a lost broadcast skipped over, straight from
// the authority's retained history. When the window has already moved past
// the gap only a full resync can recover.
func (c *Client) catchUp(fromRevision uint64) {
	missed, err := c.engine.OpsSince(context.Background(), c.entity, fromRevision, 0)
	if err != nil {
		if !errors.Is(err, collab.ErrStaleOperation) {
			log.Printf("collab client catch-up failed entity=%s from=%d err=%v", c.entity, fromRevision, err)
		}
		c.resync()
		return
	}
	for _, commit := range missed {
		c.handleOperation(transport.OperationPayload{
			Op:        commit.Op,
			ServerSeq: commit.Revision,
			ClientID:  commit.ClientID,
			ClientSeq: commit.ClientSeq,
			Conflict:  commit.Conflict,
			AppliedAt: commit.AppliedAt,
		})
	}
}

func (c *Client) handlePresence(p transport.PresencePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return
	}
	if p.Left {
		delete(c.presences, p.User.UserID)
	} else {
		c.presences[p.User.UserID] = p.User
	}
	user := p.User
	c.emitLocked(Event{Kind: EventPresence, User: &user, Left: p.Left})
}

// Presences lists the participants currently known to this client.
func (c *Client) Presences() []session.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Presence, 0, len(c.presences))
	for _, p := range c.presences {
		out = append(out, p)
	}
	return out
}

// UpdateCursor reports a cursor move. Moves are throttled by the session
// manager; only broadcast-worthy updates are published.
func (c *Client) UpdateCursor(ctx context.Context, cur session.Cursor) error {
	return c.publishPresence(ctx, func() (session.Presence, bool) {
		return c.sessions.UpdateCursor(c.entity, c.userID, cur)
	})
}

func (c *Client) UpdateSelection(ctx context.Context, sel session.Selection) error {
	return c.publishPresence(ctx, func() (session.Presence, bool) {
		return c.sessions.UpdateSelection(c.entity, c.userID, sel)
	})
}

func (c *Client) publishPresence(ctx context.Context, update func() (session.Presence, bool)) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return collab.ErrSessionClosed
	}
	c.mu.Unlock()
	if c.sessions == nil {
		return nil
	}
	pres, broadcast := update()
	if !broadcast {
		return nil
	}
	return c.bus.Publish(ctx, transport.ChannelFor(c.entity), transport.Message{
		Kind:     transport.KindPresence,
		Presence: &transport.PresencePayload{Entity: c.entity, User: pres},
	})
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.emitLocked(Event{Kind: EventStateChanged, State: s})
}

// emitLocked never blocks the reconciliation loop on a slow consumer.
func (c *Client) emitLocked(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("collab client event dropped entity=%s kind=%s", c.entity, ev.Kind)
	}
}
