package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"taskcollab/backend/internal/collab"
	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/session"
	"taskcollab/backend/internal/transport"
)

const (
	sendBuffer     = 32
	submitTimeout  = 200 * time.Millisecond
	memberCacheTTL = 10 * time.Minute
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	engine   collab.Engine
	sessions *session.Manager
	sem      *collab.Semaphore

	userID   string
	username string
	entity   ot.EntityRef
	joined   bool

	send chan OutboundMessage
	done chan struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, engine collab.Engine, sessions *session.Manager, sem *collab.Semaphore, userID, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		engine:   engine,
		sessions: sessions,
		sem:      sem,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Enqueue hands a message to the write loop, dropping it if the connection
// cannot keep up. Ops are recoverable through a snapshot request.
func (c *Conn) Enqueue(msg OutboundMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leave(ctx)
		close(c.done)
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read failed user=%s entity=%s err=%v", c.userID, c.entity, err)
			}
			return
		}
		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)
		case "leave":
			c.leave(ctx)
		case "op_submit":
			c.handleOpSubmit(ctx, msg)
		case "cursor":
			if msg.Cursor != nil {
				c.publishPresence(ctx, func() (session.Presence, bool) {
					return c.sessions.UpdateCursor(c.entity, c.userID, *msg.Cursor)
				})
			}
		case "selection":
			if msg.Selection != nil {
				c.publishPresence(ctx, func() (session.Presence, bool) {
					return c.sessions.UpdateSelection(c.entity, c.userID, *msg.Selection)
				})
			}
		case "status":
			c.publishPresence(ctx, func() (session.Presence, bool) {
				return c.sessions.SetStatus(c.entity, c.userID, msg.Status)
			})
		case "heartbeat":
			c.handleHeartbeat(ctx)
		case "snapshot":
			c.handleSnapshot(ctx)
		case "save":
			c.handleSave(ctx)
		case "members":
			c.handleMembers(ctx)
		default:
			c.Enqueue(ServerMessage{Type: "error", Content: "UNKNOWN_MESSAGE_TYPE"})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	ref := ot.EntityRef{Type: msg.EntityType, ID: msg.EntityID}
	if ref.Type == "" || ref.ID == "" {
		c.Enqueue(ServerMessage{Type: "error", Content: "MISSING_ENTITY"})
		return
	}
	if c.joined && c.entity != ref {
		c.leave(ctx)
	}
	c.entity = ref

	if err := c.hub.Join(ref, c); err != nil {
		log.Printf("ws join failed user=%s entity=%s err=%v", c.userID, ref, err)
		c.Enqueue(ServerMessage{Type: "error", Content: collab.ErrConnectionFailed.Error()})
		return
	}
	roster := c.sessions.Join(ref, session.Presence{UserID: c.userID, DisplayName: c.username})
	c.joined = true

	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, ref, c.userID, c.username, memberCacheTTL); err != nil {
			log.Printf("ws presence cache add failed user=%s entity=%s err=%v", c.userID, ref, err)
		}
	}

	snap, err := c.engine.Snapshot(ctx, ref)
	if err != nil {
		c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	c.Enqueue(ServerMessage{
		Type:     "joined",
		Entity:   ref.String(),
		Revision: snap.Revision,
		Fields:   snap.Fields,
		Members:  roster,
	})

	for _, p := range roster {
		if p.UserID != c.userID {
			continue
		}
		c.broadcastPresence(ctx, p, false)
	}
}

func (c *Conn) leave(ctx context.Context) {
	if !c.joined {
		return
	}
	c.joined = false
	c.hub.Leave(c.entity, c)
	c.sessions.Leave(c.entity, c.userID)
	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, c.entity, c.userID); err != nil {
			log.Printf("ws presence cache remove failed user=%s entity=%s err=%v", c.userID, c.entity, err)
		}
	}
	c.broadcastPresence(ctx, session.Presence{UserID: c.userID, Status: session.StatusOffline}, true)
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if !c.joined {
		c.Enqueue(ServerMessage{Type: "error", Content: collab.ErrSessionClosed.Error()})
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	op := ot.Operation{
		EntityType:    c.entity.Type,
		EntityID:      c.entity.ID,
		Field:         msg.Field,
		Ops:           msg.Ops,
		BaseRevision:  msg.BaseRevision,
		AuthorID:      c.userID,
		ClientTime:    time.Now(),
		CorrelationID: msg.CorrelationID,
	}
	committed, err := c.engine.Submit(submitCtx, op, msg.ClientID, msg.ClientSeq)
	if err != nil {
		msgType := "error"
		if errors.Is(err, collab.ErrStaleOperation) {
			msgType = "resync_required"
		}
		c.Enqueue(ServerMessage{Type: msgType, Entity: c.entity.String(), Content: err.Error()})
		return
	}
	c.Enqueue(OpAppliedMessage{
		Type:            "op_applied",
		Entity:          c.entity.String(),
		BaseRevision:    msg.BaseRevision,
		CurrentRevision: committed.Revision,
		ClientID:        msg.ClientID,
		ClientSeq:       msg.ClientSeq,
		Conflict:        committed.Conflict,
	})
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if !c.joined {
		return
	}
	c.sessions.Touch(c.entity, c.userID)
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, c.entity, c.userID, c.username, memberCacheTTL); err != nil {
			log.Printf("ws presence cache refresh failed user=%s entity=%s err=%v", c.userID, c.entity, err)
		}
	}
	c.Enqueue(ServerMessage{Type: "heartbeat_ack"})
}

func (c *Conn) handleSnapshot(ctx context.Context) {
	if !c.joined {
		c.Enqueue(ServerMessage{Type: "error", Content: collab.ErrSessionClosed.Error()})
		return
	}
	snap, err := c.engine.Snapshot(ctx, c.entity)
	if err != nil {
		c.Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}
	c.Enqueue(ServerMessage{Type: "snapshot", Entity: c.entity.String(), Revision: snap.Revision, Fields: snap.Fields})
}

func (c *Conn) handleSave(ctx context.Context) {
	if !c.joined {
		return
	}
	if err := c.engine.SaveSnapshot(ctx, c.entity); err != nil {
		log.Printf("ws save failed entity=%s err=%v", c.entity, err)
		c.Enqueue(ServerMessage{Type: "error", Content: "SAVE_FAILED"})
		return
	}
	c.Enqueue(ServerMessage{Type: "saved", Entity: c.entity.String()})
}

func (c *Conn) handleMembers(ctx context.Context) {
	if !c.joined {
		return
	}
	c.Enqueue(ServerMessage{Type: "members", Entity: c.entity.String(), Members: c.sessions.Presences(c.entity)})
}

func (c *Conn) publishPresence(ctx context.Context, update func() (session.Presence, bool)) {
	if !c.joined {
		return
	}
	pres, broadcast := update()
	if !broadcast {
		return
	}
	c.broadcastPresence(ctx, pres, false)
}

func (c *Conn) broadcastPresence(ctx context.Context, pres session.Presence, left bool) {
	err := c.hub.bus.Publish(ctx, transport.ChannelFor(c.entity), transport.Message{
		Kind:     transport.KindPresence,
		Presence: &transport.PresencePayload{Entity: c.entity, User: pres, Left: left},
	})
	if err != nil {
		log.Printf("ws presence publish failed user=%s entity=%s err=%v", c.userID, c.entity, err)
	}
}

// writeLoop is the only goroutine writing to the socket. The send channel
// stays open for the hub's lifetime of this connection; done ends the loop.
func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
