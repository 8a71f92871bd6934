package ws

import (
	"context"
	"log"
	"sync"

	"taskcollab/backend/internal/cache"
	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/transport"
)

// Hub tracks which connections are in which entity room and pumps the
// entity's transport channel into them. One user may hold several
// connections (tabs, devices); broadcasts go per connection.
type Hub struct {
	bus      transport.Transport
	presence cache.PresenceCache // nil on single-node runs

	mu    sync.RWMutex
	rooms map[ot.EntityRef]map[*Conn]struct{}
	pumps map[ot.EntityRef]transport.Subscription
}

func NewHub(bus transport.Transport, presence cache.PresenceCache) *Hub {
	return &Hub{
		bus:      bus,
		presence: presence,
		rooms:    make(map[ot.EntityRef]map[*Conn]struct{}),
		pumps:    make(map[ot.EntityRef]transport.Subscription),
	}
}

// Join adds a connection to the entity room, starting the room's transport
// pump on first entry.
func (h *Hub) Join(ref ot.EntityRef, c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[ref] == nil {
		h.rooms[ref] = make(map[*Conn]struct{})
	}
	h.rooms[ref][c] = struct{}{}
	if _, ok := h.pumps[ref]; !ok {
		sub, err := h.bus.Subscribe(context.Background(), transport.ChannelFor(ref))
		if err != nil {
			return err
		}
		h.pumps[ref] = sub
		go h.pump(ref, sub)
	}
	return nil
}

// Leave removes a connection; the last one out stops the pump.
func (h *Hub) Leave(ref ot.EntityRef, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.rooms[ref]
	if !ok {
		return
	}
	delete(conns, c)
	if len(conns) > 0 {
		return
	}
	delete(h.rooms, ref)
	if sub, ok := h.pumps[ref]; ok {
		delete(h.pumps, ref)
		if err := sub.Close(); err != nil {
			log.Printf("ws hub unsubscribe failed entity=%s err=%v", ref, err)
		}
	}
}

func (h *Hub) pump(ref ot.EntityRef, sub transport.Subscription) {
	for msg := range sub.C() {
		out := toOutbound(msg)
		if out == nil {
			continue
		}
		h.broadcast(ref, out)
	}
}

func (h *Hub) broadcast(ref ot.EntityRef, msg OutboundMessage) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[ref]))
	for c := range h.rooms[ref] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Enqueue(msg)
	}
}

func toOutbound(msg transport.Message) OutboundMessage {
	switch msg.Kind {
	case transport.KindOperation:
		p := msg.Operation
		if p == nil {
			return nil
		}
		return OpBroadcastMessage{
			Type:      "op_broadcast",
			Entity:    p.Op.Entity().String(),
			Field:     p.Op.Field,
			Revision:  p.ServerSeq,
			AuthorID:  p.Op.AuthorID,
			ClientID:  p.ClientID,
			ClientSeq: p.ClientSeq,
			Ops:       p.Op.Ops,
			Conflict:  p.Conflict,
			AppliedAt: p.AppliedAt,
		}
	case transport.KindPresence:
		p := msg.Presence
		if p == nil {
			return nil
		}
		user := p.User
		return ServerMessage{
			Type:   "presence",
			Entity: p.Entity.String(),
			User:   &user,
			Left:   p.Left,
		}
	}
	return nil
}
