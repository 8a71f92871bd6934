package transport

import (
	"context"
	"time"

	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/session"
)

type MessageKind string

const (
	KindOperation MessageKind = "operation"
	KindPresence  MessageKind = "presence"
)

// OperationPayload is a committed operation as broadcast to session
// participants. ServerSeq is the revision the authority assigned; receivers
// dedupe on it because delivery is at-least-once.
type OperationPayload struct {
	Op        ot.Operation `json:"op"`
	ServerSeq uint64       `json:"serverSeq"`
	ClientID  string       `json:"clientId"`
	ClientSeq uint64       `json:"clientSeq"`
	Conflict  bool         `json:"conflict,omitempty"`
	AppliedAt time.Time    `json:"appliedAt"`
}

// PresencePayload carries one user's presence state. Presence messages are
// unordered relative to operations and to each other; most recent wins.
type PresencePayload struct {
	Entity ot.EntityRef     `json:"entity"`
	User   session.Presence `json:"user"`
	Left   bool             `json:"left,omitempty"`
}

type Message struct {
	Kind      MessageKind       `json:"kind"`
	Operation *OperationPayload `json:"operation,omitempty"`
	Presence  *PresencePayload  `json:"presence,omitempty"`
}

// ChannelFor names the pub/sub channel scoped to one entity.
func ChannelFor(ref ot.EntityRef) string {
	return "collab:" + ref.String()
}

type Subscription interface {
	C() <-chan Message
	Close() error
}

// Transport is the pub/sub collaborator carrying operation and presence
// events between session participants. Delivery is at-least-once.
type Transport interface {
	Publish(ctx context.Context, channel string, msg Message) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
