package ws

import (
	"time"

	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/session"
)

// ClientMessage is the envelope for everything a browser sends. Type selects
// which fields are meaningful.
type ClientMessage struct {
	Type          string             `json:"type"`
	EntityType    string             `json:"entityType,omitempty"`
	EntityID      string             `json:"entityId,omitempty"`
	Field         string             `json:"field,omitempty"`
	BaseRevision  uint64             `json:"baseRevision,omitempty"`
	ClientID      string             `json:"clientId"`
	ClientSeq     uint64             `json:"clientSeq,omitempty"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Ops           []ot.Op            `json:"ops,omitempty"`
	Cursor        *session.Cursor    `json:"cursor,omitempty"`
	Selection     *session.Selection `json:"selection,omitempty"`
	Status        session.Status     `json:"status,omitempty"`
}

type OutboundMessage interface {
	MessageType() string
}

type ServerMessage struct {
	Type     string             `json:"type"`
	Entity   string             `json:"entity,omitempty"`
	Revision uint64             `json:"revision,omitempty"`
	Fields   map[string]string  `json:"fields,omitempty"`
	Members  []session.Presence `json:"members,omitempty"`
	User     *session.Presence  `json:"user,omitempty"`
	Left     bool               `json:"left,omitempty"`
	Content  string             `json:"content,omitempty"`
}

// OpAppliedMessage acknowledges the sender's own submission.
type OpAppliedMessage struct {
	Type            string `json:"type"` // "op_applied"
	Entity          string `json:"entity"`
	BaseRevision    uint64 `json:"baseRevision"`
	CurrentRevision uint64 `json:"currentRevision"`
	ClientID        string `json:"clientId"`
	ClientSeq       uint64 `json:"clientSeq"`
	Conflict        bool   `json:"conflict,omitempty"`
}

// OpBroadcastMessage pushes a committed operation to everyone in the room,
// the author's other connections included. Receivers dedupe on Revision.
type OpBroadcastMessage struct {
	Type      string    `json:"type"` // "op_broadcast"
	Entity    string    `json:"entity"`
	Field     string    `json:"field"`
	Revision  uint64    `json:"revision"`
	AuthorID  string    `json:"authorId"`
	ClientID  string    `json:"clientId,omitempty"`
	ClientSeq uint64    `json:"clientSeq,omitempty"`
	Ops       []ot.Op   `json:"ops"`
	Conflict  bool      `json:"conflict,omitempty"`
	AppliedAt time.Time `json:"appliedAt,omitempty"`
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
