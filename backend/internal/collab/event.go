package collab

import (
	"time"

	"taskcollab/backend/internal/ot"
)

// OpCommittedEvent is the downstream record of one commit, published to
// Kafka for the analytics and activity-feed consumers.
type OpCommittedEvent struct {
	EventType    string    `json:"eventType"` // fixed "OP_COMMITTED"
	EntityType   string    `json:"entityType"`
	EntityID     string    `json:"entityId"`
	Field        string    `json:"field"`
	Revision     uint64    `json:"revision"`
	BaseRevision uint64    `json:"baseRevision"`
	AuthorID     string    `json:"authorId"`
	ClientID     string    `json:"clientId"`
	ClientSeq    uint64    `json:"clientSeq"`
	Ops          []ot.Op   `json:"ops"`
	Conflict     bool      `json:"conflict,omitempty"`
	AppliedAt    time.Time `json:"appliedAt"`
}

func eventFromCommit(c CommittedOp) OpCommittedEvent {
	return OpCommittedEvent{
		EventType:    "OP_COMMITTED",
		EntityType:   c.Op.EntityType,
		EntityID:     c.Op.EntityID,
		Field:        c.Op.Field,
		Revision:     c.Revision,
		BaseRevision: c.Op.BaseRevision,
		AuthorID:     c.Op.AuthorID,
		ClientID:     c.ClientID,
		ClientSeq:    c.ClientSeq,
		Ops:          c.Op.Ops,
		Conflict:     c.Conflict,
		AppliedAt:    c.AppliedAt,
	}
}
