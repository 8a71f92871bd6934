package client

import "taskcollab/backend/internal/session"

type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateActive  State = "active"
	StateLeaving State = "leaving"
	StateClosed  State = "closed"
)

type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventRemoteEdit   EventKind = "remote_edit"
	EventPresence     EventKind = "presence"
	EventConflict     EventKind = "conflict"
	EventResynced     EventKind = "resynced"
	EventSubmitFailed EventKind = "submit_failed"
)

// Event is one item on the client's event stream. Fields are set per kind:
// state changes carry State, remote edits carry Field/Content/Revision,
// presence carries the affected user, resync carries the adopted Revision,
// submit failures carry Field/Error.
type Event struct {
	Kind     EventKind         `json:"kind"`
	State    State             `json:"state,omitempty"`
	Field    string            `json:"field,omitempty"`
	Content  string            `json:"content,omitempty"`
	Revision uint64            `json:"revision,omitempty"`
	User     *session.Presence `json:"user,omitempty"`
	Left     bool              `json:"left,omitempty"`
	Error    string            `json:"error,omitempty"`
}
