package collab

import "errors"

var (
	// ErrStaleOperation: the operation's base revision fell out of the
	// retained history window. The submitter must resync from a fresh
	// snapshot and replay its edit.
	ErrStaleOperation = errors.New("STALE_OPERATION")

	// ErrRevisionConflict: the base revision is ahead of the authority.
	ErrRevisionConflict = errors.New("REVISION_CONFLICT")

	// ErrDuplicateOrOutOfOrder: the client sequence was already processed,
	// or an uncommitted op from the same client is still in the catch-up
	// window. Clients buffer: one operation in flight per client.
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")

	// ErrConnectionFailed: the transport was unreachable during join.
	ErrConnectionFailed = errors.New("CONNECTION_FAILED")

	// ErrSessionClosed: the session was left or torn down.
	ErrSessionClosed = errors.New("SESSION_CLOSED")
)
