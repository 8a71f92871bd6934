package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"taskcollab/backend/internal/ot"
	"taskcollab/backend/internal/transport"
)

// Engine is the collaboration authority: the single commit path that orders
// concurrent edits and assigns revisions. Clients never self-assign.
type Engine interface {
	// Submit commits one operation, transforming it past everything
	// committed since its base revision.
	Submit(ctx context.Context, op ot.Operation, clientID string, clientSeq uint64) (CommittedOp, error)

	// Snapshot returns the entity's current field contents and revision.
	Snapshot(ctx context.Context, ref ot.EntityRef) (Snapshot, error)

	CurrentRevision(ctx context.Context, ref ot.EntityRef) (uint64, error)

	// OpsSince returns retained committed ops after fromRevision, for
	// catch-up on reconnect.
	OpsSince(ctx context.Context, ref ot.EntityRef, fromRevision uint64, limit int) ([]CommittedOp, error)

	// SaveSnapshot writes the entity's fields to the persistence
	// collaborator. Failures never touch in-memory state.
	SaveSnapshot(ctx context.Context, ref ot.EntityRef) error
}

// CommittedOp is an operation after the authority applied it. Revision is
// the server sequence broadcast receivers dedupe on.
type CommittedOp struct {
	Op        ot.Operation `json:"op"`
	Revision  uint64       `json:"revision"`
	ClientID  string       `json:"clientId"`
	ClientSeq uint64       `json:"clientSeq"`
	Conflict  bool         `json:"conflict,omitempty"`
	AppliedAt time.Time    `json:"appliedAt"`
}

type Snapshot struct {
	Entity   ot.EntityRef      `json:"entity"`
	Fields   map[string]string `json:"fields"`
	Revision uint64            `json:"revision"`
}

// SnapshotStore is the persistence collaborator.
type SnapshotStore interface {
	SaveFieldSnapshot(ctx context.Context, ref ot.EntityRef, field, content string, revision uint64) error
	LoadFieldSnapshots(ctx context.Context, ref ot.EntityRef) (map[string]string, uint64, error)
}

// CommitLog records every committed operation for audit and replay.
// Failures are logged, never surfaced: the commit already happened.
type CommitLog interface {
	AppendCommitted(ctx context.Context, c CommittedOp) error
}

// docState is the only shared mutable resource. Every mutation funnels
// through its mutex, so commits to one entity are serialized while distinct
// entities proceed in parallel.
type docState struct {
	mu              sync.Mutex
	revision        uint64
	history         []CommittedOp // ring of the last historyCap commits
	lastSeqByClient map[string]uint64
	fields          map[string]Buffer
}

func (ds *docState) buffer(field string) Buffer {
	b := ds.fields[field]
	if b == nil {
		b = NewPieceTable("")
		ds.fields[field] = b
	}
	return b
}

// InMemoryEngine keeps every active document in memory, cold-loading from
// the snapshot store on first touch.
type InMemoryEngine struct {
	mu         sync.RWMutex
	docs       map[ot.EntityRef]*docState
	historyCap int

	store      SnapshotStore
	bus        transport.Transport
	dispatcher *EventDispatcher
	audit      CommitLog
	loads      singleflight.Group
}

type EngineOptions struct {
	HistoryCap int                 // retained commits per document, default 256
	Store      SnapshotStore       // nil: documents start empty
	Bus        transport.Transport // nil: no broadcast
	Dispatcher *EventDispatcher    // nil: no downstream events
	Audit      CommitLog           // nil: no commit log
}

func NewInMemoryEngine(opt EngineOptions) *InMemoryEngine {
	if opt.HistoryCap <= 0 {
		opt.HistoryCap = 256
	}
	return &InMemoryEngine{
		docs:       make(map[ot.EntityRef]*docState),
		historyCap: opt.HistoryCap,
		store:      opt.Store,
		bus:        opt.Bus,
		dispatcher: opt.Dispatcher,
		audit:      opt.Audit,
	}
}

var _ Engine = (*InMemoryEngine)(nil)

// doc returns the live state for ref, cold-loading persisted fields once
// even under concurrent first joins.
func (e *InMemoryEngine) doc(ctx context.Context, ref ot.EntityRef) (*docState, error) {
	e.mu.RLock()
	ds := e.docs[ref]
	e.mu.RUnlock()
	if ds != nil {
		return ds, nil
	}

	v, err, _ := e.loads.Do(ref.String(), func() (any, error) {
		e.mu.RLock()
		ds := e.docs[ref]
		e.mu.RUnlock()
		if ds != nil {
			return ds, nil
		}

		ds = &docState{
			lastSeqByClient: make(map[string]uint64),
			history:         make([]CommittedOp, 0, e.historyCap),
			fields:          make(map[string]Buffer),
		}
		if e.store != nil {
			fields, rev, err := e.store.LoadFieldSnapshots(ctx, ref)
			if err != nil {
				return nil, fmt.Errorf("load snapshot for %s: %w", ref, err)
			}
			for f, content := range fields {
				ds.fields[f] = NewPieceTable(content)
			}
			ds.revision = rev
		}

		e.mu.Lock()
		e.docs[ref] = ds
		e.mu.Unlock()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*docState), nil
}

func (e *InMemoryEngine) Submit(ctx context.Context, op ot.Operation, clientID string, clientSeq uint64) (CommittedOp, error) {
	ds, err := e.doc(ctx, op.Entity())
	if err != nil {
		return CommittedOp{}, err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if clientID != "" {
		if last := ds.lastSeqByClient[clientID]; clientSeq <= last {
			return CommittedOp{}, ErrDuplicateOrOutOfOrder
		}
	}
	if op.BaseRevision > ds.revision {
		return CommittedOp{}, ErrRevisionConflict
	}
	behind := ds.revision - op.BaseRevision
	if behind > uint64(len(ds.history)) {
		return CommittedOp{}, ErrStaleOperation
	}

	// Catch-up: transform past every commit since the base revision.
	conflict := false
	for _, h := range ds.history[uint64(len(ds.history))-behind:] {
		if clientID != "" && h.ClientID == clientID {
			// An op parented before the client's own commit: the client
			// failed to buffer. Rejecting beats applying it twice.
			return CommittedOp{}, ErrDuplicateOrOutOfOrder
		}
		var c bool
		op, c = ot.Transform(op, h.Op)
		conflict = conflict || c
	}

	buf := ds.buffer(op.Field)
	if err := validateOps(buf.Len(), op.Ops); err != nil {
		return CommittedOp{}, err
	}
	for _, p := range op.Ops {
		if err := buf.Apply(p); err != nil {
			return CommittedOp{}, err
		}
	}

	ds.revision++
	committed := CommittedOp{
		Op:        op,
		Revision:  ds.revision,
		ClientID:  clientID,
		ClientSeq: clientSeq,
		Conflict:  conflict,
		AppliedAt: time.Now(),
	}

	if len(ds.history) == e.historyCap {
		copy(ds.history, ds.history[1:])
		ds.history = ds.history[:len(ds.history)-1]
	}
	ds.history = append(ds.history, committed)
	if clientID != "" {
		ds.lastSeqByClient[clientID] = clientSeq
	}

	// Broadcast under the doc lock so subscribers observe commits in
	// revision order.
	if e.bus != nil {
		msg := transport.Message{
			Kind: transport.KindOperation,
			Operation: &transport.OperationPayload{
				Op:        committed.Op,
				ServerSeq: committed.Revision,
				ClientID:  committed.ClientID,
				ClientSeq: committed.ClientSeq,
				Conflict:  committed.Conflict,
				AppliedAt: committed.AppliedAt,
			},
		}
		if err := e.bus.Publish(ctx, transport.ChannelFor(op.Entity()), msg); err != nil {
			log.Printf("collab: broadcast failed entity=%s rev=%d: %v", op.Entity(), committed.Revision, err)
		}
	}
	if e.dispatcher != nil {
		e.dispatcher.Enqueue(eventFromCommit(committed))
	}
	if e.audit != nil {
		if err := e.audit.AppendCommitted(ctx, committed); err != nil {
			log.Printf("collab: commit log failed entity=%s rev=%d: %v", op.Entity(), committed.Revision, err)
		}
	}

	return committed, nil
}

// validateOps dry-runs an edit script against the field length so a partial
// script can never corrupt the buffer.
func validateOps(fieldLen int, ops []ot.Op) error {
	n := fieldLen
	for _, p := range ops {
		switch p.Kind {
		case ot.KindInsert:
			if p.Pos < 0 || p.Pos > n {
				return fmt.Errorf("%w: insert at %d, len %d", ot.ErrOutOfBounds, p.Pos, n)
			}
			n += len([]rune(p.Text))
		case ot.KindDelete:
			if p.Pos < 0 || p.Pos+p.Len > n {
				return fmt.Errorf("%w: delete [%d,%d), len %d", ot.ErrOutOfBounds, p.Pos, p.Pos+p.Len, n)
			}
			n -= p.Len
		case ot.KindReplace:
			if p.OldLen != n {
				return fmt.Errorf("%w: replace expects %d runes, field has %d", ot.ErrLengthMismatch, p.OldLen, n)
			}
			n = len([]rune(p.Text))
		default:
			return fmt.Errorf("unknown op kind: %s", p.Kind)
		}
	}
	return nil
}

func (e *InMemoryEngine) Snapshot(ctx context.Context, ref ot.EntityRef) (Snapshot, error) {
	ds, err := e.doc(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	fields := make(map[string]string, len(ds.fields))
	for f, buf := range ds.fields {
		fields[f] = buf.String()
	}
	return Snapshot{Entity: ref, Fields: fields, Revision: ds.revision}, nil
}

func (e *InMemoryEngine) CurrentRevision(ctx context.Context, ref ot.EntityRef) (uint64, error) {
	ds, err := e.doc(ctx, ref)
	if err != nil {
		return 0, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.revision, nil
}

func (e *InMemoryEngine) OpsSince(ctx context.Context, ref ot.EntityRef, fromRevision uint64, limit int) ([]CommittedOp, error) {
	ds, err := e.doc(ctx, ref)
	if err != nil {
		return nil, err
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if fromRevision < ds.revision && ds.revision-fromRevision > uint64(len(ds.history)) {
		return nil, ErrStaleOperation
	}
	var out []CommittedOp
	for _, h := range ds.history {
		if h.Revision > fromRevision {
			out = append(out, h)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (e *InMemoryEngine) SaveSnapshot(ctx context.Context, ref ot.EntityRef) error {
	if e.store == nil {
		return fmt.Errorf("snapshot store not configured")
	}
	snap, err := e.Snapshot(ctx, ref)
	if err != nil {
		return err
	}
	for field, content := range snap.Fields {
		if err := e.store.SaveFieldSnapshot(ctx, ref, field, content, snap.Revision); err != nil {
			return fmt.Errorf("save %s.%s: %w", ref, field, err)
		}
	}
	return nil
}
