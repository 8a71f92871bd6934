package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"taskcollab/backend/internal/collab"
	"taskcollab/backend/internal/ot"
)

// OpLogStore appends committed operations for audit and replay. The table
// carries a unique key on (entity_type, entity_id, revision), so redelivered
// commits are absorbed instead of duplicated.
type OpLogStore struct{ db *sql.DB }

func NewOpLogStore(db *sql.DB) *OpLogStore {
	return &OpLogStore{db: db}
}

func (s *OpLogStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS collab_op_log (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
		entity_type VARCHAR(32) NOT NULL,
		entity_id VARCHAR(64) NOT NULL,
		field VARCHAR(64) NOT NULL,
		revision BIGINT UNSIGNED NOT NULL,
		base_revision BIGINT UNSIGNED NOT NULL,
		author_id VARCHAR(64) NOT NULL,
		client_id VARCHAR(64) NOT NULL,
		client_seq BIGINT UNSIGNED NOT NULL,
		correlation_id VARCHAR(64) NOT NULL,
		ops JSON NOT NULL,
		conflict BOOLEAN NOT NULL DEFAULT FALSE,
		applied_at DATETIME(3) NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY uq_entity_revision (entity_type, entity_id, revision)
	)`)
	return err
}

func (s *OpLogStore) AppendCommitted(ctx context.Context, c collab.CommittedOp) error {
	ops, err := json.Marshal(c.Op.Ops)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collab_op_log
		(entity_type, entity_id, field, revision, base_revision, author_id, client_id, client_seq, correlation_id, ops, conflict, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Op.EntityType,
		c.Op.EntityID,
		c.Op.Field,
		c.Revision,
		c.Op.BaseRevision,
		c.Op.AuthorID,
		c.ClientID,
		c.ClientSeq,
		c.Op.CorrelationID,
		ops,
		c.Conflict,
		c.AppliedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		// 1062 = duplicate key
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

func (s *OpLogStore) ListSince(ctx context.Context, ref ot.EntityRef, fromRevision uint64, limit int) ([]collab.CommittedOp, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, revision, base_revision, author_id, client_id, client_seq, correlation_id, ops, conflict, applied_at
		FROM collab_op_log
		WHERE entity_type = ? AND entity_id = ? AND revision > ?
		ORDER BY revision ASC
		LIMIT ?`,
		ref.Type,
		ref.ID,
		fromRevision,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.CommittedOp
	for rows.Next() {
		var c collab.CommittedOp
		var rawOps []byte
		c.Op.EntityType = ref.Type
		c.Op.EntityID = ref.ID
		if err := rows.Scan(
			&c.Op.Field,
			&c.Revision,
			&c.Op.BaseRevision,
			&c.Op.AuthorID,
			&c.ClientID,
			&c.ClientSeq,
			&c.Op.CorrelationID,
			&rawOps,
			&c.Conflict,
			&c.AppliedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rawOps, &c.Op.Ops); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
