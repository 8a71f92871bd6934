package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskcollab/backend/internal/ot"
)

// FieldSnapshot is the durable content of one entity field at a committed
// revision. One row per (entity, field); commits overwrite in place.
type FieldSnapshot struct {
	EntityType string `gorm:"primaryKey;type:varchar(32)"`
	EntityID   string `gorm:"primaryKey;type:varchar(64)"`
	Field      string `gorm:"primaryKey;type:varchar(64)"`
	Content    string `gorm:"type:mediumtext"`
	Revision   uint64
	UpdatedAt  time.Time
}

type MySQLSnapshotStore struct {
	db *gorm.DB
}

func NewMySQLSnapshotStore(db *gorm.DB) *MySQLSnapshotStore {
	return &MySQLSnapshotStore{db: db}
}

func (s *MySQLSnapshotStore) SaveFieldSnapshot(ctx context.Context, ref ot.EntityRef, field, content string, revision uint64) error {
	snap := FieldSnapshot{
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Field:      field,
		Content:    content,
		Revision:   revision,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&snap).Error
}

func (s *MySQLSnapshotStore) LoadFieldSnapshots(ctx context.Context, ref ot.EntityRef) (map[string]string, uint64, error) {
	var snaps []FieldSnapshot
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", ref.Type, ref.ID).
		Find(&snaps).Error
	if err != nil {
		return nil, 0, err
	}
	fields := make(map[string]string, len(snaps))
	var revision uint64
	for _, snap := range snaps {
		fields[snap.Field] = snap.Content
		if snap.Revision > revision {
			revision = snap.Revision
		}
	}
	return fields, revision, nil
}
