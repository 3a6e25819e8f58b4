package persistence

import (
	"context"

	"gorm.io/gorm"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/checkpoint"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/persistence/models"
	domainErrors "github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// CheckpointIndexRepository is the gorm-backed mirror of checkpoint
// metadata, used by the `journal` CLI command for fast listing and
// filtering without walking the checkpoints/ directory.
type CheckpointIndexRepository struct {
	db *gorm.DB
}

// NewCheckpointIndexRepository creates a CheckpointIndexRepository over db.
func NewCheckpointIndexRepository(db *gorm.DB) *CheckpointIndexRepository {
	return &CheckpointIndexRepository{db: db}
}

// Upsert records or refreshes one checkpoint's indexed metadata.
func (r *CheckpointIndexRepository) Upsert(ctx context.Context, meta checkpoint.Metadata) error {
	model := models.CheckpointIndexModel{
		ID:         meta.ID,
		Level:      uint8(meta.Level),
		Timestamp:  meta.Timestamp,
		SizeBytes:  meta.SizeBytes,
		Compressed: meta.Compressed,
	}
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return domainErrors.NewInternalError("failed to index checkpoint: " + err.Error())
	}
	return nil
}

// List returns every indexed checkpoint, newest first.
func (r *CheckpointIndexRepository) List(ctx context.Context) ([]checkpoint.Metadata, error) {
	var rows []models.CheckpointIndexModel
	if err := r.db.WithContext(ctx).Order("timestamp desc").Find(&rows).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list checkpoint index: " + err.Error())
	}
	out := make([]checkpoint.Metadata, 0, len(rows))
	for _, row := range rows {
		out = append(out, checkpoint.Metadata{
			ID:         row.ID,
			Level:      checkpoint.Level(row.Level),
			Timestamp:  row.Timestamp,
			SizeBytes:  row.SizeBytes,
			Compressed: row.Compressed,
		})
	}
	return out, nil
}

// Delete removes a checkpoint's indexed row. Not finding one is not an
// error: the index is a cache, deleting an unindexed id is a no-op.
func (r *CheckpointIndexRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&models.CheckpointIndexModel{}, "id = ?", id).Error; err != nil {
		return domainErrors.NewInternalError("failed to remove checkpoint from index: " + err.Error())
	}
	return nil
}

// Resync rebuilds the index from storage's authoritative listing,
// replacing any stale rows. Called once at startup, when the application
// is wired (which every `journal` command run goes through).
func (r *CheckpointIndexRepository) Resync(ctx context.Context, metas []checkpoint.Metadata) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM " + models.CheckpointIndexModel{}.TableName()).Error; err != nil {
			return err
		}
		for _, meta := range metas {
			model := models.CheckpointIndexModel{
				ID:         meta.ID,
				Level:      uint8(meta.Level),
				Timestamp:  meta.Timestamp,
				SizeBytes:  meta.SizeBytes,
				Compressed: meta.Compressed,
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
