package repository

import (
	"context"
	"errors"
	"fmt"

	"collab-canvas/internal/models"

	"gorm.io/gorm"
)

/*
Canvas snapshots are whole copies of a room's active history, written on
save-canvas. Queries:
- Store: persist one save
- Latest: restore a room that was evicted or never existed in memory
- DeleteOld: keep only the newest N per room
*/

// SnapshotRepositoryImpl stores canvas snapshots in postgres.
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// Store persists snapshot. ID and CreatedAt are filled in.
func (r *SnapshotRepositoryImpl) Store(ctx context.Context, snapshot *models.CanvasSnapshot) error {
	snapshot.OperationCount = len(snapshot.Operations)
	if snapshot.Operations == nil {
		snapshot.Operations = []models.Operation{}
	}

	if err := r.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to store canvas snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for roomID, or nil when there is none.
func (r *SnapshotRepositoryImpl) Latest(ctx context.Context, roomID string) (*models.CanvasSnapshot, error) {
	var snapshot models.CanvasSnapshot

	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		First(&snapshot).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	return &snapshot, nil
}

// DeleteOld removes all but the newest keepCount snapshots of roomID.
func (r *SnapshotRepositoryImpl) DeleteOld(ctx context.Context, roomID string, keepCount int) error {
	if keepCount < 1 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.CanvasSnapshot{}).
		Where("room_id = ?", roomID).
		Count(&count).Error; err != nil {
		return err
	}

	if count <= int64(keepCount) {
		return nil
	}

	// Oldest snapshot that survives.
	var cutoff models.CanvasSnapshot
	if err := r.db.WithContext(ctx).
		Select("id", "created_at").
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Offset(keepCount - 1).
		First(&cutoff).Error; err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Where("room_id = ? AND created_at < ?", roomID, cutoff.CreatedAt).
		Delete(&models.CanvasSnapshot{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete old snapshots: %w", result.Error)
	}

	return nil
}
