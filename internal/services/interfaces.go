package services

import (
	"context"

	"collab-canvas/internal/models"
)

// Interfaces live with their consumer. The snapshot service only needs
// these three calls from storage, which keeps it testable without a
// database.

// SnapshotRepository defines what the snapshot service needs from storage.
type SnapshotRepository interface {
	Store(ctx context.Context, snapshot *models.CanvasSnapshot) error
	Latest(ctx context.Context, roomID string) (*models.CanvasSnapshot, error)
	DeleteOld(ctx context.Context, roomID string, keepCount int) error
}
