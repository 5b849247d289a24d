package api

import (
	"context"

	"collab-canvas/internal/models"
	"collab-canvas/internal/services/oplog"
	"collab-canvas/internal/telemetry"
)

// Handlers only read relay state. These interfaces name exactly the reads
// they make, so tests can hand in the real in-memory components or fakes.

// RoomDirectory is the membership view the handlers need.
type RoomDirectory interface {
	RoomInfo(roomID string) (models.RoomInfo, error)
	Stats() (rooms, users int)
}

// HistoryReader is the operation history view the handlers need.
type HistoryReader interface {
	Exists(roomID string) bool
	SnapshotActive(roomID string) oplog.Snapshot
	OperationsSince(roomID string, since int64) []models.Operation
}

// MetricsReader collects the relay's instruments.
type MetricsReader interface {
	Snapshot(ctx context.Context) ([]telemetry.MetricPoint, error)
}

// SnapshotReader reads persisted canvas snapshots.
type SnapshotReader interface {
	Latest(ctx context.Context, roomID string) (*models.CanvasSnapshot, error)
}
