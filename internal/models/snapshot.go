package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// CanvasSnapshot is a persisted copy of a room's active history,
// written on save-canvas and read back when an evicted room is re-created.
type CanvasSnapshot struct {
	ID             string      `gorm:"type:varchar(27);primaryKey" json:"id"`
	RoomID         string      `gorm:"type:varchar(128);not null;index:idx_room_time" json:"roomId"`
	Operations     []Operation `gorm:"serializer:json;type:jsonb;not null" json:"-"`
	OperationCount int         `gorm:"not null" json:"operationCount"`
	SavedBy        string      `gorm:"type:varchar(64)" json:"savedBy"`
	CreatedAt      time.Time   `gorm:"index:idx_room_time" json:"createdAt"`
}

// BeforeCreate generates the KSUID
func (s *CanvasSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (CanvasSnapshot) TableName() string {
	return "canvas_snapshots"
}
