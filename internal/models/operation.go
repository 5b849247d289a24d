package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

// OperationType identifies the kind of drawing operation.
type OperationType string

const (
	OperationPath  OperationType = "path"
	OperationClear OperationType = "clear"
)

// EraserColor is the stroke color every eraser operation carries.
const EraserColor = "#ffffff"

// ErrInvalidOperation is returned when an inbound operation is malformed.
var ErrInvalidOperation = errors.New("invalid operation")

// Point is a single canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Operation is one atomic, immutable drawing action in a room's history.
// Two operations with the same ID are the same logical edit.
type Operation struct {
	ID          string        `json:"id"`
	Type        OperationType `json:"type"`
	Tool        string        `json:"tool,omitempty"`
	Color       string        `json:"color,omitempty"`
	StrokeWidth float64       `json:"strokeWidth,omitempty"`
	Path        []Point       `json:"path,omitempty"`
	UserID      string        `json:"userId,omitempty"`
	Username    string        `json:"username,omitempty"`
	Timestamp   int64         `json:"timestamp"` // unix milliseconds
}

// NewOperationID returns a time-ordered operation id.
// KSUIDs sort by creation time, which gives a stable tie-break order.
func NewOperationID() string {
	return ksuid.New().String()
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Validate checks the fields a relay needs before accepting an operation.
// An empty type is treated as a path.
func (o *Operation) Validate(maxPoints int) error {
	if o.Type == "" {
		o.Type = OperationPath
	}
	if o.StrokeWidth < 0 {
		return fmt.Errorf("%w: negative stroke width", ErrInvalidOperation)
	}
	if o.Type == OperationPath && len(o.Path) == 0 {
		return fmt.Errorf("%w: path operation without points", ErrInvalidOperation)
	}
	if maxPoints > 0 && len(o.Path) > maxPoints {
		return fmt.Errorf("%w: %d points exceeds limit of %d", ErrInvalidOperation, len(o.Path), maxPoints)
	}
	if len(o.ID) > 64 {
		return fmt.Errorf("%w: id too long", ErrInvalidOperation)
	}
	return nil
}
