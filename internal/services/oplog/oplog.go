// Package oplog holds the authoritative per-room drawing history.
//
// Each room has a linear history with an index that separates the active
// operations (0..currentIndex) from the redo tail. Undo and redo move the
// index; a fresh append drops the redo tail for good. Undo is global per
// room: any participant can undo the most recent active operation no
// matter who drew it.
package oplog

import (
	"errors"

	"collab-canvas/internal/keyed"
	"collab-canvas/internal/models"
)

// DefaultHistoryCap bounds a room's history when no cap is configured.
const DefaultHistoryCap = 500

var (
	ErrNothingToUndo      = errors.New("nothing to undo")
	ErrNothingToRedo      = errors.New("nothing to redo")
	ErrDuplicateOperation = errors.New("duplicate operation")
)

// Snapshot is the active slice of a room's history.
type Snapshot struct {
	Operations []models.Operation `json:"operations"`
	CanUndo    bool               `json:"canUndo"`
	CanRedo    bool               `json:"canRedo"`
}

type roomLog struct {
	history      []models.Operation
	undoStack    []models.Operation
	currentIndex int
	ids          map[string]struct{}
}

func newRoomLog(string) *roomLog {
	return &roomLog{
		currentIndex: -1,
		ids:          make(map[string]struct{}),
	}
}

// Log owns every room's history, keyed by room id.
type Log struct {
	rooms      *keyed.Map[roomLog]
	historyCap int
	now        func() int64
}

// New creates a Log that keeps at most historyCap operations per room.
func New(historyCap int) *Log {
	if historyCap < 1 {
		historyCap = DefaultHistoryCap
	}
	return &Log{
		rooms:      keyed.New(newRoomLog),
		historyCap: historyCap,
		now:        models.NowMillis,
	}
}

// Append adds draft to the end of the active history and returns the
// canonical operation. Missing id and timestamp are assigned. Any redo
// tail is discarded. An id already present in the room's history yields
// ErrDuplicateOperation and leaves the log untouched.
func (l *Log) Append(roomID string, draft models.Operation) (models.Operation, error) {
	var (
		op  models.Operation
		err error
	)
	l.rooms.Update(roomID, func(r *roomLog) {
		op, err = l.appendLocked(r, draft)
		if err == nil {
			l.enforceCapLocked(r)
		}
	})
	return op, err
}

func (l *Log) appendLocked(r *roomLog, draft models.Operation) (models.Operation, error) {
	if draft.ID == "" {
		draft.ID = models.NewOperationID()
	}
	if _, exists := r.ids[draft.ID]; exists {
		return draft, ErrDuplicateOperation
	}
	if draft.Timestamp == 0 {
		draft.Timestamp = l.now()
	}
	if len(draft.Path) > 0 {
		draft.Path = append([]models.Point(nil), draft.Path...)
	}

	r.truncateRedoTail()
	r.history = append(r.history, draft)
	r.ids[draft.ID] = struct{}{}
	r.currentIndex = len(r.history) - 1
	return draft, nil
}

// truncateRedoTail drops everything after currentIndex.
func (r *roomLog) truncateRedoTail() {
	for _, op := range r.history[r.currentIndex+1:] {
		delete(r.ids, op.ID)
	}
	r.history = r.history[:r.currentIndex+1]
	r.undoStack = nil
}

// enforceCapLocked drops the oldest operations beyond the cap and shifts
// currentIndex by the same amount.
func (l *Log) enforceCapLocked(r *roomLog) {
	excess := len(r.history) - l.historyCap
	if excess <= 0 {
		return
	}
	for _, op := range r.history[:excess] {
		delete(r.ids, op.ID)
	}
	r.history = append([]models.Operation(nil), r.history[excess:]...)
	r.currentIndex -= excess
	if r.currentIndex < -1 {
		r.currentIndex = -1
	}
}

// Undo deactivates the most recent active operation and returns it.
func (l *Log) Undo(roomID string) (models.Operation, error) {
	var (
		op  models.Operation
		err = ErrNothingToUndo
	)
	l.rooms.View(roomID, func(r *roomLog) {
		if r.currentIndex < 0 {
			return
		}
		op = r.history[r.currentIndex]
		r.currentIndex--
		r.undoStack = append(r.undoStack, op)
		err = nil
	})
	return op, err
}

// Redo reactivates the first operation of the redo tail and returns it.
func (l *Log) Redo(roomID string) (models.Operation, error) {
	var (
		op  models.Operation
		err = ErrNothingToRedo
	)
	l.rooms.View(roomID, func(r *roomLog) {
		if r.currentIndex >= len(r.history)-1 {
			return
		}
		r.currentIndex++
		op = r.history[r.currentIndex]
		for i := len(r.undoStack) - 1; i >= 0; i-- {
			if r.undoStack[i].ID == op.ID {
				r.undoStack = append(r.undoStack[:i], r.undoStack[i+1:]...)
				break
			}
		}
		err = nil
	})
	return op, err
}

// Clear wipes the room's history. It cannot be undone.
func (l *Log) Clear(roomID string) {
	l.rooms.Update(roomID, func(r *roomLog) {
		r.history = nil
		r.undoStack = nil
		r.currentIndex = -1
		r.ids = make(map[string]struct{})
	})
}

// SnapshotActive returns history[0..currentIndex] with the undo/redo flags.
func (l *Log) SnapshotActive(roomID string) Snapshot {
	snap := Snapshot{Operations: []models.Operation{}}
	l.rooms.View(roomID, func(r *roomLog) {
		snap = r.snapshot()
	})
	return snap
}

func (r *roomLog) snapshot() Snapshot {
	active := make([]models.Operation, r.currentIndex+1)
	copy(active, r.history[:r.currentIndex+1])
	return Snapshot{
		Operations: active,
		CanUndo:    r.currentIndex >= 0,
		CanRedo:    r.currentIndex < len(r.history)-1,
	}
}

// OperationsSince returns the active operations stamped after since.
func (l *Log) OperationsSince(roomID string, since int64) []models.Operation {
	ops := []models.Operation{}
	l.rooms.View(roomID, func(r *roomLog) {
		for _, op := range r.history[:r.currentIndex+1] {
			if op.Timestamp > since {
				ops = append(ops, op)
			}
		}
	})
	return ops
}

// BatchMerge appends the operations whose ids are not already in the
// room's history, in order, and returns the ones it appended. Applying the
// same batch twice appends nothing the second time.
func (l *Log) BatchMerge(roomID string, ops []models.Operation) []models.Operation {
	merged := []models.Operation{}
	l.rooms.Update(roomID, func(r *roomLog) {
		for _, draft := range ops {
			op, err := l.appendLocked(r, draft)
			if err != nil {
				continue
			}
			merged = append(merged, op)
		}
		l.enforceCapLocked(r)
	})
	return merged
}

// Exists reports whether the room has a log, even an empty one.
func (l *Log) Exists(roomID string) bool {
	return l.rooms.Has(roomID)
}

// Evict drops the room's log entirely.
func (l *Log) Evict(roomID string) bool {
	return l.rooms.RemoveIf(roomID, func(*roomLog) bool { return true })
}

// Rooms returns the number of rooms with a log.
func (l *Log) Rooms() int {
	return l.rooms.Len()
}
