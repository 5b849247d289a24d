package client

import (
	"sync"

	"collab-canvas/internal/models"
)

// RecordingSurface is a headless Surface that keeps what would be on
// screen. It is what canvas-probe draws on.
type RecordingSurface struct {
	mu       sync.Mutex
	rendered []models.Operation
	draft    *models.Operation
	resets   int
}

func NewRecordingSurface() *RecordingSurface {
	return &RecordingSurface{}
}

func (s *RecordingSurface) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rendered = nil
	s.draft = nil
	s.resets++
}

func (s *RecordingSurface) Render(op models.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rendered = append(s.rendered, op)
}

func (s *RecordingSurface) RenderDraft(draft models.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := draft
	d.Path = append([]models.Point(nil), draft.Path...)
	s.draft = &d
}

// Rendered returns the ids drawn since the last Reset, in draw order.
func (s *RecordingSurface) Rendered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.rendered))
	for i, op := range s.rendered {
		ids[i] = op.ID
	}
	return ids
}

// Resets counts full redraws.
func (s *RecordingSurface) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// DraftPoints is the number of points in the last rendered draft.
func (s *RecordingSurface) DraftPoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		return 0
	}
	return len(s.draft.Path)
}
