package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/models"
)

type emitted struct {
	Type    models.MessageType
	Payload any
}

type fakeEmitter struct {
	mu   sync.Mutex
	sent []emitted
}

func (f *fakeEmitter) Emit(t models.MessageType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, emitted{Type: t, Payload: payload})
	return nil
}

func (f *fakeEmitter) types() []models.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.MessageType, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Type
	}
	return out
}

func envelope(t *testing.T, typ models.MessageType, payload any) models.Envelope {
	t.Helper()
	raw, err := models.Encode(typ, payload)
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func op(id string, ts int64) models.Operation {
	return models.Operation{
		ID:        id,
		Type:      models.OperationPath,
		Color:     "#000000",
		Path:      []models.Point{{X: 0, Y: 0}, {X: 1, Y: 1}},
		Timestamp: ts,
	}
}

func ids(ops []models.Operation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.ID
	}
	return out
}

func newFixture(t *testing.T) (*Reconciler, *RecordingSurface, *fakeEmitter) {
	t.Helper()
	surface := NewRecordingSurface()
	emitter := &fakeEmitter{}
	r := NewReconciler(surface, emitter)
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageRoomState, models.RoomState{
		RoomID:        "r1",
		Users:         []models.User{{ID: "me", Username: "alice"}},
		CurrentUser:   models.User{ID: "me", Username: "alice", Color: "#FF6B6B"},
		ActiveHistory: []models.Operation{op("A", 1), op("B", 2)},
		CanUndo:       true,
	})))
	return r, surface, emitter
}

func TestRoomStateReplaysHistory(t *testing.T) {
	r, surface, _ := newFixture(t)

	assert.Equal(t, []string{"A", "B"}, ids(r.Operations()))
	assert.Equal(t, []string{"A", "B"}, surface.Rendered())
	assert.Equal(t, "r1", r.RoomID())
	assert.Equal(t, "me", r.Self().ID)

	// A second room-state replaces everything.
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageRoomState, models.RoomState{
		RoomID:        "r2",
		ActiveHistory: []models.Operation{op("Z", 9)},
	})))
	assert.Equal(t, []string{"Z"}, ids(r.Operations()))
	assert.Equal(t, []string{"Z"}, surface.Rendered())
}

func TestRemoteDrawIsIdempotent(t *testing.T) {
	r, surface, _ := newFixture(t)

	for i := 0; i < 2; i++ {
		require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageDraw, op("C", 3))))
	}
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageDraw, op("A", 1))))

	assert.Equal(t, []string{"A", "B", "C"}, ids(r.Operations()))
	assert.Equal(t, []string{"A", "B", "C"}, surface.Rendered())
}

func TestRemoteUndoMatchesByID(t *testing.T) {
	r, surface, _ := newFixture(t)
	resets := surface.Resets()

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageUndo, models.UndoApplied{OperationID: "A"})))
	assert.Equal(t, []string{"B"}, ids(r.Operations()))
	assert.Equal(t, []string{"B"}, surface.Rendered())
	assert.Equal(t, resets+1, surface.Resets())
	canUndo, canRedo := r.UndoState()
	assert.True(t, canUndo)
	assert.True(t, canRedo)

	// Unknown ids change nothing.
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageUndo, models.UndoApplied{OperationID: "nope"})))
	assert.Equal(t, resets+1, surface.Resets())

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageRedo, models.RedoApplied{Operation: op("A", 1)})))
	assert.Equal(t, []string{"B", "A"}, ids(r.Operations()))
}

func TestRemoteClear(t *testing.T) {
	r, surface, _ := newFixture(t)

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageClear, models.CanvasCleared{UserID: "u2"})))
	assert.Empty(t, r.Operations())
	assert.Empty(t, surface.Rendered())
	canUndo, canRedo := r.UndoState()
	assert.False(t, canUndo)
	assert.False(t, canRedo)
}

func TestLocalStroke(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		color     string
		wantColor string
	}{
		{name: "brush", tool: ToolBrush, color: "#123456", wantColor: "#123456"},
		{name: "eraser", tool: ToolEraser, color: "#123456", wantColor: models.EraserColor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, surface, emitter := newFixture(t)
			r.SetTool(tt.tool, tt.color, 5)

			r.PointerMove(models.Point{X: 9, Y: 9}) // no draft yet
			r.PointerDown(models.Point{X: 1, Y: 1})
			r.PointerMove(models.Point{X: 2, Y: 2})
			r.PointerMove(models.Point{X: 3, Y: 3})
			assert.Equal(t, 3, surface.DraftPoints())

			draft, ok := r.Draft()
			require.True(t, ok)
			assert.Len(t, draft.Path, 3)

			final, ok, err := r.PointerUp()
			require.NoError(t, err)
			require.True(t, ok)

			assert.NotEmpty(t, final.ID)
			assert.Equal(t, tt.wantColor, final.Color)
			assert.Equal(t, tt.tool, final.Tool)
			assert.Equal(t, 5.0, final.StrokeWidth)
			assert.Equal(t, "me", final.UserID)
			assert.Len(t, final.Path, 3)

			assert.Equal(t, []string{"A", "B", final.ID}, ids(r.Operations()))
			require.Equal(t, []models.MessageType{models.MessageDraw}, emitter.types())
			assert.Equal(t, final, emitter.sent[0].Payload)

			_, ok = r.Draft()
			assert.False(t, ok)

			// The relay echo of our own stroke is not applied twice.
			require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageDraw, final)))
			assert.Len(t, r.Operations(), 3)
		})
	}
}

func TestPointerUpWithoutDraft(t *testing.T) {
	r, _, emitter := newFixture(t)
	_, ok, err := r.PointerUp()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, emitter.types())
}

func TestLocalUndoRedoOnlyRequest(t *testing.T) {
	r, _, emitter := newFixture(t)

	require.NoError(t, r.RequestUndo())
	require.NoError(t, r.RequestRedo())
	require.NoError(t, r.RequestClear())

	assert.Equal(t, []string{"A", "B"}, ids(r.Operations()))
	assert.Equal(t, []models.MessageType{models.MessageUndo, models.MessageRedo, models.MessageClear}, emitter.types())
}

func TestRequestResyncUsesNewestTimestamp(t *testing.T) {
	r, _, emitter := newFixture(t)
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageDraw, op("C", 42))))

	require.NoError(t, r.RequestResync())
	require.Len(t, emitter.sent, 1)
	assert.Equal(t, models.ResyncRequest{Since: 42}, emitter.sent[0].Payload)

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageHistorySince, models.HistorySince{
		Since:      42,
		Operations: []models.Operation{op("C", 42), op("D", 50)},
		CanUndo:    true,
	})))
	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(r.Operations()))
}

func TestCursorsExpire(t *testing.T) {
	r, _, _ := newFixture(t)
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageCursorMove, models.CursorMove{X: 1, Y: 2, UserID: "u2", Username: "bob"})))
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageCursorMove, models.CursorMove{X: 3, Y: 4})))

	cursors := r.Cursors()
	require.Len(t, cursors, 1)
	assert.Equal(t, "bob", cursors[0].Username)

	now = now.Add(CursorTTL + time.Millisecond)
	assert.Empty(t, r.Cursors())
}

func TestUserLeftDropsCursor(t *testing.T) {
	r, _, _ := newFixture(t)

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageUserJoined, models.UserJoined{User: models.User{ID: "u2", Username: "bob"}})))
	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageCursorMove, models.CursorMove{X: 1, Y: 2, UserID: "u2"})))
	assert.Len(t, r.Users(), 2)

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageUserLeft, models.UserLeft{UserID: "u2"})))
	assert.Len(t, r.Users(), 1)
	assert.Empty(t, r.Cursors())
}

func TestMoveCursorThrottled(t *testing.T) {
	r, _, emitter := newFixture(t)

	sent, err := r.MoveCursor(models.Point{X: 1, Y: 1})
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = r.MoveCursor(models.Point{X: 2, Y: 2})
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Equal(t, []models.MessageType{models.MessageCursorMove}, emitter.types())
}

func TestHandleEnvelopeErrors(t *testing.T) {
	r, _, _ := newFixture(t)

	tests := []struct {
		name    string
		env     models.Envelope
		wantErr bool
	}{
		{name: "draw without data", env: models.Envelope{Type: models.MessageDraw}, wantErr: true},
		{name: "draw with bad data", env: models.Envelope{Type: models.MessageDraw, Data: json.RawMessage(`"x"`)}, wantErr: true},
		{name: "unknown type", env: models.Envelope{Type: "mystery"}},
		{name: "clear without data", env: models.Envelope{Type: models.MessageClear}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.HandleEnvelope(tt.env)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestResyncAfterLocalDrawRecoversMissedOps(t *testing.T) {
	r, _, emitter := newFixture(t)

	r.PointerDown(models.Point{X: 1, Y: 1})
	r.PointerMove(models.Point{X: 2, Y: 2})
	_, ok, err := r.PointerUp()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.RequestResync())
	require.Len(t, emitter.sent, 2)
	assert.Equal(t, models.MessageResync, emitter.sent[1].Type)
	// The local stroke carries a client clock stamp; the watermark stays at
	// the newest server-stamped operation from room-state.
	assert.Equal(t, models.ResyncRequest{Since: 2}, emitter.sent[1].Payload)

	require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageHistorySince, models.HistorySince{
		Since:      2,
		Operations: []models.Operation{op("C", 100)},
		CanUndo:    true,
	})))
	assert.Contains(t, ids(r.Operations()), "C")

	require.NoError(t, r.RequestResync())
	assert.Equal(t, models.ResyncRequest{Since: 100}, emitter.sent[2].Payload)
}

func TestCanRedoTracksRedoTail(t *testing.T) {
	tests := []struct {
		name    string
		after   func(t *testing.T, r *Reconciler)
		canRedo bool
	}{
		{
			name: "remote draw truncates",
			after: func(t *testing.T, r *Reconciler) {
				require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageDraw, op("C", 3))))
			},
		},
		{
			name: "local draw truncates",
			after: func(t *testing.T, r *Reconciler) {
				r.PointerDown(models.Point{X: 1, Y: 1})
				_, _, err := r.PointerUp()
				require.NoError(t, err)
			},
		},
		{
			name: "redo keeps the rest of the tail",
			after: func(t *testing.T, r *Reconciler) {
				require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageRedo, models.RedoApplied{Operation: op("B", 2)})))
			},
			canRedo: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newFixture(t)
			require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageUndo, models.UndoApplied{OperationID: "B"})))
			require.NoError(t, r.HandleEnvelope(envelope(t, models.MessageUndo, models.UndoApplied{OperationID: "A"})))
			_, canRedo := r.UndoState()
			require.True(t, canRedo)

			tt.after(t, r)

			_, canRedo = r.UndoState()
			assert.Equal(t, tt.canRedo, canRedo)
		})
	}
}
