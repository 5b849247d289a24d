package oplog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-canvas/internal/models"
)

func pathOp(id string) models.Operation {
	return models.Operation{
		ID:          id,
		Type:        models.OperationPath,
		Tool:        "brush",
		Color:       "#000000",
		StrokeWidth: 3,
		Path:        []models.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
	}
}

func ids(ops []models.Operation) []string {
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.ID)
	}
	return out
}

func TestLog_AppendPreservesOrder(t *testing.T) {
	log := New(100)

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("op-%d", i)
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
		want = append(want, id)
	}

	snap := log.SnapshotActive("r1")
	assert.Equal(t, want, ids(snap.Operations))
	assert.True(t, snap.CanUndo)
	assert.False(t, snap.CanRedo)
}

func TestLog_AppendAssignsIDAndTimestamp(t *testing.T) {
	log := New(10)
	log.now = func() int64 { return 4242 }

	op, err := log.Append("r1", models.Operation{Type: models.OperationPath, Path: []models.Point{{X: 1, Y: 2}}})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, int64(4242), op.Timestamp)
}

func TestLog_ScenarioA_UndoRedoSingle(t *testing.T) {
	log := New(10)
	a, err := log.Append("r1", pathOp("A"))
	require.NoError(t, err)

	snap := log.SnapshotActive("r1")
	assert.Equal(t, []string{"A"}, ids(snap.Operations))
	assert.True(t, snap.CanUndo)
	assert.False(t, snap.CanRedo)

	undone, err := log.Undo("r1")
	require.NoError(t, err)
	assert.Equal(t, a, undone)

	snap = log.SnapshotActive("r1")
	assert.Empty(t, snap.Operations)
	assert.False(t, snap.CanUndo)
	assert.True(t, snap.CanRedo)

	redone, err := log.Redo("r1")
	require.NoError(t, err)
	assert.Equal(t, a, redone)
	assert.Equal(t, []string{"A"}, ids(log.SnapshotActive("r1").Operations))
}

func TestLog_ScenarioB_AppendDropsRedoTail(t *testing.T) {
	log := New(10)
	for _, id := range []string{"A", "B"} {
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
	}

	undone, err := log.Undo("r1")
	require.NoError(t, err)
	assert.Equal(t, "B", undone.ID)

	_, err = log.Append("r1", pathOp("C"))
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, ids(log.SnapshotActive("r1").Operations))

	_, err = log.Redo("r1")
	assert.ErrorIs(t, err, ErrNothingToRedo)
}

func TestLog_UndoThenRedoRestoresSnapshot(t *testing.T) {
	log := New(10)
	for _, id := range []string{"A", "B", "C"} {
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
	}
	before := log.SnapshotActive("r1")

	_, err := log.Undo("r1")
	require.NoError(t, err)
	_, err = log.Redo("r1")
	require.NoError(t, err)

	assert.Equal(t, before, log.SnapshotActive("r1"))
}

func TestLog_ScenarioD_UndoEmpty(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Log)
	}{
		{name: "unknown room", setup: func(*Log) {}},
		{name: "cleared room", setup: func(l *Log) { l.Clear("r3") }},
		{
			name: "fully undone room",
			setup: func(l *Log) {
				_, _ = l.Append("r3", pathOp("A"))
				_, _ = l.Undo("r3")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(10)
			tt.setup(log)
			before := log.SnapshotActive("r3")

			_, err := log.Undo("r3")

			assert.ErrorIs(t, err, ErrNothingToUndo)
			assert.Equal(t, before, log.SnapshotActive("r3"))
		})
	}
}

func TestLog_RedoWithoutUndo(t *testing.T) {
	log := New(10)
	_, err := log.Append("r1", pathOp("A"))
	require.NoError(t, err)

	_, err = log.Redo("r1")
	assert.ErrorIs(t, err, ErrNothingToRedo)
}

func TestLog_DuplicateAppendIsNoop(t *testing.T) {
	log := New(10)
	_, err := log.Append("r1", pathOp("A"))
	require.NoError(t, err)

	_, err = log.Append("r1", pathOp("A"))
	assert.ErrorIs(t, err, ErrDuplicateOperation)
	assert.Equal(t, []string{"A"}, ids(log.SnapshotActive("r1").Operations))
}

func TestLog_BatchMergeIdempotent(t *testing.T) {
	log := New(10)
	_, err := log.Append("r1", pathOp("A"))
	require.NoError(t, err)

	batch := []models.Operation{pathOp("A"), pathOp("B"), pathOp("C"), pathOp("B")}

	first := log.BatchMerge("r1", batch)
	afterFirst := log.SnapshotActive("r1")
	second := log.BatchMerge("r1", batch)

	assert.Equal(t, []string{"B", "C"}, ids(first))
	assert.Empty(t, second)
	assert.Equal(t, []string{"A", "B", "C"}, ids(afterFirst.Operations))
	assert.Equal(t, afterFirst, log.SnapshotActive("r1"))
}

func TestLog_BatchMergeOfKnownOpsKeepsRedoTail(t *testing.T) {
	log := New(10)
	for _, id := range []string{"A", "B"} {
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
	}
	_, err := log.Undo("r1")
	require.NoError(t, err)

	log.BatchMerge("r1", []models.Operation{pathOp("A")})

	assert.True(t, log.SnapshotActive("r1").CanRedo)
}

func TestLog_HistoryCap(t *testing.T) {
	log := New(3)
	for i := 0; i < 5; i++ {
		_, err := log.Append("r1", pathOp(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
	}

	snap := log.SnapshotActive("r1")
	assert.Equal(t, []string{"op-2", "op-3", "op-4"}, ids(snap.Operations))
	assert.True(t, snap.CanUndo)
	assert.False(t, snap.CanRedo)

	for i := 0; i < 3; i++ {
		_, err := log.Undo("r1")
		require.NoError(t, err)
	}
	_, err := log.Undo("r1")
	assert.ErrorIs(t, err, ErrNothingToUndo)

	snap = log.SnapshotActive("r1")
	assert.Empty(t, snap.Operations)
	assert.False(t, snap.CanUndo)
	assert.True(t, snap.CanRedo)

	// A dropped id is no longer a duplicate.
	_, err = log.Append("r1", pathOp("op-0"))
	assert.NoError(t, err)
}

func TestLog_HistoryCapAfterUndo(t *testing.T) {
	log := New(3)
	for _, id := range []string{"A", "B", "C"} {
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
	}
	_, err := log.Undo("r1")
	require.NoError(t, err)

	for _, id := range []string{"D", "E"} {
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
	}

	snap := log.SnapshotActive("r1")
	assert.Equal(t, []string{"B", "D", "E"}, ids(snap.Operations))
	assert.False(t, snap.CanRedo)
}

func TestLog_Clear(t *testing.T) {
	log := New(10)
	for _, id := range []string{"A", "B"} {
		_, err := log.Append("r1", pathOp(id))
		require.NoError(t, err)
	}
	_, err := log.Undo("r1")
	require.NoError(t, err)

	log.Clear("r1")

	snap := log.SnapshotActive("r1")
	assert.Empty(t, snap.Operations)
	assert.False(t, snap.CanUndo)
	assert.False(t, snap.CanRedo)
	assert.True(t, log.Exists("r1"))
}

func TestLog_OperationsSince(t *testing.T) {
	log := New(10)
	for i, id := range []string{"A", "B", "C"} {
		op := pathOp(id)
		op.Timestamp = int64(100 * (i + 1))
		_, err := log.Append("r1", op)
		require.NoError(t, err)
	}
	_, err := log.Undo("r1")
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, ids(log.OperationsSince("r1", 100)))
	assert.Equal(t, []string{"A", "B"}, ids(log.OperationsSince("r1", 0)))
	assert.Empty(t, log.OperationsSince("unknown", 0))
}

func TestLog_RoomsAreIndependent(t *testing.T) {
	log := New(10)
	_, err := log.Append("r1", pathOp("A"))
	require.NoError(t, err)

	_, err = log.Undo("r2")
	assert.ErrorIs(t, err, ErrNothingToUndo)
	assert.Equal(t, []string{"A"}, ids(log.SnapshotActive("r1").Operations))
}

func TestLog_ConcurrentUndoNeverOverdraws(t *testing.T) {
	log := New(100)
	for i := 0; i < 20; i++ {
		_, err := log.Append("r1", pathOp(fmt.Sprintf("op-%d", i)))
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded = map[string]int{}
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, err := log.Undo("r1")
			if err != nil {
				return
			}
			mu.Lock()
			succeeded[op.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, succeeded, 20)
	for id, n := range succeeded {
		assert.Equal(t, 1, n, id)
	}
	assert.Empty(t, log.SnapshotActive("r1").Operations)
}

func TestLog_Evict(t *testing.T) {
	log := New(10)
	_, err := log.Append("r1", pathOp("A"))
	require.NoError(t, err)

	assert.True(t, log.Evict("r1"))
	assert.False(t, log.Exists("r1"))
	assert.Equal(t, 0, log.Rooms())
	assert.False(t, log.Evict("r1"))
}
