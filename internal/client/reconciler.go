// Package client mirrors a room's active history on the client side.
//
// The Reconciler keeps the confirmed operations in server order plus one
// in-progress draft stroke. Local strokes are appended optimistically on
// pointer-up; undo, redo and clear are only requested and take effect when
// the server's broadcast comes back.
package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"collab-canvas/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	CursorTTL      = time.Second
	CursorInterval = 16 * time.Millisecond

	ToolBrush  = "brush"
	ToolEraser = "eraser"
)

// Surface renders canvas state. Implementations need not be safe for
// concurrent use; the Reconciler serializes every call.
type Surface interface {
	// Reset clears the surface to a blank canvas.
	Reset()
	// Render draws one finished operation on top of what is there.
	Render(op models.Operation)
	// RenderDraft draws the latest segment of the stroke in progress.
	RenderDraft(draft models.Operation)
}

// Emitter sends an event to the relay.
type Emitter interface {
	Emit(t models.MessageType, payload any) error
}

// Cursor is a remote participant's pointer.
type Cursor struct {
	UserID   string
	Username string
	Color    string
	X, Y     float64
	SeenAt   time.Time
}

// Reconciler applies local input and remote events to one canvas.
type Reconciler struct {
	mu sync.Mutex

	surface Surface
	emitter Emitter

	roomID  string
	self    models.User
	users   map[string]models.User
	ops     []models.Operation
	ids     map[string]struct{}
	canUndo bool
	canRedo bool

	tool        string
	color       string
	strokeWidth float64
	draft       *models.Operation

	cursors       map[string]*Cursor
	cursorLimiter *rate.Limiter
	lastSync      int64

	now func() time.Time
}

// NewReconciler returns a Reconciler drawing with a black 3px brush.
func NewReconciler(surface Surface, emitter Emitter) *Reconciler {
	return &Reconciler{
		surface:       surface,
		emitter:       emitter,
		users:         make(map[string]models.User),
		ids:           make(map[string]struct{}),
		tool:          ToolBrush,
		color:         "#000000",
		strokeWidth:   3,
		cursors:       make(map[string]*Cursor),
		cursorLimiter: rate.NewLimiter(rate.Every(CursorInterval), 1),
		now:           time.Now,
	}
}

// SetTool selects the tool for the next stroke.
func (r *Reconciler) SetTool(tool, color string, strokeWidth float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tool = tool
	if color != "" {
		r.color = color
	}
	if strokeWidth > 0 {
		r.strokeWidth = strokeWidth
	}
}

// Join asks the relay to place this client in roomID.
func (r *Reconciler) Join(roomID, username string) error {
	return r.emitter.Emit(models.MessageJoin, models.JoinRequest{RoomID: roomID, Username: username})
}

// HandleEnvelope applies one inbound relay event.
func (r *Reconciler) HandleEnvelope(env models.Envelope) error {
	switch env.Type {
	case models.MessageRoomState:
		var state models.RoomState
		if err := decode(env, &state); err != nil {
			return err
		}
		r.applyRoomState(state)

	case models.MessageDraw:
		var op models.Operation
		if err := decode(env, &op); err != nil {
			return err
		}
		r.applyRemoteDraw(op)

	case models.MessageUndo:
		var undo models.UndoApplied
		if err := decode(env, &undo); err != nil {
			return err
		}
		r.applyUndo(undo.OperationID)

	case models.MessageRedo:
		var redo models.RedoApplied
		if err := decode(env, &redo); err != nil {
			return err
		}
		r.applyRedo(redo.Operation)

	case models.MessageClear:
		r.applyClear()

	case models.MessageHistorySince:
		var hs models.HistorySince
		if err := decode(env, &hs); err != nil {
			return err
		}
		r.applyHistorySince(hs)

	case models.MessageUserJoined:
		var joined models.UserJoined
		if err := decode(env, &joined); err != nil {
			return err
		}
		r.mu.Lock()
		r.users[joined.User.ID] = joined.User
		r.mu.Unlock()

	case models.MessageUserLeft:
		var left models.UserLeft
		if err := decode(env, &left); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.users, left.UserID)
		delete(r.cursors, left.UserID)
		r.mu.Unlock()

	case models.MessageCursorMove:
		var pos models.CursorMove
		if err := decode(env, &pos); err != nil {
			return err
		}
		r.applyCursor(pos)

	case models.MessageError:
		var e models.ErrorMessage
		if err := decode(env, &e); err != nil {
			return err
		}
		log.Warn().Str("code", e.Code).Msg(e.Message)

	case models.MessagePong, models.MessageCanvasSaved:
		// informational

	default:
		log.Debug().Str("event", string(env.Type)).Msg("ignoring unknown event")
	}
	return nil
}

func decode(env models.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}

// applyRoomState discards local history and replays the server's.
func (r *Reconciler) applyRoomState(state models.RoomState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.roomID = state.RoomID
	r.self = state.CurrentUser
	r.users = make(map[string]models.User, len(state.Users))
	for _, u := range state.Users {
		r.users[u.ID] = u
	}
	r.cursors = make(map[string]*Cursor)
	r.ops = nil
	r.ids = make(map[string]struct{})
	r.draft = nil
	r.lastSync = 0
	for _, op := range state.ActiveHistory {
		r.appendLocked(op)
		r.confirmLocked(op)
	}
	r.canUndo, r.canRedo = state.CanUndo, state.CanRedo
	r.redrawLocked()
}

func (r *Reconciler) applyRemoteDraw(op models.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmLocked(op)
	if r.appendLocked(op) {
		// A fresh append drops the server's redo tail.
		r.canRedo = false
		r.surface.Render(op)
	}
}

// applyUndo removes the operation the server undid, wherever it sits.
func (r *Reconciler) applyUndo(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.ops {
		if r.ops[i].ID == id {
			r.ops = append(r.ops[:i], r.ops[i+1:]...)
			delete(r.ids, id)
			r.canRedo = true
			r.canUndo = len(r.ops) > 0
			r.redrawLocked()
			return
		}
	}
}

func (r *Reconciler) applyRedo(op models.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmLocked(op)
	if r.appendLocked(op) {
		r.surface.Render(op)
	}
}

func (r *Reconciler) applyClear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
	r.ids = make(map[string]struct{})
	r.canUndo, r.canRedo = false, false
	r.redrawLocked()
}

func (r *Reconciler) applyHistorySince(hs models.HistorySince) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range hs.Operations {
		r.confirmLocked(op)
		if r.appendLocked(op) {
			r.surface.Render(op)
		}
	}
	r.canUndo, r.canRedo = hs.CanUndo, hs.CanRedo
}

func (r *Reconciler) applyCursor(pos models.CursorMove) {
	if pos.UserID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[pos.UserID] = &Cursor{
		UserID:   pos.UserID,
		Username: pos.Username,
		Color:    pos.Color,
		X:        pos.X,
		Y:        pos.Y,
		SeenAt:   r.now(),
	}
}

// appendLocked adds op unless its id is already present.
func (r *Reconciler) appendLocked(op models.Operation) bool {
	if _, ok := r.ids[op.ID]; ok {
		return false
	}
	r.ops = append(r.ops, op)
	r.ids[op.ID] = struct{}{}
	r.canUndo = true
	return true
}

// confirmLocked advances the resync watermark. Only operations that came
// from the relay carry a server timestamp, so only they may move it.
func (r *Reconciler) confirmLocked(op models.Operation) {
	if op.Timestamp > r.lastSync {
		r.lastSync = op.Timestamp
	}
}

func (r *Reconciler) redrawLocked() {
	r.surface.Reset()
	for _, op := range r.ops {
		r.surface.Render(op)
	}
}

// PointerDown starts a draft stroke at p.
func (r *Reconciler) PointerDown(p models.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()

	color := r.color
	if r.tool == ToolEraser {
		color = models.EraserColor
	}
	r.draft = &models.Operation{
		Type:        models.OperationPath,
		Tool:        r.tool,
		Color:       color,
		StrokeWidth: r.strokeWidth,
		Path:        []models.Point{p},
	}
	r.surface.RenderDraft(*r.draft)
}

// PointerMove extends the draft. It is a no-op without a pointer-down.
func (r *Reconciler) PointerMove(p models.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft == nil {
		return
	}
	r.draft.Path = append(r.draft.Path, p)
	r.surface.RenderDraft(*r.draft)
}

// PointerUp finalizes the draft into an operation, appends it locally and
// sends it. It returns false when there was no draft.
func (r *Reconciler) PointerUp() (models.Operation, bool, error) {
	r.mu.Lock()
	if r.draft == nil {
		r.mu.Unlock()
		return models.Operation{}, false, nil
	}
	op := *r.draft
	r.draft = nil
	op.ID = models.NewOperationID()
	op.UserID = r.self.ID
	op.Username = r.self.Username
	op.Timestamp = models.NowMillis()
	r.appendLocked(op)
	r.canRedo = false
	r.redrawLocked()
	r.mu.Unlock()

	return op, true, r.emitter.Emit(models.MessageDraw, op)
}

// MoveCursor sends the local pointer position unless the throttle says
// it is too soon. It reports whether the position was sent.
func (r *Reconciler) MoveCursor(p models.Point) (bool, error) {
	if !r.cursorLimiter.Allow() {
		return false, nil
	}
	return true, r.emitter.Emit(models.MessageCursorMove, models.CursorMove{X: p.X, Y: p.Y})
}

// RequestUndo asks the relay to undo. Local state changes when the
// broadcast arrives.
func (r *Reconciler) RequestUndo() error {
	return r.emitter.Emit(models.MessageUndo, struct{}{})
}

func (r *Reconciler) RequestRedo() error {
	return r.emitter.Emit(models.MessageRedo, struct{}{})
}

func (r *Reconciler) RequestClear() error {
	return r.emitter.Emit(models.MessageClear, struct{}{})
}

func (r *Reconciler) RequestSave() error {
	return r.emitter.Emit(models.MessageSave, struct{}{})
}

// RequestResync asks for every active operation newer than the last one
// seen. Useful after a reconnect.
func (r *Reconciler) RequestResync() error {
	r.mu.Lock()
	since := r.lastSync
	r.mu.Unlock()
	return r.emitter.Emit(models.MessageResync, models.ResyncRequest{Since: since})
}

// Operations returns a copy of the confirmed operations in order.
func (r *Reconciler) Operations() []models.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Operation(nil), r.ops...)
}

// Draft returns the stroke in progress, if any.
func (r *Reconciler) Draft() (models.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draft == nil {
		return models.Operation{}, false
	}
	d := *r.draft
	d.Path = append([]models.Point(nil), d.Path...)
	return d, true
}

// Self is the user the relay assigned to this client.
func (r *Reconciler) Self() models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

func (r *Reconciler) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Users returns the room's participants ordered by join time.
func (r *Reconciler) Users() []models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	users := make([]models.User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users
}

// Cursors returns live remote cursors and forgets those idle for longer
// than CursorTTL.
func (r *Reconciler) Cursors() []Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Cursor, 0, len(r.cursors))
	for id, c := range r.cursors {
		if now.Sub(c.SeenAt) > CursorTTL {
			delete(r.cursors, id)
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// UndoState mirrors the server's canUndo/canRedo as last reported.
func (r *Reconciler) UndoState() (canUndo, canRedo bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canUndo, r.canRedo
}
