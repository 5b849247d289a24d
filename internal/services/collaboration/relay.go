package collaboration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"collab-canvas/internal/middleware"
	"collab-canvas/internal/models"
	"collab-canvas/internal/services"
	"collab-canvas/internal/services/oplog"
	"collab-canvas/internal/services/registry"
	"collab-canvas/internal/telemetry"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrProtocol marks a malformed or unknown inbound event.
	ErrProtocol = errors.New("protocol error")
	// ErrNotJoined marks a room-scoped event from a connection without a room.
	ErrNotJoined = errors.New("not joined")
	// ErrPersistenceUnavailable is returned for save-canvas when snapshots
	// cannot be stored.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// Error codes sent in error events.
const (
	CodeInvalidMessage         = "invalid-message"
	CodePersistenceUnavailable = "persistence-unavailable"
)

const (
	maxUsernameRunes = 32
	maxRoomIDRunes   = 128
	restoreTimeout   = 5 * time.Second
)

// Palette is the fixed set of user colors, handed out in order.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#F8B739", "#52B788",
}

// SnapshotService is what the relay needs from canvas persistence.
type SnapshotService interface {
	SubmitJob(job services.SnapshotJob) error
	LatestOperations(ctx context.Context, roomID string) ([]models.Operation, error)
}

// Options tunes a Relay. The zero value is usable.
type Options struct {
	// MaxPathPoints bounds the points in one stroke; zero means no bound.
	MaxPathPoints int
	// Snapshots enables save-canvas and restore on room re-creation.
	Snapshots SnapshotService
	Metrics   *telemetry.RelayMetrics
}

// Relay handles connection events. It mutates room membership and history
// and decides who hears about each change.
type Relay struct {
	registry *registry.Registry
	log      *oplog.Log
	sessions *SessionManager

	snapshots     SnapshotService
	metrics       *telemetry.RelayMetrics
	maxPathPoints int

	colors atomic.Uint64
}

// NewRelay wires a relay over reg and history. Evicting a room from reg
// also drops its history.
func NewRelay(reg *registry.Registry, history *oplog.Log, opts Options) *Relay {
	reg.SetOnEvict(func(roomID string) {
		history.Evict(roomID)
	})
	return &Relay{
		registry:      reg,
		log:           history,
		sessions:      NewSessionManager(),
		snapshots:     opts.Snapshots,
		metrics:       opts.Metrics,
		maxPathPoints: opts.MaxPathPoints,
	}
}

// Sessions exposes the relay's session manager.
func (r *Relay) Sessions() *SessionManager {
	return r.sessions
}

// Connect registers a new connection.
func (r *Relay) Connect(conn Connection) *Session {
	return r.sessions.Register(conn)
}

// Disconnect removes s from its room, notifying the remaining members, and
// forgets the connection.
func (r *Relay) Disconnect(ctx context.Context, s *Session) {
	ctx, span := middleware.StartSpan(ctx, "Relay.disconnect",
		attribute.String("conn.id", s.ConnID),
		attribute.String("room.id", s.RoomID),
	)
	defer span.End()

	if s.Joined() {
		r.leave(ctx, s)
	}
	if r.sessions.Unregister(s) {
		log.Debug().Str("connId", s.ConnID).Msg("connection closed")
	}
}

// Shutdown closes every connection and stops pending room evictions.
func (r *Relay) Shutdown() {
	r.sessions.Shutdown()
	r.registry.Close()
}

// HandleMessage decodes and applies one inbound frame from s. Failures are
// logged, and protocol errors are answered with an error event; nothing
// escapes to the caller.
func (r *Relay) HandleMessage(ctx context.Context, s *Session, raw []byte) {
	start := time.Now()

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.metrics.Dropped(ctx, "malformed")
		r.reject(ctx, s, CodeInvalidMessage, fmt.Errorf("%w: malformed envelope", ErrProtocol))
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Relay."+string(env.Type),
		attribute.String("conn.id", s.ConnID),
		attribute.String("room.id", s.RoomID),
		attribute.Int("message.size", len(raw)),
	)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			middleware.RecordPanic(ctx, rec)
			r.metrics.Dropped(ctx, "panic")
			log.Error().Interface("panic", rec).Str("connId", s.ConnID).
				Str("event", string(env.Type)).Msg("relay handler panic")
		}
	}()

	err := r.dispatch(ctx, s, env)
	r.metrics.Event(ctx, string(env.Type), time.Since(start))
	if err == nil {
		return
	}

	logger := log.With().Str("connId", s.ConnID).Str("room", s.RoomID).Str("event", string(env.Type)).Logger()
	switch {
	case errors.Is(err, ErrProtocol):
		r.metrics.Dropped(ctx, "protocol")
		middleware.AddSpanError(ctx, err)
		logger.Warn().Err(err).Msg("rejected event")
		r.reject(ctx, s, CodeInvalidMessage, err)
	case errors.Is(err, ErrPersistenceUnavailable):
		middleware.AddSpanError(ctx, err)
		logger.Warn().Err(err).Msg("save rejected")
		r.reject(ctx, s, CodePersistenceUnavailable, err)
	case errors.Is(err, ErrNotJoined):
		r.metrics.Dropped(ctx, "not-joined")
		logger.Debug().Msg("event before join ignored")
	case errors.Is(err, oplog.ErrNothingToUndo),
		errors.Is(err, oplog.ErrNothingToRedo),
		errors.Is(err, oplog.ErrDuplicateOperation):
		r.metrics.Dropped(ctx, "state")
		logger.Debug().Err(err).Msg("no-op")
	default:
		middleware.AddSpanError(ctx, err)
		logger.Error().Err(err).Msg("event failed")
	}
}

func (r *Relay) dispatch(ctx context.Context, s *Session, env models.Envelope) error {
	switch env.Type {
	case models.MessageJoin:
		req, err := decode[models.JoinRequest](env)
		if err != nil {
			return err
		}
		return r.handleJoin(ctx, s, req)
	case models.MessagePing:
		ping, err := decode[models.Ping](env)
		if err != nil {
			return err
		}
		r.unicast(ctx, s, models.MessagePong, models.Pong{
			Timestamp:  ping.Timestamp,
			ServerTime: models.NowMillis(),
		})
		return nil
	}

	if !s.Joined() {
		return ErrNotJoined
	}

	switch env.Type {
	case models.MessageDraw:
		op, err := decodeRequired[models.Operation](env)
		if err != nil {
			return err
		}
		return r.handleDraw(ctx, s, op)
	case models.MessageCursorMove:
		pos, err := decodeRequired[models.CursorMove](env)
		if err != nil {
			return err
		}
		return r.handleCursor(ctx, s, pos)
	case models.MessageUndo:
		return r.handleUndo(ctx, s)
	case models.MessageRedo:
		return r.handleRedo(ctx, s)
	case models.MessageClear:
		return r.handleClear(ctx, s)
	case models.MessageResync:
		req, err := decode[models.ResyncRequest](env)
		if err != nil {
			return err
		}
		return r.handleResync(ctx, s, req)
	case models.MessageSave:
		return r.handleSave(ctx, s)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrProtocol, env.Type)
	}
}

// decodeRequired is decode for events that mean nothing without a payload.
func decodeRequired[T any](env models.Envelope) (T, error) {
	if data := bytes.TrimSpace(env.Data); len(data) == 0 || bytes.Equal(data, []byte("null")) {
		var zero T
		return zero, fmt.Errorf("%w: %s without data", ErrProtocol, env.Type)
	}
	return decode[T](env)
}

func decode[T any](env models.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s payload: %v", ErrProtocol, env.Type, err)
	}
	return v, nil
}

func (r *Relay) handleJoin(ctx context.Context, s *Session, req models.JoinRequest) error {
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = models.DefaultRoomID
	}
	if utf8.RuneCountInString(roomID) > maxRoomIDRunes {
		return fmt.Errorf("%w: room id longer than %d characters", ErrProtocol, maxRoomIDRunes)
	}

	if s.Joined() {
		r.leave(ctx, s)
	}

	// Storage I/O stays outside the room's locked section.
	restored := r.restorable(ctx, roomID)

	user := models.User{
		ID:       s.ConnID,
		Username: SanitizeUsername(req.Username),
		Color:    r.nextColor(),
	}

	r.sessions.withRoom(roomID, func(m *roomMembers) {
		info := r.registry.Join(roomID, user)
		for _, u := range info.Users {
			if u.ID == user.ID {
				user = u
				break
			}
		}

		restoredNow := len(restored) > 0 && !r.log.Exists(roomID)
		if restoredNow {
			merged := r.log.BatchMerge(roomID, restored)
			log.Info().Str("room", roomID).Int("operations", len(merged)).Msg("room restored from snapshot")
		}
		snap := r.log.SnapshotActive(roomID)

		// Members already present joined while the room had no history, so
		// they hold an empty replica. Bring them level with the restore.
		if restoredNow && len(m.sessions) > 0 {
			r.broadcast(ctx, m, models.MessageHistorySince, models.HistorySince{
				Operations: snap.Operations,
				CanUndo:    snap.CanUndo,
				CanRedo:    snap.CanRedo,
			}, s.ConnID)
		}

		s.RoomID = roomID
		s.User = user
		m.sessions[s.ConnID] = s

		r.unicast(ctx, s, models.MessageRoomState, models.RoomState{
			RoomID:        roomID,
			Users:         info.Users,
			ActiveHistory: snap.Operations,
			CurrentUser:   user,
			CanUndo:       snap.CanUndo,
			CanRedo:       snap.CanRedo,
		})
		r.broadcast(ctx, m, models.MessageUserJoined, models.UserJoined{User: user}, s.ConnID)
	})

	log.Info().Str("room", roomID).Str("userId", user.ID).Str("username", user.Username).Msg("user joined")
	return nil
}

// restorable loads the newest persisted history of a room that has no
// in-memory history yet.
func (r *Relay) restorable(ctx context.Context, roomID string) []models.Operation {
	if r.snapshots == nil || r.log.Exists(roomID) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	ops, err := r.snapshots.LatestOperations(ctx, roomID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		log.Warn().Err(err).Str("room", roomID).Msg("snapshot restore failed")
		return nil
	}
	return ops
}

func (r *Relay) leave(ctx context.Context, s *Session) {
	roomID, user := s.RoomID, s.User

	r.sessions.inRoom(roomID, func(m *roomMembers) {
		delete(m.sessions, s.ConnID)
		if r.registry.Leave(roomID, user.ID) {
			r.broadcast(ctx, m, models.MessageUserLeft, models.UserLeft{
				UserID:   user.ID,
				Username: user.Username,
			}, s.ConnID)
		}
	})
	r.sessions.dropIfEmpty(roomID)

	s.RoomID = ""
	s.User = models.User{}
	log.Info().Str("room", roomID).Str("userId", user.ID).Msg("user left")
}

func (r *Relay) handleDraw(ctx context.Context, s *Session, op models.Operation) error {
	if err := op.Validate(r.maxPathPoints); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if op.Type == models.OperationClear {
		return fmt.Errorf("%w: clear is sent as clear-canvas", ErrProtocol)
	}
	if op.Tool == "eraser" {
		op.Color = models.EraserColor
	}
	op.UserID = s.User.ID
	op.Username = s.User.Username
	op.Timestamp = 0

	return r.inJoinedRoom(s, func(m *roomMembers) error {
		appended, err := r.log.Append(s.RoomID, op)
		if err != nil {
			return err
		}
		r.broadcast(ctx, m, models.MessageDraw, appended, s.ConnID)
		middleware.AddSpanEvent(ctx, "operation.appended", attribute.String("operation.id", appended.ID))
		return nil
	})
}

func (r *Relay) handleCursor(ctx context.Context, s *Session, pos models.CursorMove) error {
	pos.UserID = s.User.ID
	pos.Username = s.User.Username
	pos.Color = s.User.Color

	return r.inJoinedRoom(s, func(m *roomMembers) error {
		r.broadcast(ctx, m, models.MessageCursorMove, pos, s.ConnID)
		return nil
	})
}

func (r *Relay) handleUndo(ctx context.Context, s *Session) error {
	return r.inJoinedRoom(s, func(m *roomMembers) error {
		op, err := r.log.Undo(s.RoomID)
		if err != nil {
			return err
		}
		r.broadcast(ctx, m, models.MessageUndo, models.UndoApplied{
			OperationID: op.ID,
			UserID:      s.User.ID,
		}, "")
		return nil
	})
}

func (r *Relay) handleRedo(ctx context.Context, s *Session) error {
	return r.inJoinedRoom(s, func(m *roomMembers) error {
		op, err := r.log.Redo(s.RoomID)
		if err != nil {
			return err
		}
		r.broadcast(ctx, m, models.MessageRedo, models.RedoApplied{
			Operation: op,
			UserID:    s.User.ID,
		}, "")
		return nil
	})
}

func (r *Relay) handleClear(ctx context.Context, s *Session) error {
	return r.inJoinedRoom(s, func(m *roomMembers) error {
		r.log.Clear(s.RoomID)
		r.broadcast(ctx, m, models.MessageClear, models.CanvasCleared{UserID: s.User.ID}, "")
		return nil
	})
}

func (r *Relay) handleResync(ctx context.Context, s *Session, req models.ResyncRequest) error {
	return r.inJoinedRoom(s, func(*roomMembers) error {
		snap := r.log.SnapshotActive(s.RoomID)
		r.unicast(ctx, s, models.MessageHistorySince, models.HistorySince{
			Since:      req.Since,
			Operations: r.log.OperationsSince(s.RoomID, req.Since),
			CanUndo:    snap.CanUndo,
			CanRedo:    snap.CanRedo,
		})
		return nil
	})
}

func (r *Relay) handleSave(ctx context.Context, s *Session) error {
	if r.snapshots == nil {
		return fmt.Errorf("%w: persistence is disabled", ErrPersistenceUnavailable)
	}

	roomID, savedBy := s.RoomID, s.User.Username
	snap := r.log.SnapshotActive(roomID)

	err := r.snapshots.SubmitJob(services.SnapshotJob{
		RoomID:     roomID,
		Operations: snap.Operations,
		SavedBy:    savedBy,
		Done: func(saved *models.CanvasSnapshot, err error) {
			if err != nil {
				r.unicast(context.Background(), s, models.MessageError, models.ErrorMessage{
					Code:    CodePersistenceUnavailable,
					Message: "canvas could not be saved",
				})
				return
			}
			r.sessions.inRoom(roomID, func(m *roomMembers) {
				r.broadcast(context.Background(), m, models.MessageCanvasSaved, models.CanvasSaved{
					RoomID:         roomID,
					SnapshotID:     saved.ID,
					OperationCount: saved.OperationCount,
					SavedBy:        savedBy,
					SavedAt:        saved.CreatedAt,
				}, "")
			})
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	return nil
}

// inJoinedRoom runs fn with the session's room locked.
func (r *Relay) inJoinedRoom(s *Session, fn func(m *roomMembers) error) error {
	err := ErrNotJoined
	r.sessions.inRoom(s.RoomID, func(m *roomMembers) {
		if _, ok := m.sessions[s.ConnID]; !ok {
			return
		}
		err = fn(m)
	})
	return err
}

func (r *Relay) broadcast(ctx context.Context, m *roomMembers, t models.MessageType, payload any, except string) {
	msg, err := models.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(t)).Msg("encode broadcast")
		return
	}
	sent, dropped := m.broadcast(msg, except)
	r.metrics.Broadcast(ctx, string(t), sent)
	for i := 0; i < dropped; i++ {
		r.metrics.Dropped(ctx, "send-buffer-full")
	}
}

func (r *Relay) unicast(ctx context.Context, s *Session, t models.MessageType, payload any) {
	msg, err := models.Encode(t, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(t)).Msg("encode unicast")
		return
	}
	if !s.Send(msg) {
		r.metrics.Dropped(ctx, "send-buffer-full")
		log.Warn().Str("connId", s.ConnID).Str("event", string(t)).Msg("unicast dropped")
		return
	}
	r.metrics.Broadcast(ctx, string(t), 1)
}

func (r *Relay) reject(ctx context.Context, s *Session, code string, err error) {
	r.unicast(ctx, s, models.MessageError, models.ErrorMessage{Code: code, Message: err.Error()})
}

func (r *Relay) nextColor() string {
	n := r.colors.Add(1) - 1
	return Palette[n%uint64(len(Palette))]
}

// SanitizeUsername strips control characters and surrounding space and
// truncates to 32 characters. An empty result becomes User<n>.
func SanitizeUsername(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if utf8.RuneCountInString(name) > maxUsernameRunes {
		name = strings.TrimSpace(string([]rune(name)[:maxUsernameRunes]))
	}
	if name == "" {
		name = fmt.Sprintf("User%d", rand.Intn(1000))
	}
	return name
}
