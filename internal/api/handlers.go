package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"collab-canvas/internal/middleware"
	"collab-canvas/internal/services/collaboration"
	"collab-canvas/internal/services/registry"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

// Handler serves the read-only HTTP API next to the websocket endpoint.
type Handler struct {
	rooms     RoomDirectory
	history   HistoryReader
	snapshots SnapshotReader // nil when persistence is disabled
	metrics   MetricsReader
	wsHandler *collaboration.WebSocketHandler
	publicURL string
}

// NewHandler wires the HTTP handlers. snapshots and metrics may be nil. publicURL is
// the base of share links; when empty the request's own host is used.
func NewHandler(
	rooms RoomDirectory,
	history HistoryReader,
	snapshots SnapshotReader,
	metrics MetricsReader,
	wsHandler *collaboration.WebSocketHandler,
	publicURL string,
) *Handler {
	return &Handler{
		rooms:     rooms,
		history:   history,
		snapshots: snapshots,
		metrics:   metrics,
		wsHandler: wsHandler,
		publicURL: publicURL,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write json response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health reports aggregate room and user counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rooms, users := h.rooms.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  rooms,
		"users":  users,
	})
}

// GetRoom returns a room's metadata or 404.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	info, err := h.rooms.RoomInfo(id)
	if err != nil {
		if errors.Is(err, registry.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// GetHistory returns the room's active operations stamped after ?since=.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a unix millisecond timestamp")
			return
		}
		since = parsed
	}

	if !h.known(id) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	snap := h.history.SnapshotActive(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"roomId":     id,
		"since":      since,
		"operations": h.history.OperationsSince(id, since),
		"canUndo":    snap.CanUndo,
		"canRedo":    snap.CanRedo,
	})
}

// GetQRCode renders a PNG QR code linking to the room.
func (h *Handler) GetQRCode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	png, err := qrcode.Encode(h.shareURL(r, id), qrcode.Medium, qrSize)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(png)
}

// GetSnapshot returns metadata of the newest persisted snapshot.
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h.snapshots == nil {
		writeError(w, http.StatusNotFound, "persistence disabled")
		return
	}

	snapshot, err := h.snapshots.Latest(r.Context(), id)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snapshot == nil {
		writeError(w, http.StatusNotFound, "no snapshot")
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// GetMetrics returns the current value of every relay instrument.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}

	points, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": points})
}

func (h *Handler) known(roomID string) bool {
	if h.history.Exists(roomID) {
		return true
	}
	_, err := h.rooms.RoomInfo(roomID)
	return err == nil
}

// shareURL is the link a QR code points at.
func (h *Handler) shareURL(r *http.Request, roomID string) string {
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}
	return base + "/?room=" + url.QueryEscape(roomID)
}
