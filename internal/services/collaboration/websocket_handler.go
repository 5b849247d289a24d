package collaboration

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"collab-canvas/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

/*
One goroutine reads frames and hands them to the relay in order; another
owns every write, so gorilla's one-writer rule holds. The relay only ever
enqueues into the buffered send channel. A client that lets the buffer
fill up is disconnected rather than allowed to stall a room.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 << 20
	sendBufferSize = 256
)

// CheckOrigin returns an origin check that admits allowed, any origin when
// allowed is "*", and clients that send no Origin header at all.
func CheckOrigin(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowed == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(allowed, "/"))
	}
}

// WebSocketHandler upgrades HTTP requests and binds each socket to the relay.
type WebSocketHandler struct {
	relay    *Relay
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler accepting origins per CheckOrigin.
func NewWebSocketHandler(relay *Relay, allowedOrigin string) *WebSocketHandler {
	return &WebSocketHandler{
		relay: relay,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     CheckOrigin(allowedOrigin),
		},
	}
}

// HandleConnection upgrades the request and starts the connection's pumps.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		middleware.AddSpanError(ctx, err)
		return
	}

	conn := newWSConn(NewConnID(), ws)
	session := h.relay.Connect(conn)
	span.SetAttributes(attribute.String("conn.id", session.ConnID))

	// The request context ends when this handler returns.
	pumpCtx := context.WithoutCancel(ctx)
	go conn.writePump()
	go conn.readPump(pumpCtx, h.relay, session)

	log.Info().Str("connId", session.ConnID).Str("remote", r.RemoteAddr).Msg("websocket connected")
}

// wsConn adapts a gorilla websocket to Connection.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send never blocks. A full buffer closes the connection.
func (c *wsConn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		log.Warn().Str("connId", c.id).Msg("send buffer full, closing connection")
		c.Close()
		return false
	}
}

// Close asks the write pump to send a close frame and tear the socket
// down. It is safe to call more than once and from any goroutine.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) readPump(ctx context.Context, relay *Relay, s *Session) {
	defer func() {
		relay.Disconnect(ctx, s)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("connId", c.id).Msg("websocket read error")
			}
			return
		}

		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.LastActiveAt = time.Now()
		relay.HandleMessage(ctx, s, message)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
