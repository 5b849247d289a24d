package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"collab-canvas/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Conn is a client websocket to the relay. Writes are serialized because
// gorilla allows one concurrent writer.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// Dial connects to a relay websocket URL such as ws://host:3001/ws.
// origin is sent as the Origin header when not empty.
func Dial(ctx context.Context, url, origin string) (*Conn, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Emit sends one enveloped event.
func (c *Conn) Emit(t models.MessageType, payload any) error {
	msg, err := models.Encode(t, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Run reads events and hands them to r until the connection closes or
// ctx is done. A normal or local close returns nil.
func (c *Conn) Run(ctx context.Context, r *Reconciler, observe func(models.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if err := r.HandleEnvelope(env); err != nil {
			log.Warn().Err(err).Str("event", string(env.Type)).Msg("could not apply event")
			continue
		}
		if observe != nil {
			observe(env)
		}
	}
}

// Close sends a close frame and tears the socket down. Calling it again
// is harmless.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		return cerr
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Msg("close frame not sent")
	}
	return nil
}
