// Package wsconn pumps frames between a websocket connection and a room
// session.
package wsconn

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/game/session"
	"github.com/cory-johannsen/vdm/internal/protocol"
)

// Config tunes the pumps.
type Config struct {
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
}

// Handler consumes the inbound side of a session.
type Handler interface {
	Handle(ctx context.Context, sess *session.Session, in protocol.Inbound)
	Leave(sess *session.Session)
}

// Serve runs the read and write pumps for sess over ws until either side
// ends. The session is left and ws is closed when Serve returns.
//
// Precondition: sess was just joined and ws is an upgraded connection.
func Serve(ctx context.Context, ws *websocket.Conn, sess *session.Session, h Handler, cfg Config, logger *zap.Logger) {
	logger = logger.With(
		zap.String("session_id", sess.ID()),
		zap.String("room_id", sess.RoomID()),
		zap.String("player_id", sess.PlayerID()),
	)
	c := &conn{ws: ws, sess: sess, handler: h, cfg: cfg, logger: logger}

	// Closing the session ends the write pump, whose close frame ends the read pump.
	stop := context.AfterFunc(ctx, func() {
		sess.Close(session.CloseNormal, "Server is shutting down.")
	})
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(ctx)
	h.Leave(sess)
	<-done
	_ = ws.Close()
}

type conn struct {
	ws      *websocket.Conn
	sess    *session.Session
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Info("connection lost", zap.Error(err))
			} else {
				c.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if kind != websocket.TextMessage {
			c.logger.Warn("ignoring non-text frame", zap.Int("type", kind))
			continue
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			c.logger.Warn("ignoring malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.handler.Handle(ctx, c.sess, in)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	frames := c.sess.Outbound()
	for {
		select {
		case out, ok := <-frames:
			if !ok {
				c.writeClose()
				return
			}
			data, err := protocol.Encode(out)
			if err != nil {
				c.logger.Error("encoding frame", zap.String("kind", string(out.Kind())), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.abort(err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort(err)
				return
			}
		}
	}
}

// writeClose sends the session's close status and gives the peer WriteWait
// to answer before the read pump gives up.
func (c *conn) writeClose() {
	code, reason := c.sess.CloseStatus()
	msg := websocket.FormatCloseMessage(int(code), reason)
	deadline := time.Now().Add(c.cfg.WriteWait)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("writing close frame", zap.Error(err))
	}
	_ = c.ws.SetReadDeadline(deadline)
}

// abort ends a connection whose writes fail; the read pump then stops.
func (c *conn) abort(err error) {
	c.logger.Debug("write failed", zap.Error(err))
	c.sess.Close(session.CloseNormal, "")
	_ = c.ws.Close()
}

// Reject closes a freshly upgraded connection that could not be joined.
func Reject(ws *websocket.Conn, code session.CloseCode, reason string, writeWait time.Duration) {
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}
