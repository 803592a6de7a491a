package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/frontend/wsconn"
	"github.com/cory-johannsen/vdm/internal/game/session"
	"github.com/cory-johannsen/vdm/internal/storage"
)

type wsHandler struct {
	ctx      context.Context
	sessions Sessions
	cfg      wsconn.Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func newWSHandler(ctx context.Context, sessions Sessions, cfg wsconn.Config, logger *zap.Logger) *wsHandler {
	return &wsHandler{
		ctx:      ctx,
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the request and binds it to the room. Join failures
// are reported with a close code after the upgrade, since browsers cannot
// read the status of a failed handshake.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := session.JoinRequest{
		RoomID:     chi.URLParam(r, "roomID"),
		PlayerID:   chi.URLParam(r, "playerID"),
		Token:      chi.URLParam(r, "token"),
		RemoteAddr: r.RemoteAddr,
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	sess, err := h.sessions.Join(r.Context(), req)
	if err != nil {
		code, reason := closeFor(err)
		if code != session.CloseInvalidToken {
			h.logger.Warn("join failed", zap.String("room_id", req.RoomID), zap.Error(err))
		}
		wsconn.Reject(ws, code, reason, h.cfg.WriteWait)
		return
	}

	wsconn.Serve(h.ctx, ws, sess, h.sessions, h.cfg, h.logger)
	h.logger.Info("connection ended",
		zap.String("session_id", sess.ID()),
		zap.String("room_id", req.RoomID),
		zap.String("player_id", req.PlayerID),
		zap.Duration("duration", time.Since(start)),
	)
}

func closeFor(err error) (session.CloseCode, string) {
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		return session.CloseInvalidToken, "Invalid session token."
	case errors.Is(err, storage.ErrUnavailable):
		return session.CloseRoomUnavailable, "Room unavailable, please try again."
	default:
		return websocket.CloseInternalServerErr, "Internal error."
	}
}
