// Package handlers exposes the account API and the websocket endpoint
// over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/auth"
	"github.com/cory-johannsen/vdm/internal/frontend/wsconn"
	"github.com/cory-johannsen/vdm/internal/game/session"
	"github.com/cory-johannsen/vdm/internal/storage"
)

// Accounts registers and logs in players.
type Accounts interface {
	Register(ctx context.Context, name, avatar, password string) (storage.Account, error)
	Login(ctx context.Context, name, password string) (auth.Session, error)
}

// Sessions joins connections to rooms and consumes their frames.
type Sessions interface {
	wsconn.Handler
	Join(ctx context.Context, req session.JoinRequest) (*session.Session, error)
}

// HealthReporter reports the result of the latest storage health check.
type HealthReporter interface {
	Healthy() error
}

// ClipSource serves rendered audio of non-streamed responses.
type ClipSource interface {
	Get(roomID, clipID string) ([]byte, bool)
}

// Deps are the collaborators of the router.
type Deps struct {
	Accounts  Accounts
	Sessions  Sessions
	Health    HealthReporter
	Websocket wsconn.Config
	// Clips, when set, is served at /audio/{roomID}/{clipID}.
	Clips ClipSource
	// LogLevel, when set, is mounted at /debug/loglevel.
	LogLevel http.Handler
	Logger   *zap.Logger
	// BaseContext is the context handed to sessions; it is cancelled on shutdown.
	BaseContext context.Context
}

// NewRouter builds the HTTP routes.
//
// Precondition: Accounts, Sessions, Health and Logger must be non-nil.
func NewRouter(d Deps) http.Handler {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	a := &accountHandler{accounts: d.Accounts, logger: d.Logger}
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Post("/register", a.register)
		r.Post("/login", a.login)
	})

	ws := newWSHandler(d.BaseContext, d.Sessions, d.Websocket, d.Logger)
	r.Get("/ws/{roomID}/{playerID}/{token}", ws.ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := d.Health.Healthy(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if d.Clips != nil {
		r.Get("/audio/{roomID}/{clipID}", serveClip(d.Clips))
	}
	if d.LogLevel != nil {
		r.Handle("/debug/loglevel", d.LogLevel)
	}
	return r
}

func serveClip(clips ClipSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, err := url.PathUnescape(chi.URLParam(r, "roomID"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		data, ok := clips.Get(roomID, chi.URLParam(r, "clipID"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Header().Set("Cache-Control", "private, max-age=3600")
		_, _ = w.Write(data)
	}
}

// requestLogger logs each request with its status and duration. Websocket
// upgrades are logged when the connection ends.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
