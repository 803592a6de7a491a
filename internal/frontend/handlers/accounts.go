package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/auth"
)

const maxBodyBytes = 16 << 10

type accountHandler struct {
	accounts Accounts
	logger   *zap.Logger
}

type accountResponse struct {
	Token    string `json:"token,omitempty"`
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar_style"`
}

// readBody returns the request body if it is a JSON object.
func readBody(w http.ResponseWriter, r *http.Request) (gjson.Result, bool) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !gjson.ValidBytes(data) {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return gjson.Result{}, false
	}
	body := gjson.ParseBytes(data)
	if !body.IsObject() {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return gjson.Result{}, false
	}
	return body, true
}

func (h *accountHandler) register(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	acct, err := h.accounts.Register(r.Context(),
		body.Get("name").String(),
		body.Get("avatar_style").String(),
		body.Get("password").String(),
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, accountResponse{PlayerID: acct.ID, Name: acct.Name, Avatar: acct.Avatar})
	case errors.Is(err, auth.ErrInvalidName), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAccountExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("registration failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "registration failed, please try again")
	}
}

func (h *accountHandler) login(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	sess, err := h.accounts.Login(r.Context(), body.Get("name").String(), body.Get("password").String())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, accountResponse{
			Token:    sess.Token,
			PlayerID: sess.Account.ID,
			Name:     sess.Account.Name,
			Avatar:   sess.Account.Avatar,
		})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("login failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "login failed, please try again")
	}
}
