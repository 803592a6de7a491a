package handlers_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vdm/internal/auth"
	"github.com/cory-johannsen/vdm/internal/frontend/handlers"
	"github.com/cory-johannsen/vdm/internal/frontend/wsconn"
	"github.com/cory-johannsen/vdm/internal/game/dice"
	"github.com/cory-johannsen/vdm/internal/game/registry"
	"github.com/cory-johannsen/vdm/internal/game/room"
	"github.com/cory-johannsen/vdm/internal/game/session"
	"github.com/cory-johannsen/vdm/internal/narrative"
	"github.com/cory-johannsen/vdm/internal/storage"
	"github.com/cory-johannsen/vdm/internal/testutil"
)

const waitFor = 3 * time.Second

type fakeHealth struct {
	mu  sync.Mutex
	err error
}

func (h *fakeHealth) Healthy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHealth) set(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

type testServer struct {
	url      string
	store    *storage.Memory
	health   *fakeHealth
	clips    *narrative.Clips
	shutdown context.CancelFunc
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	store := storage.NewMemory()
	accounts, err := auth.NewService(store, auth.Config{SigningKey: "test-signing-key-0123", TokenTTL: time.Hour}, logger)
	require.NoError(t, err)

	clips := narrative.NewClips(4)
	reg := registry.New(store, room.Deps{
		Generator: narrative.NewScripted(narrative.DefaultPrompts(), 0),
		Clips:     clips,
		Logger:    logger,
		Options:   room.Options{Streaming: true},
	}, logger)
	mgr := session.NewManager(accounts, reg, dice.NewRoller(dice.CryptoSource(), logger), session.Config{SendBuffer: 64}, logger)
	accounts.OnRevoke(func(playerID string) { mgr.Revoke(playerID) })

	ctx, cancel := context.WithCancel(context.Background())
	health := &fakeHealth{}
	srv := httptest.NewServer(handlers.NewRouter(handlers.Deps{
		Accounts: accounts,
		Sessions: mgr,
		Health:   health,
		Clips:    clips,
		Websocket: wsconn.Config{
			PingInterval:    time.Second,
			PongWait:        2 * time.Second,
			WriteWait:       time.Second,
			MaxMessageBytes: 4096,
		},
		LogLevel:    zap.NewAtomicLevel(),
		Logger:      logger,
		BaseContext: ctx,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		_ = reg.Shutdown(context.Background())
	})
	return &testServer{url: srv.URL, store: store, health: health, clips: clips, shutdown: cancel}
}

func (s *testServer) post(t *testing.T, path, body string) (int, gjson.Result) {
	t.Helper()
	resp, err := http.Post(s.url+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(data)
}

// signIn registers name and logs in, returning the player id and token.
func (s *testServer) signIn(t *testing.T, name string) (string, string) {
	t.Helper()
	status, _ := s.post(t, "/api/register", `{"name":"`+name+`","avatar_style":"knight","password":"hunter2hunter2"}`)
	require.Equal(t, http.StatusCreated, status)
	return s.login(t, name)
}

func (s *testServer) login(t *testing.T, name string) (string, string) {
	t.Helper()
	status, body := s.post(t, "/api/login", `{"name":"`+name+`","password":"hunter2hunter2"}`)
	require.Equal(t, http.StatusOK, status)
	return body.Get("player_id").String(), body.Get("token").String()
}

func (s *testServer) dial(t *testing.T, roomID, playerID, token string) *testutil.WSClient {
	t.Helper()
	return testutil.DialWS(t, "ws"+strings.TrimPrefix(s.url, "http")+"/ws/"+roomID+"/"+playerID+"/"+token)
}

func TestRegister(t *testing.T) {
	s := newTestServer(t)

	status, body := s.post(t, "/api/register", `{"name":"Alice","avatar_style":"knight","password":"hunter2hunter2"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Alice", body.Get("name").String())
	assert.Equal(t, "knight", body.Get("avatar_style").String())
	assert.NotEmpty(t, body.Get("player_id").String())
	assert.False(t, body.Get("token").Exists())

	status, _ = s.post(t, "/api/register", `{"name":"alice","password":"hunter2hunter2"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, body = s.post(t, "/api/register", `{"name":"Bob","password":"short"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body.Get("error").String(), "password")

	status, _ = s.post(t, "/api/register", `{"name":"Bo","password":"hunter2hunter2"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.post(t, "/api/register", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRegister_RequiresJSON(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Post(s.url+"/api/register", "text/plain", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	s.post(t, "/api/register", `{"name":"Alice","avatar_style":"knight","password":"hunter2hunter2"}`)

	status, body := s.post(t, "/api/login", `{"name":"ALICE","password":"hunter2hunter2"}`)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body.Get("token").String())
	assert.Equal(t, "Alice", body.Get("name").String())

	status, _ = s.post(t, "/api/login", `{"name":"Alice","password":"wrong-password"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = s.post(t, "/api/login", `{"name":"Nobody","password":"hunter2hunter2"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.health.set(errors.New("connection refused"))
	resp, err = http.Get(s.url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAudio_ServesStoredClip(t *testing.T) {
	s := newTestServer(t)
	mp3 := append([]byte("ID3"), 0x04, 0x00, 0x00, 0x01, 0x02)
	path, err := s.clips.Put("old keep", mp3)
	require.NoError(t, err)

	resp, err := http.Get(s.url + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, mp3, body)
}

func TestAudio_UnknownClip(t *testing.T) {
	s := newTestServer(t)
	path, err := s.clips.Put("R1", []byte("tone"))
	require.NoError(t, err)

	for _, p := range []string{"/audio/R1/missing", strings.Replace(path, "R1", "R2", 1)} {
		resp, err := http.Get(s.url + p)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, p)
	}
}

func TestWebsocket_RejectsInvalidToken(t *testing.T) {
	s := newTestServer(t)
	playerID, _ := s.signIn(t, "Alice")

	c := s.dial(t, "tavern", playerID, "not-a-token")
	code, text := c.ReadClose(waitFor)
	assert.Equal(t, int(session.CloseInvalidToken), code)
	assert.Equal(t, "Invalid session token.", text)
}

func TestWebsocket_RoomUnavailable(t *testing.T) {
	s := newTestServer(t)
	playerID, token := s.signIn(t, "Alice")
	s.store.SetLoadError(errors.New("connection refused"))

	c := s.dial(t, "tavern", playerID, token)
	code, _ := c.ReadClose(waitFor)
	assert.Equal(t, int(session.CloseRoomUnavailable), code)
}

func TestWebsocket_PlaysATurn(t *testing.T) {
	s := newTestServer(t)
	aliceID, aliceToken := s.signIn(t, "Alice")
	bobID, bobToken := s.signIn(t, "Bob")

	alice := s.dial(t, "tavern", aliceID, aliceToken)
	first := alice.Next(waitFor)
	assert.Equal(t, "state_update", first.Get("kind").String())
	assert.Equal(t, aliceID, first.Get("payload.owner_id").String())
	assert.Equal(t, "chat_history", alice.Next(waitFor).Get("kind").String())

	bob := s.dial(t, "tavern", bobID, bobToken)
	joined := alice.ReadUntil("system", waitFor)
	assert.Equal(t, "Bob has joined the game.", joined.Get("payload.message").String())

	alice.Send("start_game", nil)
	alice.ReadUntil("stream_start", waitFor)
	opening := bob.ReadUntil("stream_end", waitFor)
	assert.Equal(t, room.NarratorName, opening.Get("payload.final_message.author_name").String())

	bob.SendRaw([]byte(`{"kind":`))
	bob.Send("say", map[string]any{"message": "light a torch"})
	state := alice.ReadUntil("state_update", waitFor)
	for state.Get("payload.submitted.#").Int() == 0 {
		state = alice.ReadUntil("state_update", waitFor)
	}
	assert.Equal(t, bobID, state.Get("payload.submitted.0").String())

	alice.Send("submit_turn", nil)
	end := bob.ReadUntil("stream_end", waitFor)
	assert.Contains(t, end.Get("payload.final_message.content").String(), "Bob attempts to light a torch.")
}

func TestWebsocket_ReloginClosesOldConnection(t *testing.T) {
	s := newTestServer(t)
	playerID, token := s.signIn(t, "Alice")

	c := s.dial(t, "tavern", playerID, token)
	c.ReadUntil("chat_history", waitFor)

	s.login(t, "Alice")

	code, _ := c.ReadClose(waitFor)
	assert.Equal(t, int(session.CloseInvalidToken), code)
}

func TestWebsocket_ReconnectReplacesOldConnection(t *testing.T) {
	s := newTestServer(t)
	playerID, token := s.signIn(t, "Alice")

	old := s.dial(t, "tavern", playerID, token)
	old.ReadUntil("chat_history", waitFor)
	fresh := s.dial(t, "tavern", playerID, token)
	fresh.ReadUntil("chat_history", waitFor)

	code, _ := old.ReadClose(waitFor)
	assert.Equal(t, int(session.CloseReplaced), code)

	fresh.Send("say", map[string]any{"message": "/ooc still here"})
	chat := fresh.ReadUntil("chat", waitFor)
	assert.Equal(t, "still here", chat.Get("payload.content").String())
}

func TestWebsocket_ShutdownClosesConnections(t *testing.T) {
	s := newTestServer(t)
	playerID, token := s.signIn(t, "Alice")

	c := s.dial(t, "tavern", playerID, token)
	c.ReadUntil("chat_history", waitFor)

	s.shutdown()

	code, reason := c.ReadClose(waitFor)
	assert.Equal(t, int(session.CloseNormal), code)
	assert.Equal(t, "Server is shutting down.", reason)
}
