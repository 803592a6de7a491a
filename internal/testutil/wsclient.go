package testutil

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// WSClient is a websocket test client that speaks the room protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// DialWS connects to url, a ws:// address.
//
// Postcondition: Returns a connected WSClient or fails the test.
func DialWS(t *testing.T, url string) *WSClient {
	t.Helper()
	start := time.Now()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Next returns the next frame.
//
// Postcondition: Returns the parsed frame, or fails the test on timeout or close.
func (c *WSClient) Next(timeout time.Duration) gjson.Result {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return gjson.ParseBytes(data)
}

// ReadUntil reads frames until one of kind arrives and returns it.
//
// Postcondition: Returns the matching frame, or fails the test on timeout.
func (c *WSClient) ReadUntil(kind string, timeout time.Duration) gjson.Result {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	var seen []string
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("reading until %q: saw %v, error: %v", kind, seen, err)
		}
		frame := gjson.ParseBytes(data)
		if frame.Get("kind").String() == kind {
			return frame
		}
		seen = append(seen, frame.Get("kind").String())
	}
}

// ReadClose reads until the server closes the connection.
//
// Postcondition: Returns the close code and text, or fails the test on timeout.
func (c *WSClient) ReadClose(timeout time.Duration) (int, string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code, ce.Text
		}
		c.t.Fatalf("waiting for close: %v", err)
	}
}

// Send writes a {"kind", "payload"} frame.
func (c *WSClient) Send(kind string, payload map[string]any) {
	c.t.Helper()
	frame := map[string]any{"kind": kind}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("encoding %s frame: %v", kind, err)
	}
	c.SendRaw(data)
}

// SendRaw writes data as a text frame.
func (c *WSClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending frame: %v", err)
	}
}

// Close closes the underlying connection without a close handshake.
func (c *WSClient) Close() {
	c.conn.Close()
}
