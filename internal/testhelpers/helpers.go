// Package testhelpers provides common utilities for tests that talk to a
// running worker over HTTP and websocket.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the origin the helpers present; test configs allow it.
const TestOrigin = "http://localhost:8080"

// Event is a decoded server event.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketURL converts an httptest server URL into the websocket endpoint
// URL carrying the given handshake fields.
func WebSocketURL(serverURL, username, role, nickname string) string {
	q := url.Values{}
	if username != "" {
		q.Set("username", username)
	}
	if role != "" {
		q.Set("role", role)
	}
	if nickname != "" {
		q.Set("nickname", nickname)
	}
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws?" + q.Encode()
}

// ConnectWebSocket dials rawURL with the test origin. The handshake response
// is returned too so callers can inspect refusals.
func ConnectWebSocket(rawURL string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil && resp.Body != nil && err == nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials or fails the test, and closes the connection on cleanup.
func MustConnect(t *testing.T, serverURL, username, role, nickname string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(WebSocketURL(serverURL, username, role, nickname))
	if err != nil {
		t.Fatalf("Failed to connect as %s: %v", username, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendOp writes one client operation.
func SendOp(conn *websocket.Conn, op, room string, data any) error {
	frame := map[string]any{"op": op}
	if room != "" {
		frame["room"] = room
	}
	if data != nil {
		frame["data"] = data
	}
	return conn.WriteJSON(frame)
}

// ReadEvent reads the next event, waiting at most timeout.
func ReadEvent(conn *websocket.Conn, timeout time.Duration) (Event, error) {
	var ev Event
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ev, err
	}
	err := conn.ReadJSON(&ev)
	return ev, err
}

// WaitForEvent reads events until one named name arrives or timeout elapses.
func WaitForEvent(t *testing.T, conn *websocket.Conn, name string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q", name)
		}
		ev, err := ReadEvent(conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for %q: %v", name, err)
		}
		if ev.Event == name {
			return ev
		}
	}
}

// MakeRequest creates and executes an HTTP request with a five second timeout.
func MakeRequest(t *testing.T, method, rawURL string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, rawURL, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
