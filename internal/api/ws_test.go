package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

func newWSServer(t *testing.T) (*httptest.Server, *Handler) {
	t.Helper()
	h, _, _ := newTestHandler()

	r := chi.NewRouter()
	r.Get("/ws", h.ServeWS)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, h
}

func dialWS(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	return frame
}

func TestServeWSHandshake(t *testing.T) {
	server, _ := newWSServer(t)

	ws := dialWS(t, server, "user_id=user-1&app_id=app-1&subscriptions=notification,user.updated")

	frame := readFrame(t, ws)
	if frame["type"] != "connected" {
		t.Fatalf("expected connected frame, got %v", frame["type"])
	}
	if frame["connectionId"] == nil || frame["connectionId"] == "" {
		t.Error("connected frame must carry the connection id")
	}
	subs, _ := frame["subscriptions"].([]interface{})
	if len(subs) != 2 {
		t.Errorf("expected 2 initial subscriptions, got %v", subs)
	}
}

func TestServeWSRequiresUser(t *testing.T) {
	server, _ := newWSServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without user_id must fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected HTTP 400, got %v", resp)
	}
}

func TestServeWSSubscribeFlow(t *testing.T) {
	server, h := newWSServer(t)

	ws := dialWS(t, server, "user_id=user-1&app_id=app-1")
	if frame := readFrame(t, ws); frame["type"] != "connected" {
		t.Fatalf("expected connected frame, got %v", frame["type"])
	}

	if err := ws.WriteJSON(map[string]string{
		"type":           "subscribe",
		"event_category": "notification",
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	frame := readFrame(t, ws)
	if frame["type"] != "subscribed" {
		t.Fatalf("expected subscribed ack, got %v", frame)
	}
	subs, _ := frame["subscriptions"].([]interface{})
	if len(subs) != 1 || subs[0] != "notification" {
		t.Errorf("unexpected subscription set: %v", subs)
	}

	// Replace the whole set.
	if err := ws.WriteJSON(map[string]interface{}{
		"type":          "update_subscriptions",
		"subscriptions": []string{"user.*", "session.revoked"},
	}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame = readFrame(t, ws)
	subs, _ = frame["subscriptions"].([]interface{})
	if len(subs) != 2 {
		t.Errorf("update must replace the set, got %v", subs)
	}

	// The registry sees the update too.
	conns := h.registry.ConnectionsForUser("user-1")
	if len(conns) != 1 {
		t.Fatalf("expected one registered connection, got %d", len(conns))
	}
	got := conns[0].Subscriptions()
	if len(got) != 2 || got[0] != "user.*" {
		t.Errorf("registry holds stale subscriptions: %v", got)
	}
}

func TestServeWSRejectsUnknownFrames(t *testing.T) {
	server, _ := newWSServer(t)

	ws := dialWS(t, server, "user_id=user-1&app_id=app-1")
	readFrame(t, ws) // connected

	if err := ws.WriteJSON(map[string]string{"type": "transmogrify"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	frame := readFrame(t, ws)
	if frame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", frame)
	}
}

func TestServeWSConnectionLimit(t *testing.T) {
	server, h := newWSServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user_id=user-1&app_id=app-1"
	for i := 0; i < 10; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("connection %d refused: %v", i+1, err)
		}
		t.Cleanup(func() { ws.Close() })
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		readFrame(t, ws)
	}

	// The 11th upgrade succeeds at the HTTP layer but is closed immediately
	// with a policy violation.
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, _, err = ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}

	if got := h.registry.Count(); got != 10 {
		t.Errorf("expected 10 registered connections, got %d", got)
	}
}

func TestServeWSDisconnectDeregisters(t *testing.T) {
	server, h := newWSServer(t)

	ws := dialWS(t, server, "user_id=user-1&app_id=app-1")
	readFrame(t, ws) // connected

	if h.registry.Count() != 1 {
		t.Fatalf("expected one registered connection, got %d", h.registry.Count())
	}

	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.registry.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection not deregistered after close")
}
