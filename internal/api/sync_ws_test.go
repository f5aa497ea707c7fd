package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, s *Server, hdr http.Header) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.SyncWSHandler))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil { _ = resp.Body.Close() }
	return conn, func() { _ = conn.Close(); srv.Close() }
}

func TestSyncWSConcurrentPushAndPing(t *testing.T) {
	s := newTestServer()
	conn, done := dialWS(t, s, http.Header{"X-Tenant-Id": {"t_demo"}, "X-Role": {"admin"}})
	defer done()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatal(err)
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" {
		t.Fatalf("ack = %+v, err %v", ack, err)
	}
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"scope":"tenant"}`)}); err != nil {
		t.Fatal(err)
	}

	// Event pushes and pong replies come from different server goroutines
	// but share one connection writer.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			s.Broker.Publish("tenant:t_demo", SSEEvent{Type: "workorder.updated", Data: map[string]any{"seq": i}})
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_ = conn.WriteJSON(wsMessage{Type: "ping"})
			time.Sleep(2 * time.Millisecond)
		}
	}()

	next, pong := 0, 0
	deadline := time.Now().Add(3 * time.Second)
	for next < 10 || pong < 1 {
		_ = conn.SetReadDeadline(deadline)
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read failed after %d next / %d pong frames: %v", next, pong, err)
		}
		switch msg.Type {
		case "next":
			next++
		case "pong":
			pong++
		}
	}
	wg.Wait()
}

func TestSyncWSCompleteUnsubscribes(t *testing.T) {
	s := newTestServer()
	conn, done := dialWS(t, s, http.Header{"X-Tenant-Id": {"t_demo"}, "X-Role": {"admin"}})
	defer done()

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatal(err)
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != "connection_ack" {
		t.Fatalf("ack = %+v, err %v", ack, err)
	}
	if err := conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"scope":"tenant"}`)}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("no complete frame: %v", err)
		}
		if msg.Type == "complete" && msg.ID == "1" {
			break
		}
	}

	// No subscriber is left, so a publish must not produce a frame.
	s.Broker.Publish("tenant:t_demo", SSEEvent{Type: "workorder.updated"})
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected frame after complete: %+v", msg)
	}
}
