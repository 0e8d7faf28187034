package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestSocket(t *testing.T, srv *httptest.Server, docID, user string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/documents/" + docID + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	return conn
}

func TestWebsocketOperationRoundTrip(t *testing.T) {
	httpSrv, service := newTestServer(t)
	srv := httptest.NewServer(httpSrv.Handler())
	defer srv.Close()

	rec := doRequest(t, httpSrv, http.MethodPost, "/api/documents", "alice", map[string]any{
		"id": "doc1", "kind": "text", "content": "hello",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	conn := dialTestSocket(t, srv, "doc1", "alice")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"type": "operation",
		"operation": map[string]any{
			"type":     "insert",
			"position": map[string]any{"path": []any{0}, "offset": 5},
			"content":  " world",
		},
	}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// The engine echoes an operation_applied event back on the socket.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type == "error" {
			t.Fatalf("server error frame: %+v", frame.Payload)
		}
		if frame.Type == "operation_applied" {
			break
		}
	}

	doc, err := service.Engine().GetDocument("doc1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Text() != "hello world" {
		t.Fatalf("text = %q", doc.Text())
	}
}

func TestWebsocketJoinAndLeavePresence(t *testing.T) {
	httpSrv, service := newTestServer(t)
	srv := httptest.NewServer(httpSrv.Handler())
	defer srv.Close()

	doRequest(t, httpSrv, http.MethodPost, "/api/documents", "alice", map[string]any{
		"id": "doc1", "kind": "text", "content": "hello",
	})

	conn := dialTestSocket(t, srv, "doc1", "alice")

	users, err := service.Engine().ActiveUsers("doc1")
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "alice" {
		t.Fatalf("active users after connect = %+v", users)
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		users, _ = service.Engine().ActiveUsers("doc1")
		if len(users) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("user still active after disconnect: %+v", users)
}

func TestWebsocketRejectsUnknownUser(t *testing.T) {
	httpSrv, _ := newTestServer(t)
	srv := httptest.NewServer(httpSrv.Handler())
	defer srv.Close()

	doRequest(t, httpSrv, http.MethodPost, "/api/documents", "alice", map[string]any{
		"id": "doc1", "kind": "text", "content": "hello",
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/documents/doc1/ws"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial to fail without a user")
	}
}
