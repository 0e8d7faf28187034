package app

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"concord/engine/internal/engine"
	"concord/engine/internal/events"
	"concord/engine/internal/op"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is what a connected editor sends over the socket.
type clientFrame struct {
	Type      string            `json:"type"` // operation | presence
	Operation *struct {
		Type     string         `json:"type"`
		Position op.Position    `json:"position"`
		Content  any            `json:"content"`
		Metadata map[string]any `json:"metadata"`
	} `json:"operation,omitempty"`
	Cursor    op.Position       `json:"cursor,omitempty"`
	Selection *engine.Selection `json:"selection,omitempty"`
}

// serverFrame is what the server pushes to connected editors.
type serverFrame struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Payload    any    `json:"payload,omitempty"`
}

// handleWebsocket upgrades the connection and streams document events
// to the client while accepting operations and presence updates from
// it. The user joins on connect and leaves when the socket closes.
func (s *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request, docID string) {
	actor := strings.TrimSpace(r.URL.Query().Get("user"))
	if actor == "" {
		actor = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "user is required", nil)
		return
	}

	eng := s.service.Engine()
	if _, err := eng.JoinDocument(docID, actor, s.service.NodeID()); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = eng.LeaveDocument(docID, actor)
		log.Printf("ws: upgrade failed for %s: %v", docID, err)
		return
	}

	ch, cancel := s.service.Bus().Subscribe(64,
		events.OperationApplied,
		events.OperationReceived,
		events.ConflictResolved,
		events.UserJoined,
		events.UserLeft,
		events.PresenceUpdated,
		events.CommentAdded,
		events.SnapshotCreated,
	)

	var writeMu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer cancel()
		for {
			select {
			case <-done:
				return
			case evt := <-ch:
				if evt.DocumentID != docID {
					continue
				}
				frame := serverFrame{Type: string(evt.Type), DocumentID: evt.DocumentID, Payload: evt.Payload}
				writeMu.Lock()
				err := conn.WriteJSON(frame)
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.wsError(conn, &writeMu, docID, "INVALID_FRAME", "invalid JSON frame")
			continue
		}
		switch frame.Type {
		case "operation":
			if frame.Operation == nil {
				s.wsError(conn, &writeMu, docID, "INVALID_FRAME", "operation frame without operation")
				continue
			}
			_, err := eng.Submit(r.Context(), docID, actor, engine.Draft{
				Type:     op.Type(frame.Operation.Type),
				Position: frame.Operation.Position,
				Content:  frame.Operation.Content,
				Metadata: frame.Operation.Metadata,
			})
			if err != nil {
				_, code, message, _ := mapError(err)
				s.wsError(conn, &writeMu, docID, code, message)
			}
		case "presence":
			if err := eng.UpdatePresence(docID, actor, frame.Cursor, frame.Selection); err != nil {
				_, code, message, _ := mapError(err)
				s.wsError(conn, &writeMu, docID, code, message)
			}
		default:
			s.wsError(conn, &writeMu, docID, "INVALID_FRAME", "unknown frame type")
		}
	}

	close(done)
	_ = conn.Close()
	_ = eng.LeaveDocument(docID, actor)
}

func (s *HTTPServer) wsError(conn *websocket.Conn, mu *sync.Mutex, docID, code, message string) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteJSON(serverFrame{
		Type:       "error",
		DocumentID: docID,
		Payload:    map[string]string{"code": code, "error": message},
	})
}
