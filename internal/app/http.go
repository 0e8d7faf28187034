package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"concord/engine/internal/engine"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
	"concord/engine/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "nodeId": s.service.NodeID()})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/sync/operations" {
		syncToken := strings.TrimSpace(r.Header.Get("x-concord-sync-token"))
		if syncToken == "" || syncToken != s.service.SyncToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		var body struct {
			DocumentID string        `json:"documentId"`
			Operation  *op.Operation `json:"operation"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.DocumentID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId is required", nil)
			return
		}
		if body.Operation == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "operation is required", nil)
			return
		}
		if err := s.service.Engine().ReceiveRemote(r.Context(), body.DocumentID, *body.Operation); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		documentID := strings.TrimSpace(r.URL.Query().Get("documentId"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}

		payload := s.service.Search(search.Query{
			Text:             q,
			FilterType:       search.ResultType(filterType),
			FilterDocumentID: documentID,
			Limit:            limit,
			Offset:           offset,
		})
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		docs := s.service.Engine().ListDocuments()
		items := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			items = append(items, documentSummary(doc))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			ID      string `json:"id"`
			Kind    string `json:"kind"`
			Content any    `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.Engine().CreateDocument(r.Context(), body.ID, engine.Kind(body.Kind), actor, body.Content)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleDocument dispatches everything under /api/documents/{id}.
func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, docID string, rest []string) {
	eng := s.service.Engine()

	if len(rest) == 0 {
		if r.Method == http.MethodGet {
			doc, err := eng.GetDocument(docID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"document": doc})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	switch rest[0] {
	case "operations":
		s.handleOperations(w, r, docID)
	case "collaborators":
		s.handleCollaborators(w, r, docID)
	case "join":
		s.handleJoin(w, r, docID)
	case "leave":
		s.handleLeave(w, r, docID)
	case "presence":
		s.handlePresence(w, r, docID)
	case "locks":
		s.handleLocks(w, r, docID, rest[1:])
	case "comments":
		s.handleComments(w, r, docID, rest[1:])
	case "snapshots":
		s.handleSnapshots(w, r, docID)
	case "history":
		s.handleHistory(w, r, docID, rest[1:])
	case "ws":
		s.handleWebsocket(w, r, docID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleOperations(w http.ResponseWriter, r *http.Request, docID string) {
	eng := s.service.Engine()

	if r.Method == http.MethodGet {
		doc, err := eng.GetDocument(docID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"operations": doc.Operations,
			"superseded": doc.Superseded,
		})
		return
	}

	if r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Type     string         `json:"type"`
			Position op.Position    `json:"position"`
			Content  any            `json:"content"`
			Metadata map[string]any `json:"metadata"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		operation, err := eng.Submit(r.Context(), docID, actor, engine.Draft{
			Type:     op.Type(body.Type),
			Position: body.Position,
			Content:  body.Content,
			Metadata: body.Metadata,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"operation": operation})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleCollaborators(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.UserID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
		return
	}
	if err := s.service.Engine().AddCollaborator(docID, actor, body.UserID, rbac.Normalize(body.Role)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	user, err := s.service.Engine().JoinDocument(docID, actor, s.service.NodeID())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	if err := s.service.Engine().LeaveDocument(docID, actor); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, docID string) {
	eng := s.service.Engine()

	if r.Method == http.MethodGet {
		users, err := eng.ActiveUsers(docID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activeUsers": users})
		return
	}

	if r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Cursor    op.Position       `json:"cursor"`
			Selection *engine.Selection `json:"selection"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := eng.UpdatePresence(docID, actor, body.Cursor, body.Selection); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request, docID string, rest []string) {
	eng := s.service.Engine()

	if len(rest) == 0 && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Element    string `json:"element"`
			Type       string `json:"type"`
			TTLSeconds int    `json:"ttlSeconds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		lock, err := eng.AcquireLock(docID, actor, body.Element, engine.LockType(body.Type), time.Duration(body.TTLSeconds)*time.Second)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lock": lock})
		return
	}

	if len(rest) == 1 && r.Method == http.MethodDelete {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		if err := eng.ReleaseLock(docID, actor, rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, docID string, rest []string) {
	eng := s.service.Engine()

	if len(rest) == 0 {
		if r.Method == http.MethodGet {
			comments, err := eng.Comments(docID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
			return
		}
		if r.Method == http.MethodPost {
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			var body struct {
				Content  string      `json:"content"`
				Position op.Position `json:"position"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := eng.AddComment(r.Context(), docID, actor, body.Content, body.Position)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(rest) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	commentID := rest[0]
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	switch rest[1] {
	case "replies":
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		reply, err := eng.ReplyComment(r.Context(), docID, actor, commentID, body.Content)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": reply})
	case "reactions":
		var body struct {
			Emoji string `json:"emoji"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := eng.ReactComment(r.Context(), docID, actor, commentID, body.Emoji); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "resolve":
		var body struct {
			Resolved *bool `json:"resolved"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resolved := true
		if body.Resolved != nil {
			resolved = *body.Resolved
		}
		if err := eng.ResolveComment(r.Context(), docID, actor, commentID, resolved); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request, docID string) {
	eng := s.service.Engine()

	if r.Method == http.MethodGet {
		snapshots, err := eng.Snapshots(docID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
		return
	}

	if r.Method == http.MethodPost {
		if _, ok := s.requireActor(w, r); !ok {
			return
		}
		snap, err := eng.Snapshot(r.Context(), docID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"snapshot": snap})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, docID string, rest []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	hist := s.service.History()
	if hist == nil {
		writeError(w, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "History archive not configured", nil)
		return
	}

	if len(rest) == 0 {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				limit = parsed
			}
		}
		entries, err := hist.History(docID, limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": entries})
		return
	}

	if len(rest) == 1 {
		rev, err := hist.RevisionAt(docID, rest[0])
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Revision not found", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revision": rev})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func documentSummary(doc *engine.Document) map[string]any {
	return map[string]any{
		"id":          doc.ID,
		"kind":        doc.Kind,
		"author":      doc.Meta.Author,
		"version":     doc.Meta.Version,
		"updatedAt":   doc.Meta.UpdatedAt,
		"activeUsers": len(doc.Active),
	}
}

// requireActor extracts the acting user from the X-User-ID header.
// Document-level permissions are enforced by the engine itself.
func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if actor == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-ID header is required", nil)
		return "", false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *engine.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
