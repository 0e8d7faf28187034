package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"concord/engine/internal/clock"
	"concord/engine/internal/engine"
	"concord/engine/internal/rbac"
)

// LoadDocument rebuilds a full engine document from its stored rows:
// the header record plus the operation log and comments.
func (s *PostgresStore) LoadDocument(ctx context.Context, rec DocumentRecord) (*engine.Document, error) {
	doc := &engine.Document{
		ID:         rec.ID,
		Kind:       engine.Kind(rec.Kind),
		Superseded: make(map[string]string),
		Meta: engine.Metadata{
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
			Version:   rec.Version,
			Author:    rec.Author,
		},
	}

	content, err := decodeContent(doc.Kind, rec.Content)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", rec.ID, err)
	}
	doc.Content = content

	doc.Clock = clock.New()
	if len(rec.Clock) > 0 {
		if err := json.Unmarshal(rec.Clock, &doc.Clock); err != nil {
			return nil, fmt.Errorf("document %s: decode clock: %w", rec.ID, err)
		}
	}

	doc.Meta.Collaborators = map[string]rbac.Role{}
	if len(rec.Collaborators) > 0 {
		if err := json.Unmarshal(rec.Collaborators, &doc.Meta.Collaborators); err != nil {
			return nil, fmt.Errorf("document %s: decode collaborators: %w", rec.ID, err)
		}
	}
	if len(doc.Meta.Collaborators) == 0 && rec.Author != "" {
		doc.Meta.Collaborators[rec.Author] = rbac.RoleAdmin
	}

	operations, err := s.ListOperations(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	doc.Operations = operations

	commentRecords, err := s.ListComments(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	for _, cr := range commentRecords {
		comment, err := cr.toComment()
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", rec.ID, err)
		}
		doc.Comments = append(doc.Comments, comment)
	}

	return doc, nil
}

// decodeContent maps stored JSON back to the kind's in-memory shape:
// a line slice for textual kinds, a decoded tree otherwise.
func decodeContent(kind engine.Kind, raw []byte) (any, error) {
	if len(raw) == 0 {
		if kind == engine.KindText || kind == engine.KindCode {
			return []string{""}, nil
		}
		return map[string]any{}, nil
	}

	if kind == engine.KindText || kind == engine.KindCode {
		var lines []string
		if err := json.Unmarshal(raw, &lines); err != nil {
			return nil, fmt.Errorf("decode text content: %w", err)
		}
		return lines, nil
	}

	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return tree, nil
}

func (rec CommentRecord) toComment() (*engine.Comment, error) {
	comment := &engine.Comment{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Content:   rec.Content,
		Resolved:  rec.Resolved,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.Position) > 0 {
		if err := json.Unmarshal(rec.Position, &comment.Position); err != nil {
			return nil, fmt.Errorf("decode comment %s position: %w", rec.ID, err)
		}
	}
	if len(rec.Thread) > 0 {
		if err := json.Unmarshal(rec.Thread, &comment.Thread); err != nil {
			return nil, fmt.Errorf("decode comment %s thread: %w", rec.ID, err)
		}
	}
	if len(rec.Reactions) > 0 {
		if err := json.Unmarshal(rec.Reactions, &comment.Reactions); err != nil {
			return nil, fmt.Errorf("decode comment %s reactions: %w", rec.ID, err)
		}
	}
	return comment, nil
}

// RestoreAll loads every stored document into the engine. Documents
// that fail to decode are skipped so one bad row cannot block startup.
func (s *PostgresStore) RestoreAll(ctx context.Context, eng *engine.Engine) (int, error) {
	records, err := s.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range records {
		doc, err := s.LoadDocument(ctx, rec)
		if err != nil {
			log.Printf("store: restore %s: %v", rec.ID, err)
			continue
		}
		if err := eng.Restore(doc); err != nil {
			continue
		}
		restored++
	}
	return restored, nil
}
