package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"concord/engine/internal/engine"
	"concord/engine/internal/op"
)

// PostgresStore persists engine state. It implements
// engine.PersistenceSink; the engine calls it fire-and-forget, so every
// write is idempotent and safe to replay.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// SaveDocument upserts the document header row. The operation log and
// snapshots are written through their own saves; only current content,
// clock and metadata live here.
func (s *PostgresStore) SaveDocument(ctx context.Context, doc *engine.Document) error {
	content, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	clk, err := json.Marshal(doc.Clock)
	if err != nil {
		return fmt.Errorf("encode clock: %w", err)
	}
	collaborators, err := json.Marshal(doc.Meta.Collaborators)
	if err != nil {
		return fmt.Errorf("encode collaborators: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, kind, author, content, vector_clock, collaborators, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			vector_clock = EXCLUDED.vector_clock,
			collaborators = EXCLUDED.collaborators,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`, doc.ID, string(doc.Kind), doc.Meta.Author, content, clk, collaborators,
		doc.Meta.Version, doc.Meta.CreatedAt, doc.Meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save document %s: %w", doc.ID, err)
	}
	return nil
}

// SaveOperation appends to the operation log. Re-delivered operations
// hit the primary key and are dropped, which keeps the log consistent
// with the engine's idempotent ingestion.
func (s *PostgresStore) SaveOperation(ctx context.Context, documentID string, operation op.Operation) error {
	payload, err := json.Marshal(operation)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}

	userID, _ := operation.Metadata["userId"].(string)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (id, document_id, type, node_id, user_id, op_timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, operation.ID, documentID, string(operation.Type), operation.NodeID, userID, operation.Timestamp, payload)
	if err != nil {
		return fmt.Errorf("save operation %s: %w", operation.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, documentID string, snap engine.Snapshot) error {
	clk, err := json.Marshal(snap.Clock)
	if err != nil {
		return fmt.Errorf("encode snapshot clock: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, document_id, vector_clock, content, compressed, size, taken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, snap.ID, documentID, clk, snap.Content, snap.Compressed, snap.Size, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveComment(ctx context.Context, documentID string, comment engine.Comment) error {
	position, err := json.Marshal(comment.Position)
	if err != nil {
		return fmt.Errorf("encode comment position: %w", err)
	}
	thread, err := json.Marshal(comment.Thread)
	if err != nil {
		return fmt.Errorf("encode comment thread: %w", err)
	}
	reactions, err := json.Marshal(comment.Reactions)
	if err != nil {
		return fmt.Errorf("encode comment reactions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, user_id, content, position, thread, reactions, resolved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			thread = EXCLUDED.thread,
			reactions = EXCLUDED.reactions,
			resolved = EXCLUDED.resolved,
			updated_at = EXCLUDED.updated_at
	`, comment.ID, documentID, comment.UserID, comment.Content, position, thread, reactions,
		comment.Resolved, comment.CreatedAt, comment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save comment %s: %w", comment.ID, err)
	}
	return nil
}

// ListDocuments returns the header rows for every stored document,
// most recently updated first.
func (s *PostgresStore) ListDocuments(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, author, content, vector_clock, collaborators, version, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var records []DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Author, &rec.Content, &rec.Clock,
			&rec.Collaborators, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListOperations returns a document's operation log in timestamp order
// for replay during recovery. The engine tolerates any order, but
// timestamp order keeps conflict resolution from churning.
func (s *PostgresStore) ListOperations(ctx context.Context, documentID string) ([]op.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM operations
		WHERE document_id = $1
		ORDER BY op_timestamp ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list operations for %s: %w", documentID, err)
	}
	defer rows.Close()

	var operations []op.Operation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		var operation op.Operation
		if err := json.Unmarshal(payload, &operation); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		operations = append(operations, operation)
	}
	return operations, rows.Err()
}

// LatestSnapshot returns the newest snapshot for a document, or
// sql.ErrNoRows when none exists.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, documentID string) (SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, vector_clock, content, compressed, size, taken_at
		FROM snapshots
		WHERE document_id = $1
		ORDER BY taken_at DESC
		LIMIT 1
	`, documentID).Scan(&rec.ID, &rec.DocumentID, &rec.Clock, &rec.Content, &rec.Compressed, &rec.Size, &rec.TakenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SnapshotRecord{}, err
		}
		return SnapshotRecord{}, fmt.Errorf("latest snapshot for %s: %w", documentID, err)
	}
	return rec, nil
}

// ListComments returns a document's stored comments, oldest first.
func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]CommentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, content, position, thread, reactions, resolved, created_at, updated_at
		FROM comments
		WHERE document_id = $1
		ORDER BY created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments for %s: %w", documentID, err)
	}
	defer rows.Close()

	var records []CommentRecord
	for rows.Next() {
		var rec CommentRecord
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.UserID, &rec.Content, &rec.Position,
			&rec.Thread, &rec.Reactions, &rec.Resolved, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PruneSnapshots deletes all but the newest keep snapshots of a
// document, mirroring the engine's in-memory retention.
func (s *PostgresStore) PruneSnapshots(ctx context.Context, documentID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE document_id = $1
		AND id NOT IN (
			SELECT id FROM snapshots
			WHERE document_id = $1
			ORDER BY taken_at DESC
			LIMIT $2
		)
	`, documentID, keep)
	if err != nil {
		return fmt.Errorf("prune snapshots for %s: %w", documentID, err)
	}
	return nil
}
