package store

import "time"

// DocumentRecord is the durable row for a document. Content, clock and
// collaborators are stored as JSONB so the schema does not chase the
// in-memory shape.
type DocumentRecord struct {
	ID            string
	Kind          string
	Author        string
	Content       []byte
	Clock         []byte
	Collaborators []byte
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OperationRecord is one entry of a document's append-only operation
// log. Payload holds the full JSON-encoded operation; the extracted
// columns exist for querying and recovery ordering.
type OperationRecord struct {
	ID         string
	DocumentID string
	Type       string
	NodeID     string
	UserID     string
	Timestamp  time.Time
	Payload    []byte
	ReceivedAt time.Time
}

// SnapshotRecord is a stored point-in-time content capture.
type SnapshotRecord struct {
	ID         string
	DocumentID string
	Clock      []byte
	Content    []byte
	Compressed bool
	Size       int
	TakenAt    time.Time
}

// CommentRecord stores a top-level comment with its thread and
// reactions embedded as JSON.
type CommentRecord struct {
	ID         string
	DocumentID string
	UserID     string
	Content    string
	Position   []byte
	Thread     []byte
	Reactions  []byte
	Resolved   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
