package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"concord/engine/internal/events"
	"concord/engine/internal/util"
)

// compressThreshold is the encoded-content size above which snapshots
// are gzip-compressed even when CompressSnapshots is off.
const compressThreshold = 4 * 1024

// Snapshot captures the document's current content and causal frontier.
// At most SnapshotRetention snapshots are kept, oldest evicted first.
func (e *Engine) Snapshot(ctx context.Context, docID string) (Snapshot, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return Snapshot{}, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()
	return e.snapshotLocked(doc)
}

func (e *Engine) snapshotLocked(doc *Document) (Snapshot, error) {
	encoded, err := json.Marshal(doc.Content)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot content: %w", err)
	}

	body := encoded
	compressed := false
	if e.opts.CompressSnapshots || len(encoded) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(encoded); err == nil && zw.Close() == nil {
			body = append([]byte(nil), buf.Bytes()...)
			compressed = true
		}
	}

	snap := Snapshot{
		ID:         util.NewID("snap"),
		Timestamp:  time.Now().UTC(),
		Clock:      doc.Clock.Clone(),
		Content:    body,
		Compressed: compressed,
		Size:       len(encoded),
	}

	doc.Snapshots = append(doc.Snapshots, snap)
	if over := len(doc.Snapshots) - e.opts.SnapshotRetention; over > 0 {
		doc.Snapshots = append([]Snapshot(nil), doc.Snapshots[over:]...)
	}

	e.emit(events.SnapshotCreated, doc.ID, map[string]any{
		"snapshotId": snap.ID,
		"size":       snap.Size,
		"compressed": snap.Compressed,
	})
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveSnapshot(ctx, doc.ID, snap) }, "snapshot "+snap.ID)
	return snap, nil
}

// Snapshots lists the retained snapshots for a document.
func (e *Engine) Snapshots(docID string) ([]Snapshot, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return nil, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()
	return append([]Snapshot(nil), doc.Snapshots...), nil
}

// SnapshotAll captures every document; used by the periodic loop.
func (e *Engine) SnapshotAll(ctx context.Context) {
	for _, doc := range e.store.List() {
		if _, err := e.Snapshot(ctx, doc.ID); err != nil {
			log.Printf("engine: snapshot %s: %v", doc.ID, err)
		}
	}
}

// SnapshotLoop captures snapshots on a fixed interval until the
// context is cancelled.
func (e *Engine) SnapshotLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SnapshotAll(ctx)
		}
	}
}

// DecodeSnapshotContent returns the snapshot's JSON content bytes,
// transparently inflating compressed snapshots.
func DecodeSnapshotContent(snap Snapshot) ([]byte, error) {
	if !snap.Compressed {
		return snap.Content, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(snap.Content))
	if err != nil {
		return nil, fmt.Errorf("open snapshot gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate snapshot: %w", err)
	}
	return out, nil
}
