package app

import (
	"context"

	"concord/engine/internal/blob"
	"concord/engine/internal/engine"
	"concord/engine/internal/op"
)

// MultiSink fans persistence calls out to several sinks. Errors from
// later sinks do not stop earlier ones; the first error is returned so
// the engine logs it.
type MultiSink struct {
	sinks []engine.PersistenceSink
}

func NewMultiSink(sinks ...engine.PersistenceSink) *MultiSink {
	out := make([]engine.PersistenceSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return &MultiSink{sinks: out}
}

func (m *MultiSink) SaveDocument(ctx context.Context, doc *engine.Document) error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.SaveDocument(ctx, doc); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) SaveOperation(ctx context.Context, documentID string, operation op.Operation) error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.SaveOperation(ctx, documentID, operation); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) SaveSnapshot(ctx context.Context, documentID string, snap engine.Snapshot) error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.SaveSnapshot(ctx, documentID, snap); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *MultiSink) SaveComment(ctx context.Context, documentID string, comment engine.Comment) error {
	var first error
	for _, sink := range m.sinks {
		if err := sink.SaveComment(ctx, documentID, comment); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// BlobSink adapts the object-store archiver into a PersistenceSink
// that mirrors snapshots only.
type BlobSink struct {
	archiver *blob.Archiver
}

func NewBlobSink(archiver *blob.Archiver) *BlobSink {
	return &BlobSink{archiver: archiver}
}

func (b *BlobSink) SaveDocument(context.Context, *engine.Document) error        { return nil }
func (b *BlobSink) SaveOperation(context.Context, string, op.Operation) error   { return nil }
func (b *BlobSink) SaveComment(context.Context, string, engine.Comment) error   { return nil }

func (b *BlobSink) SaveSnapshot(ctx context.Context, documentID string, snap engine.Snapshot) error {
	return b.archiver.Put(ctx, documentID, snap)
}
