// Package app wires the collaboration engine to its surrounding
// services: HTTP and websocket surfaces, search indexing, the git
// archive and durable storage.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"concord/engine/internal/config"
	"concord/engine/internal/engine"
	"concord/engine/internal/events"
	"concord/engine/internal/history"
	"concord/engine/internal/search"
	"concord/engine/internal/store"
)

// Service orchestrates the engine and its side services. Search,
// history and the database are optional; a nil field disables that
// concern without affecting live collaboration.
type Service struct {
	cfg     config.Config
	engine  *engine.Engine
	bus     *events.Bus
	search  *search.Service
	history *history.Service
	pg      *store.PostgresStore
	db      *sql.DB
}

func New(cfg config.Config, eng *engine.Engine, bus *events.Bus, searchSvc *search.Service, historySvc *history.Service, pg *store.PostgresStore, db *sql.DB) *Service {
	return &Service{
		cfg:     cfg,
		engine:  eng,
		bus:     bus,
		search:  searchSvc,
		history: historySvc,
		pg:      pg,
		db:      db,
	}
}

func (s *Service) Engine() *engine.Engine   { return s.engine }
func (s *Service) Bus() *events.Bus         { return s.bus }
func (s *Service) SyncToken() string        { return s.cfg.SyncToken }
func (s *Service) NodeID() string           { return s.cfg.NodeID }
func (s *Service) History() *history.Service { return s.history }

// Ping checks database connectivity; without a database it reports
// healthy since the engine runs fully in memory.
func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Bootstrap restores persisted documents into the engine and triggers
// a search reindex. Failures are reported but never fatal; the engine
// starts empty rather than not at all.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.pg != nil {
		restored, err := s.pg.RestoreAll(ctx, s.engine)
		if err != nil {
			return err
		}
		if restored > 0 {
			log.Printf("app: restored %d documents from storage", restored)
		}
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// Search runs a query against the search service.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// RunIndexer consumes engine events and feeds the search index and the
// git archive. It blocks until ctx is done.
func (s *Service) RunIndexer(ctx context.Context) {
	ch, cancel := s.bus.Subscribe(256,
		events.DocumentCreated,
		events.OperationApplied,
		events.OperationReceived,
		events.CommentAdded,
		events.SnapshotCreated,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			s.handleIndexEvent(evt)
		}
	}
}

func (s *Service) handleIndexEvent(evt events.Event) {
	switch evt.Type {
	case events.DocumentCreated, events.OperationApplied, events.OperationReceived:
		s.indexDocument(evt.DocumentID)
	case events.CommentAdded:
		s.indexComments(evt.DocumentID)
	case events.SnapshotCreated:
		s.archiveSnapshot(evt.DocumentID)
	}
}

func (s *Service) indexDocument(docID string) {
	if s.search == nil {
		return
	}
	doc, err := s.engine.GetDocument(docID)
	if err != nil {
		return
	}
	body := doc.Text()
	if body == "" {
		if encoded, err := json.Marshal(doc.Content); err == nil {
			body = string(encoded)
		}
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:     doc.ID,
		Kind:   string(doc.Kind),
		Author: doc.Meta.Author,
		Body:   body,
	})
}

func (s *Service) indexComments(docID string) {
	if s.search == nil {
		return
	}
	comments, err := s.engine.Comments(docID)
	if err != nil {
		return
	}
	for _, c := range comments {
		s.search.IndexComment(search.CommentRecord{
			ID:         c.ID,
			DocumentID: docID,
			UserID:     c.UserID,
			Body:       c.Content,
			Resolved:   c.Resolved,
		})
	}
}

// archiveSnapshot commits the newest snapshot into the git archive.
func (s *Service) archiveSnapshot(docID string) {
	if s.history == nil {
		return
	}
	doc, err := s.engine.GetDocument(docID)
	if err != nil || len(doc.Snapshots) == 0 {
		return
	}
	snap := doc.Snapshots[len(doc.Snapshots)-1]
	content, err := engine.DecodeSnapshotContent(snap)
	if err != nil {
		log.Printf("app: decode snapshot %s: %v", snap.ID, err)
		return
	}

	rev := history.Revision{
		DocumentID: doc.ID,
		Kind:       string(doc.Kind),
		Clock:      snap.Clock,
		Version:    doc.Meta.Version,
		Content:    content,
	}
	if _, err := s.history.Commit(rev, doc.Meta.Author, "Snapshot "+snap.ID+" at "+snap.Timestamp.Format(time.RFC3339)); err != nil {
		log.Printf("app: archive snapshot %s: %v", snap.ID, err)
	}
}
