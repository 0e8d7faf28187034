package engine

import (
	"sort"
	"sync"
)

// Store abstracts document storage so an alternative backend can be
// substituted without touching engine logic. The engine is the only
// writer; implementations return live pointers that the engine guards
// with its per-document serialization.
type Store interface {
	Get(id string) (*Document, bool)
	Put(doc *Document)
	List() []*Document
	Len() int
}

// MemoryStore is the default map-backed store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func (s *MemoryStore) Get(id string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

func (s *MemoryStore) Put(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
}

func (s *MemoryStore) List() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
