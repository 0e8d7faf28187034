// Package engine implements the CRDT collaboration core: documents,
// causal operation application, conflict resolution, presence, locks,
// comments and snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"concord/engine/internal/clock"
	"concord/engine/internal/events"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
	"concord/engine/internal/util"
)

// PermissionOracle is consulted before every mutating call.
type PermissionOracle interface {
	Check(doc *Document, actorID string, action rbac.Action) bool
}

// CollaboratorOracle resolves the actor's role from the document's
// collaborator list; unknown actors default to viewer.
type CollaboratorOracle struct{}

func (CollaboratorOracle) Check(doc *Document, actorID string, action rbac.Action) bool {
	role, ok := doc.Meta.Collaborators[actorID]
	if !ok {
		role = rbac.RoleViewer
	}
	return rbac.Can(role, action)
}

// AllowAll grants every action; useful for trusted single-tenant
// deployments and tests.
type AllowAll struct{}

func (AllowAll) Check(*Document, string, rbac.Action) bool { return true }

// PersistenceSink receives fire-and-forget copies of engine state for
// durable storage. The engine never blocks on a sink.
type PersistenceSink interface {
	SaveDocument(ctx context.Context, doc *Document) error
	SaveOperation(ctx context.Context, documentID string, operation op.Operation) error
	SaveSnapshot(ctx context.Context, documentID string, snap Snapshot) error
	SaveComment(ctx context.Context, documentID string, comment Comment) error
}

// MergeFunc is the semantic-merge extension point. It may mutate the
// document content to a lossless merge of the incoming operation and
// its conflicts and return true; returning false falls back to
// last-writer-wins.
type MergeFunc func(doc *Document, incoming op.Operation, conflicts []op.Operation) bool

// PriorityFunc ranks an operation author for the user-priority policy;
// higher wins.
type PriorityFunc func(actorID string) int

type Options struct {
	NodeID            string
	Policy            ResolutionPolicy
	Merge             MergeFunc
	Priority          PriorityFunc
	SnapshotRetention int
	CompressSnapshots bool
	Permissions       PermissionOracle
	Sink              PersistenceSink
}

// Engine is one participating node. Operations against a single
// document are serialized by a per-document mutex; distinct documents
// proceed independently.
type Engine struct {
	nodeID string
	opts   Options
	store  Store
	bus    *events.Bus

	lockMu   sync.Mutex
	docLocks map[string]*sync.Mutex
}

func New(opts Options, store Store, bus *events.Bus) *Engine {
	if opts.NodeID == "" {
		opts.NodeID = util.NewID("node")
	}
	if opts.Policy == "" {
		opts.Policy = PolicyLastWriterWins
	}
	if opts.SnapshotRetention <= 0 {
		opts.SnapshotRetention = 10
	}
	if opts.Permissions == nil {
		opts.Permissions = CollaboratorOracle{}
	}
	return &Engine{
		nodeID:   opts.NodeID,
		opts:     opts,
		store:    store,
		bus:      bus,
		docLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) NodeID() string { return e.nodeID }

// docLock returns the serialization mutex for a document id.
func (e *Engine) docLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.docLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.docLocks[id] = mu
	}
	return mu
}

func (e *Engine) emit(evtType events.Type, documentID string, payload any) {
	e.bus.Publish(events.Event{Type: evtType, DocumentID: documentID, Payload: payload})
}

func (e *Engine) persist(fn func(ctx context.Context) error, what string) {
	if e.opts.Sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("engine: persist %s: %v", what, err)
		}
	}()
}

// CreateDocument registers a new document. The author becomes its admin
// collaborator. Text/code content is passed as a string; json/design
// content as a decoded tree.
func (e *Engine) CreateDocument(ctx context.Context, id string, kind Kind, author string, content any) (*Document, error) {
	if !kind.Valid() {
		return nil, errInvalidOperation(fmt.Sprintf("unknown document kind %q", kind))
	}
	if strings.TrimSpace(author) == "" {
		return nil, errInvalidOperation("author is required")
	}
	if id == "" {
		id = util.NewID("doc")
	}
	if _, exists := e.store.Get(id); exists {
		return nil, domainError(409, CodeDocumentExists, "document already exists", map[string]any{"documentId": id})
	}

	var body any
	if kind.textual() {
		text, _ := content.(string)
		body = strings.Split(text, "\n")
	} else {
		body = cloneContent(content)
		if body == nil {
			body = map[string]any{}
		}
	}

	doc := newDocument(id, kind, author, body, time.Now().UTC())
	e.store.Put(doc)

	e.emit(events.DocumentCreated, id, map[string]any{"kind": string(kind), "author": author})
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveDocument(ctx, doc.Clone()) }, "document "+id)
	return doc.Clone(), nil
}

// Restore loads a previously persisted document into the store without
// emitting events or writing back to the sink. Used at startup; an
// already loaded document is left alone.
func (e *Engine) Restore(doc *Document) error {
	if doc == nil || doc.ID == "" {
		return errInvalidOperation("restore requires a document with an id")
	}
	if _, exists := e.store.Get(doc.ID); exists {
		return domainError(409, CodeDocumentExists, "document already loaded", map[string]any{"documentId": doc.ID})
	}
	restored := doc.Clone()
	if restored.Superseded == nil {
		restored.Superseded = make(map[string]string)
	}
	if restored.Clock == nil {
		restored.Clock = clock.New()
	}
	restored.Active = make(map[string]*ActiveUser)
	restored.Locks = make(map[string]Lock)
	e.store.Put(restored)
	return nil
}

// GetDocument returns a deep copy of the document.
func (e *Engine) GetDocument(id string) (*Document, error) {
	doc, ok := e.store.Get(id)
	if !ok {
		return nil, errDocumentNotFound(id)
	}
	mu := e.docLock(id)
	mu.Lock()
	defer mu.Unlock()
	return doc.Clone(), nil
}

// ListDocuments returns copies of every document.
func (e *Engine) ListDocuments() []*Document {
	docs := e.store.List()
	out := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		mu := e.docLock(doc.ID)
		mu.Lock()
		out = append(out, doc.Clone())
		mu.Unlock()
	}
	return out
}

// AddCollaborator grants a role on the document; requires admin.
func (e *Engine) AddCollaborator(docID, actorID, userID string, role rbac.Role) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, actorID, rbac.ActionAdmin) {
		return errPermissionDenied(actorID, string(rbac.ActionAdmin))
	}
	doc.Meta.Collaborators[userID] = rbac.Normalize(string(role))
	return nil
}

// Draft describes a local mutation before it is stamped into an
// operation.
type Draft struct {
	Type     op.Type        `json:"type"`
	Position op.Position    `json:"position"`
	Content  any            `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Submit turns a local mutation request into an operation, applies it,
// and hands it to the broadcast stream. The returned operation is what
// the transport delivers to other nodes.
func (e *Engine) Submit(ctx context.Context, docID, actorID string, draft Draft) (op.Operation, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return op.Operation{}, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	operation := op.New(draft.Type, e.nodeID, doc.Clock.Tick(e.nodeID), draft.Position, draft.Content)
	operation.Metadata = draft.Metadata
	if operation.Metadata == nil {
		operation.Metadata = map[string]any{}
	}
	operation.Metadata["userId"] = actorID

	if err := e.apply(ctx, doc, operation, false); err != nil {
		return op.Operation{}, err
	}
	return operation, nil
}

// ReceiveRemote is the sole entry point for operations arriving from
// other nodes. Safe against duplicate, out-of-order and superseded
// deliveries.
func (e *Engine) ReceiveRemote(ctx context.Context, docID string, operation op.Operation) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()
	return e.apply(ctx, doc, operation, true)
}

// actor resolves the human author of an operation, falling back to the
// originating node id.
func operationActor(operation op.Operation) string {
	if user, ok := operation.Metadata["userId"].(string); ok && user != "" {
		return user
	}
	return operation.NodeID
}

// apply runs the validate / dedupe / resolve / mutate / log pipeline.
// The caller holds the document lock.
func (e *Engine) apply(ctx context.Context, doc *Document, operation op.Operation, remote bool) error {
	reject := func(err *DomainError) error {
		e.emit(events.OperationRejected, doc.ID, map[string]any{
			"operationId": operation.ID,
			"code":        err.Code,
			"message":     err.Message,
		})
		return err
	}

	if err := operation.Validate(); err != nil {
		return reject(errInvalidOperation(err.Error()))
	}
	if !e.opts.Permissions.Check(doc, operationActor(operation), rbac.ActionWrite) {
		return reject(errPermissionDenied(operationActor(operation), string(rbac.ActionWrite)))
	}

	// Idempotent replay: an id already in the log (applied or
	// superseded) is absorbed as success with no new side effect.
	if doc.hasOperation(operation.ID) {
		return nil
	}

	conflicts := detectConflicts(doc, operation)
	if len(conflicts) > 0 {
		applyIncoming, logIncoming, winnerID := e.resolve(doc, operation, conflicts)
		e.emit(events.ConflictResolved, doc.ID, map[string]any{
			"policy":      string(e.opts.Policy),
			"winner":      winnerID,
			"operationId": operation.ID,
			"conflicts":   conflictIDs(conflicts),
		})
		if !applyIncoming {
			if logIncoming {
				doc.Operations = append(doc.Operations, operation)
				doc.Superseded[operation.ID] = winnerID
				doc.Clock.Merge(operation.Clock)
				doc.Meta.UpdatedAt = time.Now().UTC()
			}
			return nil
		}
	}

	if err := e.mutate(doc, operation, remote); err != nil {
		var de *DomainError
		if !errors.As(err, &de) {
			de = errInvalidOperation(err.Error())
		}
		return reject(de)
	}

	doc.Operations = append(doc.Operations, operation)
	doc.Meta.Version++
	doc.Meta.UpdatedAt = time.Now().UTC()
	doc.Clock.Merge(operation.Clock)

	if remote {
		e.emit(events.OperationReceived, doc.ID, operation)
	} else {
		e.emit(events.OperationApplied, doc.ID, operation)
		e.emit(events.BroadcastOperation, doc.ID, operation)
	}
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveOperation(ctx, doc.ID, operation) }, "operation "+operation.ID)
	return nil
}

// mutate applies the content change for an already-validated operation.
// Remote operations carry historical positions recorded against a state
// another node saw; their text offsets clamp to current bounds so that
// delivery order cannot make replicas diverge. Local submissions are
// validated strictly.
func (e *Engine) mutate(doc *Document, operation op.Operation, remote bool) error {
	switch operation.Type {
	case op.Insert:
		if doc.Kind.textual() {
			text, ok := operation.TextContent()
			if !ok {
				return errInvalidOperation("insert content must be a string for text documents")
			}
			lines, err := insertText(doc.lines(), operation.Position, text, remote)
			if err != nil {
				return err
			}
			doc.Content = lines
			return nil
		}
		updated, err := insertValueAt(doc.Content, operation.Position.Path, cloneContent(operation.Content))
		if err != nil {
			return err
		}
		doc.Content = updated
		return nil

	case op.Delete:
		if doc.Kind.textual() {
			lines, err := deleteText(doc.lines(), operation.Position, operation.DeleteLength(), remote)
			if err != nil {
				return err
			}
			doc.Content = lines
			return nil
		}
		updated, _, err := removeValueAt(doc.Content, operation.Position.Path)
		if err != nil {
			return err
		}
		doc.Content = updated
		return nil

	case op.Update:
		if doc.Kind.textual() {
			return errInvalidOperation("update operations apply to json/design documents only")
		}
		updated, err := setValueAt(doc.Content, operation.Position.Path, cloneContent(operation.Content))
		if err != nil {
			return err
		}
		doc.Content = updated
		return nil

	case op.Move:
		if doc.Kind != KindDesign {
			return errInvalidOperation("move operations apply to design documents only")
		}
		from, ok := operation.FromPosition()
		if !ok {
			return errInvalidOperation("move operation requires metadata.from")
		}
		removed, element, err := removeValueAt(doc.Content, from.Path)
		if err != nil {
			return err
		}
		updated, err := insertValueAt(removed, operation.Position.Path, element)
		if err != nil {
			return err
		}
		doc.Content = updated
		return nil

	case op.Format:
		if err := validatePosition(doc, operation.Position); err != nil {
			return err
		}
		doc.Formats = append(doc.Formats, FormatMark{
			Position: operation.Position,
			Metadata: operation.Metadata,
			NodeID:   operation.NodeID,
			At:       operation.Timestamp,
		})
		return nil

	default:
		return errInvalidOperation(fmt.Sprintf("unknown operation type %q", operation.Type))
	}
}

func conflictIDs(conflicts []op.Operation) []string {
	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}
	return ids
}
