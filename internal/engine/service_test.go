package engine

import (
	"context"
	"testing"
	"time"

	"concord/engine/internal/clock"
	"concord/engine/internal/events"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
)

func newTestEngine(t *testing.T, nodeID string) *Engine {
	t.Helper()
	return New(Options{NodeID: nodeID, Permissions: AllowAll{}}, NewMemoryStore(), events.NewBus())
}

func mustCreateText(t *testing.T, e *Engine, id, text string) *Document {
	t.Helper()
	doc, err := e.CreateDocument(context.Background(), id, KindText, "author", text)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	return doc
}

func textOp(id, nodeID string, vc clock.VectorClock, opType op.Type, line, offset int, content any, ts time.Time) op.Operation {
	return op.Operation{
		ID:        id,
		Type:      opType,
		NodeID:    nodeID,
		Timestamp: ts,
		Clock:     vc,
		Position:  op.Position{Path: op.Path{op.IndexStep(line)}, Offset: offset},
		Content:   content,
	}
}

func TestCreateDocumentKinds(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()

	doc := mustCreateText(t, e, "doc1", "hello\nworld")
	if doc.Text() != "hello\nworld" {
		t.Fatalf("text content = %q", doc.Text())
	}
	if doc.Meta.Version != 0 {
		t.Fatalf("new document version = %d, want 0", doc.Meta.Version)
	}
	if doc.Meta.Collaborators["author"] != rbac.RoleAdmin {
		t.Fatal("author is not admin collaborator")
	}

	design, err := e.CreateDocument(ctx, "design1", KindDesign, "author", map[string]any{"elements": []any{}})
	if err != nil {
		t.Fatalf("create design doc: %v", err)
	}
	if _, ok := design.Content.(map[string]any); !ok {
		t.Fatalf("design content type %T", design.Content)
	}

	if _, err := e.CreateDocument(ctx, "doc1", KindText, "author", ""); !HasCode(err, CodeDocumentExists) {
		t.Fatalf("duplicate create err = %v", err)
	}
	if _, err := e.CreateDocument(ctx, "", Kind("sheet"), "author", ""); !HasCode(err, CodeInvalidOperation) {
		t.Fatalf("bad kind err = %v", err)
	}
}

func TestSubmitInsertAndVersion(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	mustCreateText(t, e, "doc1", "hello")

	operation, err := e.Submit(ctx, "doc1", "alice", Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 5},
		Content:  " world",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if operation.NodeID != "n1" || operation.Clock["n1"] != 1 {
		t.Fatalf("operation stamping wrong: %+v", operation)
	}

	doc, err := e.GetDocument("doc1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Text() != "hello world" {
		t.Fatalf("content = %q, want %q", doc.Text(), "hello world")
	}
	if doc.Meta.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Meta.Version)
	}
	if doc.Clock["n1"] != 1 {
		t.Fatalf("document clock = %v", doc.Clock)
	}
}

func TestMultiLineInsert(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	mustCreateText(t, e, "doc1", "ab")

	if _, err := e.Submit(ctx, "doc1", "alice", Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 1},
		Content:  "x\ny",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	doc, _ := e.GetDocument("doc1")
	if doc.Text() != "ax\nyb" {
		t.Fatalf("content = %q, want %q", doc.Text(), "ax\nyb")
	}
}

func TestIdempotentReplay(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	mustCreateText(t, e, "doc1", "hello")

	operation := textOp("op-1", "n2", clock.VectorClock{"n2": 1}, op.Insert, 0, 0, "X", time.Now().UTC())
	if err := e.ReceiveRemote(ctx, "doc1", operation); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	first, _ := e.GetDocument("doc1")

	if err := e.ReceiveRemote(ctx, "doc1", operation); err != nil {
		t.Fatalf("replay must succeed silently: %v", err)
	}
	second, _ := e.GetDocument("doc1")

	if first.Text() != second.Text() {
		t.Fatalf("replay changed content: %q vs %q", first.Text(), second.Text())
	}
	if first.Meta.Version != second.Meta.Version {
		t.Fatalf("replay changed version: %d vs %d", first.Meta.Version, second.Meta.Version)
	}
	if len(second.Operations) != 1 {
		t.Fatalf("log has %d entries, want 1", len(second.Operations))
	}
}

func TestBoundaryInsertRejected(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	mustCreateText(t, e, "doc1", "hello")

	_, err := e.Submit(ctx, "doc1", "alice", Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 99},
		Content:  "X",
	})
	if !HasCode(err, CodeInvalidOperation) {
		t.Fatalf("err = %v, want INVALID_OPERATION", err)
	}

	doc, _ := e.GetDocument("doc1")
	if doc.Text() != "hello" || doc.Meta.Version != 0 {
		t.Fatalf("rejected op mutated document: %q v%d", doc.Text(), doc.Meta.Version)
	}

	// Line index out of range is also rejected.
	_, err = e.Submit(ctx, "doc1", "alice", Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(3)}, Offset: 0},
		Content:  "X",
	})
	if !HasCode(err, CodeInvalidOperation) {
		t.Fatalf("err = %v, want INVALID_OPERATION", err)
	}
}

func TestConvergenceNonConflictingOps(t *testing.T) {
	// Spec scenario: "hello", N1 inserts " world" at offset 5, N2
	// deletes 1 char at offset 0. Both orders must converge.
	ts := time.Now().UTC()
	insert := textOp("op-ins", "n1", clock.VectorClock{"n1": 1}, op.Insert, 0, 5, " world", ts)
	del := textOp("op-del", "n2", clock.VectorClock{"n2": 1}, op.Delete, 0, 0, nil, ts.Add(time.Millisecond))

	run := func(order []op.Operation) string {
		e := newTestEngine(t, "n3")
		ctx := context.Background()
		mustCreateText(t, e, "doc1", "hello")
		for _, operation := range order {
			if err := e.ReceiveRemote(ctx, "doc1", operation); err != nil {
				t.Fatalf("apply %s: %v", operation.ID, err)
			}
		}
		doc, _ := e.GetDocument("doc1")
		return doc.Text()
	}

	ab := run([]op.Operation{insert, del})
	ba := run([]op.Operation{del, insert})
	if ab != ba {
		t.Fatalf("replicas diverged: %q vs %q", ab, ba)
	}
	if ab != "ello world" {
		t.Fatalf("converged content = %q, want %q", ab, "ello world")
	}
}

func TestCausalSafetyDominatedNotConcurrent(t *testing.T) {
	e := newTestEngine(t, "n3")
	ctx := context.Background()
	mustCreateText(t, e, "doc1", "hello")

	ts := time.Now().UTC()
	first := textOp("op-a", "n1", clock.VectorClock{"n1": 1}, op.Insert, 0, 5, "!", ts)
	// Derived after observing first: clock dominates, same position
	// would otherwise look like an update/update or range clash.
	second := textOp("op-b", "n2", clock.VectorClock{"n1": 1, "n2": 1}, op.Delete, 0, 5, nil, ts.Add(time.Second))

	if err := e.ReceiveRemote(ctx, "doc1", first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	if err := e.ReceiveRemote(ctx, "doc1", second); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	doc, _ := e.GetDocument("doc1")
	if len(doc.Superseded) != 0 {
		t.Fatalf("causally ordered ops were treated as conflicting: %v", doc.Superseded)
	}
	if doc.Text() != "hello" {
		t.Fatalf("content = %q, want %q", doc.Text(), "hello")
	}
	if doc.Meta.Version != 2 {
		t.Fatalf("version = %d, want 2", doc.Meta.Version)
	}
}

func TestPermissionDenied(t *testing.T) {
	e := New(Options{NodeID: "n1"}, NewMemoryStore(), events.NewBus())
	ctx := context.Background()
	if _, err := e.CreateDocument(ctx, "doc1", KindText, "owner", "hello"); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := e.Submit(ctx, "doc1", "stranger", Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 0},
		Content:  "X",
	})
	if !HasCode(err, CodePermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}

	// Owner can grant write and the same call then succeeds.
	if err := e.AddCollaborator("doc1", "owner", "stranger", rbac.RoleEditor); err != nil {
		t.Fatalf("AddCollaborator: %v", err)
	}
	if _, err := e.Submit(ctx, "doc1", "stranger", Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 0},
		Content:  "X",
	}); err != nil {
		t.Fatalf("Submit after grant: %v", err)
	}
}

func TestUnknownDocument(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()

	if _, err := e.GetDocument("ghost"); !HasCode(err, CodeDocumentNotFound) {
		t.Fatalf("GetDocument err = %v", err)
	}
	if err := e.ReceiveRemote(ctx, "ghost", textOp("op-1", "n2", clock.VectorClock{"n2": 1}, op.Insert, 0, 0, "X", time.Now())); !HasCode(err, CodeDocumentNotFound) {
		t.Fatalf("ReceiveRemote err = %v", err)
	}
	if _, err := e.JoinDocument("ghost", "alice", "n2"); !HasCode(err, CodeDocumentNotFound) {
		t.Fatalf("JoinDocument err = %v", err)
	}
}

func TestJSONDocumentUpdateAndDelete(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	if _, err := e.CreateDocument(ctx, "cfg", KindJSON, "author", map[string]any{
		"title": "draft",
		"tags":  []any{"a", "b"},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.Submit(ctx, "cfg", "alice", Draft{
		Type:     op.Update,
		Position: op.Position{Path: op.Path{op.KeyStep("title")}},
		Content:  "final",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := e.Submit(ctx, "cfg", "alice", Draft{
		Type:     op.Delete,
		Position: op.Position{Path: op.Path{op.KeyStep("tags"), op.IndexStep(0)}},
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	doc, _ := e.GetDocument("cfg")
	content := doc.Content.(map[string]any)
	if content["title"] != "final" {
		t.Fatalf("title = %v", content["title"])
	}
	tags := content["tags"].([]any)
	if len(tags) != 1 || tags[0] != "b" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestDesignMove(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	if _, err := e.CreateDocument(ctx, "board", KindDesign, "author", map[string]any{
		"elements": []any{"rect", "circle", "line"},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := e.Submit(ctx, "board", "alice", Draft{
		Type:     op.Move,
		Position: op.Position{Path: op.Path{op.KeyStep("elements"), op.IndexStep(0)}},
		Metadata: map[string]any{
			"from": op.Position{Path: op.Path{op.KeyStep("elements"), op.IndexStep(2)}},
		},
	}); err != nil {
		t.Fatalf("move: %v", err)
	}

	doc, _ := e.GetDocument("board")
	elements := doc.Content.(map[string]any)["elements"].([]any)
	want := []any{"line", "rect", "circle"}
	for i := range want {
		if elements[i] != want[i] {
			t.Fatalf("elements = %v, want %v", elements, want)
		}
	}
}

func TestFormatLeavesContentUnchanged(t *testing.T) {
	e := newTestEngine(t, "n1")
	ctx := context.Background()
	mustCreateText(t, e, "doc1", "hello")

	if _, err := e.Submit(ctx, "doc1", "alice", Draft{
		Type:     op.Format,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 0},
		Metadata: map[string]any{"style": "bold", "length": 5},
	}); err != nil {
		t.Fatalf("format: %v", err)
	}

	doc, _ := e.GetDocument("doc1")
	if doc.Text() != "hello" {
		t.Fatalf("format changed content: %q", doc.Text())
	}
	if len(doc.Formats) != 1 || doc.Formats[0].Metadata["style"] != "bold" {
		t.Fatalf("formats = %+v", doc.Formats)
	}
	if doc.Meta.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Meta.Version)
	}
}

func TestGetDocumentReturnsCopy(t *testing.T) {
	e := newTestEngine(t, "n1")
	mustCreateText(t, e, "doc1", "hello")

	doc, _ := e.GetDocument("doc1")
	lines := doc.Content.([]string)
	lines[0] = "tampered"
	doc.Meta.Collaborators["mallory"] = rbac.RoleAdmin

	fresh, _ := e.GetDocument("doc1")
	if fresh.Text() != "hello" {
		t.Fatal("caller mutation leaked into store")
	}
	if _, ok := fresh.Meta.Collaborators["mallory"]; ok {
		t.Fatal("collaborator mutation leaked into store")
	}
}
