package gateway

import (
	"context"
	"testing"
	"time"

	"concord/engine/internal/engine"
	"concord/engine/internal/events"
	"concord/engine/internal/op"
)

type node struct {
	engine *engine.Engine
	bus    *events.Bus
}

// startNode brings up an engine plus running gateway on the hub.
func startNode(t *testing.T, ctx context.Context, nodeID string, hub *LoopbackHub) node {
	t.Helper()
	bus := events.NewBus()
	eng := engine.New(engine.Options{NodeID: nodeID, Permissions: engine.AllowAll{}}, engine.NewMemoryStore(), bus)
	gw := New(eng, bus, hub.Transport())
	go func() {
		_ = gw.Run(ctx)
	}()
	return node{engine: eng, bus: bus}
}

func waitForText(t *testing.T, eng *engine.Engine, docID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		doc, err := eng.GetDocument(docID)
		if err == nil && doc.Text() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	doc, _ := eng.GetDocument(docID)
	t.Fatalf("replica did not converge: got %q, want %q", doc.Text(), want)
}

func TestOperationsReplicateAcrossNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLoopbackHub()
	n1 := startNode(t, ctx, "n1", hub)
	n2 := startNode(t, ctx, "n2", hub)

	for _, n := range []node{n1, n2} {
		if _, err := n.engine.CreateDocument(ctx, "doc1", engine.KindText, "author", "hello"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// Give both gateways time to attach their listeners.
	time.Sleep(20 * time.Millisecond)

	if _, err := n1.engine.Submit(ctx, "doc1", "alice", engine.Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 5},
		Content:  " world",
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForText(t, n2.engine, "doc1", "hello world")

	// The origin node must not re-apply its own echoed broadcast.
	doc, _ := n1.engine.GetDocument("doc1")
	if doc.Meta.Version != 1 {
		t.Fatalf("origin version = %d, want 1", doc.Meta.Version)
	}
}

func TestConcurrentEditsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLoopbackHub()
	n1 := startNode(t, ctx, "n1", hub)
	n2 := startNode(t, ctx, "n2", hub)

	for _, n := range []node{n1, n2} {
		if _, err := n.engine.CreateDocument(ctx, "doc1", engine.KindText, "author", "hello"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := n1.engine.Submit(ctx, "doc1", "alice", engine.Draft{
		Type:     op.Insert,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 5},
		Content:  " world",
	}); err != nil {
		t.Fatalf("n1 submit: %v", err)
	}
	if _, err := n2.engine.Submit(ctx, "doc1", "bob", engine.Draft{
		Type:     op.Delete,
		Position: op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 0},
	}); err != nil {
		t.Fatalf("n2 submit: %v", err)
	}

	waitForText(t, n1.engine, "doc1", "ello world")
	waitForText(t, n2.engine, "doc1", "ello world")
}

func TestPresenceMessagesRepublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewLoopbackHub()
	n1 := startNode(t, ctx, "n1", hub)
	n2 := startNode(t, ctx, "n2", hub)

	for _, n := range []node{n1, n2} {
		if _, err := n.engine.CreateDocument(ctx, "doc1", engine.KindText, "author", "x"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	remote, cancelSub := n2.bus.Subscribe(8, events.PresenceUpdated)
	defer cancelSub()

	if _, err := n1.engine.JoinDocument("doc1", "alice", "n1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	select {
	case evt := <-remote:
		if evt.DocumentID != "doc1" {
			t.Fatalf("event for %s", evt.DocumentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence broadcast never reached the peer bus")
	}
}
