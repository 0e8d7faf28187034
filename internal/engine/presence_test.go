package engine

import (
	"context"
	"testing"
	"time"

	"concord/engine/internal/events"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
)

func newPresenceEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Options{NodeID: "n1", Permissions: AllowAll{}}, NewMemoryStore(), events.NewBus())
	if _, err := e.CreateDocument(context.Background(), "doc1", KindText, "author", "hello"); err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

func TestJoinAssignsDeterministicColor(t *testing.T) {
	e := newPresenceEngine(t)

	first, err := e.JoinDocument("doc1", "alice", "n2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if first.Presence.Color == "" {
		t.Fatal("no color assigned")
	}

	// Rejoin replaces the entry and keeps the same color.
	second, err := e.JoinDocument("doc1", "alice", "n3")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if second.Presence.Color != first.Presence.Color {
		t.Fatalf("color changed across joins: %s vs %s", first.Presence.Color, second.Presence.Color)
	}

	users, _ := e.ActiveUsers("doc1")
	if len(users) != 1 {
		t.Fatalf("active users = %d, want one entry per userId", len(users))
	}
	if users[0].NodeID != "n3" {
		t.Fatalf("rejoin did not replace entry: %+v", users[0])
	}
}

func TestJoinRequiresReadPermission(t *testing.T) {
	e := New(Options{NodeID: "n1"}, NewMemoryStore(), events.NewBus())
	if _, err := e.CreateDocument(context.Background(), "doc1", KindText, "owner", "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Default oracle grants viewers read, so even strangers may join.
	if _, err := e.JoinDocument("doc1", "stranger", "n2"); err != nil {
		t.Fatalf("join as viewer: %v", err)
	}
}

func TestUpdatePresenceNoOpWhenInactive(t *testing.T) {
	e := newPresenceEngine(t)

	if err := e.UpdatePresence("doc1", "ghost", op.Position{}, nil); err != nil {
		t.Fatalf("update for inactive user must be a no-op: %v", err)
	}
	users, _ := e.ActiveUsers("doc1")
	if len(users) != 0 {
		t.Fatalf("no-op created a presence entry: %+v", users)
	}

	if _, err := e.JoinDocument("doc1", "alice", "n2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	cursor := op.Position{Path: op.Path{op.IndexStep(0)}, Offset: 3}
	if err := e.UpdatePresence("doc1", "alice", cursor, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	users, _ = e.ActiveUsers("doc1")
	if users[0].Cursor.Offset != 3 {
		t.Fatalf("cursor not updated: %+v", users[0])
	}
}

func TestLockExclusivity(t *testing.T) {
	e := newPresenceEngine(t)

	if _, err := e.AcquireLock("doc1", "alice", "line-0", LockEdit, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A different user cannot take any lock on the element.
	if _, err := e.AcquireLock("doc1", "bob", "line-0", LockExclusive, time.Minute); !HasCode(err, CodeLockConflict) {
		t.Fatalf("err = %v, want LOCK_CONFLICT", err)
	}
	if _, err := e.AcquireLock("doc1", "bob", "line-0", LockView, time.Minute); !HasCode(err, CodeLockConflict) {
		t.Fatalf("err = %v, want LOCK_CONFLICT", err)
	}

	// Holder may re-acquire, which refreshes the lock.
	if _, err := e.AcquireLock("doc1", "alice", "line-0", LockExclusive, time.Minute); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}

	// A different element is independent.
	if _, err := e.AcquireLock("doc1", "bob", "line-1", LockEdit, time.Minute); err != nil {
		t.Fatalf("acquire other element: %v", err)
	}
}

func TestLockExpiry(t *testing.T) {
	e := newPresenceEngine(t)

	if _, err := e.AcquireLock("doc1", "alice", "line-0", LockExclusive, 10*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := e.AcquireLock("doc1", "bob", "line-0", LockEdit, time.Minute); !HasCode(err, CodeLockConflict) {
		t.Fatalf("err = %v, want LOCK_CONFLICT before expiry", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := e.AcquireLock("doc1", "bob", "line-0", LockEdit, time.Minute); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestReleaseLock(t *testing.T) {
	e := newPresenceEngine(t)

	if _, err := e.AcquireLock("doc1", "alice", "line-0", LockEdit, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := e.ReleaseLock("doc1", "bob", "line-0"); !HasCode(err, CodeLockConflict) {
		t.Fatalf("foreign release err = %v, want LOCK_CONFLICT", err)
	}
	if err := e.ReleaseLock("doc1", "alice", "line-0"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Released element is free.
	if _, err := e.AcquireLock("doc1", "bob", "line-0", LockEdit, time.Minute); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	// Releasing an absent lock is a no-op.
	if err := e.ReleaseLock("doc1", "alice", "line-9"); err != nil {
		t.Fatalf("release absent lock: %v", err)
	}
}

func TestLeaveReleasesLocks(t *testing.T) {
	e := newPresenceEngine(t)

	if _, err := e.JoinDocument("doc1", "alice", "n2"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := e.AcquireLock("doc1", "alice", "line-0", LockExclusive, time.Hour); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := e.LeaveDocument("doc1", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	users, _ := e.ActiveUsers("doc1")
	if len(users) != 0 {
		t.Fatalf("presence not cleared: %+v", users)
	}
	if _, err := e.AcquireLock("doc1", "bob", "line-0", LockEdit, time.Minute); err != nil {
		t.Fatalf("lock not released on leave: %v", err)
	}

	// Leaving twice is harmless.
	if err := e.LeaveDocument("doc1", "alice"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
}

func TestLockRequiresWritePermission(t *testing.T) {
	e := New(Options{NodeID: "n1"}, NewMemoryStore(), events.NewBus())
	ctx := context.Background()
	if _, err := e.CreateDocument(ctx, "doc1", KindText, "owner", "x"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := e.AddCollaborator("doc1", "owner", "carol", rbac.RoleCommenter); err != nil {
		t.Fatalf("AddCollaborator: %v", err)
	}

	if _, err := e.AcquireLock("doc1", "carol", "line-0", LockEdit, time.Minute); !HasCode(err, CodePermissionDenied) {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
}
