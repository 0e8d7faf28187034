package engine

import (
	"time"

	"concord/engine/internal/events"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
	"concord/engine/internal/util"
)

// JoinDocument registers a user as active on the document, replacing
// any prior entry for the same user. Requires read permission.
func (e *Engine) JoinDocument(docID, userID, nodeID string) (ActiveUser, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return ActiveUser{}, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, userID, rbac.ActionRead) {
		return ActiveUser{}, errPermissionDenied(userID, string(rbac.ActionRead))
	}

	user := &ActiveUser{
		UserID: userID,
		NodeID: nodeID,
		Presence: Presence{
			Color:  util.ColorFor(userID),
			Name:   userID,
			Status: "active",
		},
		LastActivity: time.Now().UTC(),
	}
	doc.Active[userID] = user

	e.emit(events.UserJoined, docID, *user)
	e.emit(events.BroadcastPresence, docID, map[string]any{"kind": "join", "user": *user})
	return *user, nil
}

// LeaveDocument removes the user's presence and releases every lock
// they hold.
func (e *Engine) LeaveDocument(docID, userID string) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if _, active := doc.Active[userID]; !active {
		return nil
	}
	delete(doc.Active, userID)
	for element, lock := range doc.Locks {
		if lock.UserID == userID {
			delete(doc.Locks, element)
		}
	}

	e.emit(events.UserLeft, docID, map[string]any{"userId": userID})
	e.emit(events.BroadcastUserLeft, docID, map[string]any{"userId": userID})
	return nil
}

// UpdatePresence refreshes a live user's cursor and selection. A
// no-op when the user is not currently active on the document.
func (e *Engine) UpdatePresence(docID, userID string, cursor op.Position, selection *Selection) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	user, active := doc.Active[userID]
	if !active {
		return nil
	}
	user.Cursor = cursor
	user.Selection = selection
	user.LastActivity = time.Now().UTC()

	e.emit(events.PresenceUpdated, docID, *user)
	e.emit(events.BroadcastPresence, docID, map[string]any{"kind": "update", "user": *user})
	return nil
}

// AcquireLock takes an advisory lock on an element. It succeeds when no
// unexpired lock on the element exists or the existing lock belongs to
// the same user (which refreshes it). Requires write permission.
func (e *Engine) AcquireLock(docID, userID, element string, lockType LockType, ttl time.Duration) (Lock, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return Lock{}, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, userID, rbac.ActionWrite) {
		return Lock{}, errPermissionDenied(userID, string(rbac.ActionWrite))
	}
	if !lockType.Valid() {
		return Lock{}, errInvalidOperation("unknown lock type " + string(lockType))
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	now := time.Now().UTC()
	e.purgeExpiredLocks(doc, now)

	if existing, held := doc.Locks[element]; held && existing.UserID != userID {
		return Lock{}, errLockConflict(element, existing.UserID)
	}

	lock := Lock{
		ID:        util.NewID("lock"),
		UserID:    userID,
		Element:   element,
		Type:      lockType,
		ExpiresAt: now.Add(ttl),
	}
	doc.Locks[element] = lock

	e.emit(events.BroadcastPresence, docID, map[string]any{"kind": "lock", "lock": lock})
	return lock, nil
}

// ReleaseLock drops a lock held by the user. Releasing an absent or
// foreign-held lock is reported via LockConflict.
func (e *Engine) ReleaseLock(docID, userID, element string) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	lock, held := doc.Locks[element]
	if !held || lock.Expired(time.Now().UTC()) {
		return nil
	}
	if lock.UserID != userID {
		return errLockConflict(element, lock.UserID)
	}
	delete(doc.Locks, element)

	e.emit(events.BroadcastPresence, docID, map[string]any{"kind": "unlock", "element": element, "userId": userID})
	return nil
}

// ActiveUsers lists current presence entries for a document.
func (e *Engine) ActiveUsers(docID string) ([]ActiveUser, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return nil, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	out := make([]ActiveUser, 0, len(doc.Active))
	for _, user := range doc.Active {
		out = append(out, *user)
	}
	return out, nil
}

func (e *Engine) purgeExpiredLocks(doc *Document, now time.Time) {
	for element, lock := range doc.Locks {
		if lock.Expired(now) {
			delete(doc.Locks, element)
		}
	}
}
