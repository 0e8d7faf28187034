package engine

import (
	"context"
	"strings"
	"time"

	"concord/engine/internal/events"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
	"concord/engine/internal/util"
)

// AddComment anchors a new top-level comment at a position. Requires
// comment permission. The engine never deletes comments.
func (e *Engine) AddComment(ctx context.Context, docID, userID, content string, pos op.Position) (Comment, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return Comment{}, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, userID, rbac.ActionComment) {
		return Comment{}, errPermissionDenied(userID, string(rbac.ActionComment))
	}
	if strings.TrimSpace(content) == "" {
		return Comment{}, errInvalidOperation("comment content is required")
	}

	now := time.Now().UTC()
	comment := &Comment{
		ID:        util.NewID("cmt"),
		UserID:    userID,
		Content:   content,
		Position:  pos,
		Thread:    []Comment{},
		Reactions: []Reaction{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc.Comments = append(doc.Comments, comment)

	e.emit(events.CommentAdded, docID, *comment)
	e.emit(events.BroadcastComment, docID, map[string]any{"kind": "add", "comment": *comment})
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveComment(ctx, docID, *comment) }, "comment "+comment.ID)
	return *comment, nil
}

// ReplyComment appends a reply to an existing comment's thread.
func (e *Engine) ReplyComment(ctx context.Context, docID, userID, commentID, content string) (Comment, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return Comment{}, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, userID, rbac.ActionComment) {
		return Comment{}, errPermissionDenied(userID, string(rbac.ActionComment))
	}
	if strings.TrimSpace(content) == "" {
		return Comment{}, errInvalidOperation("reply content is required")
	}

	parent := findComment(doc, commentID)
	if parent == nil {
		return Comment{}, domainError(404, CodeCommentNotFound, "comment not found", map[string]any{"commentId": commentID})
	}

	now := time.Now().UTC()
	reply := Comment{
		ID:        util.NewID("cmt"),
		UserID:    userID,
		Content:   content,
		Thread:    []Comment{},
		Reactions: []Reaction{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	parent.Thread = append(parent.Thread, reply)
	parent.UpdatedAt = now

	e.emit(events.CommentAdded, docID, reply)
	e.emit(events.BroadcastComment, docID, map[string]any{"kind": "reply", "commentId": commentID, "comment": reply})
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveComment(ctx, docID, *parent) }, "comment "+commentID)
	return reply, nil
}

// ReactComment records a reaction. Idempotent per (user, emoji): a
// repeated identical reaction is a no-op rather than a toggle.
func (e *Engine) ReactComment(ctx context.Context, docID, userID, commentID, emoji string) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, userID, rbac.ActionComment) {
		return errPermissionDenied(userID, string(rbac.ActionComment))
	}
	if strings.TrimSpace(emoji) == "" {
		return errInvalidOperation("emoji is required")
	}

	comment := findComment(doc, commentID)
	if comment == nil {
		return domainError(404, CodeCommentNotFound, "comment not found", map[string]any{"commentId": commentID})
	}
	for _, reaction := range comment.Reactions {
		if reaction.UserID == userID && reaction.Emoji == emoji {
			return nil
		}
	}

	comment.Reactions = append(comment.Reactions, Reaction{UserID: userID, Emoji: emoji, At: time.Now().UTC()})
	comment.UpdatedAt = time.Now().UTC()

	e.emit(events.BroadcastComment, docID, map[string]any{"kind": "react", "commentId": commentID, "userId": userID, "emoji": emoji})
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveComment(ctx, docID, *comment) }, "comment "+commentID)
	return nil
}

// ResolveComment toggles the resolved flag. Allowed for anyone holding
// comment or write permission.
func (e *Engine) ResolveComment(ctx context.Context, docID, userID, commentID string, resolved bool) error {
	doc, ok := e.store.Get(docID)
	if !ok {
		return errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	if !e.opts.Permissions.Check(doc, userID, rbac.ActionComment) && !e.opts.Permissions.Check(doc, userID, rbac.ActionWrite) {
		return errPermissionDenied(userID, string(rbac.ActionComment))
	}

	comment := findComment(doc, commentID)
	if comment == nil {
		return domainError(404, CodeCommentNotFound, "comment not found", map[string]any{"commentId": commentID})
	}
	comment.Resolved = resolved
	comment.UpdatedAt = time.Now().UTC()

	e.emit(events.BroadcastComment, docID, map[string]any{"kind": "resolve", "commentId": commentID, "resolved": resolved})
	e.persist(func(ctx context.Context) error { return e.opts.Sink.SaveComment(ctx, docID, *comment) }, "comment "+commentID)
	return nil
}

// Comments returns copies of the document's comment threads.
func (e *Engine) Comments(docID string) ([]Comment, error) {
	doc, ok := e.store.Get(docID)
	if !ok {
		return nil, errDocumentNotFound(docID)
	}
	mu := e.docLock(docID)
	mu.Lock()
	defer mu.Unlock()

	out := make([]Comment, 0, len(doc.Comments))
	for _, comment := range doc.Comments {
		copied := *comment
		copied.Thread = append([]Comment(nil), comment.Thread...)
		copied.Reactions = append([]Reaction(nil), comment.Reactions...)
		out = append(out, copied)
	}
	return out, nil
}

// findComment looks up a top-level comment by id. Replies are addressed
// through their parent.
func findComment(doc *Document, commentID string) *Comment {
	for _, comment := range doc.Comments {
		if comment.ID == commentID {
			return comment
		}
	}
	return nil
}
