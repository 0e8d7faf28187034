package engine

import (
	"encoding/json"
	"strings"
	"time"

	"concord/engine/internal/clock"
	"concord/engine/internal/op"
	"concord/engine/internal/rbac"
)

// Kind selects the content representation of a document.
type Kind string

const (
	KindText   Kind = "text"
	KindJSON   Kind = "json"
	KindCode   Kind = "code"
	KindDesign Kind = "design"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindJSON, KindCode, KindDesign:
		return true
	default:
		return false
	}
}

// textual reports whether the kind stores content as lines of text.
func (k Kind) textual() bool {
	return k == KindText || k == KindCode
}

type Presence struct {
	Color  string `json:"color"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type Selection struct {
	Start op.Position `json:"start"`
	End   op.Position `json:"end"`
}

type ActiveUser struct {
	UserID       string      `json:"userId"`
	NodeID       string      `json:"nodeId"`
	Cursor       op.Position `json:"cursor"`
	Selection    *Selection  `json:"selection,omitempty"`
	Presence     Presence    `json:"presence"`
	LastActivity time.Time   `json:"lastActivity"`
}

type LockType string

const (
	LockEdit      LockType = "edit"
	LockView      LockType = "view"
	LockExclusive LockType = "exclusive"
)

func (t LockType) Valid() bool {
	switch t {
	case LockEdit, LockView, LockExclusive:
		return true
	default:
		return false
	}
}

type Lock struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Element   string         `json:"element"`
	Type      LockType       `json:"type"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

type Reaction struct {
	UserID string    `json:"userId"`
	Emoji  string    `json:"emoji"`
	At     time.Time `json:"at"`
}

type Comment struct {
	ID        string      `json:"id"`
	UserID    string      `json:"userId"`
	Content   string      `json:"content"`
	Position  op.Position `json:"position"`
	Thread    []Comment   `json:"thread"`
	Resolved  bool        `json:"resolved"`
	Reactions []Reaction  `json:"reactions"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Snapshot is a point-in-time copy of document content. Content holds
// the JSON-encoded document content, gzip-compressed when Compressed.
type Snapshot struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Clock      clock.VectorClock `json:"vectorClock"`
	Content    []byte            `json:"content"`
	Compressed bool              `json:"compressed"`
	Size       int               `json:"size"`
}

// FormatMark records a non-content style annotation at a position.
type FormatMark struct {
	Position op.Position    `json:"position"`
	Metadata map[string]any `json:"metadata,omitempty"`
	NodeID   string         `json:"nodeId"`
	At       time.Time      `json:"at"`
}

type Metadata struct {
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	Version       int64                `json:"version"`
	Author        string               `json:"author"`
	Collaborators map[string]rbac.Role `json:"collaborators"`
}

// Document is the engine's unit of collaboration. Content is
// kind-specific: []string lines for text/code, a decoded JSON tree for
// json/design. The engine owns documents exclusively; callers only see
// clones.
type Document struct {
	ID         string                 `json:"id"`
	Kind       Kind                   `json:"kind"`
	Content    any                    `json:"content"`
	Operations []op.Operation         `json:"operations"`
	Superseded map[string]string      `json:"superseded,omitempty"`
	Clock      clock.VectorClock      `json:"vectorClock"`
	Snapshots  []Snapshot             `json:"snapshots"`
	Formats    []FormatMark           `json:"formats,omitempty"`
	Meta       Metadata               `json:"metadata"`
	Active     map[string]*ActiveUser `json:"activeUsers"`
	Locks      map[string]Lock        `json:"locks"`
	Comments   []*Comment             `json:"comments"`
}

func newDocument(id string, kind Kind, author string, content any, now time.Time) *Document {
	return &Document{
		ID:         id,
		Kind:       kind,
		Content:    content,
		Superseded: make(map[string]string),
		Clock:      clock.New(),
		Meta: Metadata{
			CreatedAt:     now,
			UpdatedAt:     now,
			Author:        author,
			Collaborators: map[string]rbac.Role{author: rbac.RoleAdmin},
		},
		Active: make(map[string]*ActiveUser),
		Locks:  make(map[string]Lock),
	}
}

// hasOperation reports whether an operation id is already in the log.
func (d *Document) hasOperation(id string) bool {
	for i := range d.Operations {
		if d.Operations[i].ID == id {
			return true
		}
	}
	return false
}

// lines returns the text content, valid only for textual kinds.
func (d *Document) lines() []string {
	if lines, ok := d.Content.([]string); ok {
		return lines
	}
	return nil
}

// Text joins textual content back into a single string.
func (d *Document) Text() string {
	return strings.Join(d.lines(), "\n")
}

// Clone deep-copies the document so callers never share mutable state
// with the store.
func (d *Document) Clone() *Document {
	out := &Document{
		ID:         d.ID,
		Kind:       d.Kind,
		Content:    cloneContent(d.Content),
		Operations: append([]op.Operation(nil), d.Operations...),
		Superseded: make(map[string]string, len(d.Superseded)),
		Clock:      d.Clock.Clone(),
		Snapshots:  append([]Snapshot(nil), d.Snapshots...),
		Formats:    append([]FormatMark(nil), d.Formats...),
		Meta:       d.Meta,
		Active:     make(map[string]*ActiveUser, len(d.Active)),
		Locks:      make(map[string]Lock, len(d.Locks)),
		Comments:   make([]*Comment, 0, len(d.Comments)),
	}
	for id, winner := range d.Superseded {
		out.Superseded[id] = winner
	}
	out.Meta.Collaborators = make(map[string]rbac.Role, len(d.Meta.Collaborators))
	for user, role := range d.Meta.Collaborators {
		out.Meta.Collaborators[user] = role
	}
	for id, user := range d.Active {
		copied := *user
		out.Active[id] = &copied
	}
	for element, lock := range d.Locks {
		out.Locks[element] = lock
	}
	for _, comment := range d.Comments {
		copied := *comment
		copied.Thread = append([]Comment(nil), comment.Thread...)
		copied.Reactions = append([]Reaction(nil), comment.Reactions...)
		out.Comments = append(out.Comments, &copied)
	}
	return out
}

// cloneContent deep-copies document content. Text content is a line
// slice; structured content survives a JSON round trip, which also
// normalizes it to map/slice/scalar form.
func cloneContent(content any) any {
	switch v := content.(type) {
	case nil:
		return nil
	case []string:
		return append([]string(nil), v...)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var out any
		if err := json.Unmarshal(encoded, &out); err != nil {
			return v
		}
		return out
	}
}
