// Package op defines the canonical mutation record exchanged between
// collaborating nodes, and position addressing across document kinds.
package op

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"concord/engine/internal/clock"

	"github.com/google/uuid"
)

// Type enumerates the supported mutation kinds.
type Type string

const (
	Insert Type = "insert"
	Delete Type = "delete"
	Update Type = "update"
	Move   Type = "move"
	Format Type = "format"
)

// Valid reports whether t is one of the known mutation kinds.
func (t Type) Valid() bool {
	switch t {
	case Insert, Delete, Update, Move, Format:
		return true
	default:
		return false
	}
}

// Step is one element of a position path: a numeric index for text
// lines and array elements, or a string key for object members. On the
// wire a step serializes as a bare JSON number or string.
type Step struct {
	Index int
	Key   string
	IsKey bool
}

// IndexStep returns a numeric path step.
func IndexStep(i int) Step { return Step{Index: i} }

// KeyStep returns a string-key path step.
func KeyStep(k string) Step { return Step{Key: k, IsKey: true} }

func (s Step) Equal(other Step) bool {
	if s.IsKey != other.IsKey {
		return false
	}
	if s.IsKey {
		return s.Key == other.Key
	}
	return s.Index == other.Index
}

func (s Step) String() string {
	if s.IsKey {
		return s.Key
	}
	return strconv.Itoa(s.Index)
}

func (s Step) MarshalJSON() ([]byte, error) {
	if s.IsKey {
		return json.Marshal(s.Key)
	}
	return json.Marshal(s.Index)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		*s = Step{Index: idx}
		return nil
	}
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		*s = Step{Key: key, IsKey: true}
		return nil
	}
	return fmt.Errorf("path step must be a number or string: %s", string(data))
}

// Path addresses a location inside nested document content. For text
// documents Path[0] is a line index; for json/design documents the
// steps descend through nested containers.
type Path []Step

func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if !p[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Position is the addressing tuple carried by every operation.
type Position struct {
	Path   Path   `json:"path"`
	Offset int    `json:"offset"`
	Anchor string `json:"anchor,omitempty"`
}

func (p Position) Equal(other Position) bool {
	return p.Offset == other.Offset && p.Anchor == other.Anchor && p.Path.Equal(other.Path)
}

// Operation is the immutable mutation record. ID makes replay
// idempotent; Clock is the causal snapshot taken at creation;
// Timestamp is wall-clock and used only for tie-breaking.
type Operation struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	NodeID       string            `json:"nodeId"`
	Timestamp    time.Time         `json:"timestamp"`
	Clock        clock.VectorClock `json:"vectorClock"`
	Position     Position          `json:"position"`
	Content      any               `json:"content,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// New builds an operation stamped with a fresh ID, the current wall
// clock and a snapshot of the given vector clock.
func New(opType Type, nodeID string, vc clock.VectorClock, pos Position, content any) Operation {
	return Operation{
		ID:        uuid.NewString(),
		Type:      opType,
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Clock:     vc.Clone(),
		Position:  pos,
		Content:   content,
	}
}

// Validate checks structural completeness. Position bounds are checked
// against document content by the engine, not here.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if !o.Type.Valid() {
		return fmt.Errorf("unknown operation type %q", o.Type)
	}
	if o.NodeID == "" {
		return fmt.Errorf("operation nodeId is required")
	}
	if o.Clock == nil {
		return fmt.Errorf("operation vectorClock is required")
	}
	switch o.Type {
	case Insert, Update:
		if o.Content == nil {
			return fmt.Errorf("%s operation requires content", o.Type)
		}
	case Move:
		if _, ok := o.FromPosition(); !ok {
			return fmt.Errorf("move operation requires metadata.from")
		}
	}
	return nil
}

// TextContent returns the operation content as a string.
func (o Operation) TextContent() (string, bool) {
	s, ok := o.Content.(string)
	return s, ok
}

// IntMetadata reads an integer metadata value, tolerating the float64
// that JSON decoding produces, with a fallback default.
func (o Operation) IntMetadata(key string, fallback int) int {
	raw, ok := o.Metadata[key]
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}

// DeleteLength returns how many units a delete removes (default 1).
func (o Operation) DeleteLength() int {
	n := o.IntMetadata("length", 1)
	if n < 1 {
		n = 1
	}
	return n
}

// FromPosition decodes metadata.from into a Position for move
// operations. The metadata value survives a JSON round trip, so it is
// decoded the same way regardless of whether the operation was built
// locally or arrived off the wire.
func (o Operation) FromPosition() (Position, bool) {
	raw, ok := o.Metadata["from"]
	if !ok {
		return Position{}, false
	}
	if pos, ok := raw.(Position); ok {
		return pos, true
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return Position{}, false
	}
	var pos Position
	if err := json.Unmarshal(encoded, &pos); err != nil {
		return Position{}, false
	}
	return pos, true
}

// InsertLength is the number of characters an insert contributes, used
// for same-line range overlap checks.
func (o Operation) InsertLength() int {
	if s, ok := o.TextContent(); ok {
		return len(s)
	}
	return 0
}
