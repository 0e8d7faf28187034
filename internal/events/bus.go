// Package events carries the engine's observable event stream to
// subscribers (transport relay, UI feeds, logging).
package events

import (
	"log"
	"sync"
	"time"
)

type Type string

const (
	DocumentCreated   Type = "document_created"
	OperationApplied  Type = "operation_applied"
	OperationReceived Type = "operation_received"
	OperationRejected Type = "operation_rejected"
	ConflictResolved  Type = "conflict_resolved"
	UserJoined        Type = "user_joined"
	UserLeft          Type = "user_left"
	PresenceUpdated   Type = "presence_updated"
	CommentAdded      Type = "comment_added"
	SnapshotCreated   Type = "snapshot_created"

	// Outbound events the transport layer relays to other nodes.
	BroadcastOperation Type = "broadcast_operation"
	BroadcastPresence  Type = "broadcast_presence"
	BroadcastUserLeft  Type = "broadcast_user_left"
	BroadcastComment   Type = "broadcast_comment"
)

type Event struct {
	Type       Type      `json:"type"`
	DocumentID string    `json:"documentId"`
	At         time.Time `json:"at"`
	Payload    any       `json:"payload,omitempty"`
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{}
}

func (s subscriber) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a typed publish/subscribe fan-out. Publishing never blocks;
// an event is dropped for a subscriber whose buffer is full.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber)}
}

// Subscribe registers interest in the given event types (all types when
// none are named) and returns the delivery channel plus a cancel func.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	sub := subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			log.Printf("events: dropping %s for slow subscriber", evt.Type)
		}
	}
}
