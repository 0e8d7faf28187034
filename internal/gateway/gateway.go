// Package gateway is the seam between the engine and the wire: it
// relays locally produced changes to the transport and injects remote
// operations into the engine. The transport may duplicate, reorder or
// delay messages; the engine's idempotent, order-tolerant ingestion
// absorbs that.
package gateway

import (
	"context"
	"log"

	"concord/engine/internal/engine"
	"concord/engine/internal/events"
	"concord/engine/internal/op"
)

// Message is the unit the transport moves between nodes.
type Message struct {
	Kind       string        `json:"kind"` // operation | presence | user_left | comment
	NodeID     string        `json:"nodeId"`
	DocumentID string        `json:"documentId"`
	Operation  *op.Operation `json:"operation,omitempty"`
	Payload    any           `json:"payload,omitempty"`
}

const (
	KindOperation = "operation"
	KindPresence  = "presence"
	KindUserLeft  = "user_left"
	KindComment   = "comment"
)

// Transport is the external message channel capability. Send is
// fire-and-forget; Listen registers the handler and returns, delivering
// messages in the background until the context is cancelled.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Listen(ctx context.Context, handler func(Message)) error
	Close() error
}

type Gateway struct {
	engine    *engine.Engine
	bus       *events.Bus
	transport Transport
}

func New(eng *engine.Engine, bus *events.Bus, transport Transport) *Gateway {
	return &Gateway{engine: eng, bus: bus, transport: transport}
}

// Run wires the broadcast event stream to the transport and the
// transport's deliveries into the engine. It blocks until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ch, cancel := g.bus.Subscribe(256,
		events.BroadcastOperation,
		events.BroadcastPresence,
		events.BroadcastUserLeft,
		events.BroadcastComment,
	)
	defer cancel()

	if err := g.transport.Listen(ctx, func(msg Message) { g.handleInbound(ctx, msg) }); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-ch:
			g.relay(ctx, evt)
		}
	}
}

func (g *Gateway) relay(ctx context.Context, evt events.Event) {
	msg := Message{
		NodeID:     g.engine.NodeID(),
		DocumentID: evt.DocumentID,
	}
	switch evt.Type {
	case events.BroadcastOperation:
		operation, ok := evt.Payload.(op.Operation)
		if !ok {
			return
		}
		msg.Kind = KindOperation
		msg.Operation = &operation
	case events.BroadcastPresence:
		msg.Kind = KindPresence
		msg.Payload = evt.Payload
	case events.BroadcastUserLeft:
		msg.Kind = KindUserLeft
		msg.Payload = evt.Payload
	case events.BroadcastComment:
		msg.Kind = KindComment
		msg.Payload = evt.Payload
	default:
		return
	}

	if err := g.transport.Send(ctx, msg); err != nil {
		log.Printf("gateway: send %s for %s: %v", msg.Kind, msg.DocumentID, err)
	}
}

// handleInbound dispatches a delivered message. Operations are the only
// kind that mutates documents; presence, leave and comment messages are
// republished as informational events for local subscribers.
func (g *Gateway) handleInbound(ctx context.Context, msg Message) {
	if msg.NodeID == g.engine.NodeID() {
		return // our own broadcast echoed back
	}

	switch msg.Kind {
	case KindOperation:
		if msg.Operation == nil {
			log.Printf("gateway: operation message without operation from %s", msg.NodeID)
			return
		}
		if err := g.engine.ReceiveRemote(ctx, msg.DocumentID, *msg.Operation); err != nil {
			log.Printf("gateway: receive %s for %s: %v", msg.Operation.ID, msg.DocumentID, err)
		}
	case KindPresence:
		g.bus.Publish(events.Event{Type: events.PresenceUpdated, DocumentID: msg.DocumentID, Payload: msg.Payload})
	case KindUserLeft:
		g.bus.Publish(events.Event{Type: events.UserLeft, DocumentID: msg.DocumentID, Payload: msg.Payload})
	case KindComment:
		g.bus.Publish(events.Event{Type: events.CommentAdded, DocumentID: msg.DocumentID, Payload: msg.Payload})
	default:
		log.Printf("gateway: unknown message kind %q from %s", msg.Kind, msg.NodeID)
	}
}
