package gateway

import (
	"context"
	"sync"
)

// LoopbackHub connects transports in the same process, delivering every
// Send to every attached listener. Used when no external transport is
// configured and by multi-node tests.
type LoopbackHub struct {
	mu       sync.RWMutex
	handlers []func(Message)
}

func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{}
}

// Transport returns a hub endpoint for one node.
func (h *LoopbackHub) Transport() Transport {
	return &loopbackTransport{hub: h}
}

func (h *LoopbackHub) attach(handler func(Message)) {
	h.mu.Lock()
	h.handlers = append(h.handlers, handler)
	h.mu.Unlock()
}

func (h *LoopbackHub) broadcast(msg Message) {
	h.mu.RLock()
	handlers := append(([]func(Message))(nil), h.handlers...)
	h.mu.RUnlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

type loopbackTransport struct {
	hub *LoopbackHub
}

func (t *loopbackTransport) Send(_ context.Context, msg Message) error {
	t.hub.broadcast(msg)
	return nil
}

func (t *loopbackTransport) Listen(_ context.Context, handler func(Message)) error {
	t.hub.attach(handler)
	return nil
}

func (t *loopbackTransport) Close() error { return nil }
