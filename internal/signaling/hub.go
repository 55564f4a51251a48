package signaling

import (
	"sync"

	"videocall-platform/internal/metrics"
)

// Conn is one live client connection as seen by the signaling core.
type Conn interface {
	ID() string
	// UserID is the identity proven at the handshake, or 0 for anonymous
	// connections.
	UserID() int64
	// Send queues one outbound event. It must not block on the network.
	Send(event string, data any) error
}

// Hub indexes live connections by id.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]Conn)}
}

func (h *Hub) Add(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
}

// Remove drops the connection if it is still registered under its id.
func (h *Hub) Remove(c Conn) bool {
	h.mu.Lock()
	cur, ok := h.conns[c.ID()]
	if ok && cur == c {
		delete(h.conns, c.ID())
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
	return ok && cur == c
}

func (h *Hub) Get(id string) (Conn, bool) {
	if id == "" {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends to every registered connection and returns the number of
// connections that accepted the frame. Delivery is best effort.
func (h *Hub) Broadcast(event string, data any) int {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(event, data); err != nil {
			metrics.SendFailures.Inc()
			continue
		}
		delivered++
	}
	return delivered
}
