package signaling

import (
	"sync"

	"go.uber.org/zap"
)

// Endpoint is one signaling connection as seen by the relay.
type Endpoint interface {
	ID() string
	// Deliver enqueues msg without blocking. It reports false when the
	// endpoint is closed or could not keep up.
	Deliver(msg Message) bool
	// Release closes the endpoint's outbound side. Safe to call repeatedly.
	Release()
}

// Hub indexes live endpoints by connection identity.
type Hub struct {
	clients map[string]Endpoint
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]Endpoint),
		logger:  logger,
	}
}

func (h *Hub) Register(ep Endpoint) {
	h.mu.Lock()
	h.clients[ep.ID()] = ep
	h.mu.Unlock()

	h.logger.Debug("Client registered", zap.String("clientID", ep.ID()))
}

// Unregister removes ep if it is still the endpoint registered under its id.
func (h *Hub) Unregister(ep Endpoint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[ep.ID()]; !ok || cur != ep {
		return false
	}
	delete(h.clients, ep.ID())
	h.logger.Debug("Client unregistered", zap.String("clientID", ep.ID()))
	return true
}

func (h *Hub) Get(id string) (Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ep, ok := h.clients[id]
	return ep, ok
}

// Send delivers msg to the endpoint registered under id. It reports false if
// there is no such endpoint or delivery failed.
func (h *Hub) Send(id string, msg Message) bool {
	ep, ok := h.Get(id)
	if !ok {
		return false
	}
	return ep.Deliver(msg)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
