package sse

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/constituent/constituent/internal/domain/notify"
)

// Hub manages SSE clients and fans governance events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*notify.SSEClient
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*notify.SSEClient),
		logger:  logger.With().Str("service", "sse").Logger(),
	}
}

func (h *Hub) Register(client *notify.SSEClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers a message to every connected client. Clients with a
// full channel are skipped rather than blocked on.
func (h *Hub) Broadcast(message *notify.SSEMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		trySend(c, message)
	}
}

// Notify implements notify.Notifier by broadcasting the event to all
// connected operator clients.
func (h *Hub) Notify(ctx context.Context, event notify.Event) {
	msg, err := notify.MessageFromEvent(event)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to build SSE message")
		return
	}
	h.Broadcast(msg)
}

func trySend(c *notify.SSEClient, message *notify.SSEMessage) bool {
	select {
	case c.MessageChan <- message:
		return true
	default:
		return false
	}
}
