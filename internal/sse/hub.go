package sse

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/kiosk-pairing-go/internal/metrics"
	"github.com/openclaw/kiosk-pairing-go/internal/model"
)

const clientBufferSize = 100

type Client struct {
	TenantID string
	Events   chan model.PairingEvent
	Done     chan struct{}
}

// Hub fans events out to the subscribers connected to this process. A
// subscriber whose buffer is full misses the event and catches up through
// replay or polling.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

// Add registers a subscriber and reports whether it is the tenant's first.
func (h *Hub) Add(tenantID string) (*Client, bool) {
	client := &Client{
		TenantID: tenantID,
		Events:   make(chan model.PairingEvent, clientBufferSize),
		Done:     make(chan struct{}),
	}

	h.mu.Lock()
	first := h.clients[tenantID] == nil
	if first {
		h.clients[tenantID] = make(map[*Client]struct{})
	}
	h.clients[tenantID][client] = struct{}{}
	count := len(h.clients[tenantID])
	h.mu.Unlock()

	metrics.SSESubscribers.Inc()
	log.Info().
		Str("tenantId", tenantID).
		Int("clientCount", count).
		Msg("sse client subscribed")

	return client, first
}

// Remove unregisters a subscriber and reports whether the tenant has none left.
func (h *Hub) Remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.TenantID]
	if !ok {
		return false
	}
	if _, ok := clients[client]; !ok {
		return false
	}

	delete(clients, client)
	close(client.Done)
	metrics.SSESubscribers.Dec()

	log.Info().
		Str("tenantId", client.TenantID).
		Int("clientCount", len(clients)).
		Msg("sse client unsubscribed")

	if len(clients) == 0 {
		delete(h.clients, client.TenantID)
		return true
	}
	return false
}

// Broadcast delivers event to every subscriber of its tenant and returns
// how many accepted it.
func (h *Hub) Broadcast(event model.PairingEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[event.TenantID] {
		select {
		case client.Events <- event:
			delivered++
		default:
			log.Warn().
				Str("tenantId", event.TenantID).
				Str("eventId", event.ID).
				Msg("client event buffer full, dropping event")
		}
	}
	return delivered
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			close(client.Done)
			metrics.SSESubscribers.Dec()
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
}

func (h *Hub) ClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}
