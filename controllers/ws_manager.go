package controllers

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var wsClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "chat",
	Name:      "ws_clients",
	Help:      "Open WebSocket connections.",
})

// WebSocketManager tracks open clients, grouped by user id. A user may hold
// several connections at once, one per tab.
type WebSocketManager struct {
	clients    map[string][]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewWebSocketManager creates a manager. Run must be started before
// clients connect.
func NewWebSocketManager(logger *zap.Logger) *WebSocketManager {
	return &WebSocketManager{
		clients:    make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run handles registrations until ctx is cancelled, then closes every
// client.
func (m *WebSocketManager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client.UserID] = append(m.clients[client.UserID], client)
			m.mu.Unlock()
			wsClients.Inc()
			client.logger.Info("New client connected")

		case client := <-m.unregister:
			if m.remove(client) {
				wsClients.Dec()
				client.logger.Info("Client disconnected")
			}

		case <-ctx.Done():
			m.closeAll()
			return
		}
	}
}

func (m *WebSocketManager) remove(client *Client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	clients := m.clients[client.UserID]
	for i, c := range clients {
		if c != client {
			continue
		}
		clients = append(clients[:i], clients[i+1:]...)
		if len(clients) == 0 {
			delete(m.clients, client.UserID)
		} else {
			m.clients[client.UserID] = clients
		}
		return true
	}
	return false
}

func (m *WebSocketManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, clients := range m.clients {
		for _, c := range clients {
			c.Close()
			wsClients.Dec()
		}
		delete(m.clients, userID)
	}
	m.logger.Info("WebSocket manager stopped")
}

// Register adds client. It returns false after the manager has stopped.
func (m *WebSocketManager) Register(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.done:
		return false
	}
}

// Unregister removes client.
func (m *WebSocketManager) Unregister(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.done:
	}
}

// Count returns the number of open clients.
func (m *WebSocketManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, clients := range m.clients {
		n += len(clients)
	}
	return n
}

// Connections returns the number of open clients of userID.
func (m *WebSocketManager) Connections(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients[userID])
}
