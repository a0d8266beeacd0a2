package service

import (
	"sync"

	"orderqueue/internal/models"
)

// ============ Mock WebSocket Broadcaster ============

type MockWebSocketBroadcaster struct {
	mu            sync.Mutex
	orders        []*models.Order
	notifications []*models.Notification
}

func NewMockWebSocketBroadcaster() *MockWebSocketBroadcaster {
	return &MockWebSocketBroadcaster{
		orders:        make([]*models.Order, 0),
		notifications: make([]*models.Notification, 0),
	}
}

func (m *MockWebSocketBroadcaster) BroadcastOrderUpdate(order *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
}

func (m *MockWebSocketBroadcaster) BroadcastNotification(notif *models.Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, notif)
}

func (m *MockWebSocketBroadcaster) orderStatuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o.Status)
	}
	return out
}
