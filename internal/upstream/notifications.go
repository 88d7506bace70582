package upstream

import (
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// NotificationManager fans upstream notifications out to registered
// handlers. Handlers run on the notifying client's goroutine and must not
// block.
type NotificationManager struct {
	mu       sync.RWMutex
	handlers []NotificationFunc
}

// NewNotificationManager returns an empty manager.
func NewNotificationManager() *NotificationManager {
	return &NotificationManager{}
}

// AddHandler registers a handler for all upstream notifications.
func (m *NotificationManager) AddHandler(fn NotificationFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Dispatch delivers one notification to every handler in registration order.
func (m *NotificationManager) Dispatch(serverName string, n mcp.JSONRPCNotification) {
	m.mu.RLock()
	handlers := make([]NotificationFunc, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, fn := range handlers {
		fn(serverName, n)
	}
}
