package gateway

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is one real-time connection held by this gateway instance.
type Conn interface {
	Send(payload []byte) error
}

// Registry tracks which locally-held connections are subscribed to which
// chats and users, and implements Forwarder over them. It is the only
// mutable state a gateway instance owns.
type Registry struct {
	mu     sync.RWMutex
	byChat map[string]map[Conn]struct{}
	byUser map[string]map[Conn]struct{}
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		byChat: make(map[string]map[Conn]struct{}),
		byUser: make(map[string]map[Conn]struct{}),
		logger: logger,
	}
}

func (r *Registry) SubscribeChat(chatID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byChat[chatID] == nil {
		r.byChat[chatID] = make(map[Conn]struct{})
	}
	r.byChat[chatID][conn] = struct{}{}
}

func (r *Registry) SubscribeUser(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[Conn]struct{})
	}
	r.byUser[userID][conn] = struct{}{}
}

// Unsubscribe removes the connection from every chat and user it was
// subscribed to, typically on disconnect.
func (r *Registry) Unsubscribe(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, conns := range r.byChat {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.byChat, chatID)
		}
	}
	for userID, conns := range r.byUser {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}
}

func (r *Registry) ForwardToChat(chatID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn := range r.byChat[chatID] {
		if err := conn.Send(payload); err != nil {
			r.logger.Warn("Failed to forward to connection",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	}
}

func (r *Registry) ForwardToUser(userID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for conn := range r.byUser[userID] {
		if err := conn.Send(payload); err != nil {
			r.logger.Warn("Failed to forward to connection",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
}
