package gateway

import (
	"sync"

	"chunkrelay/internal/logger"
	"chunkrelay/internal/metrics"
)

// Registry tracks the live connection of each user. A newer connection for
// the same user replaces and closes the older one.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.UserID() == "" {
		return ErrNoUserID
	}

	r.mu.Lock()
	existing := r.connections[conn.UserID()]
	r.connections[conn.UserID()] = conn
	metrics.GatewayConnections.Set(float64(len(r.connections)))
	r.mu.Unlock()

	if existing != nil && existing != conn {
		logger.Info().Str("user_id", conn.UserID()).Msg("replacing existing connection")
		// Closing the socket ends the old read loop; its Unregister is then a no-op.
		_ = existing.Close()
	}
	return nil
}

// Unregister removes conn only if it is still the registered connection for
// its user, so a closing stale connection cannot evict its replacement.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.connections[conn.UserID()]; ok && current == conn {
		delete(r.connections, conn.UserID())
		metrics.GatewayConnections.Set(float64(len(r.connections)))
	}
}

func (r *Registry) Get(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[userID]
	return conn, ok
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
