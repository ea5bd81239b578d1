package presence

import (
	"sync"

	"github.com/google/uuid"
)

// Gauges receives presence totals after every mutation.
type Gauges interface {
	Set(onlineUsers, connections int)
}

// Registry maps each online user to the set of their live connection ids.
// A user with no connections has no entry.
type Registry struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]map[string]struct{}
	connections int
	gauges      Gauges
}

// NewRegistry builds an empty registry; gauges may be nil.
func NewRegistry(gauges Gauges) *Registry {
	return &Registry{
		users:  make(map[uuid.UUID]map[string]struct{}),
		gauges: gauges,
	}
}

// Register adds connID to the user's connection set, creating the set if absent.
func (r *Registry) Register(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.users[userID] = conns
	}
	if _, exists := conns[connID]; exists {
		return
	}
	conns[connID] = struct{}{}
	r.connections++
	r.report()
}

// Unregister removes connID and drops the user entry once it is empty.
func (r *Registry) Unregister(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return
	}
	if _, exists := conns[connID]; !exists {
		return
	}
	delete(conns, connID)
	r.connections--
	if len(conns) == 0 {
		delete(r.users, userID)
	}
	r.report()
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// ConnectionsFor returns a copy of the user's connection ids.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// OnlineUsers returns a copy of every online user id.
func (r *Registry) OnlineUsers() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	return out
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// TotalConnectionCount returns the number of live connections across all users.
func (r *Registry) TotalConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections
}

// report must be called with mu held.
func (r *Registry) report() {
	if r.gauges == nil {
		return
	}
	r.gauges.Set(len(r.users), r.connections)
}
