package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaonanln/shieldmesh/util/logger"
	"github.com/xiaonanln/shieldmesh/util/metrics"
)

// Router maps connection ids onto live Conns of every transport. It is the
// delivery channel the broadcaster sends through.
type Router struct {
	nodeID string
	mu     sync.RWMutex
	conns  map[string]Conn
	logger *logger.Logger
}

// NewRouter creates an empty router; nodeID labels its metrics
func NewRouter(nodeID string) *Router {
	return &Router{
		nodeID: nodeID,
		conns:  make(map[string]Conn),
		logger: logger.NewLogger("Router"),
	}
}

// Register adds conn. Registering an id twice replaces the previous Conn.
func (r *Router) Register(conn Conn) {
	r.mu.Lock()
	_, existed := r.conns[conn.ID()]
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	if !existed {
		metrics.RecordConnectionOpened(r.nodeID, conn.Transport())
	}
	r.logger.Debugf("Registered %s connection %s of peer %s", conn.Transport(), conn.ID(), conn.PeerID())
}

// Unregister removes the connection and reports whether it was registered
func (r *Router) Unregister(connID string) bool {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if ok {
		metrics.RecordConnectionClosed(r.nodeID, conn.Transport())
	}
	return ok
}

// Conn returns the registered connection
func (r *Router) Conn(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// SendToPeer queues event with payload on the connection connID
func (r *Router) SendToPeer(connID string, event string, payload []byte) error {
	conn, ok := r.Conn(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return conn.Send(Frame{Event: event, Data: payload})
}

// ConnectionIDs returns the sorted ids of all registered connections
func (r *Router) ConnectionIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered connections
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered connection. Transports unregister them as
// their sessions end.
func (r *Router) CloseAll() {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			r.logger.Debugf("Closing connection %s: %v", c.ID(), err)
		}
	}
}
