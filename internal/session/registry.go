package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"buddy/internal/logger"
	"buddy/internal/protocol"
)

// ErrConnectionClosed is returned by Conn.Send once the socket is gone
var ErrConnectionClosed = errors.New("connection closed")

// Conn is a live transport that accepts events in order. Implementations must
// preserve the order of Send calls and must not block indefinitely.
type Conn interface {
	Send(ev protocol.Event) error
}

// Connection describes one registered live connection
type Connection struct {
	ID            string
	UserID        string
	ActiveAgentID string
	ConnectedAt   time.Time
}

// Handle pairs a connection id with its transport
type Handle struct {
	ID   string
	Conn Conn
}

type entry struct {
	info Connection
	conn Conn
}

// Registry maps live connections to users and their active agent
type Registry struct {
	conns  map[string]*entry
	byUser map[string]map[string]*entry
	logger zerolog.Logger
	mutex  sync.RWMutex
}

// NewRegistry creates an empty connection registry
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		byUser: make(map[string]map[string]*entry),
		logger: logger.GetLogger("session.registry"),
	}
}

// Register adds a live connection for userID and returns its generated id
func (r *Registry) Register(conn Conn, userID string) string {
	id := uuid.New().String()
	e := &entry{
		info: Connection{ID: id, UserID: userID, ConnectedAt: time.Now()},
		conn: conn,
	}

	r.mutex.Lock()
	r.conns[id] = e
	userConns, ok := r.byUser[userID]
	if !ok {
		userConns = make(map[string]*entry)
		r.byUser[userID] = userConns
	}
	userConns[id] = e
	count := len(userConns)
	r.mutex.Unlock()

	r.logger.Info().
		Str("connection_id", id).
		Str("user_id", userID).
		Int("user_connections", count).
		Msg("Connection registered")
	return id
}

// SetActiveAgent records the agent a connection is talking to. It returns the
// previous agent id, or ok=false when the connection is unknown.
func (r *Registry) SetActiveAgent(connectionID, agentID string) (previous string, ok bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, exists := r.conns[connectionID]
	if !exists {
		return "", false
	}
	previous = e.info.ActiveAgentID
	e.info.ActiveAgentID = agentID
	return previous, true
}

// Unregister removes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(connectionID string) {
	r.mutex.Lock()
	e, exists := r.conns[connectionID]
	if !exists {
		r.mutex.Unlock()
		return
	}
	delete(r.conns, connectionID)
	userID := e.info.UserID
	if userConns, ok := r.byUser[userID]; ok {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, userID)
		}
	}
	remaining := len(r.byUser[userID])
	r.mutex.Unlock()

	r.logger.Info().
		Str("connection_id", connectionID).
		Str("user_id", userID).
		Int("user_connections", remaining).
		Msg("Connection unregistered")
}

// Lookup returns a copy of the connection record
func (r *Registry) Lookup(connectionID string) (Connection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, exists := r.conns[connectionID]
	if !exists {
		return Connection{}, false
	}
	return e.info, true
}

// conn returns the transport for one connection
func (r *Registry) conn(connectionID string) (Conn, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, exists := r.conns[connectionID]
	if !exists {
		return nil, false
	}
	return e.conn, true
}

// ConnectionsFor returns the live connections of one user, oldest first
func (r *Registry) ConnectionsFor(userID string) []Handle {
	r.mutex.RLock()
	userConns := r.byUser[userID]
	entries := make([]*entry, 0, len(userConns))
	for _, e := range userConns {
		entries = append(entries, e)
	}
	r.mutex.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].info.ConnectedAt.Before(entries[j].info.ConnectedAt)
	})

	handles := make([]Handle, len(entries))
	for i, e := range entries {
		handles[i] = Handle{ID: e.info.ID, Conn: e.conn}
	}
	return handles
}

// IsOnline reports whether the user has at least one live connection
func (r *Registry) IsOnline(userID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.conns)
}

// OnlineUsers returns the ids of users with live connections
func (r *Registry) OnlineUsers() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}
