// internal/connection/registry.go
package connection

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OnCloseFunc is invoked after a connection is unregistered so lobby
// membership can be reconciled. lobbyID is uuid.Nil when the connection
// was not bound to a lobby.
type OnCloseFunc func(connID uuid.UUID, userID string, lobbyID uuid.UUID)

// Registry owns all live connections and their zero-or-one lobby
// membership. All access is mutex-guarded; callers never hold Conn
// references beyond a single operation.
type Registry struct {
	mu          sync.Mutex
	conns       map[uuid.UUID]*Conn
	memberships map[uuid.UUID]uuid.UUID // connID -> lobbyID

	logger  *logrus.Logger
	onClose OnCloseFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		conns:       make(map[uuid.UUID]*Conn),
		memberships: make(map[uuid.UUID]uuid.UUID),
		logger:      logger,
	}
}

// SetOnClose installs the hook invoked on Unregister. Set once at wiring
// time, before any connection is accepted.
func (r *Registry) SetOnClose(fn OnCloseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = fn
}

// Register adds a live connection and returns its id.
func (r *Registry) Register(c *Conn) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	r.logger.Infof("Registry: connection %s registered (%d open)", c.ID, len(r.conns))
	return c.ID
}

// Unregister removes a connection, closes its outbound queue and fires the
// OnClose hook with whatever lobby it was bound to.
func (r *Registry) Unregister(connID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	lobbyID := r.memberships[connID]
	delete(r.memberships, connID)
	hook := r.onClose
	r.mu.Unlock()

	close(c.OutChan)
	if c.Cancel != nil {
		c.Cancel()
	}
	r.logger.Infof("Registry: connection %s unregistered", connID)
	if hook != nil {
		hook(connID, c.UserID, lobbyID)
	}
}

// SendTo delivers an event to a single connection. Closed or unknown
// connections are skipped with a log line; this never fails to the caller.
func (r *Registry) SendTo(connID uuid.UUID, msg interface{}) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debugf("Registry: SendTo skipped, connection %s not open", connID)
		return
	}
	c.Write(msg)
}

// IsOpen reports whether the connection is still registered.
func (r *Registry) IsOpen(connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connID]
	return ok
}

// BroadcastAll fans an event out to every open connection, bound to a
// lobby or not. Used for global lobby-list updates.
func (r *Registry) BroadcastAll(msg interface{}) {
	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		c.Write(msg)
	}
}

// BindUser records the opaque user id a connection authenticated as.
func (r *Registry) BindUser(connID uuid.UUID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.UserID = userID
	}
}

// BindLobby records the connection's single lobby membership.
func (r *Registry) BindLobby(connID, lobbyID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memberships[connID] = lobbyID
}

// ClearLobby drops the connection's lobby membership, if any.
func (r *Registry) ClearLobby(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.memberships, connID)
}

// LobbyOf returns the lobby a connection is bound to, or uuid.Nil.
func (r *Registry) LobbyOf(connID uuid.UUID) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberships[connID]
}

// Touch refreshes a connection's last-seen timestamp. Called by the
// gateway on every successful read and ping.
func (r *Registry) Touch(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		c.LastSeen = time.Now()
	}
}
