// internal/lobby/manager.go
package lobby

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clickwar/reverse/internal/cache"
	"github.com/clickwar/reverse/internal/connection"
	"github.com/clickwar/reverse/internal/models"
)

// ErrLobbyNotFound is returned by operations that target an absent lobby.
// The gateway maps it to an error event on the requester's connection.
var ErrLobbyNotFound = errors.New("lobby not found")

// Manager drives the lobby lifecycle: create/join/leave/reconnect/close,
// player de-duplication, host reassignment and empty-lobby eviction. It is
// the only mutation path into the Store.
type Manager struct {
	store    *Store
	registry *connection.Registry
	logger   *logrus.Logger
	events   *cache.EventLog
}

// NewManager wires a Manager. events may be nil (no event queue).
func NewManager(store *Store, registry *connection.Registry, logger *logrus.Logger, events *cache.EventLog) *Manager {
	return &Manager{store: store, registry: registry, logger: logger, events: events}
}

// Store exposes the underlying lobby store (the round engine polls it for
// lobby existence between timer wakes).
func (m *Manager) Store() *Store {
	return m.store
}

// CreateLobby builds a lobby with the creator as host and sole player,
// replies lobbyCreated to the requester and broadcasts the refreshed lobby
// list to every open connection.
func (m *Manager) CreateLobby(user models.User, connID uuid.UUID) *Lobby {
	l := NewLobby(user, connID)
	m.store.Add(l)
	m.registry.BindUser(connID, user.UID)
	m.registry.BindLobby(connID, l.ID)
	m.logger.Infof("Lobby %s created by %s (%s)", l.ID, user.Username, user.UID)

	m.registry.SendTo(connID, map[string]interface{}{
		"type":    "lobbyCreated",
		"lobbyId": l.ID.String(),
	})
	m.broadcastLobbyList()
	m.events.Publish(l.ID, "lobby_created", map[string]interface{}{"host": user.UID})
	return l
}

// ListLobbies returns connection-free summaries of every lobby.
func (m *Manager) ListLobbies() []models.LobbySummary {
	all := m.store.All()
	out := make([]models.LobbySummary, 0, len(all))
	for _, l := range all {
		l.Mu.Lock()
		out = append(out, l.SummaryUnsafe())
		l.Mu.Unlock()
	}
	return out
}

// JoinLobby adds the user to the lobby. A join by a user already present
// is treated as an idempotent reconnection (connection rebind), not a
// duplicate add. Broadcasts the updated lobby state plus a system join
// message to all members.
func (m *Manager) JoinLobby(lobbyID uuid.UUID, user models.User, connID uuid.UUID) error {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		return ErrLobbyNotFound
	}

	l.Mu.Lock()
	added := l.AddPlayerUnsafe(user, connID)
	var joinMsg models.ChatMessage
	if added {
		joinMsg = models.NewSystemMessage(fmt.Sprintf("\U0001F389 %s has joined the game!", user.Username))
		l.AppendMessageUnsafe(joinMsg)
	}
	snapshot := l.SnapshotUnsafe()
	conns := l.ConnIDsUnsafe()
	l.Mu.Unlock()

	m.registry.BindUser(connID, user.UID)
	m.registry.BindLobby(connID, lobbyID)

	if !added {
		m.logger.Warnf("Lobby %s: %s (%s) already present, rebound connection", lobbyID, user.Username, user.UID)
	}

	m.SendToConns(conns, map[string]interface{}{
		"type":    "lobbyUpdate",
		"lobbyId": lobbyID.String(),
		"lobby":   snapshot,
	})
	if added {
		m.SendToConns(conns, map[string]interface{}{
			"type":    "message",
			"lobbyId": lobbyID.String(),
			"message": joinMsg,
		})
		m.events.Publish(lobbyID, "player_joined", map[string]interface{}{"uid": user.UID})
	}
	return nil
}

// LeaveLobby removes the player (no-op if absent), announces the departure,
// reassigns the host if needed and evicts the lobby once empty.
func (m *Manager) LeaveLobby(lobbyID uuid.UUID, userID string) {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		m.logger.Debugf("LeaveLobby: lobby %s already gone", lobbyID)
		return
	}

	l.Mu.Lock()
	removed := l.RemovePlayerUnsafe(userID)
	if removed == nil {
		l.Mu.Unlock()
		return
	}
	leaveMsg := models.NewSystemMessage(fmt.Sprintf("\U0001F44B %s has left the game.", removed.Username))
	l.AppendMessageUnsafe(leaveMsg)
	snapshot := l.SnapshotUnsafe()
	conns := l.ConnIDsUnsafe()
	empty := len(l.Players) == 0
	l.Mu.Unlock()

	m.registry.ClearLobby(removed.ConnID)
	m.logger.Infof("Lobby %s: %s (%s) left", lobbyID, removed.Username, userID)
	m.events.Publish(lobbyID, "player_left", map[string]interface{}{"uid": userID})

	if empty {
		m.store.Delete(lobbyID)
		m.broadcastLobbyList()
		return
	}

	m.SendToConns(conns, map[string]interface{}{
		"type":    "message",
		"lobbyId": lobbyID.String(),
		"message": leaveMsg,
	})
	m.SendToConns(conns, map[string]interface{}{
		"type":    "lobbyUpdate",
		"lobbyId": lobbyID.String(),
		"lobby":   snapshot,
	})
}

// Reconnect rebinds an existing player to a new connection and broadcasts
// a refreshed snapshot. A reconnect for a player no longer in the lobby is
// dropped with a warning rather than failed: late or duplicate reconnect
// attempts are expected.
func (m *Manager) Reconnect(lobbyID uuid.UUID, userID string, connID uuid.UUID) error {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		return ErrLobbyNotFound
	}

	l.Mu.Lock()
	rebound := l.RebindUnsafe(userID, connID)
	snapshot := l.SnapshotUnsafe()
	conns := l.ConnIDsUnsafe()
	l.Mu.Unlock()

	if rebound {
		m.registry.BindUser(connID, userID)
		m.registry.BindLobby(connID, lobbyID)
		m.logger.Infof("Lobby %s: player %s reconnected", lobbyID, userID)
	} else {
		m.logger.Warnf("Lobby %s: reconnect for unknown player %s dropped", lobbyID, userID)
	}

	m.SendToConns(conns, map[string]interface{}{
		"type":    "lobbyUpdate",
		"lobbyId": lobbyID.String(),
		"lobby":   snapshot,
	})
	return nil
}

// CloseLobby deletes the lobby unconditionally, notifying (former) members
// before teardown.
func (m *Manager) CloseLobby(lobbyID uuid.UUID) {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		return
	}

	l.Mu.Lock()
	conns := l.ConnIDsUnsafe()
	l.Mu.Unlock()

	m.SendToConns(conns, map[string]interface{}{
		"type":    "lobbyClosed",
		"lobbyId": lobbyID.String(),
	})
	for _, id := range conns {
		m.registry.ClearLobby(id)
	}
	m.store.Delete(lobbyID)
	m.logger.Infof("Lobby %s closed", lobbyID)
	m.events.Publish(lobbyID, "lobby_closed", nil)
	m.broadcastLobbyList()
}

// SendChat appends a chat message and broadcasts it to the lobby. Missing
// lobbies are a logged drop; chat has no direct reply path.
func (m *Manager) SendChat(lobbyID uuid.UUID, msg models.ChatMessage) {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		m.logger.Debugf("SendChat: lobby %s not found, message dropped", lobbyID)
		return
	}

	l.Mu.Lock()
	l.AppendMessageUnsafe(msg)
	conns := l.ConnIDsUnsafe()
	l.Mu.Unlock()

	m.SendToConns(conns, map[string]interface{}{
		"type":    "message",
		"lobbyId": lobbyID.String(),
		"message": msg,
	})
}

// HandleDisconnect reconciles lobby membership after a connection closes.
// Installed as the registry's OnClose hook.
func (m *Manager) HandleDisconnect(connID uuid.UUID, userID string, lobbyID uuid.UUID) {
	if lobbyID == uuid.Nil {
		return
	}
	l, ok := m.store.Get(lobbyID)
	if !ok {
		return
	}

	// Resolve the player by connection, not user id: a reconnect may have
	// already rebound the user to a fresh connection, in which case this
	// stale closure must not remove them.
	l.Mu.Lock()
	var stale *models.Player
	for _, p := range l.Players {
		if p.ConnID == connID {
			stale = p
			break
		}
	}
	l.Mu.Unlock()

	if stale == nil {
		m.logger.Debugf("Lobby %s: closed connection %s no longer maps to a player", lobbyID, connID)
		return
	}
	m.LeaveLobby(lobbyID, stale.UserID)
}

// BroadcastToLobby fans an event out to every connection currently bound
// to a player of the lobby. Closed connections are skipped silently.
func (m *Manager) BroadcastToLobby(lobbyID uuid.UUID, msg interface{}) {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		return
	}
	l.Mu.Lock()
	conns := l.ConnIDsUnsafe()
	l.Mu.Unlock()
	m.SendToConns(conns, msg)
}

// SendToUser delivers an event to a single player's connection (ephemeral
// results). Same fire-and-forget contract as broadcasts.
func (m *Manager) SendToUser(lobbyID uuid.UUID, userID string, msg interface{}) {
	l, ok := m.store.Get(lobbyID)
	if !ok {
		return
	}
	l.Mu.Lock()
	p := l.PlayerByIDUnsafe(userID)
	var connID uuid.UUID
	if p != nil {
		connID = p.ConnID
	}
	l.Mu.Unlock()
	if p == nil {
		return
	}
	m.registry.SendTo(connID, msg)
}

// ClearMembership drops a connection's lobby binding without touching the
// lobby itself (used when the engine removes an eliminated player).
func (m *Manager) ClearMembership(connID uuid.UUID) {
	m.registry.ClearLobby(connID)
}

// SendToConns fans an event out to an explicit connection set. The engine
// uses this when the recipient list must outlive a membership change, so
// players removed mid-resolution still hear the outcome.
func (m *Manager) SendToConns(conns []uuid.UUID, msg interface{}) {
	for _, id := range conns {
		m.registry.SendTo(id, msg)
	}
}

func (m *Manager) broadcastLobbyList() {
	m.registry.BroadcastAll(map[string]interface{}{
		"type":    "updateLobbies",
		"lobbies": m.ListLobbies(),
	})
}
