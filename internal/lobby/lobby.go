// internal/lobby/lobby.go
package lobby

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clickwar/reverse/internal/models"
)

// StartingLives is the life total granted when a player enters the game,
// whether at round 1 or by joining mid-game.
const StartingLives = 3

// Phase enumerates the round engine's states for a lobby's game.
type Phase string

const (
	PhaseIdle            Phase = "Idle"
	PhaseCountdown       Phase = "Countdown"
	PhaseAwaitingChoices Phase = "AwaitingChoices"
	PhaseResolving       Phase = "Resolving"
	PhaseRoundOver       Phase = "RoundOver"
	PhaseGameOver        Phase = "GameOver"
)

// GameState is the per-lobby game snapshot, owned by the enclosing Lobby.
// SafeButton and Choices are never serialized; the safe index must not
// reach clients before the reveal.
type GameState struct {
	Phase       Phase          `json:"phase"`
	Round       int            `json:"round"`
	ButtonCount int            `json:"buttonCount,omitempty"`
	SafeButton  int            `json:"-"`
	Choices     map[string]int `json:"-"`
	InProgress  bool           `json:"inProgress"`

	// Running tracks whether an engine loop goroutine is currently driving
	// this lobby. Guarded by the lobby mutex like the rest of the state.
	Running bool `json:"-"`
}

// Lobby is an ephemeral grouping of players sharing chat and one game
// session. Players is ordered by join time; the host invariant is that
// HostUserID references a current player whenever the lobby is non-empty.
type Lobby struct {
	ID         uuid.UUID
	HostUserID string
	Players    []*models.Player
	Messages   []models.ChatMessage
	Game       GameState
	CreatedAt  time.Time

	// Mu protects all mutable lobby state. Handlers and the engine mutate
	// under this lock and release it before any websocket write.
	Mu sync.Mutex
}

// NewLobby creates a lobby with the creator as sole player and host.
func NewLobby(host models.User, connID uuid.UUID) *Lobby {
	id, _ := uuid.NewRandom()
	return &Lobby{
		ID:         id,
		HostUserID: host.UID,
		Players: []*models.Player{{
			UserID:   host.UID,
			Username: host.Username,
			ConnID:   connID,
		}},
		Messages:  []models.ChatMessage{},
		Game:      GameState{Phase: PhaseIdle, Choices: map[string]int{}},
		CreatedAt: time.Now(),
	}
}

// PlayerByIDUnsafe returns the player with the given user id, or nil.
// Assumes lock is held.
func (l *Lobby) PlayerByIDUnsafe(userID string) *models.Player {
	for _, p := range l.Players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// AddPlayerUnsafe appends a player unless the user id is already present,
// in which case the existing player's connection is rebound instead
// (idempotent join). A player joining a game already in progress starts
// with full lives rather than zero, so the next resolution does not
// eliminate someone who never played. Returns true if a new player was
// added. Assumes lock is held.
func (l *Lobby) AddPlayerUnsafe(user models.User, connID uuid.UUID) bool {
	if p := l.PlayerByIDUnsafe(user.UID); p != nil {
		p.ConnID = connID
		return false
	}
	p := &models.Player{
		UserID:   user.UID,
		Username: user.Username,
		ConnID:   connID,
	}
	if l.Game.InProgress {
		p.Lives = StartingLives
	}
	l.Players = append(l.Players, p)
	return true
}

// RemovePlayerUnsafe removes the player with the given user id, preserving
// join order, and reassigns the host to the earliest remaining joiner if
// the host left. Returns the removed player, or nil if absent. Assumes
// lock is held.
func (l *Lobby) RemovePlayerUnsafe(userID string) *models.Player {
	idx := -1
	for i, p := range l.Players {
		if p.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	removed := l.Players[idx]
	l.Players = append(l.Players[:idx], l.Players[idx+1:]...)
	if l.HostUserID == userID && len(l.Players) > 0 {
		l.HostUserID = l.Players[0].UserID
	}
	return removed
}

// RebindUnsafe points an existing player at a new connection. Returns
// false if the player is not in the lobby. Assumes lock is held.
func (l *Lobby) RebindUnsafe(userID string, connID uuid.UUID) bool {
	p := l.PlayerByIDUnsafe(userID)
	if p == nil {
		return false
	}
	p.ConnID = connID
	return true
}

// AppendMessageUnsafe appends to the chat log. The log is append-only;
// messages are immutable once stored. Assumes lock is held.
func (l *Lobby) AppendMessageUnsafe(msg models.ChatMessage) {
	l.Messages = append(l.Messages, msg)
}

// ConnIDsUnsafe lists the connection ids of all current players. Assumes
// lock is held.
func (l *Lobby) ConnIDsUnsafe() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(l.Players))
	for _, p := range l.Players {
		ids = append(ids, p.ConnID)
	}
	return ids
}

// SummaryUnsafe returns the listing view of the lobby with connection
// references stripped. Assumes lock is held.
func (l *Lobby) SummaryUnsafe() models.LobbySummary {
	players := make([]models.PlayerSummary, 0, len(l.Players))
	for _, p := range l.Players {
		players = append(players, models.PlayerSummary{UID: p.UserID, Username: p.Username})
	}
	return models.LobbySummary{
		ID:         l.ID,
		Host:       l.HostUserID,
		Players:    players,
		InProgress: l.Game.InProgress,
		Round:      l.Game.Round,
	}
}

// SnapshotUnsafe builds the full lobbyUpdate payload broadcast to members.
// Connection handles and the safe button never appear here. Assumes lock
// is held.
func (l *Lobby) SnapshotUnsafe() map[string]interface{} {
	players := make([]map[string]interface{}, 0, len(l.Players))
	for _, p := range l.Players {
		players = append(players, map[string]interface{}{
			"uid":      p.UserID,
			"username": p.Username,
			"lives":    p.Lives,
		})
	}
	return map[string]interface{}{
		"id":         l.ID.String(),
		"host":       l.HostUserID,
		"players":    players,
		"messages":   l.Messages,
		"inProgress": l.Game.InProgress,
		"round":      l.Game.Round,
		"phase":      l.Game.Phase,
	}
}
