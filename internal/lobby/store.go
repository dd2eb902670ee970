// internal/lobby/store.go
package lobby

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store manages active lobbies in memory. It is the sole owner of the
// id -> Lobby mapping; all mutation goes through the Manager's methods.
type Store struct {
	mu      sync.Mutex
	lobbies map[uuid.UUID]*Lobby
	logger  *logrus.Logger
}

// NewStore initializes and returns an empty Store.
func NewStore(logger *logrus.Logger) *Store {
	return &Store{
		lobbies: make(map[uuid.UUID]*Lobby),
		logger:  logger,
	}
}

// Add inserts a lobby. Generated ids are checked against the existing key
// set and re-rolled on the (negligible but possible) collision.
func (s *Store) Add(l *Lobby) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if _, exists := s.lobbies[l.ID]; !exists {
			break
		}
		s.logger.Warnf("Store: lobby id %s collided, re-rolling", l.ID)
		l.ID = uuid.New()
	}
	s.lobbies[l.ID] = l
	s.logger.Infof("Store: added lobby %s", l.ID)
}

// Get retrieves a lobby by id.
func (s *Store) Get(id uuid.UUID) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[id]
	return l, ok
}

// Exists reports whether the lobby is still present. The round engine
// polls this after every timer wake to detect mid-round deletion.
func (s *Store) Exists(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lobbies[id]
	return ok
}

// Delete removes a lobby by id.
func (s *Store) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lobbies[id]; exists {
		delete(s.lobbies, id)
		s.logger.Infof("Store: deleted lobby %s", id)
	}
}

// All returns a copy of the current lobby set. Callers lock each lobby
// individually before reading its state.
func (s *Store) All() []*Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		out = append(out, l)
	}
	return out
}
