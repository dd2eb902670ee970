// internal/game/engine_test.go
package game

import (
	"context"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clickwar/reverse/internal/connection"
	"github.com/clickwar/reverse/internal/lobby"
	"github.com/clickwar/reverse/internal/models"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// eventSink drains a connection's outbound queue so tests can assert on
// delivered events without a websocket pump.
type eventSink struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (s *eventSink) drain(ch chan interface{}) {
	for msg := range ch {
		if m, ok := msg.(map[string]interface{}); ok {
			s.mu.Lock()
			s.events = append(s.events, m)
			s.mu.Unlock()
		}
	}
}

func (s *eventSink) waitFor(eventType string, timeout time.Duration) (map[string]interface{}, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for i := len(s.events) - 1; i >= 0; i-- {
			if s.events[i]["type"] == eventType {
				ev := s.events[i]
				s.mu.Unlock()
				return ev, true
			}
		}
		s.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return nil, false
}

// waitForRound waits for a chooseButton event carrying the given round.
func (s *eventSink) waitForRound(round int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev["type"] == "chooseButton" && ev["round"] == round {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// waitForChat waits for a chat message whose text contains substr.
func (s *eventSink) waitForChat(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, ev := range s.events {
			if ev["type"] != "message" {
				continue
			}
			if m, ok := ev["message"].(models.ChatMessage); ok && strings.Contains(m.Text, substr) {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (s *eventSink) has(eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev["type"] == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	registry *connection.Registry
	store    *lobby.Store
	manager  *lobby.Manager
	engine   *Engine
}

// setupTestEngine builds a full in-memory stack with shrunk intervals and
// a fixed rng seed, plus one lobby holding numPlayers players.
func setupTestEngine(t *testing.T, numPlayers int) (*testEnv, *lobby.Lobby, []*eventSink) {
	t.Helper()
	logger := newTestLogger()
	registry := connection.NewRegistry(logger)
	store := lobby.NewStore(logger)
	manager := lobby.NewManager(store, registry, logger, nil)
	registry.SetOnClose(manager.HandleDisconnect)

	engine := NewEngine(manager, logger, nil)
	engine.CountdownTick = time.Millisecond
	engine.ChoiceWindow = 40 * time.Millisecond
	engine.RoundPause = 5 * time.Millisecond
	engine.Rand = rand.New(rand.NewSource(42))

	env := &testEnv{registry: registry, store: store, manager: manager, engine: engine}

	users := []models.User{
		{UID: "u1", Username: "Alice"},
		{UID: "u2", Username: "Bob"},
		{UID: "u3", Username: "Cleo"},
		{UID: "u4", Username: "Dave"},
	}
	require.LessOrEqual(t, numPlayers, len(users))

	sinks := make([]*eventSink, numPlayers)
	var l *lobby.Lobby
	for i := 0; i < numPlayers; i++ {
		_, cancel := context.WithCancel(context.Background())
		c := connection.NewConn(cancel)
		registry.Register(c)
		sinks[i] = &eventSink{}
		go sinks[i].drain(c.OutChan)
		if i == 0 {
			l = manager.CreateLobby(users[0], c.ID)
		} else {
			require.NoError(t, manager.JoinLobby(l.ID, users[i], c.ID))
		}
	}
	return env, l, sinks
}

// safeButton reads the current round's safe index under the lobby lock.
func safeButton(l *lobby.Lobby) int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	return l.Game.SafeButton
}

func livesOf(l *lobby.Lobby, uid string) int {
	l.Mu.Lock()
	defer l.Mu.Unlock()
	p := l.PlayerByIDUnsafe(uid)
	if p == nil {
		return -1
	}
	return p.Lives
}

func TestButtonCountForRound(t *testing.T) {
	want := []int{3, 3, 4, 4, 5, 5, 5, 5, 5, 5}
	for round := 1; round <= len(want); round++ {
		assert.Equal(t, want[round-1], ButtonCountForRound(round), "round %d", round)
	}
}

func TestStartGameTwiceIsNoOp(t *testing.T) {
	env, l, _ := setupTestEngine(t, 2)
	defer env.manager.CloseLobby(l.ID)

	assert.True(t, env.engine.StartGame(l.ID))
	assert.False(t, env.engine.StartGame(l.ID))
}

func TestGameRunsToSoleSurvivor(t *testing.T) {
	env, l, sinks := setupTestEngine(t, 2)
	require.True(t, env.engine.StartGame(l.ID))

	// Alice picks safe every round, Bob picks wrong: Bob burns his three
	// lives in rounds 1-3 and is eliminated.
	go func() {
		for round := 1; round <= 3; round++ {
			if !sinks[0].waitForRound(round, 2*time.Second) {
				return
			}
			safe := safeButton(l)
			wrong := (safe + 1) % ButtonCountForRound(round)
			env.engine.HandleChoice(l.ID, "u1", safe)
			env.engine.HandleChoice(l.ID, "u2", wrong)
		}
	}()

	over, ok := sinks[0].waitFor("gameOver", 5*time.Second)
	require.True(t, ok, "game should reach gameOver")
	assert.Equal(t, "Alice", over["winner"])
	assert.Equal(t, "u1", over["winnerUid"])
	assert.NotContains(t, over, "draw")

	_, ok = sinks[0].waitFor("lobbyClosed", time.Second)
	assert.True(t, ok)
	assert.Eventually(t, func() bool { return !env.store.Exists(l.ID) }, time.Second, 5*time.Millisecond)
}

func TestEliminatedPlayerReceivesRevealAndGameOver(t *testing.T) {
	env, l, sinks := setupTestEngine(t, 2)
	require.True(t, env.engine.StartGame(l.ID))

	// Bob enters round 1 on his last life and picks wrong; his removal
	// must not cut him out of the round's reveal and outcome fan-out.
	require.True(t, sinks[0].waitForRound(1, 2*time.Second))
	l.Mu.Lock()
	l.PlayerByIDUnsafe("u2").Lives = 1
	safe := l.Game.SafeButton
	wrong := (safe + 1) % l.Game.ButtonCount
	l.Mu.Unlock()

	env.engine.HandleChoice(l.ID, "u1", safe)
	env.engine.HandleChoice(l.ID, "u2", wrong)

	over, ok := sinks[1].waitFor("gameOver", 5*time.Second)
	require.True(t, ok, "eliminated player must receive gameOver")
	assert.Equal(t, "Alice", over["winner"])

	_, ok = sinks[1].waitFor("revealButtons", time.Second)
	assert.True(t, ok, "eliminated player must receive the reveal")
	assert.True(t, sinks[1].waitForChat("safe button was", time.Second))
	assert.True(t, sinks[1].waitForChat("Bob has been eliminated", time.Second))
}

func TestGameDrawWhenAllEliminatedTogether(t *testing.T) {
	env, l, sinks := setupTestEngine(t, 2)
	require.True(t, env.engine.StartGame(l.ID))

	// Both players pick wrong every round; after round 3 both are at zero.
	go func() {
		for round := 1; round <= 3; round++ {
			if !sinks[0].waitForRound(round, 2*time.Second) {
				return
			}
			wrong := (safeButton(l) + 1) % ButtonCountForRound(round)
			env.engine.HandleChoice(l.ID, "u1", wrong)
			env.engine.HandleChoice(l.ID, "u2", wrong)
		}
	}()

	over, ok := sinks[0].waitFor("gameOver", 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "", over["winner"])
	assert.Equal(t, true, over["draw"])
}

func TestNoChoiceCostsNothing(t *testing.T) {
	env, l, sinks := setupTestEngine(t, 2)
	require.True(t, env.engine.StartGame(l.ID))

	require.True(t, sinks[0].waitForRound(1, 2*time.Second))
	_, ok := sinks[0].waitFor("revealButtons", 2*time.Second)
	require.True(t, ok)

	// Nobody picked; nobody pays.
	assert.Equal(t, 3, livesOf(l, "u1"))
	assert.Equal(t, 3, livesOf(l, "u2"))
	env.manager.CloseLobby(l.ID)
}

func TestCountdownAbortsWhenLobbyDeleted(t *testing.T) {
	env, l, sinks := setupTestEngine(t, 2)
	env.engine.CountdownTick = 20 * time.Millisecond
	require.True(t, env.engine.StartGame(l.ID))

	_, ok := sinks[0].waitFor("countdown", time.Second)
	require.True(t, ok)
	env.manager.CloseLobby(l.ID)

	// The loop must notice the deletion and never open a round.
	time.Sleep(200 * time.Millisecond)
	assert.False(t, sinks[0].has("chooseButton"))
}

// choiceFixture puts a lobby straight into an open choice window without
// running the timer loop.
func choiceFixture(t *testing.T) (*testEnv, *lobby.Lobby, []*eventSink) {
	t.Helper()
	env, l, sinks := setupTestEngine(t, 2)
	l.Mu.Lock()
	l.Game.InProgress = true
	l.Game.Phase = lobby.PhaseAwaitingChoices
	l.Game.Round = 1
	l.Game.ButtonCount = 3
	l.Game.SafeButton = 1
	l.Game.Choices = map[string]int{}
	for _, p := range l.Players {
		p.Lives = 3
	}
	l.Mu.Unlock()
	return env, l, sinks
}

func TestHandleChoiceWrongCostsOneLife(t *testing.T) {
	env, l, sinks := choiceFixture(t)

	env.engine.HandleChoice(l.ID, "u1", 0)
	assert.Equal(t, 2, livesOf(l, "u1"))

	res, ok := sinks[0].waitFor("gameResult", time.Second)
	require.True(t, ok)
	assert.Equal(t, false, res["survived"])
	assert.Equal(t, 2, res["lives"])
	_, ok = sinks[0].waitFor("ephemeralMessage", time.Second)
	assert.True(t, ok)
}

func TestHandleChoiceSafeCostsNothing(t *testing.T) {
	env, l, sinks := choiceFixture(t)

	env.engine.HandleChoice(l.ID, "u1", 1)
	assert.Equal(t, 3, livesOf(l, "u1"))

	res, ok := sinks[0].waitFor("gameResult", time.Second)
	require.True(t, ok)
	assert.Equal(t, true, res["survived"])
}

func TestResubmissionNetsToFinalChoice(t *testing.T) {
	env, l, _ := choiceFixture(t)

	// Wrong then safe: the lost life comes back.
	env.engine.HandleChoice(l.ID, "u1", 0)
	require.Equal(t, 2, livesOf(l, "u1"))
	env.engine.HandleChoice(l.ID, "u1", 1)
	assert.Equal(t, 3, livesOf(l, "u1"))

	// Safe then wrong: exactly one life gone.
	env.engine.HandleChoice(l.ID, "u2", 1)
	require.Equal(t, 3, livesOf(l, "u2"))
	env.engine.HandleChoice(l.ID, "u2", 0)
	assert.Equal(t, 2, livesOf(l, "u2"))

	// Wrong then a different wrong: still one life total.
	env.engine.HandleChoice(l.ID, "u2", 2)
	assert.Equal(t, 2, livesOf(l, "u2"))
}

func TestHandleChoiceRejectsInvalidInput(t *testing.T) {
	env, l, _ := choiceFixture(t)

	env.engine.HandleChoice(l.ID, "u1", -1)
	env.engine.HandleChoice(l.ID, "u1", 3)
	assert.Equal(t, 3, livesOf(l, "u1"))

	// Non-players are ignored.
	env.engine.HandleChoice(l.ID, "ghost", 0)

	// Outside the window nothing counts.
	l.Mu.Lock()
	l.Game.Phase = lobby.PhaseResolving
	l.Mu.Unlock()
	env.engine.HandleChoice(l.ID, "u1", 0)
	assert.Equal(t, 3, livesOf(l, "u1"))
}

func TestNextRoundOnlyRecoversStuckGames(t *testing.T) {
	env, l, _ := setupTestEngine(t, 2)

	// Not in progress: ignored.
	assert.False(t, env.engine.NextRound(l.ID))

	// In progress with a dead loop: accepted.
	l.Mu.Lock()
	l.Game.InProgress = true
	l.Game.Running = false
	l.Mu.Unlock()
	assert.True(t, env.engine.NextRound(l.ID))

	// With a loop already running another advance is refused.
	assert.False(t, env.engine.NextRound(l.ID))
	env.manager.CloseLobby(l.ID)
}

func TestSafeButtonAlwaysInRange(t *testing.T) {
	e := NewEngine(nil, newTestLogger(), nil)
	e.Rand = rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		round := i%10 + 1
		n := ButtonCountForRound(round)
		got := e.roll(n)
		require.GreaterOrEqual(t, got, 0)
		require.Less(t, got, n)
	}
}
