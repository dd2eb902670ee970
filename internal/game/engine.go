// internal/game/engine.go
package game

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clickwar/reverse/internal/cache"
	"github.com/clickwar/reverse/internal/lobby"
	"github.com/clickwar/reverse/internal/models"
)

const (
	countdownFrom = 5
	maxButtons    = 5
)

// buttonLabels are the display labels for button indices 0..4.
var buttonLabels = []string{"\U0001F535", "\U0001F7E2", "\U0001F534", "\U0001F7E1", "\U0001F7E3"}

// ButtonCountForRound returns min(5, 3 + round/2): rounds 1..10 yield
// 3,3,4,4,5,5,5,5,5,5.
func ButtonCountForRound(round int) int {
	n := 3 + round/2
	if n > maxButtons {
		n = maxButtons
	}
	return n
}

// Engine drives the per-lobby round state machine:
// Countdown -> AwaitingChoices -> Resolving -> RoundOver -> Countdown,
// terminating in GameOver. One loop goroutine runs per in-progress lobby;
// every timer wake re-checks lobby existence so a deleted lobby aborts its
// engine cleanly instead of broadcasting into the void.
type Engine struct {
	manager *lobby.Manager
	logger  *logrus.Logger
	events  *cache.EventLog

	// Intervals are fields so tests can shrink them.
	CountdownTick time.Duration
	ChoiceWindow  time.Duration
	RoundPause    time.Duration

	// Rand is the safe-button source. Tests inject a seeded source for
	// deterministic rounds. Guarded by randMu: rand.Rand is not safe for
	// concurrent use and many lobby loops roll against it.
	Rand   *rand.Rand
	randMu sync.Mutex
}

// NewEngine wires an Engine with production intervals and a time-seeded
// RNG. events may be nil.
func NewEngine(manager *lobby.Manager, logger *logrus.Logger, events *cache.EventLog) *Engine {
	return &Engine{
		manager:       manager,
		logger:        logger,
		events:        events,
		CountdownTick: time.Second,
		ChoiceWindow:  6 * time.Second,
		RoundPause:    3 * time.Second,
		Rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) roll(n int) int {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.Rand.Intn(n)
}

// StartGame begins the round loop for a lobby. Starting a game that is
// already in progress is a logged no-op, not an error: duplicate start
// requests from network retries are expected.
func (e *Engine) StartGame(lobbyID uuid.UUID) bool {
	l, ok := e.manager.Store().Get(lobbyID)
	if !ok {
		e.logger.Warnf("Game: startGame for missing lobby %s", lobbyID)
		return false
	}

	l.Mu.Lock()
	if l.Game.InProgress {
		l.Mu.Unlock()
		e.logger.Warnf("Game %s: already in progress, ignoring start request", lobbyID)
		return false
	}
	l.Game.InProgress = true
	l.Game.Running = true
	l.Game.Phase = lobby.PhaseCountdown
	l.Mu.Unlock()

	e.logger.Infof("Game %s: started", lobbyID)
	e.manager.BroadcastToLobby(lobbyID, map[string]interface{}{
		"type":    "gameStarted",
		"lobbyId": lobbyID.String(),
	})
	e.events.Publish(lobbyID, "game_started", nil)

	go e.run(lobbyID)
	return true
}

// NextRound manually advances a lobby whose game is marked in progress but
// whose loop is no longer running (recovery for a stuck lobby after an
// internal fault). Ignored in every other state.
func (e *Engine) NextRound(lobbyID uuid.UUID) bool {
	l, ok := e.manager.Store().Get(lobbyID)
	if !ok {
		return false
	}

	l.Mu.Lock()
	if !l.Game.InProgress || l.Game.Running {
		l.Mu.Unlock()
		e.logger.Debugf("Game %s: nextRound ignored (inProgress=%v running=%v)", lobbyID, l.Game.InProgress, l.Game.Running)
		return false
	}
	l.Game.Running = true
	l.Mu.Unlock()

	e.logger.Infof("Game %s: manual round advance", lobbyID)
	go e.run(lobbyID)
	return true
}

// run is the per-lobby loop: one round, then a fixed pause, until the
// round reports termination or the lobby disappears.
func (e *Engine) run(lobbyID uuid.UUID) {
	defer func() {
		if l, ok := e.manager.Store().Get(lobbyID); ok {
			l.Mu.Lock()
			l.Game.Running = false
			l.Mu.Unlock()
		}
	}()

	for {
		if !e.runRound(lobbyID) {
			return
		}
		time.Sleep(e.RoundPause)
		if !e.manager.Store().Exists(lobbyID) {
			e.logger.Infof("Game %s: lobby deleted during inter-round pause, stopping", lobbyID)
			return
		}
	}
}

// runRound plays a single round and reports whether the loop should
// continue. Any panic is contained here: the fault halts progression for
// this lobby only, the process and other lobbies are unaffected.
func (e *Engine) runRound(lobbyID uuid.UUID) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("Game %s: round aborted by internal fault: %v", lobbyID, r)
			cont = false
		}
	}()

	store := e.manager.Store()
	l, ok := store.Get(lobbyID)
	if !ok {
		return false
	}

	l.Mu.Lock()
	l.Game.Phase = lobby.PhaseCountdown
	l.Mu.Unlock()

	// Countdown ticks 5..1, one per second. Each tick is a suspension
	// point; the lobby may be deleted between ticks.
	for count := countdownFrom; count >= 1; count-- {
		e.manager.BroadcastToLobby(lobbyID, map[string]interface{}{
			"type":  "countdown",
			"count": count,
		})
		time.Sleep(e.CountdownTick)
		if !store.Exists(lobbyID) {
			e.logger.Infof("Game %s: lobby deleted mid-countdown, aborting", lobbyID)
			return false
		}
	}

	l, ok = store.Get(lobbyID)
	if !ok {
		return false
	}

	// Round setup.
	l.Mu.Lock()
	l.Game.Round++
	round := l.Game.Round
	l.Game.ButtonCount = ButtonCountForRound(round)
	l.Game.SafeButton = e.roll(l.Game.ButtonCount)
	l.Game.Choices = make(map[string]int)
	if round == 1 {
		for _, p := range l.Players {
			p.Lives = lobby.StartingLives
		}
	}
	l.Game.Phase = lobby.PhaseAwaitingChoices
	buttons := append([]string(nil), buttonLabels[:l.Game.ButtonCount]...)
	prompt := models.NewSystemPrompt(fmt.Sprintf("\U0001F3B2 Round %d! Pick a button:", round), buttons)
	l.AppendMessageUnsafe(prompt)
	l.Mu.Unlock()

	e.manager.BroadcastToLobby(lobbyID, map[string]interface{}{
		"type":    "roundStart",
		"lobbyId": lobbyID.String(),
		"round":   round,
	})
	e.manager.BroadcastToLobby(lobbyID, map[string]interface{}{
		"type":    "message",
		"lobbyId": lobbyID.String(),
		"message": prompt,
	})
	e.manager.BroadcastToLobby(lobbyID, map[string]interface{}{
		"type":    "chooseButton",
		"lobbyId": lobbyID.String(),
		"round":   round,
		"buttons": buttons,
	})
	e.events.Publish(lobbyID, "round_started", map[string]interface{}{"round": round})

	// Choice window.
	time.Sleep(e.ChoiceWindow)
	if !store.Exists(lobbyID) {
		e.logger.Infof("Game %s: lobby deleted during choice window, aborting", lobbyID)
		return false
	}

	return e.resolveRound(lobbyID)
}

// resolveRound closes the choice window: reveal, eliminations, termination
// check. Returns whether another round should follow.
func (e *Engine) resolveRound(lobbyID uuid.UUID) bool {
	store := e.manager.Store()
	l, ok := store.Get(lobbyID)
	if !ok {
		return false
	}

	type elimination struct {
		userID   string
		username string
		connID   uuid.UUID
	}

	l.Mu.Lock()
	l.Game.Phase = lobby.PhaseResolving
	round := l.Game.Round
	safe := l.Game.SafeButton
	count := l.Game.ButtonCount

	// Fan-out targets are fixed before any removal: the reveal and the
	// game outcome go to every member of the round, eliminated or not.
	conns := l.ConnIDsUnsafe()

	reveal := make([]map[string]interface{}, count)
	for i := 0; i < count; i++ {
		reveal[i] = map[string]interface{}{
			"index": i,
			"label": buttonLabels[i],
			"safe":  i == safe,
		}
	}
	revealMsg := models.NewSystemMessage(fmt.Sprintf("\U0001F6A8 Round over! The safe button was %s!", buttonLabels[safe]))
	l.AppendMessageUnsafe(revealMsg)

	// Eliminations, in discovery (join) order. Player fields are copied
	// here; nothing reads a *Player after the lock is released.
	var eliminated []elimination
	for _, p := range l.Players {
		if p.Lives <= 0 {
			eliminated = append(eliminated, elimination{p.UserID, p.Username, p.ConnID})
		}
	}
	var elimMsgs []models.ChatMessage
	for _, el := range eliminated {
		l.RemovePlayerUnsafe(el.userID)
		msg := models.NewSystemMessage(fmt.Sprintf("\U0001F480 %s has been eliminated!", el.username))
		l.AppendMessageUnsafe(msg)
		elimMsgs = append(elimMsgs, msg)
	}

	remaining := len(l.Players)
	var winnerName, winnerUID string
	haveWinner := remaining == 1
	if haveWinner {
		winnerName = l.Players[0].Username
		winnerUID = l.Players[0].UserID
	}
	if remaining <= 1 {
		l.Game.Phase = lobby.PhaseGameOver
	} else {
		l.Game.Phase = lobby.PhaseRoundOver
	}
	snapshot := l.SnapshotUnsafe()
	l.Mu.Unlock()

	e.manager.SendToConns(conns, map[string]interface{}{
		"type":      "revealButtons",
		"lobbyId":   lobbyID.String(),
		"round":     round,
		"safeIndex": safe,
		"buttons":   reveal,
	})
	e.manager.SendToConns(conns, map[string]interface{}{
		"type":    "message",
		"lobbyId": lobbyID.String(),
		"message": revealMsg,
	})
	for i, el := range eliminated {
		e.manager.SendToConns(conns, map[string]interface{}{
			"type":    "message",
			"lobbyId": lobbyID.String(),
			"message": elimMsgs[i],
		})
		e.manager.ClearMembership(el.connID)
		e.events.Publish(lobbyID, "player_eliminated", map[string]interface{}{"uid": el.userID, "round": round})
	}
	e.manager.SendToConns(conns, map[string]interface{}{
		"type":    "lobbyUpdate",
		"lobbyId": lobbyID.String(),
		"lobby":   snapshot,
	})

	if remaining > 1 {
		return true
	}

	// Terminal: a sole survivor wins; everyone eliminated at once is a
	// draw with no winner.
	gameOver := map[string]interface{}{
		"type":    "gameOver",
		"lobbyId": lobbyID.String(),
	}
	if haveWinner {
		gameOver["winner"] = winnerName
		gameOver["winnerUid"] = winnerUID
		e.logger.Infof("Game %s: over, winner %s (%s)", lobbyID, winnerName, winnerUID)
	} else {
		gameOver["winner"] = ""
		gameOver["draw"] = true
		e.logger.Infof("Game %s: over, all players eliminated simultaneously (draw)", lobbyID)
	}
	e.manager.SendToConns(conns, gameOver)
	e.events.Publish(lobbyID, "game_over", map[string]interface{}{
		"round":  round,
		"winner": winnerUID,
	})

	// The lobby does not outlive its game.
	e.manager.CloseLobby(lobbyID)
	return false
}

// HandleChoice records a player's button pick for the current round.
// Choices are last-write-wins within the window; the player is told
// privately and immediately whether they survived. The lives accounting
// guarantees a wrong final choice costs exactly one life for the round and
// a safe final choice costs none, even across resubmissions.
func (e *Engine) HandleChoice(lobbyID uuid.UUID, userID string, choice int) {
	l, ok := e.manager.Store().Get(lobbyID)
	if !ok {
		e.logger.Debugf("Game: choice for missing lobby %s dropped", lobbyID)
		return
	}

	l.Mu.Lock()
	if l.Game.Phase != lobby.PhaseAwaitingChoices {
		l.Mu.Unlock()
		e.logger.Debugf("Game %s: choice from %s outside window (phase %s), ignored", lobbyID, userID, l.Game.Phase)
		return
	}
	p := l.PlayerByIDUnsafe(userID)
	if p == nil {
		l.Mu.Unlock()
		e.logger.Warnf("Game %s: choice from non-player %s, ignored", lobbyID, userID)
		return
	}
	if choice < 0 || choice >= l.Game.ButtonCount {
		l.Mu.Unlock()
		e.logger.Warnf("Game %s: out-of-range choice %d from %s, ignored", lobbyID, choice, userID)
		return
	}

	safe := l.Game.SafeButton
	survived := choice == safe
	prev, resubmit := l.Game.Choices[userID]
	l.Game.Choices[userID] = choice

	if resubmit {
		// Undo the previous submission's effect so the net round delta
		// reflects only the final choice.
		prevSurvived := prev == safe
		if prevSurvived && !survived {
			p.Lives--
		} else if !prevSurvived && survived {
			p.Lives++
		}
	} else if !survived {
		p.Lives--
	}
	round := l.Game.Round
	lives := p.Lives
	l.Mu.Unlock()

	e.manager.SendToUser(lobbyID, userID, map[string]interface{}{
		"type":     "gameResult",
		"lobbyId":  lobbyID.String(),
		"round":    round,
		"survived": survived,
		"lives":    lives,
	})

	text := "✅ You picked the safe button!"
	if !survived {
		text = fmt.Sprintf("\U0001F4A5 Wrong button! You lost a life (%d left).", lives)
	}
	e.manager.SendToUser(lobbyID, userID, map[string]interface{}{
		"type":    "ephemeralMessage",
		"lobbyId": lobbyID.String(),
		"message": models.NewSystemMessage(text),
	})
}
