// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clickwar/reverse/internal/config"
	"github.com/clickwar/reverse/internal/connection"
	"github.com/clickwar/reverse/internal/game"
	"github.com/clickwar/reverse/internal/lobby"
	"github.com/clickwar/reverse/internal/middleware"
	"github.com/clickwar/reverse/internal/models"
)

// Envelope is the inbound message shape: a type discriminator plus the
// union of fields the catalog uses. Absent fields decode to zero values /
// nils and are validated per handler.
type Envelope struct {
	Type    string              `json:"type"`
	LobbyID string              `json:"lobbyId,omitempty"`
	UserID  string              `json:"userId,omitempty"`
	User    *models.User        `json:"user,omitempty"`
	Message *models.ChatMessage `json:"message,omitempty"`
	Choice  *int                `json:"choice,omitempty"`
}

// WSHandler accepts the persistent bidirectional channel, registers the
// connection and runs the read pump until the channel closes. All inbound
// envelopes dispatch from here to the lifecycle manager or the round
// engine.
func WSHandler(logger *logrus.Logger, cfg *config.Config, registry *connection.Registry, manager *lobby.Manager, engine *game.Engine) http.HandlerFunc {
	pingInterval := time.Duration(cfg.PingIntervalSec) * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		conn := connection.NewConn(cancel)
		registry.Register(conn)

		go writePump(ctx, c, conn, logger, pingInterval)
		readPump(ctx, c, conn, registry, manager, engine, logger)

		// Read pump exit means the channel is gone; unregister fires the
		// manager's disconnect reconciliation through the OnClose hook.
		registry.Unregister(conn.ID)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, nil)
	}
}

// readPump reads envelopes until the connection closes. Malformed input is
// logged and answered with an error event; the connection stays open.
func readPump(ctx context.Context, c *websocket.Conn, conn *connection.Conn, registry *connection.Registry, manager *lobby.Manager, engine *game.Engine, logger *logrus.Logger) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Infof("Conn %s: websocket closed normally", conn.ID)
			} else if strings.Contains(err.Error(), "context canceled") {
				logger.Infof("Conn %s: context canceled, stopping read pump", conn.ID)
			} else {
				logger.Warnf("Conn %s: read error: %v (status %d)", conn.ID, err, status)
			}
			return
		}
		if typ != websocket.MessageText {
			logger.Warnf("Conn %s: non-text message type %d ignored", conn.ID, typ)
			continue
		}
		registry.Touch(conn.ID)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warnf("Conn %s: invalid json: %v", conn.ID, err)
			conn.WriteError("Invalid JSON format")
			continue
		}
		dispatch(env, conn, manager, engine, logger)
	}
}

// dispatch routes one envelope by its type discriminator. Unknown types
// are ignored per the protocol contract.
func dispatch(env Envelope, conn *connection.Conn, manager *lobby.Manager, engine *game.Engine, logger *logrus.Logger) {
	switch env.Type {
	case "getLobbies":
		conn.Write(map[string]interface{}{
			"type":    "lobbies",
			"lobbies": manager.ListLobbies(),
		})

	case "createLobby":
		if env.User == nil || env.User.UID == "" {
			conn.WriteError("createLobby requires a user")
			return
		}
		manager.CreateLobby(*env.User, conn.ID)

	case "joinLobby":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		if env.User == nil || env.User.UID == "" {
			conn.WriteError("joinLobby requires a user")
			return
		}
		if err := manager.JoinLobby(lobbyID, *env.User, conn.ID); err != nil {
			conn.WriteError("Lobby does not exist")
		}

	case "reconnect":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		if err := manager.Reconnect(lobbyID, env.UserID, conn.ID); err != nil {
			conn.WriteError("Lobby does not exist")
		}

	case "leaveLobby":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		manager.LeaveLobby(lobbyID, env.UserID)

	case "sendMessage":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		if env.Message == nil || env.Message.Text == "" {
			conn.WriteError("sendMessage requires a message")
			return
		}
		msg := *env.Message
		if msg.Timestamp == "" {
			msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
		}
		manager.SendChat(lobbyID, msg)

	case "startGame":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		engine.StartGame(lobbyID)

	case "playerChoice":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		if env.Choice == nil {
			conn.WriteError("playerChoice requires a choice")
			return
		}
		engine.HandleChoice(lobbyID, env.UserID, *env.Choice)

	case "nextRound":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		engine.NextRound(lobbyID)

	case "closeLobby":
		lobbyID, ok := parseLobbyID(env, conn, logger)
		if !ok {
			return
		}
		manager.CloseLobby(lobbyID)

	default:
		logger.Warnf("Conn %s: unknown envelope type %q ignored", conn.ID, env.Type)
	}
}

func parseLobbyID(env Envelope, conn *connection.Conn, logger *logrus.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(env.LobbyID)
	if err != nil {
		logger.Warnf("Conn %s: bad lobbyId %q in %q envelope", conn.ID, env.LobbyID, env.Type)
		conn.WriteError("Invalid lobbyId")
		return uuid.Nil, false
	}
	return id, true
}

// writePump drains the connection's outbound queue onto the websocket and
// issues the periodic liveness ping. A failed write or ping ends the pump;
// the read pump observes the closure and triggers cleanup.
func writePump(ctx context.Context, c *websocket.Conn, conn *connection.Conn, logger *logrus.Logger, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Warnf("Conn %s: failed to marshal outbound message: %v", conn.ID, err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Warnf("Conn %s: websocket write failed: %v", conn.ID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("Conn %s: ping failed, assuming disconnect: %v", conn.ID, err)
				return
			}
		}
	}
}
