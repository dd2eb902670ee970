// internal/handlers/http.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/clickwar/reverse/internal/lobby"
)

// HealthHandler answers the root liveness probe.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("WebSocket server is running!"))
	}
}

// ListLobbiesHandler serves the lobby list over plain HTTP, mirroring the
// getLobbies websocket event for clients that only need a one-shot read.
func ListLobbiesHandler(logger *logrus.Logger, manager *lobby.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"lobbies": manager.ListLobbies(),
		}); err != nil {
			logger.Warnf("ListLobbies: failed to encode response: %v", err)
		}
	}
}
