// cmd/server/main.go
package main

import (
	"log"
	"net/http"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/clickwar/reverse/internal/cache"
	"github.com/clickwar/reverse/internal/config"
	"github.com/clickwar/reverse/internal/connection"
	"github.com/clickwar/reverse/internal/game"
	"github.com/clickwar/reverse/internal/handlers"
	"github.com/clickwar/reverse/internal/lobby"
	"github.com/clickwar/reverse/internal/middleware"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Event queue is optional: without REDIS_ADDR the coordinator runs with
	// a nil EventLog and every publish is a no-op.
	var events *cache.EventLog
	if cfg.RedisAddr != "" {
		events, err = cache.Connect(cfg.RedisAddr, cfg.RedisDB, cfg.EventQueueName, logger)
		if err != nil {
			logger.Warnf("event queue disabled: %v", err)
			events = nil
		}
	}

	registry := connection.NewRegistry(logger)
	store := lobby.NewStore(logger)
	manager := lobby.NewManager(store, registry, logger, events)
	registry.SetOnClose(manager.HandleDisconnect)
	engine := game.NewEngine(manager, logger, events)

	mux := http.NewServeMux()
	mux.HandleFunc("/", handlers.HealthHandler())
	mux.Handle("/lobby/list", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.ListLobbiesHandler(logger, manager),
	)))
	mux.HandleFunc("/ws", handlers.WSHandler(logger, cfg, registry, manager, engine))

	logger.Infof("Running on %s", cfg.Addr())
	if err := http.ListenAndServe(cfg.Addr(), mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
