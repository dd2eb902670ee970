// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// EventRecord is the minimal lobby/game milestone pushed onto the event
// queue for offline consumers (dashboards, history).
type EventRecord struct {
	LobbyID   uuid.UUID              `json:"lobby_id"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// EventLog is a fire-and-forget publisher backed by a Redis list. A nil
// EventLog is valid and drops everything, so callers never branch on
// whether the queue is configured.
type EventLog struct {
	rdb    *redis.Client
	queue  string
	logger *logrus.Logger
}

// Connect initializes an EventLog against the given Redis address. Returns
// an error if the server is unreachable; callers typically log it and run
// without an event log.
func Connect(addr string, db int, queue string, logger *logrus.Logger) (*EventLog, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &EventLog{rdb: rdb, queue: queue, logger: logger}, nil
}

// Publish serializes the record and RPUSHes it to the queue from a
// goroutine. Errors are logged and never propagated; the coordinator's
// behavior does not depend on the queue.
func (e *EventLog) Publish(lobbyID uuid.UUID, eventType string, payload map[string]interface{}) {
	if e == nil {
		return
	}
	rec := EventRecord{
		LobbyID:   lobbyID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	go func() {
		data, err := json.Marshal(rec)
		if err != nil {
			e.logger.Warnf("EventLog: failed to marshal record: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := e.rdb.RPush(ctx, e.queue, data).Err(); err != nil {
			e.logger.Warnf("EventLog: RPush to %q failed: %v", e.queue, err)
		}
	}()
}
