// internal/connection/conn.go
package connection

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Conn is the server-side handle for one live client channel. The
// underlying websocket is owned by the gateway's read/write pumps; Conn
// only carries the outbound queue and lifecycle hooks.
type Conn struct {
	ID      uuid.UUID
	UserID  string
	Cancel  context.CancelFunc
	OutChan chan interface{}

	LastSeen time.Time
}

// NewConn allocates a connection handle with a buffered outbound queue.
func NewConn(cancel context.CancelFunc) *Conn {
	id, _ := uuid.NewRandom()
	return &Conn{
		ID:       id,
		Cancel:   cancel,
		OutChan:  make(chan interface{}, 16),
		LastSeen: time.Now(),
	}
}

// Write pushes a message onto the connection's outbound queue
// non-blockingly. Logs if the queue is full or closed; delivery is
// fire-and-forget by contract.
func (c *Conn) Write(msg interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Conn %s: write on closed OutChan dropped", c.ID)
		}
	}()
	select {
	case c.OutChan <- msg:
	default:
		log.Printf("Conn %s: OutChan full or closed, dropped outbound message", c.ID)
	}
}

// WriteError is a convenience to send an error event to this connection.
func (c *Conn) WriteError(msg string) {
	c.Write(map[string]interface{}{
		"type":    "error",
		"message": msg,
	})
}
