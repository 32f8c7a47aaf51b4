package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DeclanJeon/ponslink-signal/domain/signaling"
	"github.com/gofiber/contrib/websocket"
)

// wsConn is the part of a WebSocket connection the registry writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	id     string
	conn   wsConn
	mu     sync.Mutex
	closed bool
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrConnectionNotFound
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Connections maps connection ids to live sockets on this instance and delivers
// envelopes to them.
type Connections struct {
	clients sync.Map // connID -> *client
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{}
}

// Add registers a live socket under connID.
func (r *Connections) Add(connID string, conn wsConn) {
	r.clients.Store(connID, &client{id: connID, conn: conn})
}

// Remove forgets connID without closing the socket.
func (r *Connections) Remove(connID string) {
	r.clients.Delete(connID)
}

// Count returns the number of live sockets.
func (r *Connections) Count() int {
	n := 0
	r.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Emit sends {"event": event, "data": payload} to one connection.
func (r *Connections) Emit(_ context.Context, connID, event string, payload any) error {
	v, ok := r.clients.Load(connID)
	if !ok {
		return signaling.ErrConnectionNotFound
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(signaling.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return v.(*client).write(frame)
}

// Close closes one connection. The read loop notices and runs disconnect cleanup.
func (r *Connections) Close(_ context.Context, connID string) error {
	v, ok := r.clients.LoadAndDelete(connID)
	if !ok {
		return signaling.ErrConnectionNotFound
	}
	return v.(*client).close()
}

// CloseAll closes every socket, used on shutdown.
func (r *Connections) CloseAll() {
	r.clients.Range(func(key, v any) bool {
		_ = v.(*client).close()
		r.clients.Delete(key)
		return true
	})
}
