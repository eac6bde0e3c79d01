// Package registry maps order ids to the single live WebSocket awaiting
// that order and fans worker state transitions back to it.
//
// There is no buffering: publishing to an order with no registered socket
// is a silent no-op. The stream endpoint compensates for late connects by
// replaying the persisted status on attach.
package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Frame is the wire format of every text frame sent to clients.
// Timestamps are ISO-8601 UTC.
type Frame struct {
	OrderID   string         `json:"orderId"`
	Status    string         `json:"status,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// conn serializes writes: gorilla connections do not allow concurrent
// writers, and the worker and the close timer can race otherwise.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.ws.Close()
}

// Registry is the process-wide order→socket map. Construct one and pass it
// to the worker pool and both endpoints; it is not an ambient global.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*conn
	now   func() time.Time
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*conn),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches a socket to an order id. A second registration for the
// same id replaces the first and closes it.
func (r *Registry) Register(orderID string, ws *websocket.Conn) {
	c := &conn{ws: ws}

	r.mu.Lock()
	prev := r.conns[orderID]
	r.conns[orderID] = c
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	log.Debug().Str("order_id", orderID).Msg("🔌 Stream registered")
}

// Unregister drops the entry for an order id without closing the socket;
// callers use it from read-loop teardown where the socket is already dead.
func (r *Registry) Unregister(orderID string) {
	r.mu.Lock()
	delete(r.conns, orderID)
	r.mu.Unlock()
}

// Publish sends one status frame to the socket awaiting orderID. A missing
// entry is a no-op. Any serialization or send failure deregisters the
// socket and is swallowed — a dead client must never crash a worker.
func (r *Registry) Publish(orderID, status string, data map[string]any) {
	r.send(orderID, Frame{
		OrderID:   orderID,
		Status:    status,
		Data:      data,
		Timestamp: r.now(),
	})
}

// Notify sends an informational frame (the stream endpoint's anchor frame)
// through the same per-connection write lock.
func (r *Registry) Notify(orderID string, frame Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = r.now()
	}
	frame.OrderID = orderID
	r.send(orderID, frame)
}

func (r *Registry) send(orderID string, frame Frame) {
	// Copy the handle out under the lock; never hold the map lock across a
	// socket write.
	r.mu.Lock()
	c := r.conns[orderID]
	r.mu.Unlock()
	if c == nil {
		return
	}

	if err := c.writeJSON(frame); err != nil {
		log.Debug().Err(err).Str("order_id", orderID).Msg("dropping dead stream")
		r.Unregister(orderID)
		c.close()
	}
}

// Close actively closes and removes the socket for an order id.
func (r *Registry) Close(orderID string) {
	r.mu.Lock()
	c := r.conns[orderID]
	delete(r.conns, orderID)
	r.mu.Unlock()

	if c != nil {
		c.close()
		log.Debug().Str("order_id", orderID).Msg("stream closed")
	}
}

// CloseAfter closes the socket once the grace period for the client to read
// the terminal frame has elapsed.
func (r *Registry) CloseAfter(orderID string, grace time.Duration) {
	time.AfterFunc(grace, func() { r.Close(orderID) })
}

// Count reports live connections, for health checks.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
