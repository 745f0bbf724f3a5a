// Package realtime provides the websocket broadcaster that pushes
// change and conflict events to subscribed devices. Delivery is
// best-effort, at-most-once per connection: there is no queuing or
// replay for disconnected devices, a reconnecting device re-subscribes
// and re-requests current state through the query layer.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/marinops/fleetsync/internal/errors"
	"github.com/marinops/fleetsync/internal/logging"
	"github.com/marinops/fleetsync/internal/metrics"
	"github.com/marinops/fleetsync/internal/uuid"
)

// ChannelAll is the global channel every event is published to.
const ChannelAll = "data:all"

// TableChannel returns the table-scoped channel name.
func TableChannel(table string) string {
	return "table:" + table
}

// Event types.
const (
	EventRecordUpdated    = "record.updated"
	EventConflictDetected = "conflict.detected"
	EventConflictResolved = "conflict.resolved"
)

// Event is the wire payload pushed to devices. Receivers invalidate
// affected views and re-fetch through the query layer.
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Table      string `json:"table"`
	RecordID   string `json:"record_id"`
	ConflictID string `json:"conflict_id,omitempty"`
	Operation  string `json:"operation"`
	Timestamp  int64  `json:"timestamp"`
}

// envelope is an encoded event with its target channels.
type envelope struct {
	channels []string
	payload  []byte
}

// Client represents one device connection. Subscriptions live exactly
// as long as the connection; a reconnect starts from scratch.
type Client struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub

	mu       sync.Mutex
	channels map[string]bool
}

// subscribe adds channels to the client. Re-adding an already
// subscribed channel is a no-op, so re-subscription after a reconnect
// is idempotent.
func (c *Client) subscribe(channels []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = true
	}
	subscribed := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		subscribed = append(subscribed, ch)
	}
	return subscribed
}

func (c *Client) unsubscribe(channels []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
}

// subscribedToAny reports whether the client listens on any of the
// given channels. An event matching several of a client's channels is
// still delivered once.
func (c *Client) subscribedToAny(channels []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if c.channels[ch] {
			return true
		}
	}
	return false
}

// Hub maintains active device connections and fans events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	metrics    *metrics.Metrics
	mu         sync.RWMutex
}

// NewHub creates a running hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.New()
	}
	hub := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		metrics:    m,
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("Device connected",
				map[string]interface{}{"device_id": client.deviceID, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Info("Device disconnected",
				map[string]interface{}{"device_id": client.deviceID, "total": total})

		case env := <-h.broadcast:
			h.mu.RLock()
			var stalled []*Client
			for client := range h.clients {
				if !client.subscribedToAny(env.channels) {
					continue
				}
				select {
				case client.send <- env.payload:
				default:
					// Send buffer full: drop the connection rather than
					// block the writer.
					stalled = append(stalled, client)
					h.metrics.IncEventsDropped()
				}
			}
			h.mu.RUnlock()
			if len(stalled) > 0 {
				h.mu.Lock()
				for _, client := range stalled {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				for _, client := range stalled {
					logging.Warn("Dropped stalled device connection",
						map[string]interface{}{
							"code":      string(apperrors.ErrTransportUnavailable),
							"device_id": client.deviceID,
						})
				}
			}
		}
	}
}

// Publish fans an event out to the global and table-scoped channels.
// It never blocks: when the hub's own buffer is full the event is
// dropped and counted, because broadcast failures must never stall or
// roll back a successful write.
func (h *Hub) Publish(eventType, table, recordID, conflictID, operation string) {
	event := Event{
		ID:         uuid.New(),
		Type:       eventType,
		Table:      table,
		RecordID:   recordID,
		ConflictID: conflictID,
		Operation:  operation,
		Timestamp:  time.Now().Unix(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		logging.Error("Failed to marshal event", err,
			map[string]interface{}{"type": eventType, "table": table})
		return
	}

	env := envelope{
		channels: []string{ChannelAll, TableChannel(table)},
		payload:  payload,
	}
	select {
	case h.broadcast <- env:
		h.metrics.IncEventsPublished()
	default:
		h.metrics.IncEventsDropped()
		logging.Warn("Broadcast buffer full, event dropped",
			map[string]interface{}{
				"code":      string(apperrors.ErrTransportUnavailable),
				"type":      eventType,
				"table":     table,
				"record_id": recordID,
			})
	}
}

// RecordUpdated announces a successful apply.
func (h *Hub) RecordUpdated(table, recordID string) {
	h.Publish(EventRecordUpdated, table, recordID, "", "apply")
}

// ConflictDetected announces a newly queued pending conflict.
func (h *Hub) ConflictDetected(table, recordID, conflictID string) {
	h.Publish(EventConflictDetected, table, recordID, conflictID, "enqueue")
}

// ConflictResolved announces a conflict leaving the pending state.
func (h *Hub) ConflictResolved(table, recordID, conflictID string) {
	h.Publish(EventConflictResolved, table, recordID, conflictID, "resolve")
}

// ClientCount returns the number of connected devices.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
