package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marinops/fleetsync/internal/logging"
	"github.com/marinops/fleetsync/internal/uuid"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Devices authenticate upstream; the hub accepts any origin.
		return true
	},
}

// readPump pumps control messages (subscribe/unsubscribe/ping) from the
// device connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("Websocket read error", map[string]interface{}{
					"device_id": c.deviceID, "error": err.Error()})
			}
			break
		}

		var msg struct {
			Action   string   `json:"action"`
			Channels []string `json:"channels"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Warn("Invalid websocket message", map[string]interface{}{
				"device_id": c.deviceID, "error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			subscribed := c.subscribe(msg.Channels)
			c.sendControl(map[string]interface{}{
				"action":     "subscribe_ack",
				"subscribed": subscribed,
				"timestamp":  time.Now().Unix(),
			})

		case "unsubscribe":
			c.unsubscribe(msg.Channels)

		case "ping":
			c.sendControl(map[string]interface{}{
				"action":    "pong",
				"timestamp": time.Now().Unix(),
			})
		}
	}
}

// writePump pumps events to the device connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendControl enqueues a control frame without blocking.
func (c *Client) sendControl(payload map[string]interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// ServeWS upgrades an HTTP request to a device websocket connection.
// The device identifies itself with a ?device_id= query parameter; a
// connection without one gets a synthetic ID for logging. New
// connections start subscribed to the global channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("Failed to upgrade websocket", err, nil)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = "anon-" + uuid.New()
	}

	client := &Client{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, 256),
		hub:      h,
		channels: map[string]bool{ChannelAll: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}
