package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

// Client is a wrapper for a single websocket connection (a peer).
type Client struct {
	// Hub is a pointer to the hub that manages this client.
	Hub *Hub

	// Conn is the websocket connection, nil for in-process clients.
	Conn *websocket.Conn

	// Send is a buffered channel for all outbound messages. The hub writes
	// to it and WritePump drains it to the websocket. The hub closes it on
	// unregister.
	Send chan *signaling.Message

	// Addr identifies the client in logs.
	Addr string

	heartbeat      config.Heartbeat
	maxMessageSize int64

	// roomID is owned by the hub goroutine.
	roomID string
}

// NewClient creates a client for conn with the given buffer size.
func NewClient(hub *Hub, conn *websocket.Conn, buffer int, hb config.Heartbeat, maxMessageSize int64) *Client {
	c := &Client{
		Hub:            hub,
		Conn:           conn,
		Send:           make(chan *signaling.Message, buffer),
		heartbeat:      hb,
		maxMessageSize: maxMessageSize,
	}
	if conn != nil {
		c.Addr = conn.RemoteAddr().String()
	}
	return c
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine. A peer that stops answering pings is cut off
// once PongWait passes, which the hub reports as peer-left.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Detach(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.heartbeat.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.heartbeat.PongWait))
		return nil
	})

	for {
		var msg signaling.Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.log.Debug("read failed", zap.String("addr", c.Addr), zap.Error(err))
			}
			return
		}

		if !c.Hub.Dispatch(ctx, c, &msg) {
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.heartbeat.PingPeriod())

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.heartbeat.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.log.Debug("write failed", zap.String("addr", c.Addr), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.heartbeat.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
