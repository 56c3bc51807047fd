package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 256 * 1024
	sendQueueSize  = 64
)

// Client is one WebSocket connection. Frames other than connect are
// rejected until the client authenticates.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte   // never closed; done signals teardown
	done   chan struct{} // closed exactly once by Close

	mu            sync.Mutex
	authenticated bool
	closed        bool
}

// NewClient wraps an accepted connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection identity used for event subscriptions.
func (c *Client) ID() string { return c.id }

// Run drives the read and write pumps until the connection drops.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// Close shuts the connection down. The send channel is left open: closing it
// would race enqueues from the bus broadcast goroutine, so teardown is
// signalled through done instead.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.conn.Close()
}

// SendEvent queues a push frame. Events are dropped for unauthenticated
// clients, closed connections, and when the queue is full.
func (c *Client) SendEvent(event protocol.EventFrame) {
	c.mu.Lock()
	if !c.authenticated || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		slog.Warn("client send queue full, dropping event", "id", c.id, "event", event.Event)
	}
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	case <-time.After(writeWait):
		slog.Warn("client response send timed out", "id", c.id)
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "id", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(protocol.NewError("", protocol.ErrBadParams, "malformed frame"))
			continue
		}
		c.sendResponse(c.server.dispatch(ctx, c, &req))
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
