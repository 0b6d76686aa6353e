package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawscope/pkg/protocol"
)

const (
	DefaultOutboxCap = 256
	DefaultHeartbeat = 30 * time.Second

	writeWait    = 10 * time.Second
	maxFrameSize = 4096
)

type queuedFrame struct {
	payload   []byte
	heartbeat bool
}

// Client is one connected dashboard session. Writes go through a bounded
// outbox drained by a single writer goroutine; reads and heartbeats run
// alongside it.
type Client struct {
	id          string
	conn        *websocket.Conn
	hub         *Hub
	connectedAt time.Time

	mu            sync.Mutex
	subscriptions map[string]bool
	lastSeenAt    time.Time

	outMu  sync.Mutex
	outbox []queuedFrame
	notify chan struct{}

	closeFrame chan []byte

	pendingPings atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, h *Hub) *Client {
	return &Client{
		id:            uuid.Must(uuid.NewV7()).String(),
		conn:          conn,
		hub:           h,
		connectedAt:   time.Now(),
		lastSeenAt:    time.Now(),
		subscriptions: make(map[string]bool),
		notify:        make(chan struct{}, 1),
		closeFrame:    make(chan []byte, 1),
		done:          make(chan struct{}),
	}
}

// ID returns the session identifier (sortable, assigned at accept).
func (c *Client) ID() string { return c.id }

// Run services the connection until the peer disconnects, a heartbeat
// times out, or the client commits a protocol error.
func (c *Client) Run() {
	go c.writePump()
	c.readLoop()
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[channel]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

// send marshals and enqueues one frame.
func (c *Client) send(frame any, heartbeat bool) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("hub.marshal_failed", "client", c.id, "error", err)
		return
	}
	c.enqueue(payload, heartbeat)
}

// enqueue appends to the outbox. On overflow the oldest non-heartbeat
// frame is dropped so liveness signals survive backpressure.
func (c *Client) enqueue(payload []byte, heartbeat bool) {
	c.outMu.Lock()
	if len(c.outbox) >= c.hub.outboxCap {
		dropped := false
		for i := range c.outbox {
			if !c.outbox[i].heartbeat {
				c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			c.outbox = c.outbox[1:]
		}
		c.hub.mon.FrameDropped()
		slog.Debug("hub.frame_dropped", "client", c.id)
	}
	c.outbox = append(c.outbox, queuedFrame{payload: payload, heartbeat: heartbeat})
	c.outMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (queuedFrame, bool) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if len(c.outbox) == 0 {
		return queuedFrame{}, false
	}
	f := c.outbox[0]
	c.outbox = c.outbox[1:]
	return f, true
}

func (c *Client) queueLen() int {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	return len(c.outbox)
}

// writePump serializes all writes: queued frames in order, plus the
// protocol-level heartbeat ping.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case <-c.notify:
			for {
				f, ok := c.dequeue()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, f.payload); err != nil {
					c.hub.mon.ClientError()
					c.Close()
					return
				}
			}

		case msg := <-c.closeFrame:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, msg)
			c.Close()
			return

		case <-ticker.C:
			if c.pendingPings.Load() >= 2 {
				slog.Info("hub.heartbeat_timeout", "client", c.id)
				c.Close()
				return
			}
			c.pendingPings.Add(1)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.mon.ClientError()
				c.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetPongHandler(func(string) error {
		c.pendingPings.Store(0)
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.protocolError("malformed frame")
			return
		}

		switch frame.Type {
		case protocol.TypeSubscribe:
			if !protocol.ValidChannel(frame.Channel) {
				c.protocolError("unknown channel: " + frame.Channel)
				return
			}
			c.mu.Lock()
			c.subscriptions[frame.Channel] = true
			c.mu.Unlock()
			c.send(protocol.SubscriptionConfirmedFrame{
				Type:    protocol.TypeSubscriptionConfirmed,
				Channel: frame.Channel,
			}, false)

		case protocol.TypeUnsubscribe:
			if !protocol.ValidChannel(frame.Channel) {
				c.protocolError("unknown channel: " + frame.Channel)
				return
			}
			c.mu.Lock()
			delete(c.subscriptions, frame.Channel)
			c.mu.Unlock()
			c.send(protocol.SubscriptionConfirmedFrame{
				Type:    protocol.TypeSubscriptionConfirmed,
				Channel: frame.Channel,
			}, false)

		case protocol.TypeRefreshRequest:
			// The ack is the data_refresh broadcast that follows the
			// rebuild; nothing is sent directly.
			c.hub.requestRefresh()

		case protocol.TypePing:
			c.send(protocol.PongFrame{Type: protocol.TypePong}, true)

		default:
			c.protocolError("unknown frame type: " + frame.Type)
			return
		}
	}
}

// protocolError closes the session with close code 1002 after a bad
// client frame. The close frame is handed to the writer goroutine so all
// connection writes stay serialized.
func (c *Client) protocolError(reason string) {
	c.hub.mon.ClientError()
	slog.Warn("hub.protocol_error", "client", c.id, "reason", reason)
	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, reason)
	select {
	case c.closeFrame <- msg:
	default:
	}
	select {
	case <-c.done:
	case <-time.After(writeWait):
		c.Close()
	}
}
