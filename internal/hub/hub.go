// Package hub fans snapshot updates out to connected dashboard clients
// over WebSocket.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawscope/internal/analyzer"
	"github.com/nextlevelbuilder/clawscope/internal/perf"
	"github.com/nextlevelbuilder/clawscope/internal/state"
	"github.com/nextlevelbuilder/clawscope/pkg/protocol"
)

// Hub owns the client registry and implements analyzer.Notifier so
// rebuilds reach every subscribed client.
type Hub struct {
	version     string
	mon         *perf.Monitor
	allowRemote bool
	outboxCap   int
	heartbeat   time.Duration
	upgrader    websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	refresh func() // invalidate computations + schedule a rebuild

	srcMu      sync.Mutex
	nextSource string
}

// Options configures a hub. Version is advertised in the connection
// frame; OutboxCap and Heartbeat fall back to the defaults when zero.
type Options struct {
	Version     string
	AllowRemote bool
	OutboxCap   int
	Heartbeat   time.Duration
}

// New creates a hub.
func New(opts Options, mon *perf.Monitor) *Hub {
	if opts.OutboxCap <= 0 {
		opts.OutboxCap = DefaultOutboxCap
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	h := &Hub{
		version:     opts.Version,
		mon:         mon,
		allowRemote: opts.AllowRemote,
		outboxCap:   opts.OutboxCap,
		heartbeat:   opts.Heartbeat,
		clients:     make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetRefreshHook installs the callback behind refresh_request frames.
func (h *Hub) SetRefreshHook(fn func()) { h.refresh = fn }

// MarkRefreshSource labels the next data_refresh broadcast ("startup",
// "client"); unlabeled rebuilds report "watcher".
func (h *Hub) MarkRefreshSource(source string) {
	h.srcMu.Lock()
	h.nextSource = source
	h.srcMu.Unlock()
}

func (h *Hub) takeRefreshSource() string {
	h.srcMu.Lock()
	defer h.srcMu.Unlock()
	src := h.nextSource
	h.nextSource = ""
	if src == "" {
		src = "watcher"
	}
	return src
}

// checkOrigin enforces the loopback policy: browser requests must come
// from a localhost origin unless remote access was enabled explicitly.
// Non-browser clients send no Origin header and are always accepted.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.allowRemote {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	slog.Warn("hub.origin_rejected", "origin", origin)
	return false
}

// HandleWebSocket upgrades the request and services the session until it
// ends.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.mon.ClientError()
		slog.Error("hub.upgrade_failed", "error", err)
		return
	}

	client := newClient(conn, h)
	h.register(client)
	defer func() {
		h.unregister(client)
		client.Close()
	}()

	client.send(protocol.NewConnection(h.version), false)
	client.Run()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	slog.Info("hub.client_connected", "id", c.id)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	slog.Info("hub.client_disconnected", "id", c.id)
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast marshals frame once and enqueues it to every client
// subscribed to channel. Per-client outbox order is the emit order.
func (h *Hub) Broadcast(channel string, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("hub.marshal_failed", "channel", channel, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.subscribed(channel) {
			c.enqueue(payload, false)
		}
	}
}

// SnapshotRebuilt implements analyzer.Notifier.
func (h *Hub) SnapshotRebuilt(snap *analyzer.Snapshot) {
	h.Broadcast(protocol.ChannelData, protocol.DataRefreshFrame{
		Type:            protocol.TypeDataRefresh,
		Source:          h.takeRefreshSource(),
		SnapshotVersion: snap.Version,
	})
}

// ConversationStateChanged implements analyzer.Notifier.
func (h *Hub) ConversationStateChanged(filepath string, from, to state.State, at time.Time) {
	h.Broadcast(protocol.ChannelConversations, protocol.ConversationStateChangeFrame{
		Type:     protocol.TypeConversationStateChange,
		Filepath: filepath,
		OldState: string(from),
		NewState: string(to),
		At:       at,
	})
}

// BroadcastHealth pushes a system_health frame to the system channel.
func (h *Hub) BroadcastHealth(summary perf.Summary) {
	metrics, err := json.Marshal(summary)
	if err != nil {
		slog.Error("hub.marshal_failed", "channel", protocol.ChannelSystem, "error", err)
		return
	}
	h.Broadcast(protocol.ChannelSystem, protocol.SystemHealthFrame{
		Type:     protocol.TypeSystemHealth,
		Metrics:  metrics,
		Degraded: summary.Degraded,
	})
}

func (h *Hub) requestRefresh() {
	h.MarkRefreshSource("client")
	if h.refresh != nil {
		h.refresh()
	}
}

// CloseAll disconnects every client, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
