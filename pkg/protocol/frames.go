package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped on incompatible frame changes.
const ProtocolVersion = 1

// Channel names a dashboard client may subscribe to.
const (
	ChannelData          = "data_updates"
	ChannelConversations = "conversation_updates"
	ChannelSystem        = "system_updates"
)

// Channels lists every channel the server supports, in the order they are
// advertised in the connection frame.
func Channels() []string {
	return []string{ChannelData, ChannelConversations, ChannelSystem}
}

// ValidChannel reports whether name is a known subscription channel.
func ValidChannel(name string) bool {
	switch name {
	case ChannelData, ChannelConversations, ChannelSystem:
		return true
	}
	return false
}

// Client → server frame types.
const (
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeRefreshRequest = "refresh_request"
	TypePing           = "ping"
)

// Server → client frame types.
const (
	TypeConnection              = "connection"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypePong                    = "pong"
	TypeDataRefresh             = "data_refresh"
	TypeConversationStateChange = "conversation_state_change"
	TypeSystemHealth            = "system_health"
)

// ClientFrame is the envelope for every frame a client sends. Unknown or
// unparseable frames are a protocol error and close the session.
type ClientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ConnectionFrame is sent once immediately after the WebSocket upgrade.
type ConnectionFrame struct {
	Type     string   `json:"type"`
	Version  string   `json:"version"`
	Protocol int      `json:"protocol"`
	Channels []string `json:"channels"`
}

// NewConnection builds the greeting frame for a freshly accepted client.
func NewConnection(version string) ConnectionFrame {
	return ConnectionFrame{
		Type:     TypeConnection,
		Version:  version,
		Protocol: ProtocolVersion,
		Channels: Channels(),
	}
}

// SubscriptionConfirmedFrame acknowledges a subscribe request.
type SubscriptionConfirmedFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// PongFrame answers a client-initiated ping.
type PongFrame struct {
	Type string `json:"type"`
}

// DataRefreshFrame announces that the cached snapshot was rebuilt.
// Source names what triggered the rebuild ("watcher", "client", "startup").
type DataRefreshFrame struct {
	Type            string `json:"type"`
	Source          string `json:"source"`
	SnapshotVersion int64  `json:"snapshotVersion"`
}

// ConversationStateChangeFrame announces a single conversation moving
// between states.
type ConversationStateChangeFrame struct {
	Type     string    `json:"type"`
	Filepath string    `json:"filepath"`
	OldState string    `json:"oldState"`
	NewState string    `json:"newState"`
	At       time.Time `json:"at"`
}

// SystemHealthFrame carries the PerfMonitor summary. Degraded is set when
// the server is running but producing partial data (watcher down, process
// enumeration failing).
type SystemHealthFrame struct {
	Type     string          `json:"type"`
	Metrics  json.RawMessage `json:"metrics"`
	Degraded bool            `json:"degraded"`
}
