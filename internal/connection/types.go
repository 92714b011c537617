package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("channel not connected")
	ErrStaleConnection = errors.New("connection stale (missed heartbeats)")
	ErrChannelClosed   = errors.New("channel closed by peer")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrUnknownHandle   = errors.New("unknown subscription handle")
	ErrFeedFailed      = errors.New("feed permanently failed")
)

// State is the lifecycle state of one feed's push channel. It is owned
// exclusively by the Manager; no other component mutates it.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StateFailed       State = "failed"
)

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a single push-channel client.
type ClientConfig struct {
	URL              string        // Channel endpoint for one feed
	AuthToken        string        // Bearer token attached to the handshake (empty = none)
	HandshakeTimeout time.Duration // Dial/handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	PingTimeout      time.Duration // Max silence on transport pings before the client reports staleness
	BufferSize       int           // Inbound message channel capacity
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingTimeout:      60 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	// Endpoint is the channel URL prefix; the feed id is appended per
	// connection (e.g. "wss://host/feeds/" + feedID).
	Endpoint  string
	AuthToken string

	HandshakeTimeout     time.Duration // Default 10s
	HeartbeatInterval    time.Duration // Expected heartbeat cadence, default 15s
	MissedHeartbeatLimit int           // Consecutive misses before the channel is declared dead, default 2

	BackoffBase time.Duration // Default 1s
	BackoffMax  time.Duration // Default 30s
	MaxAttempts int           // 0 = retry forever; >0 transitions to Failed after that many consecutive failures

	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HandshakeTimeout:     10 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		MissedHeartbeatLimit: 2,
		BackoffBase:          1 * time.Second,
		BackoffMax:           30 * time.Second,
		MaxAttempts:          0,
		WriteTimeout:         5 * time.Second,
		BufferSize:           1000,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	ActiveFeeds    int
	ConnectedFeeds int
	TotalHandles   int
}
