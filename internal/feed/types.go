package feed

import (
	"encoding/json"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Record
// -----------------------------------------------------------------------------

// Record is the envelope for one feed entry. The payload is opaque to the
// synchronization layer; only ID, FeedID and ProducedAt are interpreted.
//
// ID is unique within a feed. ProducedAt is non-decreasing in the source
// systems but may arrive out of order at the client.
type Record struct {
	ID         string          `json:"id"`
	FeedID     string          `json:"feed_id"`
	ProducedAt time.Time       `json:"produced_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Compare orders records ascending by ProducedAt, ties broken by ID
// (lexicographic) so the merged sequence is deterministic.
func Compare(a, b Record) int {
	if c := a.ProducedAt.Compare(b.ProducedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Less reports whether a sorts strictly before b.
func Less(a, b Record) bool {
	return Compare(a, b) < 0
}

// -----------------------------------------------------------------------------
// Wire envelope (push channel)
// -----------------------------------------------------------------------------

// Envelope message types.
const (
	TypeData      = "data"
	TypeHeartbeat = "heartbeat"
	TypeError     = "error"
)

// Envelope is the push-channel message framing: every inbound message is one
// of data (carrying a Record), heartbeat, or error.
type Envelope struct {
	Type   string     `json:"type"`
	FeedID string     `json:"feedId"`
	Record *Record    `json:"record,omitempty"`
	Error  *WireError `json:"error,omitempty"`
}

// WireError is the error detail carried by a type="error" envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outbound is the message shape sent over the push channel and, identically,
// to the REST write-fallback endpoint. The idempotency key is attached on
// both paths; server-side deduplication is not assumed.
type Outbound struct {
	FeedID         string          `json:"feedId"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}
