// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Keeps at most one physical push channel per feed id
//   - Reference-counts subscribers via Handles
//   - Owns the Disconnected/Connecting/Connected/Backoff/Failed lifecycle
//   - Reconnects with exponential backoff and jitter
//   - Detects dead channels via missed heartbeats
//   - Forwards inbound data records to the sink registered for the feed
package connection
