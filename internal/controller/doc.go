// Package controller implements the Feed Controller component, the
// public-facing unit each view depends on.
//
// The Feed Controller:
//   - Composes the Connection Manager, History Loader, and Stream Merger
//   - Exposes the merged sequence, a live/polling/error status, and the
//     send/refresh actions through a Subscription
//   - Falls back to interval polling whenever the push channel is down and
//     halts it the moment the channel reconnects
//   - Queues outbound sends while polling and also issues them over the REST
//     write fallback so nothing is silently dropped
package controller
