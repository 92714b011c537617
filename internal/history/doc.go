// Package history implements the History Loader component.
//
// The History Loader:
//   - Performs paged fetches of historical records for a feed id
//   - Retries transient failures (timeouts, 5xx) with linear backoff
//   - Surfaces permanent failures (4xx, malformed payloads) immediately
//   - Defensively sorts every batch before returning it
//   - Carries the REST write-fallback used while the push channel is down
package history
