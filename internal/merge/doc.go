// Package merge implements the Stream Merger component.
//
// The Stream Merger:
//   - Combines history batches and live records into one ordered sequence
//   - Deduplicates by record id (idempotent ingestion)
//   - Orders ascending by ProducedAt, ties broken by id
//   - Enforces a retention cap with head-only eviction bounded by the
//     delivered watermark, so no record disappears before it was rendered
package merge
