// Package archive persists merged feed records to Postgres for audit and
// replay. It is optional: the synchronization layer works without it, and a
// slow database never blocks ingestion because records pass through a
// growable in-memory buffer first.
package archive
