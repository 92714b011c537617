package merge

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/regulens/feedsync/internal/feed"
)

// DefaultRetentionCap is the per-feed record cap when none is configured.
const DefaultRetentionCap = 500

// entry is one retained record plus its delivery mark. A record becomes
// delivered once it has appeared in at least one Snapshot; only delivered
// records are eligible for eviction.
type entry struct {
	rec       feed.Record
	delivered bool
}

// Stats holds merger counters.
type Stats struct {
	Records           int   // Currently retained
	Ingested          int64 // Accepted (batch + live)
	DuplicatesDropped int64
	Evicted           int64
}

// Merger maintains one feed's deduplicated, time-ordered record sequence.
// IngestBatch and IngestLive feed the same internal structure; Snapshot is a
// cheap, stable read. The final sequence is independent of how batch and live
// ingestion interleave.
type Merger struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []entry
	seen    map[string]struct{} // ids ever accepted, survives eviction
	cap     int

	ingested int64
	dups     int64
	evicted  int64
}

// New creates a Merger. cap <= 0 selects DefaultRetentionCap.
func New(retentionCap int, logger *slog.Logger) *Merger {
	if retentionCap <= 0 {
		retentionCap = DefaultRetentionCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		logger: logger,
		seen:   make(map[string]struct{}),
		cap:    retentionCap,
	}
}

// IngestBatch merges a history batch into the sequence via a merge-join.
// Records whose id was seen before are discarded. Returns the number of
// records accepted.
func (m *Merger) IngestBatch(records []feed.Record) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := make([]entry, 0, len(records))
	for _, r := range records {
		if _, dup := m.seen[r.ID]; dup {
			m.dups++
			continue
		}
		m.seen[r.ID] = struct{}{}
		fresh = append(fresh, entry{rec: r})
	}
	if len(fresh) == 0 {
		return 0
	}

	// The loader sorts batches before returning them, but a merge-join is
	// only correct when both sides really are ordered.
	slices.SortFunc(fresh, func(a, b entry) int { return feed.Compare(a.rec, b.rec) })

	merged := make([]entry, 0, len(m.entries)+len(fresh))
	i, j := 0, 0
	for i < len(m.entries) && j < len(fresh) {
		if feed.Compare(m.entries[i].rec, fresh[j].rec) <= 0 {
			merged = append(merged, m.entries[i])
			i++
		} else {
			merged = append(merged, fresh[j])
			j++
		}
	}
	merged = append(merged, m.entries[i:]...)
	merged = append(merged, fresh[j:]...)

	m.entries = merged
	m.ingested += int64(len(fresh))
	m.enforceCap()

	return len(fresh)
}

// IngestLive inserts one live record at its sorted position. Records arrive
// near the tail in the common case, so this is a binary search plus append;
// out-of-order arrivals pay the slice shift. Returns false for duplicates.
func (m *Merger) IngestLive(rec feed.Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[rec.ID]; dup {
		m.dups++
		return false
	}
	m.seen[rec.ID] = struct{}{}
	m.ingested++

	e := entry{rec: rec}
	if n := len(m.entries); n == 0 || feed.Compare(m.entries[n-1].rec, rec) <= 0 {
		m.entries = append(m.entries, e)
	} else {
		pos, _ := slices.BinarySearchFunc(m.entries, rec, func(have entry, want feed.Record) int {
			return feed.Compare(have.rec, want)
		})
		m.entries = slices.Insert(m.entries, pos, e)
	}

	m.enforceCap()
	return true
}

// Snapshot returns the current merged sequence and marks every returned
// record as delivered, advancing the eviction watermark.
func (m *Merger) Snapshot() []feed.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]feed.Record, len(m.entries))
	for i := range m.entries {
		out[i] = m.entries[i].rec
		m.entries[i].delivered = true
	}
	m.enforceCap()
	return out
}

// Latest returns the newest ProducedAt in the sequence, for use as a polling
// cursor. ok is false when the sequence is empty.
func (m *Merger) Latest() (ts time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return time.Time{}, false
	}
	return m.entries[len(m.entries)-1].rec.ProducedAt, true
}

// Len returns the number of retained records.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stats returns current counters.
func (m *Merger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Records:           len(m.entries),
		Ingested:          m.ingested,
		DuplicatesDropped: m.dups,
		Evicted:           m.evicted,
	}
}

// enforceCap evicts delivered records from the head while over capacity.
// Undelivered records block eviction so a subscriber never sees a gap; the
// sequence may exceed the cap until the next Snapshot. Must be called with
// the lock held.
func (m *Merger) enforceCap() {
	drop := 0
	for len(m.entries)-drop > m.cap && m.entries[drop].delivered {
		drop++
	}
	if drop == 0 {
		return
	}
	m.entries = slices.Delete(m.entries, 0, drop)
	m.evicted += int64(drop)
}
