package controller

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/regulens/feedsync/internal/connection"
	"github.com/regulens/feedsync/internal/feed"
)

// Subscription is one view's attachment to a feed. All methods are safe for
// concurrent use; after Close they fail with ErrClosed.
type Subscription struct {
	c      *Controller
	fs     *feedState
	handle *connection.Handle
	closed atomic.Bool
}

// FeedID returns the subscribed feed.
func (s *Subscription) FeedID() string {
	return s.fs.feedID
}

// Records returns the current merged sequence, ordered ascending by
// ProducedAt with ties broken by id. Reading advances the delivery watermark
// that bounds retention eviction.
func (s *Subscription) Records() []feed.Record {
	return s.fs.merger.Snapshot()
}

// Status returns the current connectivity snapshot.
func (s *Subscription) Status() StatusSnapshot {
	return s.c.status(s.fs)
}

// Send dispatches a payload to the feed. While live it goes over the push
// channel; while polling it is queued for reconnect and issued through the
// REST fallback. Delivery across the fallback path is not exactly-once.
func (s *Subscription) Send(ctx context.Context, payload json.RawMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.c.send(ctx, s.fs, s.handle, payload)
}

// Refresh forces an immediate history fetch regardless of status. It returns
// ErrFetchInFlight when a fetch for this feed is already outstanding.
func (s *Subscription) Refresh(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.c.fetchOnce(ctx, s.fs, s.c.cfg.PollLimit)
}

// Close releases the subscription. When the last subscriber of the feed
// closes, the push channel shuts down, polling timers stop, and in-flight
// fetch results are discarded on arrival.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.c.unsubscribe(s.fs, s.handle)
	return nil
}
