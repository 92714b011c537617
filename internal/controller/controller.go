package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/feedsync/internal/connection"
	"github.com/regulens/feedsync/internal/feed"
	"github.com/regulens/feedsync/internal/history"
	"github.com/regulens/feedsync/internal/merge"
)

// Errors
var (
	ErrFetchInFlight = errors.New("fetch already in flight for feed")
	ErrClosed        = errors.New("subscription closed")
)

// Status is the connectivity mode surfaced to subscribers.
type Status string

const (
	StatusLive    Status = "live"
	StatusPolling Status = "polling"
	StatusError   Status = "error"
)

// StatusSnapshot is the subscriber-visible connectivity state. The UI keeps
// rendering the last merged sequence in every mode; only the flag changes.
type StatusSnapshot struct {
	Mode     Status
	Degraded bool   // DegradedAfter consecutive channel failures without a reconnect
	LastErr  string // last error message, empty when healthy
}

// Config holds Feed Controller settings.
type Config struct {
	PollInterval  time.Duration // Polling cadence while the channel is down; 5s suits chat-style feeds, up to 30s for slow feeds
	PollLimit     int           // Page size for polling fetches
	InitialLimit  int           // Page size for the initial history fetch
	RetentionCap  int           // Per-feed merger cap
	DegradedAfter int           // Consecutive channel failures before the degraded flag raises
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  5 * time.Second,
		PollLimit:     200,
		InitialLimit:  merge.DefaultRetentionCap,
		RetentionCap:  merge.DefaultRetentionCap,
		DegradedAfter: 5,
	}
}

// Stats aggregates controller counters.
type Stats struct {
	ActiveFeeds  int
	PollCycles   int64
	PollErrors   int64
	QueuedSends  int
	StaleFetches int64
}

// queuedSend is one outbound message awaiting channel reconnect.
type queuedSend struct {
	key  string // idempotency key
	data []byte
}

// feedState is the controller's shared per-feed state. All subscribers of a
// feed share one merger, one poll loop, and one send queue.
type feedState struct {
	feedID string
	merger *merge.Merger

	// Controller-owned channel handle, used for flushing queued sends.
	// Subscribers hold their own handles on top of this one.
	handle *connection.Handle

	// Incremented on last unsubscribe; in-flight fetches carrying an older
	// generation discard their result on arrival.
	gen atomic.Int64

	// At most one history fetch outstanding per feed.
	inFlight atomic.Bool

	interval time.Duration

	mu             sync.Mutex
	polling        bool
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
	consecFailures int
	permanentErr   bool
	lastErr        string
	queue          []queuedSend
}

// Controller composes the connection manager, history loader, and per-feed
// stream mergers behind the Subscribe contract.
type Controller struct {
	cfg    Config
	conns  *connection.Manager
	loader *history.Loader
	logger *slog.Logger

	mu      sync.Mutex
	feeds   map[string]*feedState
	subs    map[string]int           // feedID -> subscriber count
	closing map[string]chan struct{} // feeds mid-teardown; closed when done

	pollCycles   atomic.Int64
	pollErrors   atomic.Int64
	staleFetches atomic.Int64
}

// New creates a Feed Controller and registers itself as the connection
// manager's state listener.
func New(cfg Config, conns *connection.Manager, loader *history.Loader, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cfg:     cfg,
		conns:   conns,
		loader:  loader,
		logger:  logger,
		feeds:   make(map[string]*feedState),
		subs:    make(map[string]int),
		closing: make(map[string]chan struct{}),
	}
	conns.OnStateChange(c.onStateChange)
	return c
}

// SubscribeOption customizes one feed's subscription.
type SubscribeOption func(*feedState)

// WithPollInterval overrides the polling cadence for this feed. Only the
// first subscriber's interval takes effect; later subscribers share the
// running loop.
func WithPollInterval(d time.Duration) SubscribeOption {
	return func(fs *feedState) {
		fs.interval = d
	}
}

// Subscribe attaches to a feed, triggering the initial history fetch and the
// push-channel open concurrently. Subscribers of a feed share one merged
// sequence; the channel closes when the last subscription does.
func (c *Controller) Subscribe(feedID string, opts ...SubscribeOption) *Subscription {
	c.mu.Lock()
	// A previous last-unsubscribe may still be releasing this feed's push
	// channel. Opening before that finishes would join the dying channel,
	// whose sink is the defunct merger; wait it out instead.
	for {
		done, ok := c.closing[feedID]
		if !ok {
			break
		}
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}
	fs, ok := c.feeds[feedID]
	if !ok {
		fs = &feedState{
			feedID:   feedID,
			merger:   merge.New(c.cfg.RetentionCap, c.logger.With("feed_id", feedID)),
			interval: c.cfg.PollInterval,
		}
		for _, opt := range opts {
			opt(fs)
		}
		c.feeds[feedID] = fs
		// Insert before opening so state notifications find the feed.
		fs.handle = c.conns.Open(feedID, fs.merger)
	}
	c.subs[feedID]++
	c.mu.Unlock()

	handle := c.conns.Open(feedID, fs.merger)
	sub := &Subscription{c: c, fs: fs, handle: handle}

	if !ok {
		go func() {
			if err := c.fetchOnce(context.Background(), fs, c.cfg.InitialLimit); err != nil && !errors.Is(err, ErrFetchInFlight) {
				c.logger.Warn("initial history fetch failed",
					"feed_id", feedID,
					"error", err,
				)
			}
		}()
	}

	return sub
}

// Stats returns aggregate counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	feeds := make([]*feedState, 0, len(c.feeds))
	for _, fs := range c.feeds {
		feeds = append(feeds, fs)
	}
	c.mu.Unlock()

	s := Stats{
		ActiveFeeds:  len(feeds),
		PollCycles:   c.pollCycles.Load(),
		PollErrors:   c.pollErrors.Load(),
		StaleFetches: c.staleFetches.Load(),
	}
	for _, fs := range feeds {
		fs.mu.Lock()
		s.QueuedSends += len(fs.queue)
		fs.mu.Unlock()
	}
	return s
}

// unsubscribe tears down per-feed state when the last subscriber leaves. The
// feed stays in the closing set until its push channel is fully released, so
// a concurrent Subscribe starts from a clean slate instead of attaching to
// the dying channel.
func (c *Controller) unsubscribe(fs *feedState, handle *connection.Handle) {
	c.conns.Close(handle)

	c.mu.Lock()
	c.subs[fs.feedID]--
	last := c.subs[fs.feedID] <= 0
	var done chan struct{}
	if last {
		delete(c.subs, fs.feedID)
		delete(c.feeds, fs.feedID)
		done = make(chan struct{})
		c.closing[fs.feedID] = done
	}
	c.mu.Unlock()

	if !last {
		return
	}

	// Stale fetch responses for this feed are discarded on arrival, and all
	// timers stop before we return.
	fs.gen.Add(1)
	c.stopPolling(fs)
	c.conns.Close(fs.handle)

	c.mu.Lock()
	delete(c.closing, fs.feedID)
	c.mu.Unlock()
	close(done)
}

// onStateChange reacts to connection transitions. It runs synchronously on
// the manager's event path, so polling starts before any further channel
// event for the feed is processed.
func (c *Controller) onStateChange(feedID string, from, to connection.State) {
	c.mu.Lock()
	fs := c.feeds[feedID]
	c.mu.Unlock()
	if fs == nil {
		return // teardown transitions after last unsubscribe
	}

	switch to {
	case connection.StateConnected:
		fs.mu.Lock()
		fs.consecFailures = 0
		fs.lastErr = ""
		fs.mu.Unlock()
		c.stopPolling(fs)
		go c.flushQueue(fs)

	case connection.StateBackoff, connection.StateFailed:
		fs.mu.Lock()
		fs.consecFailures++
		n := fs.consecFailures
		fs.mu.Unlock()
		if n == c.cfg.DegradedAfter {
			c.logger.Warn("feed degraded",
				"feed_id", feedID,
				"consecutive_failures", n,
			)
		}
		c.startPolling(fs)
	}
}

// startPolling launches the fallback poll loop unless it is already running.
func (c *Controller) startPolling(fs *feedState) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.polling {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	fs.polling = true
	fs.pollCancel = cancel
	fs.pollDone = done

	go c.pollLoop(ctx, fs, done)

	c.logger.Info("polling fallback started",
		"feed_id", fs.feedID,
		"interval", fs.interval,
	)
}

// stopPolling halts the poll loop and waits for it to exit, so no poll fires
// after this returns.
func (c *Controller) stopPolling(fs *feedState) {
	fs.mu.Lock()
	if !fs.polling {
		fs.mu.Unlock()
		return
	}
	cancel, done := fs.pollCancel, fs.pollDone
	fs.polling = false
	fs.pollCancel = nil
	fs.pollDone = nil
	fs.mu.Unlock()

	cancel()
	<-done

	c.logger.Info("polling fallback stopped", "feed_id", fs.feedID)
}

// pollLoop fetches history at the configured interval until canceled.
func (c *Controller) pollLoop(ctx context.Context, fs *feedState, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(fs.interval)
	defer ticker.Stop()

	// Poll immediately: the channel just dropped, so the gap starts now.
	c.pollOnce(ctx, fs)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx, fs)
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context, fs *feedState) {
	err := c.fetchOnce(ctx, fs, c.cfg.PollLimit)
	switch {
	case err == nil:
		c.pollCycles.Add(1)
	case errors.Is(err, ErrFetchInFlight), errors.Is(err, context.Canceled):
	default:
		c.pollErrors.Add(1)
		c.logger.Warn("poll fetch failed", "feed_id", fs.feedID, "error", err)
	}
}

// fetchOnce performs one guarded history fetch and merges the result. The
// cursor is the newest ProducedAt already merged, so only the gap transfers.
func (c *Controller) fetchOnce(ctx context.Context, fs *feedState, limit int) error {
	if !fs.inFlight.CompareAndSwap(false, true) {
		return ErrFetchInFlight
	}
	defer fs.inFlight.Store(false)

	gen := fs.gen.Load()

	opts := history.FetchOptions{Limit: limit}
	if ts, ok := fs.merger.Latest(); ok {
		opts.Cursor = ts.UTC().Format(time.RFC3339Nano)
	}

	batch, err := c.loader.Fetch(ctx, fs.feedID, opts)
	if err != nil {
		c.recordFetchErr(fs, err)
		return err
	}

	if fs.gen.Load() != gen {
		c.staleFetches.Add(1)
		return nil
	}

	added := fs.merger.IngestBatch(batch.Records)

	fs.mu.Lock()
	fs.permanentErr = false
	fs.lastErr = ""
	fs.mu.Unlock()

	if added > 0 {
		c.logger.Debug("history merged",
			"feed_id", fs.feedID,
			"added", added,
			"batch", len(batch.Records),
		)
	}
	return nil
}

func (c *Controller) recordFetchErr(fs *feedState, err error) {
	var fe *history.FetchError
	permanent := errors.As(err, &fe) && !fe.Transient

	fs.mu.Lock()
	fs.lastErr = err.Error()
	if permanent {
		fs.permanentErr = true
	}
	fs.mu.Unlock()
}

// flushQueue replays queued sends over the reconnected channel, oldest first.
// Entries whose REST fallback already landed may still replay here; the
// server is not assumed to deduplicate.
func (c *Controller) flushQueue(fs *feedState) {
	for {
		fs.mu.Lock()
		if len(fs.queue) == 0 {
			fs.mu.Unlock()
			return
		}
		qs := fs.queue[0]
		fs.queue = fs.queue[1:]
		fs.mu.Unlock()

		if err := c.conns.Send(fs.handle, qs.data); err != nil {
			// Channel dropped again; requeue and let the next reconnect retry.
			fs.mu.Lock()
			fs.queue = append([]queuedSend{qs}, fs.queue...)
			fs.mu.Unlock()
			c.logger.Warn("queue flush interrupted",
				"feed_id", fs.feedID,
				"error", err,
			)
			return
		}
	}
}

// status derives the subscriber-visible snapshot for a feed.
func (c *Controller) status(fs *feedState) StatusSnapshot {
	state := c.conns.State(fs.feedID)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	mode := StatusPolling
	switch {
	case state == connection.StateConnected:
		mode = StatusLive
	case fs.permanentErr:
		mode = StatusError
	}

	return StatusSnapshot{
		Mode:     mode,
		Degraded: fs.consecFailures >= c.cfg.DegradedAfter,
		LastErr:  fs.lastErr,
	}
}

// send dispatches an outbound payload for a subscription. Live sends go over
// the channel; otherwise the message is queued for reconnect and issued
// through the REST fallback so it is never silently dropped.
func (c *Controller) send(ctx context.Context, fs *feedState, handle *connection.Handle, payload json.RawMessage) error {
	out := feed.Outbound{
		FeedID:         fs.feedID,
		IdempotencyKey: uuid.NewString(),
		Payload:        payload,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outbound: %w", err)
	}

	if c.conns.State(fs.feedID) == connection.StateConnected {
		err := c.conns.Send(handle, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, connection.ErrNotConnected) {
			return fmt.Errorf("channel send: %w", err)
		}
		// Lost the channel between the state check and the write; fall
		// through to the polling path.
	}

	fs.mu.Lock()
	fs.queue = append(fs.queue, queuedSend{key: out.IdempotencyKey, data: data})
	fs.mu.Unlock()

	if err := c.loader.PostMessage(ctx, fs.feedID, out); err != nil {
		return fmt.Errorf("fallback send: %w", err)
	}

	// The fallback landed; drop the queued copy unless a reconnect flush
	// already consumed it.
	fs.mu.Lock()
	for i, qs := range fs.queue {
		if qs.key == out.IdempotencyKey {
			fs.queue = append(fs.queue[:i], fs.queue[i+1:]...)
			break
		}
	}
	fs.mu.Unlock()

	return nil
}
