package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regulens/feedsync/internal/feed"
)

// Sink receives inbound data records for one feed. The stream merger
// implements it; every data envelope on a Connected channel is forwarded
// unmodified. The return value reports whether the record was new.
type Sink interface {
	IngestLive(rec feed.Record) bool
}

// StateListener observes state transitions for a feed. It is invoked
// synchronously from the Manager so the Feed Controller can start its polling
// fallback before any further channel event is processed.
type StateListener func(feedID string, from, to State)

// Handle represents one active feed subscription. Handles are
// reference-counted: the Manager keeps at most one physical channel per feed
// id regardless of how many handles are open against it.
type Handle struct {
	id     string
	feedID string
}

// FeedID returns the feed this handle subscribes to.
func (h *Handle) FeedID() string { return h.feedID }

// Manager owns one push channel per feed id and its lifecycle state machine.
type Manager struct {
	cfg       ManagerConfig
	newClient ClientFactory
	logger    *slog.Logger

	mu    sync.Mutex
	feeds map[string]*feedChannel

	// Set once via OnStateChange before the first Open.
	listener StateListener
}

// feedChannel is the per-feed connection state.
type feedChannel struct {
	feedID  string
	sink    Sink
	handles map[string]struct{}

	stateMu sync.RWMutex
	state   State
	client  Client

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Connection Manager. A nil factory gets the production
// WebSocket client dialing cfg.Endpoint + feedID.
func NewManager(cfg ManagerConfig, factory ClientFactory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = wsFactory(cfg)
	}
	return &Manager{
		cfg:       cfg,
		newClient: factory,
		logger:    logger,
		feeds:     make(map[string]*feedChannel),
	}
}

// wsFactory builds the production client factory from manager config.
func wsFactory(cfg ManagerConfig) ClientFactory {
	return func(feedID string, logger *slog.Logger) Client {
		return NewClient(ClientConfig{
			URL:              cfg.Endpoint + feedID,
			AuthToken:        cfg.AuthToken,
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PingTimeout:      4 * cfg.HeartbeatInterval,
			BufferSize:       cfg.BufferSize,
		}, logger)
	}
}

// OnStateChange registers the transition listener. Must be called before the
// first Open; later calls race with notification delivery.
func (m *Manager) OnStateChange(l StateListener) {
	m.listener = l
}

// Open subscribes to a feed. When the reference count transitions 0 -> 1 a
// fresh connect cycle starts; otherwise the existing channel is shared. The
// first subscriber's sink receives all inbound records for the feed.
func (m *Manager) Open(feedID string, sink Sink) *Handle {
	h := &Handle{id: uuid.NewString(), feedID: feedID}

	m.mu.Lock()
	defer m.mu.Unlock()

	fc, ok := m.feeds[feedID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		fc = &feedChannel{
			feedID:  feedID,
			sink:    sink,
			handles: make(map[string]struct{}),
			state:   StateDisconnected,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		m.feeds[feedID] = fc
		go m.run(ctx, fc)
	}
	fc.handles[h.id] = struct{}{}

	return h
}

// Close releases a handle. When the reference count reaches zero the
// underlying channel is torn down; this is terminal for the handle but a
// later Open starts a fresh cycle.
func (m *Manager) Close(h *Handle) error {
	m.mu.Lock()
	fc, ok := m.feeds[h.feedID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	if _, ok := fc.handles[h.id]; !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(fc.handles, h.id)
	last := len(fc.handles) == 0
	if last {
		delete(m.feeds, h.feedID)
	}
	m.mu.Unlock()

	if last {
		fc.cancel()
		<-fc.done
	}
	return nil
}

// Send dispatches a message over the feed's push channel. It fails with
// ErrNotConnected unless the channel is Connected; the caller decides whether
// to queue or fall back to the REST write path.
func (m *Manager) Send(h *Handle, data []byte) error {
	m.mu.Lock()
	fc, ok := m.feeds[h.feedID]
	if ok {
		_, ok = fc.handles[h.id]
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	fc.stateMu.RLock()
	state, client := fc.state, fc.client
	fc.stateMu.RUnlock()

	if state != StateConnected || client == nil {
		return ErrNotConnected
	}
	return client.Send(data)
}

// State returns the current connection state for a feed. Feeds with no open
// handles report Disconnected.
func (m *Manager) State(feedID string) State {
	m.mu.Lock()
	fc, ok := m.feeds[feedID]
	m.mu.Unlock()
	if !ok {
		return StateDisconnected
	}
	fc.stateMu.RLock()
	defer fc.stateMu.RUnlock()
	return fc.state
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ManagerStats{ActiveFeeds: len(m.feeds)}
	for _, fc := range m.feeds {
		stats.TotalHandles += len(fc.handles)
		fc.stateMu.RLock()
		if fc.state == StateConnected {
			stats.ConnectedFeeds++
		}
		fc.stateMu.RUnlock()
	}
	return stats
}

// setState applies a transition and notifies the listener synchronously.
func (m *Manager) setState(fc *feedChannel, to State) {
	fc.stateMu.Lock()
	from := fc.state
	if from == to {
		fc.stateMu.Unlock()
		return
	}
	fc.state = to
	fc.stateMu.Unlock()

	m.logger.Debug("connection state changed",
		"feed_id", fc.feedID,
		"from", from,
		"to", to,
	)

	if l := m.listener; l != nil {
		l(fc.feedID, from, to)
	}
}

// run is the per-feed connect/read/backoff cycle. It exits on explicit close
// (context cancel) or on reaching the configured attempt limit.
func (m *Manager) run(ctx context.Context, fc *feedChannel) {
	defer close(fc.done)
	defer m.setState(fc, StateDisconnected)

	logger := m.logger.With("feed_id", fc.feedID)
	attempt := 0 // consecutive failures since the last Connected

	for {
		m.setState(fc, StateConnecting)

		client := m.newClient(fc.feedID, logger)
		hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		err := client.Connect(hctx)
		cancel()

		if err == nil {
			fc.stateMu.Lock()
			fc.client = client
			fc.stateMu.Unlock()

			attempt = 0
			m.setState(fc, StateConnected)

			err = m.readLoop(ctx, fc, client)

			fc.stateMu.Lock()
			fc.client = nil
			fc.stateMu.Unlock()
			client.Close()

			if ctx.Err() != nil {
				return
			}
			logger.Warn("push channel lost", "error", err)
		} else {
			client.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn("handshake failed", "error", err)
		}

		m.setState(fc, StateBackoff)

		attempt++
		if m.cfg.MaxAttempts > 0 && attempt >= m.cfg.MaxAttempts {
			logger.Error("giving up on feed", "attempts", attempt)
			m.setState(fc, StateFailed)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.backoffDelay(attempt - 1)):
		}
	}
}

// backoffDelay computes min(base * 2^attempt, max) with +-20% jitter.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < attempt && d < m.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}

// readLoop consumes frames until the channel dies. Any inbound traffic counts
// as liveness; MissedHeartbeatLimit consecutive silent intervals declare the
// channel stale.
func (m *Manager) readLoop(ctx context.Context, fc *feedChannel, client Client) error {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	staleAfter := time.Duration(m.cfg.MissedHeartbeatLimit) * m.cfg.HeartbeatInterval
	lastSeen := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-client.Errors():
			return err

		case <-ticker.C:
			if time.Since(lastSeen) >= staleAfter {
				return ErrStaleConnection
			}

		case msg, ok := <-client.Messages():
			if !ok {
				return ErrChannelClosed
			}
			lastSeen = time.Now()
			m.dispatch(fc, msg)
		}
	}
}

// dispatch parses one envelope and forwards data records to the feed's sink.
func (m *Manager) dispatch(fc *feedChannel, msg TimestampedMessage) {
	var env feed.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		m.logger.Warn("unparseable frame", "feed_id", fc.feedID, "error", err)
		return
	}

	switch env.Type {
	case feed.TypeData:
		if env.Record == nil {
			m.logger.Warn("data envelope without record", "feed_id", fc.feedID)
			return
		}
		if env.FeedID != "" && env.FeedID != fc.feedID {
			m.logger.Warn("record for wrong feed",
				"feed_id", fc.feedID,
				"envelope_feed_id", env.FeedID,
			)
			return
		}
		if fc.sink != nil {
			fc.sink.IngestLive(*env.Record)
		}

	case feed.TypeHeartbeat:
		// Liveness is already counted in readLoop.

	case feed.TypeError:
		if env.Error != nil {
			m.logger.Warn("channel error envelope",
				"feed_id", fc.feedID,
				"code", env.Error.Code,
				"message", env.Error.Message,
			)
		}

	default:
		m.logger.Debug("skipping envelope type", "type", env.Type)
	}
}
