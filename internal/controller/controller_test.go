package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regulens/feedsync/internal/connection"
	"github.com/regulens/feedsync/internal/feed"
	"github.com/regulens/feedsync/internal/history"
)

// fakeClient is a scripted push-channel transport.
type fakeClient struct {
	ff       *fakeFactory
	messages chan connection.TimestampedMessage
	errors   chan error

	mu        sync.Mutex
	connected bool
	sent      [][]byte
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if !c.ff.allow.Load() {
		return errors.New("connection refused")
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return connection.ErrNotConnected
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeClient) Messages() <-chan connection.TimestampedMessage { return c.messages }
func (c *fakeClient) Errors() <-chan error                           { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeFactory hands out fakeClients; allow toggles whether new connection
// attempts succeed.
type fakeFactory struct {
	allow atomic.Bool

	mu      sync.Mutex
	clients []*fakeClient
}

func newFakeFactory(allow bool) *fakeFactory {
	ff := &fakeFactory{}
	ff.allow.Store(allow)
	return ff
}

func (f *fakeFactory) factory(feedID string, logger *slog.Logger) connection.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{
		ff:       f,
		messages: make(chan connection.TimestampedMessage, 16),
		errors:   make(chan error, 1),
	}
	f.clients = append(f.clients, c)
	return c
}

func (f *fakeFactory) latest() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

// historyServer is a scripted REST backend: an in-memory record set served
// with cursor filtering, plus a capture of posted fallback messages.
type historyServer struct {
	srv *httptest.Server

	mu         sync.Mutex
	records    []feed.Record
	getStatus  int // 0 = serve normally
	postStatus int // 0 = accept
	posted     []feed.Outbound
	gate       chan struct{} // non-nil: GET blocks until closed
}

func newHistoryServer() *historyServer {
	hs := &historyServer{}
	hs.srv = httptest.NewServer(http.HandlerFunc(hs.handle))
	return hs
}

func (hs *historyServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") {
		hs.mu.Lock()
		status := hs.postStatus
		hs.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		var out feed.Outbound
		if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		hs.mu.Lock()
		hs.posted = append(hs.posted, out)
		hs.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	hs.mu.Lock()
	gate := hs.gate
	status := hs.getStatus
	hs.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	var cursor time.Time
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		cursor = ts
	}

	hs.mu.Lock()
	var out []feed.Record
	for _, rec := range hs.records {
		if cursor.IsZero() || rec.ProducedAt.After(cursor) {
			out = append(out, rec)
		}
	}
	hs.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"records": out})
}

func (hs *historyServer) add(recs ...feed.Record) {
	hs.mu.Lock()
	hs.records = append(hs.records, recs...)
	hs.mu.Unlock()
}

func (hs *historyServer) postedCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.posted)
}

func rec(id string, sec int) feed.Record {
	return feed.Record{
		ID:         id,
		FeedID:     "audit",
		ProducedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second),
	}
}

func liveFrame(t *testing.T, r feed.Record) connection.TimestampedMessage {
	t.Helper()
	data, err := json.Marshal(feed.Envelope{Type: feed.TypeData, FeedID: r.FeedID, Record: &r})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return connection.TimestampedMessage{Data: data, ReceivedAt: time.Now()}
}

type testEnv struct {
	hs  *historyServer
	ff  *fakeFactory
	ctl *Controller
}

func newTestEnv(t *testing.T, allowConnect bool) *testEnv {
	t.Helper()

	hs := newHistoryServer()
	t.Cleanup(hs.srv.Close)

	ff := newFakeFactory(allowConnect)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mcfg := connection.DefaultManagerConfig()
	mcfg.Endpoint = "ws://test/feeds/"
	mcfg.HeartbeatInterval = time.Second
	mcfg.BackoffBase = 5 * time.Millisecond
	mcfg.BackoffMax = 20 * time.Millisecond
	mgr := connection.NewManager(mcfg, ff.factory, logger)

	loader := history.NewLoader(hs.srv.URL, "", history.WithRetries(1, time.Millisecond))

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DegradedAfter = 2

	return &testEnv{hs: hs, ff: ff, ctl: New(cfg, mgr, loader, logger)}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasIDs(records []feed.Record, want ...string) bool {
	if len(records) != len(want) {
		return false
	}
	for i, id := range want {
		if records[i].ID != id {
			return false
		}
	}
	return true
}

func TestSubscribe_InitialHistoryThenLive(t *testing.T) {
	env := newTestEnv(t, true)
	env.hs.add(rec("a", 1), rec("b", 2))

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "history merged", func() bool { return hasIDs(sub.Records(), "a", "b") })
	waitFor(t, "live status", func() bool { return sub.Status().Mode == StatusLive })

	env.ff.latest().messages <- liveFrame(t, rec("c", 3))
	waitFor(t, "live record merged", func() bool { return hasIDs(sub.Records(), "a", "b", "c") })

	if st := sub.Status(); st.Degraded || st.LastErr != "" {
		t.Errorf("Status() = %+v, want healthy", st)
	}
}

func TestPollingFallback_CoversTheGap(t *testing.T) {
	env := newTestEnv(t, true)
	env.hs.add(rec("a", 1))

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "live", func() bool { return sub.Status().Mode == StatusLive })

	// Drop the channel and refuse reconnects: the controller must fall back
	// to polling.
	env.ff.allow.Store(false)
	env.ff.latest().errors <- errors.New("read: connection reset")

	waitFor(t, "polling status", func() bool { return sub.Status().Mode == StatusPolling })

	// A record produced during the outage arrives via poll.
	env.hs.add(rec("b", 2))
	waitFor(t, "gap record merged", func() bool { return hasIDs(sub.Records(), "a", "b") })

	if n := env.ctl.Stats().PollCycles; n == 0 {
		t.Error("PollCycles = 0, want > 0")
	}
}

func TestReconnect_StopsPollingAndResumesLive(t *testing.T) {
	env := newTestEnv(t, true)
	env.hs.add(rec("a", 1))

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "live", func() bool { return sub.Status().Mode == StatusLive })

	env.ff.allow.Store(false)
	env.ff.latest().errors <- errors.New("read: connection reset")
	waitFor(t, "polling", func() bool { return sub.Status().Mode == StatusPolling })

	env.ff.allow.Store(true)
	waitFor(t, "live again", func() bool { return sub.Status().Mode == StatusLive })

	// Polling halted: the cycle counter stops moving. Allow any poll that
	// was mid-flight during the reconnect to land first.
	time.Sleep(30 * time.Millisecond)
	before := env.ctl.Stats().PollCycles
	time.Sleep(50 * time.Millisecond)
	if after := env.ctl.Stats().PollCycles; after != before {
		t.Errorf("PollCycles advanced %d -> %d after reconnect", before, after)
	}

	// Live delivery works on the new channel.
	env.ff.latest().messages <- liveFrame(t, rec("b", 2))
	waitFor(t, "live record merged", func() bool { return hasIDs(sub.Records(), "a", "b") })
}

func TestDegraded_AfterConsecutiveFailures(t *testing.T) {
	env := newTestEnv(t, false) // connects never succeed

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "degraded", func() bool { return sub.Status().Degraded })
	if got := sub.Status().Mode; got != StatusPolling {
		t.Errorf("Mode = %s, want %s", got, StatusPolling)
	}
}

func TestStatus_ErrorOnPermanentFetchFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.hs.mu.Lock()
	env.hs.getStatus = http.StatusNotFound
	env.hs.mu.Unlock()

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "error status", func() bool {
		st := sub.Status()
		return st.Mode == StatusError && st.LastErr != ""
	})
}

func TestRefresh_GuardsReentrancy(t *testing.T) {
	env := newTestEnv(t, true)

	gate := make(chan struct{})
	env.hs.mu.Lock()
	env.hs.gate = gate
	env.hs.mu.Unlock()

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	// The initial fetch is parked on the gate; a manual refresh must refuse
	// to stack a second request.
	waitFor(t, "in-flight guard", func() bool {
		return errors.Is(sub.Refresh(context.Background()), ErrFetchInFlight)
	})

	close(gate)
	env.hs.mu.Lock()
	env.hs.gate = nil
	env.hs.mu.Unlock()

	waitFor(t, "refresh allowed", func() bool {
		err := sub.Refresh(context.Background())
		return err == nil
	})
}

func TestClose_DiscardsInFlightFetch(t *testing.T) {
	env := newTestEnv(t, true)
	env.hs.add(rec("a", 1))

	gate := make(chan struct{})
	env.hs.mu.Lock()
	env.hs.gate = gate
	env.hs.mu.Unlock()

	sub := env.ctl.Subscribe("audit")

	// Unsubscribe while the initial fetch is still parked on the server.
	if err := sub.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	close(gate)

	waitFor(t, "stale fetch discarded", func() bool {
		return env.ctl.Stats().StaleFetches == 1
	})
	if n := env.ctl.Stats().ActiveFeeds; n != 0 {
		t.Errorf("ActiveFeeds = %d, want 0", n)
	}

	if err := sub.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if err := sub.Send(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestSubscribers_ShareOneSequence(t *testing.T) {
	env := newTestEnv(t, true)
	env.hs.add(rec("a", 1), rec("b", 2))

	s1 := env.ctl.Subscribe("audit")
	defer s1.Close()
	s2 := env.ctl.Subscribe("audit")

	waitFor(t, "history merged", func() bool { return hasIDs(s1.Records(), "a", "b") })
	if !hasIDs(s2.Records(), "a", "b") {
		t.Error("second subscriber does not see the shared sequence")
	}

	// Closing one subscriber leaves the feed running for the other.
	if err := s2.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	waitFor(t, "still live", func() bool { return s1.Status().Mode == StatusLive })

	env.ff.latest().messages <- liveFrame(t, rec("c", 3))
	waitFor(t, "live record merged", func() bool { return hasIDs(s1.Records(), "a", "b", "c") })
}

func TestResubscribe_DuringTeardownKeepsLiveDelivery(t *testing.T) {
	env := newTestEnv(t, true)

	// Unmount/remount churn: a new subscription racing the previous one's
	// teardown must end up on a channel whose sink is its own merger, not
	// the dying one's.
	for i := 0; i < 20; i++ {
		sub := env.ctl.Subscribe("audit")
		waitFor(t, "live", func() bool { return sub.Status().Mode == StatusLive })

		done := make(chan struct{})
		go func() {
			sub.Close()
			close(done)
		}()
		next := env.ctl.Subscribe("audit")
		<-done

		waitFor(t, "live after resubscribe", func() bool { return next.Status().Mode == StatusLive })

		r := rec(fmt.Sprintf("r%02d", i), i+1)
		env.ff.latest().messages <- liveFrame(t, r)
		waitFor(t, "live record reaches new subscriber", func() bool {
			for _, got := range next.Records() {
				if got.ID == r.ID {
					return true
				}
			}
			return false
		})

		if err := next.Close(); err != nil {
			t.Fatalf("Close = %v", err)
		}
	}
}

func TestSend_LiveGoesOverChannel(t *testing.T) {
	env := newTestEnv(t, true)

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "live", func() bool { return sub.Status().Mode == StatusLive })

	if err := sub.Send(context.Background(), json.RawMessage(`{"note":"hi"}`)); err != nil {
		t.Fatalf("Send = %v", err)
	}

	client := env.ff.latest()
	waitFor(t, "frame sent", func() bool { return client.sentCount() == 1 })

	client.mu.Lock()
	frame := client.sent[0]
	client.mu.Unlock()

	var out feed.Outbound
	if err := json.Unmarshal(frame, &out); err != nil {
		t.Fatalf("unmarshal sent frame: %v", err)
	}
	if out.FeedID != "audit" || out.IdempotencyKey == "" {
		t.Errorf("sent frame = %+v, want feed id and idempotency key", out)
	}
	if env.hs.postedCount() != 0 {
		t.Error("live send also hit the REST fallback")
	}
}

func TestSend_FallsBackToRESTWhilePolling(t *testing.T) {
	env := newTestEnv(t, false)

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "polling", func() bool { return sub.Status().Mode == StatusPolling })

	if err := sub.Send(context.Background(), json.RawMessage(`{"note":"offline"}`)); err != nil {
		t.Fatalf("Send = %v", err)
	}
	if n := env.hs.postedCount(); n != 1 {
		t.Fatalf("REST fallback saw %d posts, want 1", n)
	}
	// The fallback landed, so the queued copy is gone.
	if n := env.ctl.Stats().QueuedSends; n != 0 {
		t.Errorf("QueuedSends = %d, want 0", n)
	}

	env.hs.mu.Lock()
	key := env.hs.posted[0].IdempotencyKey
	env.hs.mu.Unlock()
	if key == "" {
		t.Error("fallback post carries no idempotency key")
	}
}

func TestSend_QueueFlushesOnReconnect(t *testing.T) {
	env := newTestEnv(t, false)
	env.hs.mu.Lock()
	env.hs.postStatus = http.StatusBadGateway
	env.hs.mu.Unlock()

	sub := env.ctl.Subscribe("audit")
	defer sub.Close()

	waitFor(t, "polling", func() bool { return sub.Status().Mode == StatusPolling })

	// Both paths down: the send errors but stays queued.
	if err := sub.Send(context.Background(), json.RawMessage(`{"note":"stuck"}`)); err == nil {
		t.Fatal("Send succeeded with channel down and fallback failing")
	}
	if n := env.ctl.Stats().QueuedSends; n != 1 {
		t.Fatalf("QueuedSends = %d, want 1", n)
	}

	// Reconnect drains the queue over the channel.
	env.ff.allow.Store(true)
	waitFor(t, "live", func() bool { return sub.Status().Mode == StatusLive })
	waitFor(t, "queue flushed", func() bool {
		c := env.ff.latest()
		return c != nil && c.sentCount() == 1 && env.ctl.Stats().QueuedSends == 0
	})
}
