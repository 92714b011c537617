package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"log/slog"

	"github.com/regulens/feedsync/internal/feed"
)

// FetchError classifies a failed history request. Transient failures are
// retried automatically and never surfaced as page-blocking; permanent
// failures are surfaced once to the subscriber and not retried.
type FetchError struct {
	StatusCode int // 0 for network-level failures
	Message    string
	Transient  bool
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("history fetch failed: %d %s", e.StatusCode, e.Message)
	}
	return "history fetch failed: " + e.Message
}

// FetchOptions parameterize one page fetch.
type FetchOptions struct {
	Limit  int
	Cursor string
}

// Batch is one ordered page of history.
type Batch struct {
	Records    []feed.Record
	NextCursor string
}

// fetchResponse is the wire shape of GET /feeds/{feedId}.
type fetchResponse struct {
	Records    []feed.Record `json:"records"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// Loader fetches historical records over REST.
type Loader struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries int
	retryStep  time.Duration // linear backoff: step, 2*step, 3*step, ...
}

// Option configures a Loader.
type Option func(*Loader)

// NewLoader creates a history loader for the given REST base URL.
func NewLoader(baseURL, authToken string, opts ...Option) *Loader {
	l := &Loader{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:     slog.Default(),
		maxRetries: 3,
		retryStep:  time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		l.httpClient.Timeout = d
	}
}

// WithRetries sets the transient-failure retry count and backoff step.
func WithRetries(max int, step time.Duration) Option {
	return func(l *Loader) {
		l.maxRetries = max
		l.retryStep = step
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(l *Loader) {
		l.httpClient = hc
	}
}

// Fetch retrieves one page of history for a feed, sorted ascending by
// ProducedAt with ties broken by id. The server is expected to return sorted
// batches already; the loader does not rely on that and sorts in memory.
func (l *Loader) Fetch(ctx context.Context, feedID string, opts FetchOptions) (*Batch, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}

	body, err := l.getWithRetry(ctx, "/feeds/"+url.PathEscape(feedID), query)
	if err != nil {
		return nil, err
	}

	var resp fetchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &FetchError{Message: "malformed payload: " + err.Error()}
	}

	slices.SortStableFunc(resp.Records, feed.Compare)

	return &Batch{
		Records:    resp.Records,
		NextCursor: resp.NextCursor,
	}, nil
}

// FetchAll pages through a feed's full history from the given cursor.
func (l *Loader) FetchAll(ctx context.Context, feedID string, pageSize int) ([]feed.Record, error) {
	var all []feed.Record
	opts := FetchOptions{Limit: pageSize}

	for {
		batch, err := l.Fetch(ctx, feedID, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, batch.Records...)

		if batch.NextCursor == "" {
			break
		}
		opts.Cursor = batch.NextCursor
	}

	return all, nil
}

// PostMessage issues the REST write fallback, used only while the push
// channel is not Connected. It is attempted once; the caller owns retries,
// since the server is not assumed to deduplicate by idempotency key.
func (l *Loader) PostMessage(ctx context.Context, feedID string, out feed.Outbound) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.baseURL+"/feeds/"+url.PathEscape(feedID)+"/messages",
		bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	l.setAuth(req)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return &FetchError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return &FetchError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Transient:  retryableStatus(resp.StatusCode),
		}
	}
	return nil
}

// getWithRetry performs a GET, retrying transient failures with linear
// backoff (step, 2*step, 3*step).
func (l *Loader) getWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * l.retryStep
			l.logger.Debug("retrying history fetch",
				"attempt", attempt,
				"backoff", wait,
				"path", path,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		body, err := l.get(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		fe, ok := err.(*FetchError)
		if !ok || !fe.Transient {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// get performs a single GET request.
func (l *Loader) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := l.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	l.setAuth(req)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient by definition.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Message: "read response: " + err.Error(), Transient: true}
	}

	if resp.StatusCode >= 400 {
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Transient:  retryableStatus(resp.StatusCode),
		}
	}

	return body, nil
}

func (l *Loader) setAuth(req *http.Request) {
	if l.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.authToken)
	}
}

// retryableStatus reports whether an HTTP status warrants a retry.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}
