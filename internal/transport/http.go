package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rajchodisetti/futures-guard/internal/observ"
)

// ErrGaveUp is reported when the reconnect budget is exhausted.
var ErrGaveUp = errors.New("signal feed: reconnect attempts exhausted")

var _ Client = (*HTTPClient)(nil)

// HTTPClient polls the signal endpoint with a cursor so a restarted agent
// resumes after the last event it saw.
type HTTPClient struct {
	config    Config
	url       string
	eventChan chan EventEnvelope
	state     int32 // atomic ConnectionState

	mu          sync.Mutex
	lastEventID string
	lastErr     error

	client *http.Client
	cancel context.CancelFunc
	done   chan struct{}

	messagesReceived int64
	pollCount        int64
	dropped          int64
}

func NewHTTPClient(config Config) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("signal feed: base_url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("signal feed: base_url: %w", err)
	}
	if config.Path == "" {
		config.Path = "/signals"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxChannelBuffer <= 0 {
		config.MaxChannelBuffer = 256
	}

	client := &HTTPClient{
		config:    config,
		url:       config.BaseURL + config.Path,
		eventChan: make(chan EventEnvelope, config.MaxChannelBuffer),
		client:    &http.Client{Timeout: config.Timeout},
		done:      make(chan struct{}),
	}
	atomic.StoreInt32(&client.state, int32(StateDisconnected))
	return client, nil
}

// Resume sets the cursor to continue from, typically persisted by the caller.
func (c *HTTPClient) Resume(cursor string) {
	c.mu.Lock()
	c.lastEventID = cursor
	c.mu.Unlock()
}

func (c *HTTPClient) Start(ctx context.Context) (<-chan EventEnvelope, error) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.pollLoop(ctx)
	return c.eventChan, nil
}

// Close stops polling and waits for the loop to close the channel.
func (c *HTTPClient) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *HTTPClient) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Err returns the error that ended polling, if any.
func (c *HTTPClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *HTTPClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *HTTPClient) pollLoop(ctx context.Context) {
	defer close(c.done)
	defer close(c.eventChan)
	defer atomic.StoreInt32(&c.state, int32(StateDisconnected))

	atomic.StoreInt32(&c.state, int32(StateConnecting))
	failures := 0
	wait := time.Duration(0)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			atomic.StoreInt32(&c.state, int32(StateConnecting))
			observ.Log("signal_feed_poll_error", map[string]any{
				"error":    err.Error(),
				"failures": failures,
			})
			if limit := c.config.Reconnect.MaxAttempts; limit > 0 && failures >= limit {
				c.mu.Lock()
				c.lastErr = fmt.Errorf("%w: %v", ErrGaveUp, err)
				c.mu.Unlock()
				return
			}
			wait = c.config.Reconnect.backoff(failures)
			continue
		}

		failures = 0
		atomic.StoreInt32(&c.state, int32(StateConnected))
		wait = c.config.PollInterval
	}
}

func (c *HTTPClient) pollOnce(ctx context.Context) error {
	atomic.AddInt64(&c.pollCount, 1)

	pollURL := c.url
	if cursor := c.LastEventID(); cursor != "" {
		u, err := url.Parse(pollURL)
		if err != nil {
			return fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
		pollURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var response struct {
		Events []EventEnvelope `json:"events"`
		Cursor string          `json:"cursor"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	for _, envelope := range response.Events {
		if envelope.V == 0 {
			envelope.V = 1
		}
		if envelope.TS.IsZero() {
			envelope.TS = time.Now().UTC()
		}
		select {
		case c.eventChan <- envelope:
			atomic.AddInt64(&c.messagesReceived, 1)
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Signals are time-sensitive; a stale backlog is worse than a gap.
			atomic.AddInt64(&c.dropped, 1)
			observ.Log("signal_feed_backpressure_drop", map[string]any{"id": envelope.ID})
		}
		if envelope.ID != "" {
			c.Resume(envelope.ID)
		}
	}
	if response.Cursor != "" {
		c.Resume(response.Cursor)
	}
	return nil
}

func (c *HTTPClient) GetMetrics() map[string]any {
	return map[string]any{
		"connection_state":  c.ConnectionState().String(),
		"messages_received": atomic.LoadInt64(&c.messagesReceived),
		"poll_count":        atomic.LoadInt64(&c.pollCount),
		"dropped":           atomic.LoadInt64(&c.dropped),
		"last_event_id":     c.LastEventID(),
	}
}
