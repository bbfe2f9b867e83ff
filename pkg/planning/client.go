package planning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/metrics"
)

const (
	defaultBaseURL = "https://api.notion.com"
	apiVersion     = "2022-06-28"

	// Requests per second across the whole process, matching the provider's
	// documented limit.
	requestsPerSecond = 3

	maxAttempts = 3
	baseBackoff = time.Second
	maxBackoff  = 60 * time.Second
)

// processLimiter is shared by every client in the process. Clients are per
// channel, but the provider's ceiling is not; N channels must still add up
// to 3 req/s.
var processLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)

var (
	// ErrTokenInvalid means the integration token was rejected. The channel
	// must be paused until the token is replaced.
	ErrTokenInvalid = errors.New("planning token invalid")

	// ErrPermanent marks non-retriable client errors (bad request, page
	// archived, schema mismatch).
	ErrPermanent = errors.New("permanent planning error")
)

// Page is the planning view of one row: the fields the pipeline needs, not
// the full property map.
type Page struct {
	ID             string
	Title          string
	Topic          string
	StoryDirection string
	Priority       string
	StatusLabel    string
	VideoURL       string
	UpdatedAt      time.Time
}

// StatusUpdate is an outbound mirror write.
type StatusUpdate struct {
	Label        string
	VideoURL     string // written only when non-empty
	ErrorMessage string // written only when non-empty
}

// Client talks to one planning database integration. Each channel gets its
// own client because tokens are per integration; the rate limiter is shared
// process-wide.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLimiter overrides the shared process limiter, used by tests.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a planning client for one integration token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    processLimiter,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "planning",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithComponent("planning").Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryDatabase lists all pages in a planning database, following cursors.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string) ([]*Page, error) {
	var pages []*Page
	cursor := ""
	for {
		body := map[string]interface{}{"page_size": 100}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		raw, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/databases/%s/query", databaseID), body)
		if err != nil {
			return nil, err
		}

		var resp struct {
			Results    []json.RawMessage `json:"results"`
			HasMore    bool              `json:"has_more"`
			NextCursor string            `json:"next_cursor"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode query response: %w", err)
		}
		for _, r := range resp.Results {
			p, err := parsePage(r)
			if err != nil {
				log.WithComponent("planning").Warn().Err(err).Msg("skipping unparseable page")
				continue
			}
			pages = append(pages, p)
		}
		if !resp.HasMore {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

// GetPage fetches a single page.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v1/pages/"+pageID, nil)
	if err != nil {
		return nil, err
	}
	return parsePage(raw)
}

// UpdateStatus mirrors orchestrator state onto a page.
func (c *Client) UpdateStatus(ctx context.Context, pageID string, u StatusUpdate) error {
	props := map[string]interface{}{
		"Status": map[string]interface{}{
			"status": map[string]string{"name": u.Label},
		},
	}
	if u.VideoURL != "" {
		props["Video URL"] = map[string]interface{}{"url": u.VideoURL}
	}
	if u.ErrorMessage != "" {
		props["Error Log"] = map[string]interface{}{
			"rich_text": []map[string]interface{}{
				{"text": map[string]string{"content": clampText(u.ErrorMessage, 2000)}},
			},
		}
	}
	_, err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID,
		map[string]interface{}{"properties": props})
	return err
}

// do runs one API call through the rate limiter, the circuit breaker, and
// the retry loop. Rate limiting happens before each attempt including
// retries, so bursts of retries cannot exceed the token's budget.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, jitteredBackoff(attempt)); err != nil {
				return nil, err
			}
		}

		waitStart := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		metrics.PlanningRateWait.Observe(time.Since(waitStart).Seconds())

		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.once(ctx, method, path, body)
		})
		if err == nil {
			metrics.PlanningRequests.WithLabelValues(method, "ok").Inc()
			return out.([]byte), nil
		}
		if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrPermanent) {
			metrics.PlanningRequests.WithLabelValues(method, "permanent").Inc()
			return nil, err
		}
		metrics.PlanningRequests.WithLabelValues(method, "retriable").Inc()
		lastErr = err
	}
	return nil, fmt.Errorf("planning request failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planning request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrTokenInvalid
	case resp.StatusCode == http.StatusTooManyRequests:
		if d := retryAfter(resp); d > 0 {
			_ = sleepCtx(ctx, d)
		}
		return nil, fmt.Errorf("rate limited by planning API")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("planning API returned %d", resp.StatusCode)
	default:
		return nil, fmt.Errorf("planning API returned %d: %s: %w",
			resp.StatusCode, clampText(string(raw), 300), ErrPermanent)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// jitteredBackoff is full jitter: a uniform draw from (0, min(cap, base*2^n)].
func jitteredBackoff(attempt int) time.Duration {
	ceiling := baseBackoff << uint(attempt-1)
	if ceiling > maxBackoff {
		ceiling = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(ceiling))) + time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func clampText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
