// Package remote is the HTTP client for the sync endpoint. It attaches
// bearer credentials, bounds every attempt with a timeout, retries
// transient failures with capped exponential backoff, refreshes
// credentials once on 401, and classifies failures into typed errors.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	jsync "github.com/hyperengineering/journalsync/internal/sync"
)

// Defaults for Client options.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRetries     = 4
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second
)

// maxProblemBody bounds how much of an error body is read.
const maxProblemBody = 64 << 10

// Client talks to the sync endpoint. It is safe for concurrent use.
type Client struct {
	baseURL        string
	tokens         TokenSource
	http           *http.Client
	requestTimeout time.Duration
	maxRetries     int
	backoffBase    time.Duration
	backoffMax     time.Duration

	refresh singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRequestTimeout bounds each attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the first retry delay and the delay cap.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// New creates a Client for the endpoint at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		tokens:         tokens,
		http:           &http.Client{},
		requestTimeout: DefaultRequestTimeout,
		maxRetries:     DefaultMaxRetries,
		backoffBase:    DefaultBackoffBase,
		backoffMax:     DefaultBackoffMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = StaticToken("")
	}
	return c
}

// Push sends local mutations. A 409 is not an error: its body carries
// the conflicts.
func (c *Client) Push(ctx context.Context, records []jsync.PushRecord) (*jsync.PushResponse, error) {
	var resp jsync.PushResponse
	accept := func(status int) bool { return status == http.StatusOK || status == http.StatusConflict }
	err := c.do(ctx, "push", http.MethodPost, "/sync/push", jsync.PushRequest{Records: records}, accept, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches changes made after since.
func (c *Client) Pull(ctx context.Context, since time.Time) (*jsync.PullResponse, error) {
	var resp jsync.PullResponse
	path := "/sync/pull?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	if err := c.do(ctx, "pull", http.MethodGet, path, nil, statusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FullDownload fetches every live record.
func (c *Client) FullDownload(ctx context.Context) (*jsync.FullDownloadResponse, error) {
	var resp jsync.FullDownloadResponse
	if err := c.do(ctx, "full_download", http.MethodGet, "/sync/full", nil, statusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks endpoint reachability.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, "/health", nil, statusOK, nil)
}

func statusOK(status int) bool { return status == http.StatusOK }

// do runs one logical call: the retried request, plus exactly one
// credential refresh and repeat when the endpoint answers 401.
func (c *Client) do(ctx context.Context, op, method, path string, body any, accept func(int) bool, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("%w: %v", ErrMustReauthenticate, err)}
	}

	err = c.send(ctx, op, method, path, payload, token, accept, out)
	if !IsAuth(err) {
		return err
	}

	fresh, rerr := c.refreshToken(ctx, token)
	if rerr != nil {
		slog.Warn("credential refresh failed",
			"component", "remote",
			"action", "refresh",
			"op", op,
			"error", rerr,
		)
		if errors.Is(rerr, ErrMustReauthenticate) {
			return &Error{Kind: KindAuth, Op: op, Status: http.StatusUnauthorized, Err: rerr}
		}
		return &Error{Kind: KindAuth, Op: op, Status: http.StatusUnauthorized, Err: fmt.Errorf("%w: %v", ErrMustReauthenticate, rerr)}
	}

	err = c.send(ctx, op, method, path, payload, fresh, accept, out)
	if IsAuth(err) {
		return &Error{Kind: KindAuth, Op: op, Status: http.StatusUnauthorized, Err: ErrMustReauthenticate}
	}
	return err
}

// refreshToken shares one Refresh among concurrent callers. A caller
// whose rejected token was already replaced uses the replacement.
func (c *Client) refreshToken(ctx context.Context, rejected string) (string, error) {
	if current, ok := c.replacedToken(ctx, rejected); ok {
		return current, nil
	}
	v, err, _ := c.refresh.Do("refresh", func() (any, error) {
		// A refresh may have finished between the check above and Do.
		if current, ok := c.replacedToken(ctx, rejected); ok {
			return current, nil
		}
		return c.tokens.Refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// replacedToken returns the current token when it differs from rejected.
func (c *Client) replacedToken(ctx context.Context, rejected string) (string, bool) {
	current, err := c.tokens.Token(ctx)
	if err != nil || current == "" || current == rejected {
		return "", false
	}
	return current, true
}

// send retries transient failures with capped exponential backoff. A 429
// waits at least its Retry-After.
func (c *Client) send(ctx context.Context, op, method, path string, payload []byte, token string, accept func(int) bool, out any) error {
	var floor time.Duration
	var lastStatus int
	attempt := 0

	err := retry.Do(ctx, c.backoff(&floor), func(ctx context.Context) error {
		attempt++
		status, retryAfter, err := c.attempt(ctx, op, method, path, payload, token, accept, out)
		lastStatus = status
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			floor = retryAfter
			slog.Debug("remote call failed, retrying",
				"component", "remote",
				"action", op,
				"attempt", attempt,
				"status", status,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		slog.Warn("remote call gave up",
			"component", "remote",
			"action", op,
			"attempts", attempt,
			"status", lastStatus,
			"error", err,
		)
		return &Error{Kind: KindTransient, Op: op, Status: lastStatus, Err: fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)}
	}
	return err
}

func (c *Client) backoff(floor *time.Duration) retry.Backoff {
	b := retry.NewExponential(c.backoffBase)
	b = retry.WithCappedDuration(c.backoffMax, b)
	b = retry.WithMaxRetries(uint64(c.maxRetries), b)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop {
			return 0, true
		}
		if *floor > d {
			d = *floor
		}
		*floor = 0
		return d, false
	})
}

// attempt performs a single request bounded by the request timeout.
func (c *Client) attempt(ctx context.Context, op, method, path string, payload []byte, token string, accept func(int) bool, out any) (int, time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, c.baseURL+path, body)
	if err != nil {
		return 0, 0, &Error{Kind: KindServer, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		return 0, 0, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if accept(resp.StatusCode) {
		if out == nil {
			return resp.StatusCode, 0, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if ctx.Err() != nil {
				return resp.StatusCode, 0, ctx.Err()
			}
			if actx.Err() != nil {
				return resp.StatusCode, 0, &Error{Kind: KindTransient, Op: op, Status: resp.StatusCode, Err: err}
			}
			return resp.StatusCode, 0, &Error{Kind: KindServer, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return resp.StatusCode, 0, nil
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp.StatusCode, retryAfter, &Error{
		Kind:   classify(resp.StatusCode),
		Op:     op,
		Status: resp.StatusCode,
		Detail: problemDetail(resp.Body),
	}
}

// problemDetail extracts the detail of an RFC 7807 body, falling back
// to the raw text.
func problemDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxProblemBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var p struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &p) == nil {
		if p.Detail != "" {
			return p.Detail
		}
		if p.Title != "" {
			return p.Title
		}
	}
	return strings.TrimSpace(string(raw))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
