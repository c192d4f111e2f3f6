// Package gateway issues authenticated HTTP requests against the platform
// API with retry, backoff, offline rerouting, response caching and
// client-side mutation quotas. It owns the auth session; nothing else
// mutates credentials.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/config"
	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/keystore"
	"github.com/clanhub/appcore/internal/logging"
	"github.com/clanhub/appcore/internal/models"
)

// defaultRetries bounds retry attempts when the caller does not say.
const defaultRetries = 3

// Cache is the slice of the local store the gateway needs for offline GET
// rerouting and response caching.
type Cache interface {
	CacheGet(key string) (*models.CacheEntry, error)
	CachePut(key string, value json.RawMessage, ttl time.Duration) error
}

// OfflineQueuer accepts mutation intents issued while offline. The sync
// engine registers itself here after construction.
type OfflineQueuer interface {
	EnqueueRequest(endpoint, method string, body json.RawMessage) (*models.PendingAction, error)
}

// Options tune a single request.
type Options struct {
	// Timeout is the hard deadline for the whole call, retries included.
	// Zero means the configured default.
	Timeout time.Duration

	// RequireAuth attaches the Authorization header from the current session.
	RequireAuth bool

	// Retries bounds retry attempts for transient failures. Negative
	// disables retries; zero means the default of 3.
	Retries int

	// Cacheable marks a GET eligible for offline rerouting even when its
	// endpoint is outside the configured prefix set.
	Cacheable bool

	// IdempotencyKey is echoed to the server for request deduplication.
	IdempotencyKey string
}

// Client is the request gateway.
type Client struct {
	cfg     config.ServerConfig
	http    *http.Client
	ks      keystore.Keystore
	monitor connectivity.Monitor
	cache   Cache
	limits  *limiter

	mu      sync.RWMutex
	session *models.AuthSession

	refreshMu sync.Mutex

	queuer atomic.Pointer[OfflineQueuer]
}

// New creates a gateway client. dataDir receives downloaded blobs.
func New(cfg config.ServerConfig, ks keystore.Keystore, monitor connectivity.Monitor, cache Cache) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{},
		ks:      ks,
		monitor: monitor,
		cache:   cache,
		limits:  newLimiter(cfg, cache),
	}
}

// SetOfflineQueuer registers the component that absorbs mutation intents
// while offline.
func (c *Client) SetOfflineQueuer(q OfflineQueuer) {
	c.queuer.Store(&q)
}

// Request issues an HTTP call and returns the decoded response body.
//
// Failures carry a code from the error taxonomy: Network, Timeout,
// Unauthorized, Forbidden, NotFound, RateLimited, ClientError, ServerError,
// Offline, OfflineNoCache.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any, opts *Options) (json.RawMessage, error) {
	if opts == nil {
		opts = &Options{}
	}

	cacheable := method == http.MethodGet && (opts.Cacheable || c.cfg.Cacheable(endpoint))

	if !c.monitor.State().Online {
		return c.serveOffline(method, endpoint, cacheable)
	}

	if err := c.limits.allow(method, endpoint); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
	}

	payload, err := c.doWithRetry(ctx, method, endpoint, encoded, opts, false)
	if err != nil {
		return nil, err
	}

	if cacheable && c.cache != nil {
		if err := c.cache.CachePut(cacheKey(method, endpoint), payload, c.cfg.CacheTTL); err != nil {
			logging.Warn("failed to cache response", logging.Fields{"endpoint": endpoint})
		}
	}
	return payload, nil
}

// EnqueueIfOffline hands a mutation intent to the registered offline queuer
// when the device is offline. Returns (nil, false, nil) while online, in
// which case the caller should issue the request normally.
func (c *Client) EnqueueIfOffline(endpoint, method string, body json.RawMessage) (*models.PendingAction, bool, error) {
	if c.monitor.State().Online {
		return nil, false, nil
	}
	qp := c.queuer.Load()
	if qp == nil {
		return nil, false, apperrors.New(apperrors.CodeOffline, "offline and no mutation queue registered")
	}
	action, err := (*qp).EnqueueRequest(endpoint, method, body)
	if err != nil {
		return nil, false, err
	}
	return action, true, nil
}

func (c *Client) serveOffline(method, endpoint string, cacheable bool) (json.RawMessage, error) {
	if !cacheable {
		return nil, apperrors.Newf(apperrors.CodeOffline, "%s %s requires connectivity", method, endpoint)
	}
	if c.cache != nil {
		entry, err := c.cache.CacheGet(cacheKey(method, endpoint))
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry.Value, nil
		}
	}
	return nil, apperrors.Newf(apperrors.CodeOfflineNoCache, "no cached response for %s", endpoint)
}

// doWithRetry runs the request under the retry policy: exponential backoff
// with a 1s base over network failures, timeouts, 5xx and 408/429, honoring
// Retry-After on 429. A 401 triggers exactly one token refresh followed by
// one re-issue.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, body []byte, opts *Options, refreshed bool) (json.RawMessage, error) {
	retries := opts.Retries
	if retries == 0 {
		retries = defaultRetries
	}
	if retries < 0 {
		retries = 0
	}

	var retryAfterMs atomic.Int64
	backoff := withRetryAfter(retry.WithMaxRetries(uint64(retries), retry.NewExponential(time.Second)), &retryAfterMs)

	var payload json.RawMessage
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, attemptErr := c.doOnce(ctx, method, endpoint, body, opts)
		if attemptErr != nil {
			var rl *rateLimitedError
			if errors.As(attemptErr, &rl) && rl.retryAfter > 0 {
				retryAfterMs.Store(rl.retryAfter.Milliseconds())
			}
			if apperrors.Retryable(attemptErr) {
				return retry.RetryableError(attemptErr)
			}
			return attemptErr
		}
		payload = data
		return nil
	})
	if err != nil {
		err = normalizeErr(err)
		if apperrors.Is(err, apperrors.CodeUnauthorized) && !refreshed && opts.RequireAuth {
			if refreshErr := c.refreshSession(ctx); refreshErr != nil {
				return nil, refreshErr
			}
			return c.doWithRetry(ctx, method, endpoint, body, opts, true)
		}
		return nil, err
	}
	return payload, nil
}

// doOnce performs a single HTTP exchange.
func (c *Client) doOnce(ctx context.Context, method, endpoint string, body []byte, opts *Options) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.IdempotencyKey)
	}
	if opts.RequireAuth {
		session := c.Session()
		if session == nil {
			return nil, apperrors.New(apperrors.CodeUnauthorized, "no auth session")
		}
		req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Wrap(apperrors.CodeTimeout, "request deadline exceeded", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNetwork, "read response", err)
	}

	if appErr := apperrors.FromStatus(resp.StatusCode, strings.TrimSpace(string(truncate(data, 256)))); appErr != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &rateLimitedError{AppError: appErr, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		return nil, appErr
	}
	return data, nil
}

// Session returns the current auth session, or nil.
func (c *Client) Session() *models.AuthSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetAuth installs a session and persists it to the keystore.
func (c *Client) SetAuth(session *models.AuthSession) error {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if session == nil {
		return keystore.ClearSession(c.ks)
	}
	return keystore.SaveSession(c.ks, session)
}

// ClearAuth drops the session and wipes it from the keystore.
func (c *Client) ClearAuth() error {
	return c.SetAuth(nil)
}

// rateLimitedError carries the server's Retry-After hint alongside the
// RateLimited code.
type rateLimitedError struct {
	*apperrors.AppError
	retryAfter time.Duration
}

func (e *rateLimitedError) Unwrap() error { return e.AppError }

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// withRetryAfter wraps a backoff so a 429 Retry-After hint overrides the
// computed delay for the next wait.
func withRetryAfter(next retry.Backoff, override *atomic.Int64) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := next.Next()
		if stop {
			return 0, true
		}
		if ms := override.Swap(0); ms > 0 {
			return time.Duration(ms) * time.Millisecond, false
		}
		return d, false
	})
}

// normalizeErr unwraps retry markers and maps context deadline errors to
// the Timeout code.
func normalizeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && apperrors.CodeOf(err) == apperrors.CodeInternal {
		return apperrors.Wrap(apperrors.CodeTimeout, "request deadline exceeded", err)
	}
	var rl *rateLimitedError
	if errors.As(err, &rl) {
		return rl.AppError
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return err
}

func cacheKey(method, endpoint string) string {
	return method + " " + endpoint
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
