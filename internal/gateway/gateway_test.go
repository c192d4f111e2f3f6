package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/config"
	"github.com/clanhub/appcore/internal/connectivity"
	"github.com/clanhub/appcore/internal/keystore"
	"github.com/clanhub/appcore/internal/models"
)

// fakeCache is an in-memory Cache for gateway tests.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*models.CacheEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*models.CacheEntry)}
}

func (f *fakeCache) CacheGet(key string) (*models.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok || e.Expired(time.Now()) {
		return nil, nil
	}
	return e, nil
}

func (f *fakeCache) CachePut(key string, value json.RawMessage, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = &models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
		CreatedAt: time.Now().UnixMilli(),
	}
	return nil
}

type testEnv struct {
	client  *Client
	monitor *connectivity.ManualMonitor
	ks      *keystore.Memory
	cache   *fakeCache
}

func newTestClient(t *testing.T, baseURL string, online bool) *testEnv {
	t.Helper()
	cfg := config.ServerConfig{
		BaseURL:           baseURL,
		RequestTimeout:    5 * time.Second,
		CacheablePrefixes: []string{"/content", "/clans"},
		CacheTTL:          time.Hour,
	}
	env := &testEnv{
		monitor: connectivity.NewManualMonitor(online),
		ks:      keystore.NewMemory(),
		cache:   newFakeCache(),
	}
	env.client = New(cfg, env.ks, env.monitor, env.cache)
	return env
}

func TestRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/u1", r.URL.Path)
		w.Write([]byte(`{"id":"u1"}`))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	payload, err := env.client.Request(context.Background(), http.MethodGet, "/users/u1", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"u1"}`, string(payload))
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	payload, err := env.client.Request(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(payload))
	assert.Equal(t, 2, calls)
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	_, err := env.client.Request(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.CodeOf(err))
	assert.Equal(t, 1, calls)
}

func TestRequestRetriesRateLimitWithRetryAfter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	start := time.Now()
	_, err := env.client.Request(context.Background(), http.MethodGet, "/x", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// Retry-After: 0 falls back to the 1s exponential base.
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestRequestRetryBudgetExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	_, err := env.client.Request(context.Background(), http.MethodGet, "/x", nil, &Options{Retries: 1})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeServerError, apperrors.CodeOf(err))
	assert.Equal(t, 2, calls, "original attempt plus one retry")
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	_, err := env.client.Request(context.Background(), http.MethodGet, "/x", nil, &Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeTimeout, apperrors.CodeOf(err))
}

func TestOfflineCacheableGetServedFromCache(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"items":[1,2,3]}`))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)

	// Warm the cache online.
	_, err := env.client.Request(context.Background(), http.MethodGet, "/content/feed", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Offline: the cached payload answers, no network call.
	env.monitor.SetOnline(false)
	payload, err := env.client.Request(context.Background(), http.MethodGet, "/content/feed", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[1,2,3]}`, string(payload))
	assert.Equal(t, 1, calls)
}

func TestOfflineCacheableGetWithoutCache(t *testing.T) {
	env := newTestClient(t, "http://unreachable.invalid", false)

	_, err := env.client.Request(context.Background(), http.MethodGet, "/content/feed", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeOfflineNoCache, apperrors.CodeOf(err))
}

func TestOfflineNonCacheableFails(t *testing.T) {
	env := newTestClient(t, "http://unreachable.invalid", false)

	_, err := env.client.Request(context.Background(), http.MethodGet, "/wallet/balance", nil, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeOffline, apperrors.CodeOf(err))

	_, err = env.client.Request(context.Background(), http.MethodPost, "/content/c1", map[string]string{"t": "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeOffline, apperrors.CodeOf(err))
}

type fakeQueuer struct {
	mu      sync.Mutex
	queued  []string
	methods []string
}

func (f *fakeQueuer) EnqueueRequest(endpoint, method string, body json.RawMessage) (*models.PendingAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, endpoint)
	f.methods = append(f.methods, method)
	return &models.PendingAction{ActionID: "queued-1"}, nil
}

func TestEnqueueIfOffline(t *testing.T) {
	env := newTestClient(t, "http://unreachable.invalid", false)
	q := &fakeQueuer{}
	env.client.SetOfflineQueuer(q)

	action, queued, err := env.client.EnqueueIfOffline("/content/c1", http.MethodPatch, json.RawMessage(`{"title":"A"}`))
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, "queued-1", action.ActionID)
	assert.Equal(t, []string{"/content/c1"}, q.queued)

	// Online requests are not queued.
	env.monitor.SetOnline(true)
	_, queued, err = env.client.EnqueueIfOffline("/content/c1", http.MethodPatch, nil)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestIdempotencyKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	env := newTestClient(t, srv.URL, true)
	_, err := env.client.Request(context.Background(), http.MethodPost, "/votes", nil, &Options{IdempotencyKey: "abc-123"})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", gotKey)
}
