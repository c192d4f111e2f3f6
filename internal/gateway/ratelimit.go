package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/clanhub/appcore/internal/apperrors"
	"github.com/clanhub/appcore/internal/config"
)

// limitCounter is one fixed-window quota counter. Durable counters are
// stored in the response cache so vote and report budgets survive a
// restart; everything else lives in memory.
type limitCounter struct {
	WindowStart int64 `json:"window_start"`
	Count       int   `json:"count"`
}

// limiter enforces per-subject quotas on mutating calls before they reach
// the wire. The subject is the full endpoint path, so POST /votes/c1 and
// POST /votes/c2 count separately.
type limiter struct {
	cfg config.ServerConfig

	// cache backs counters for durable prefixes; nil disables durability.
	cache Cache

	mu  sync.Mutex
	mem map[string]*limitCounter

	now func() time.Time
}

func newLimiter(cfg config.ServerConfig, cache Cache) *limiter {
	return &limiter{
		cfg:   cfg,
		cache: cache,
		mem:   make(map[string]*limitCounter),
		now:   time.Now,
	}
}

// allow consumes one quota unit for the call, or fails with RateLimited
// when the window budget is spent. Reads and unconfigured endpoints pass
// through untouched.
func (l *limiter) allow(method, endpoint string) error {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}
	if !l.cfg.RateLimited(endpoint) {
		return nil
	}
	if l.cfg.RateLimitMax < 1 || l.cfg.RateLimitWindow <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := "ratelimit:" + method + " " + endpoint
	durable := l.cfg.RateLimitDurable(endpoint) && l.cache != nil

	counter := l.load(key, durable)
	nowMs := l.now().UnixMilli()
	if nowMs-counter.WindowStart >= l.cfg.RateLimitWindow.Milliseconds() {
		counter.WindowStart = nowMs
		counter.Count = 0
	}
	if counter.Count >= l.cfg.RateLimitMax {
		return apperrors.Newf(apperrors.CodeRateLimited,
			"quota of %d per %s spent for %s", l.cfg.RateLimitMax, l.cfg.RateLimitWindow, endpoint)
	}
	counter.Count++
	l.store(key, durable, counter)
	return nil
}

func (l *limiter) load(key string, durable bool) *limitCounter {
	if durable {
		entry, err := l.cache.CacheGet(key)
		if err == nil && entry != nil {
			var counter limitCounter
			if json.Unmarshal(entry.Value, &counter) == nil {
				return &counter
			}
		}
		return &limitCounter{}
	}
	counter, ok := l.mem[key]
	if !ok {
		counter = &limitCounter{}
		l.mem[key] = counter
	}
	return counter
}

func (l *limiter) store(key string, durable bool, counter *limitCounter) {
	if !durable {
		return
	}
	value, err := json.Marshal(counter)
	if err != nil {
		return
	}
	// TTL past the window end keeps the row until it can no longer matter.
	_ = l.cache.CachePut(key, value, 2*l.cfg.RateLimitWindow)
}
