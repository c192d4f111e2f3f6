// Package config loads the core's configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all configuration for the data plane core.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Sync     SyncConfig
	Realtime RealtimeConfig
	Log      LogConfig
}

// ServerConfig holds the remote endpoint surface.
type ServerConfig struct {
	BaseURL        string        `envconfig:"BASE_URL" default:"https://api.clanhub.app"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	// Comma-separated endpoint prefixes eligible for offline GET rerouting.
	CacheablePrefixes []string      `envconfig:"CACHEABLE_PREFIXES" default:"/content,/clans,/users"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	// Endpoint prefixes whose mutating calls are rate limited client-side.
	RateLimitPrefixes []string `envconfig:"RATE_LIMIT_PREFIXES" default:"/votes,/reports,/messages"`
	// Subset of RateLimitPrefixes whose counters must survive a restart.
	RateLimitDurablePrefixes []string      `envconfig:"RATE_LIMIT_DURABLE_PREFIXES" default:"/votes,/reports"`
	RateLimitMax             int           `envconfig:"RATE_LIMIT_MAX" default:"30"`
	RateLimitWindow          time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1h"`
}

// StoreConfig holds local persistence settings.
type StoreConfig struct {
	DataDir string `envconfig:"DATA_DIR" default:"./data"`
	// Seed for the encrypted file keystore. Platform shells with a real
	// keychain ignore this.
	KeystoreSecret string `envconfig:"KEYSTORE_SECRET" default:"appcore-dev"`
}

// SyncConfig holds sync engine tuning.
type SyncConfig struct {
	BatchSize    int           `envconfig:"SYNC_BATCH_SIZE" default:"10"`
	MaxAttempts  int           `envconfig:"SYNC_MAX_ATTEMPTS" default:"5"`
	PeriodicSync time.Duration `envconfig:"SYNC_PERIODIC_INTERVAL" default:"30s"`
}

// RealtimeConfig holds the duplex socket settings.
type RealtimeConfig struct {
	URL       string `envconfig:"REALTIME_URL" default:"wss://api.clanhub.app/realtime"`
	BufferCap int    `envconfig:"REALTIME_BUFFER_CAP" default:"1024"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants the rest of the core relies on.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
		return fmt.Errorf("invalid BASE_URL %q: %w", c.Server.BaseURL, err)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be >= 1, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be >= 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Realtime.BufferCap < 1 {
		return fmt.Errorf("REALTIME_BUFFER_CAP must be >= 1, got %d", c.Realtime.BufferCap)
	}
	for _, p := range c.Server.CacheablePrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cacheable prefix %q must start with /", p)
		}
	}
	for _, p := range append(c.Server.RateLimitPrefixes, c.Server.RateLimitDurablePrefixes...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("rate limit prefix %q must start with /", p)
		}
	}
	if len(c.Server.RateLimitPrefixes) > 0 {
		if c.Server.RateLimitMax < 1 {
			return fmt.Errorf("RATE_LIMIT_MAX must be >= 1, got %d", c.Server.RateLimitMax)
		}
		if c.Server.RateLimitWindow <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.Server.RateLimitWindow)
		}
	}
	return nil
}

// Cacheable reports whether the endpoint matches a configured cacheable
// prefix.
func (s *ServerConfig) Cacheable(endpoint string) bool {
	return hasPrefix(s.CacheablePrefixes, endpoint)
}

// RateLimited reports whether mutating calls to the endpoint count against
// the client-side quota.
func (s *ServerConfig) RateLimited(endpoint string) bool {
	return hasPrefix(s.RateLimitPrefixes, endpoint)
}

// RateLimitDurable reports whether the endpoint's quota counter must
// survive a restart.
func (s *ServerConfig) RateLimitDurable(endpoint string) bool {
	return hasPrefix(s.RateLimitDurablePrefixes, endpoint)
}

func hasPrefix(prefixes []string, endpoint string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}
